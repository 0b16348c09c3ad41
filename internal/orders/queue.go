package orders

import (
	"errors"
	"sync"
	"time"

	"github.com/quantfold/execution-engine/internal/model"
)

// ErrRetryQueueFull is returned when the retry queue is at capacity.
// Insertions beyond capacity are rejected, never blocked.
var ErrRetryQueueFull = errors.New("retry queue full")

type queuedOrder struct {
	order    *model.Order
	queuedAt time.Time
}

// retryQueue holds orders waiting for the exchange to recover. Entries older
// than the TTL are discarded on pop, never retried past expiry. Owned solely
// by the Manager; nothing else inserts into or drains it.
type retryQueue struct {
	mu       sync.Mutex
	items    []queuedOrder
	capacity int
	ttl      time.Duration
	rejected int64
	expired  []*model.Order
}

func newRetryQueue(capacity int, ttl time.Duration) *retryQueue {
	return &retryQueue{capacity: capacity, ttl: ttl}
}

// push enqueues an order snapshot, rejecting beyond capacity.
func (q *retryQueue) push(o *model.Order) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.rejected++
		return ErrRetryQueueFull
	}
	q.items = append(q.items, queuedOrder{order: o, queuedAt: time.Now()})
	return nil
}

// pop removes and returns the oldest unexpired order, collecting expired
// entries for the caller to fail explicitly.
func (q *retryQueue) pop() *model.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for len(q.items) > 0 {
		head := q.items[0]
		q.items = q.items[1:]
		if now.Sub(head.queuedAt) > q.ttl {
			q.expired = append(q.expired, head.order)
			continue
		}
		return head.order
	}
	return nil
}

// takeExpired returns and clears orders that aged past the TTL.
func (q *retryQueue) takeExpired() []*model.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.expired
	q.expired = nil
	return out
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *retryQueue) rejectedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejected
}
