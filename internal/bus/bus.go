package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Guarantee selects the delivery guarantee for a subscription.
type Guarantee string

const (
	// AtMostOnce drops the event after a failed delivery.
	AtMostOnce Guarantee = "AT_MOST_ONCE"
	// AtLeastOnce retries failed deliveries with backoff, then dead-letters.
	AtLeastOnce Guarantee = "AT_LEAST_ONCE"
)

// Event is a single message published on the bus. Payload ownership transfers
// to each subscriber: every subscriber receives its own copy.
type Event struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload"`
	EventID    string         `json:"event_id"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retry_count"`
}

// Handler processes one event. A non-nil error marks the delivery failed.
type Handler func(Event) error

// DeadLetter is an event that exhausted its delivery attempts.
type DeadLetter struct {
	Event     Event
	Topic     string
	LastError string
	FailedAt  time.Time
}

// Config holds event bus tuning knobs.
type Config struct {
	// SubscriberQueueSize bounds each subscriber's pending event queue.
	SubscriberQueueSize int
	// DeliveryAttempts is the total attempts for AT_LEAST_ONCE subscriptions.
	DeliveryAttempts int
	// DeliveryBackoff is the initial retry backoff, doubled per attempt.
	DeliveryBackoff time.Duration
	// DeliveryBackoffCap caps the retry backoff.
	DeliveryBackoffCap time.Duration
	// DeadLetterCapacity bounds the dead-letter queue; oldest entries are
	// dropped (and counted) on overflow.
	DeadLetterCapacity int
}

// DefaultConfig returns the default event bus configuration.
func DefaultConfig() Config {
	return Config{
		SubscriberQueueSize: 256,
		DeliveryAttempts:    3,
		DeliveryBackoff:     100 * time.Millisecond,
		DeliveryBackoffCap:  2 * time.Second,
		DeadLetterCapacity:  10000,
	}
}

type subscriber struct {
	id        string
	topic     string
	guarantee Guarantee
	handler   Handler
	ch        chan Event
}

// Bus is an async publish/subscribe hub. Publish never blocks on subscriber
// execution: each subscriber drains its own bounded queue on its own
// goroutine, so one slow or failing subscriber cannot stall the publisher or
// delay delivery to other subscribers of the same topic.
type Bus struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*subscriber
	closed bool
	wg     sync.WaitGroup

	dlMu        sync.Mutex
	deadLetters []DeadLetter

	published  int64
	delivered  int64
	failed     int64
	dlDropped  int64
	overflowed int64
}

// New creates an event bus.
func New(cfg Config, logger *zap.Logger) *Bus {
	return &Bus{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]map[string]*subscriber),
	}
}

// Subscribe registers a handler for a topic and returns a cancel func. The
// subscription lives until cancel is called; callers must cancel to release
// the topic entry (subscriber counts return to zero after all owners cancel).
func (b *Bus) Subscribe(topic string, guarantee Guarantee, handler Handler) func() {
	sub := &subscriber{
		id:        uuid.New().String(),
		topic:     topic,
		guarantee: guarantee,
		handler:   handler,
		ch:        make(chan Event, b.cfg.SubscriberQueueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*subscriber)
	}
	b.topics[topic][sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs, ok := b.topics[topic]
			if !ok {
				return
			}
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
			close(sub.ch)
		})
	}
}

// Publish delivers an event to every subscriber of the topic. It returns to
// the caller immediately; a topic with zero subscribers is a no-op.
func (b *Bus) Publish(topic string, payload map[string]any) {
	ev := Event{
		Topic:     topic,
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
	}
	atomic.AddInt64(&b.published, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[topic] {
		copied := ev
		copied.Payload = copyPayload(payload)
		select {
		case sub.ch <- copied:
		default:
			atomic.AddInt64(&b.overflowed, 1)
			if sub.guarantee == AtLeastOnce {
				b.deadLetter(copied, "subscriber queue full")
			} else {
				b.logger.Warn("subscriber queue full, event dropped",
					zap.String("topic", topic),
					zap.String("event_id", copied.EventID),
				)
			}
		}
	}
}

// run drains one subscriber's queue, delivering events in publish order.
func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	err := b.safeHandle(sub, ev)
	if err == nil {
		atomic.AddInt64(&b.delivered, 1)
		return
	}

	if sub.guarantee == AtMostOnce {
		atomic.AddInt64(&b.failed, 1)
		b.logger.Warn("handler failed, event dropped",
			zap.String("topic", ev.Topic),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return
	}

	backoff := b.cfg.DeliveryBackoff
	for attempt := 1; attempt < b.cfg.DeliveryAttempts; attempt++ {
		time.Sleep(backoff)
		backoff *= 2
		if backoff > b.cfg.DeliveryBackoffCap {
			backoff = b.cfg.DeliveryBackoffCap
		}

		ev.RetryCount++
		if err = b.safeHandle(sub, ev); err == nil {
			atomic.AddInt64(&b.delivered, 1)
			return
		}
		b.logger.Warn("handler failed, retrying",
			zap.String("topic", ev.Topic),
			zap.String("event_id", ev.EventID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	atomic.AddInt64(&b.failed, 1)
	b.deadLetter(ev, err.Error())
}

// safeHandle invokes the handler, converting panics into errors so one
// subscriber can never take down the bus.
func (b *Bus) safeHandle(sub *subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ev)
}

func (b *Bus) deadLetter(ev Event, reason string) {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	if len(b.deadLetters) >= b.cfg.DeadLetterCapacity {
		drop := len(b.deadLetters) - b.cfg.DeadLetterCapacity + 1
		b.deadLetters = b.deadLetters[drop:]
		atomic.AddInt64(&b.dlDropped, int64(drop))
	}
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Event:     ev,
		Topic:     ev.Topic,
		LastError: reason,
		FailedAt:  time.Now(),
	})
	b.logger.Error("event dead-lettered",
		zap.String("topic", ev.Topic),
		zap.String("event_id", ev.EventID),
		zap.Int("retry_count", ev.RetryCount),
		zap.String("reason", reason),
	)
}

// DrainDeadLetters removes and returns up to max dead letters, oldest first.
func (b *Bus) DrainDeadLetters(max int) []DeadLetter {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	if max <= 0 || max > len(b.deadLetters) {
		max = len(b.deadLetters)
	}
	if max == 0 {
		return nil
	}
	out := make([]DeadLetter, max)
	copy(out, b.deadLetters[:max])
	b.deadLetters = append(b.deadLetters[:0], b.deadLetters[max:]...)
	return out
}

// DeadLetterCount returns the number of queued dead letters.
func (b *Bus) DeadLetterCount() int {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	return len(b.deadLetters)
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published         int64 `json:"published"`
	Delivered         int64 `json:"delivered"`
	Failed            int64 `json:"failed"`
	Overflowed        int64 `json:"overflowed"`
	DeadLetters       int   `json:"dead_letters"`
	DeadLettersLost   int64 `json:"dead_letters_lost"`
	ActiveSubscribers int   `json:"active_subscribers"`
}

// StatsSnapshot returns current bus counters.
func (b *Bus) StatsSnapshot() Stats {
	b.mu.RLock()
	active := 0
	for _, subs := range b.topics {
		active += len(subs)
	}
	b.mu.RUnlock()

	return Stats{
		Published:         atomic.LoadInt64(&b.published),
		Delivered:         atomic.LoadInt64(&b.delivered),
		Failed:            atomic.LoadInt64(&b.failed),
		Overflowed:        atomic.LoadInt64(&b.overflowed),
		DeadLetters:       b.DeadLetterCount(),
		DeadLettersLost:   atomic.LoadInt64(&b.dlDropped),
		ActiveSubscribers: active,
	}
}

// Close cancels all subscriptions and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(b.topics, topic)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func copyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
