package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DeliveryBackoff = 5 * time.Millisecond
	cfg.DeliveryBackoffCap = 20 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	var got1, got2 int64
	cancel1 := b.Subscribe("orders", AtMostOnce, func(ev Event) error {
		atomic.AddInt64(&got1, 1)
		return nil
	})
	defer cancel1()
	cancel2 := b.Subscribe("orders", AtMostOnce, func(ev Event) error {
		atomic.AddInt64(&got2, 1)
		return nil
	})
	defer cancel2()

	b.Publish("orders", map[string]any{"order_id": "ord-1"})

	waitFor(t, func() bool {
		return atomic.LoadInt64(&got1) == 1 && atomic.LoadInt64(&got2) == 1
	})
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	// Must not panic or block.
	b.Publish("nobody-home", map[string]any{"k": "v"})
	assert.Equal(t, 0, b.SubscriberCount("nobody-home"))
}

func TestPayloadCopiedPerSubscriber(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	payloads := make(chan map[string]any, 2)
	for i := 0; i < 2; i++ {
		cancel := b.Subscribe("ticks", AtMostOnce, func(ev Event) error {
			ev.Payload["mutated"] = true
			payloads <- ev.Payload
			return nil
		})
		defer cancel()
	}

	original := map[string]any{"symbol": "BTC_USDT"}
	b.Publish("ticks", original)

	p1 := <-payloads
	p2 := <-payloads

	// Subscribers own independent copies; the publisher's map never sees the
	// mutation and each subscriber mutated only its own copy.
	_, mutated := original["mutated"]
	assert.False(t, mutated, "publisher payload must not be shared")
	assert.Len(t, p1, 2)
	assert.Len(t, p2, 2)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	release := make(chan struct{})
	cancelSlow := b.Subscribe("orders", AtMostOnce, func(ev Event) error {
		<-release
		return nil
	})
	defer cancelSlow()

	var fast int64
	cancelFast := b.Subscribe("orders", AtMostOnce, func(ev Event) error {
		atomic.AddInt64(&fast, 1)
		return nil
	})
	defer cancelFast()

	start := time.Now()
	b.Publish("orders", map[string]any{"n": 1})
	require.Less(t, time.Since(start), 100*time.Millisecond, "Publish must not block")

	waitFor(t, func() bool { return atomic.LoadInt64(&fast) == 1 })
	close(release)
}

func TestPerSubscriberOrderingPreserved(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var seen []int
	cancel := b.Subscribe("seq", AtMostOnce, func(ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Payload["n"].(int))
		mu.Unlock()
		return nil
	})
	defer cancel()

	for i := 0; i < 50; i++ {
		b.Publish("seq", map[string]any{"n": i})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		require.Equal(t, i, n, "events must arrive in publish order")
	}
}

func TestAtLeastOnceRetriesThenSucceeds(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	var calls int64
	cancel := b.Subscribe("orders", AtLeastOnce, func(ev Event) error {
		if atomic.AddInt64(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	defer cancel()

	b.Publish("orders", map[string]any{"n": 1})

	waitFor(t, func() bool { return atomic.LoadInt64(&calls) == 3 })
	assert.Equal(t, 0, b.DeadLetterCount())
}

func TestAtLeastOnceExhaustionDeadLetters(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	var calls int64
	cancel := b.Subscribe("orders", AtLeastOnce, func(ev Event) error {
		atomic.AddInt64(&calls, 1)
		return errors.New("permanent")
	})
	defer cancel()

	b.Publish("orders", map[string]any{"n": 1})

	waitFor(t, func() bool { return b.DeadLetterCount() == 1 })
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls), "exactly DeliveryAttempts calls")

	letters := b.DrainDeadLetters(10)
	require.Len(t, letters, 1)
	assert.Equal(t, "orders", letters[0].Topic)
	assert.Equal(t, "permanent", letters[0].LastError)
	assert.Equal(t, 0, b.DeadLetterCount())
}

func TestAtMostOnceFailureDropped(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	var calls int64
	cancel := b.Subscribe("orders", AtMostOnce, func(ev Event) error {
		atomic.AddInt64(&calls, 1)
		return errors.New("boom")
	})
	defer cancel()

	b.Publish("orders", map[string]any{"n": 1})

	waitFor(t, func() bool { return atomic.LoadInt64(&calls) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "no retries for AT_MOST_ONCE")
	assert.Equal(t, 0, b.DeadLetterCount())
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	var healthy int64
	cancelPanics := b.Subscribe("orders", AtMostOnce, func(ev Event) error {
		panic("handler bug")
	})
	defer cancelPanics()
	cancelHealthy := b.Subscribe("orders", AtMostOnce, func(ev Event) error {
		atomic.AddInt64(&healthy, 1)
		return nil
	})
	defer cancelHealthy()

	b.Publish("orders", map[string]any{"n": 1})
	b.Publish("orders", map[string]any{"n": 2})

	waitFor(t, func() bool { return atomic.LoadInt64(&healthy) == 2 })
}

func TestUnsubscribeRemovesTopicEntry(t *testing.T) {
	b := New(testConfig(), zap.NewNop())
	defer b.Close()

	cancel1 := b.Subscribe("churn", AtMostOnce, func(Event) error { return nil })
	cancel2 := b.Subscribe("churn", AtMostOnce, func(Event) error { return nil })
	require.Equal(t, 2, b.SubscriberCount("churn"))

	cancel1()
	require.Equal(t, 1, b.SubscriberCount("churn"))
	cancel2()
	require.Equal(t, 0, b.SubscriberCount("churn"))

	// Cancel is idempotent.
	cancel2()
	require.Equal(t, 0, b.SubscriberCount("churn"))
}

func TestDeadLetterCapacityDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.DeliveryAttempts = 1
	cfg.DeadLetterCapacity = 3
	b := New(cfg, zap.NewNop())
	defer b.Close()

	done := make(chan struct{}, 8)
	cancel := b.Subscribe("orders", AtLeastOnce, func(ev Event) error {
		defer func() { done <- struct{}{} }()
		return errors.New("always fails")
	})
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish("orders", map[string]any{"n": i})
		<-done
	}

	waitFor(t, func() bool { return b.DeadLetterCount() == 3 })
	letters := b.DrainDeadLetters(0)
	require.Len(t, letters, 3)
	assert.Equal(t, 2, letters[0].Event.Payload["n"], "oldest entries dropped first")

	stats := b.StatsSnapshot()
	assert.EqualValues(t, 2, stats.DeadLettersLost)
}
