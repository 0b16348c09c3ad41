package journal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/bus"
)

// Sink journals every event published on the subscribed topics. It subscribes
// AT_LEAST_ONCE so a transient write failure is retried by the bus; the
// store's event_id dedupe makes redelivery harmless.
type Sink struct {
	store  *Store
	logger *zap.Logger

	cancels []func()
}

// NewSink creates a journal sink.
func NewSink(store *Store, logger *zap.Logger) *Sink {
	return &Sink{store: store, logger: logger}
}

// Attach subscribes the sink to the given topics.
func (s *Sink) Attach(b *bus.Bus, topics ...string) {
	for _, topic := range topics {
		s.cancels = append(s.cancels, b.Subscribe(topic, bus.AtLeastOnce, s.handle))
	}
}

// Detach cancels all subscriptions.
func (s *Sink) Detach() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func (s *Sink) handle(ev bus.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inserted, err := s.store.Append(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug("duplicate event ignored by journal",
			zap.String("topic", ev.Topic),
			zap.String("event_id", ev.EventID),
		)
	}
	return nil
}
