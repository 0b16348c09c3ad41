package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/journal"
)

// Broker topics. All core events fan out onto a small fixed set keyed by
// order ID or symbol, so per-key ordering survives the hop.
const (
	KafkaTopicOrders      = "engine.orders"
	KafkaTopicPositions   = "engine.positions"
	KafkaTopicRisk        = "engine.risk"
	KafkaTopicSignals     = "engine.signals"
	KafkaTopicDeadLetters = "engine.deadletters"
)

// KafkaTopic maps an internal bus topic to its broker topic.
func KafkaTopic(busTopic string) string {
	switch {
	case strings.HasPrefix(busTopic, "dead_letter."):
		return KafkaTopicDeadLetters
	case strings.HasPrefix(busTopic, "order_"):
		return KafkaTopicOrders
	case strings.HasPrefix(busTopic, "position_"):
		return KafkaTopicPositions
	case busTopic == "risk_alert":
		return KafkaTopicRisk
	case busTopic == "signal_generated":
		return KafkaTopicSignals
	default:
		return KafkaTopicOrders
	}
}

type producer interface {
	Produce(ctx context.Context, topic, key string, value []byte) error
}

// Bridge drains the journal's unpublished backlog to the broker. A row is
// marked published only after a successful produce, so failures replay on the
// next tick rather than dropping events.
type Bridge struct {
	store     *journal.Store
	producer  producer
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewBridge creates an outbox bridge.
func NewBridge(store *journal.Store, p producer, logger *zap.Logger) *Bridge {
	return &Bridge{
		store:     store,
		producer:  p,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run drives the bridge until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.publishBatch(ctx); err != nil {
				b.logger.Error("failed to publish batch", zap.Error(err))
				// Retried on the next tick.
			}
		}
	}
}

func (b *Bridge) publishBatch(ctx context.Context) error {
	entries, err := b.store.ListUnpublished(ctx, b.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished events: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, entry := range entries {
		topic := KafkaTopic(entry.Topic)
		if err := b.producer.Produce(ctx, topic, entry.Key, []byte(entry.PayloadJSON)); err != nil {
			b.logger.Error("failed to produce event",
				zap.String("event_id", entry.EventID),
				zap.String("topic", topic),
				zap.Error(err),
			)
			// This entry stays unpublished and retries next tick.
			continue
		}

		if err := b.store.MarkPublished(ctx, entry.EventID, now); err != nil {
			b.logger.Error("failed to mark event as published",
				zap.String("event_id", entry.EventID),
				zap.Error(err),
			)
			// Worst case the event is reproduced; consumers key on event_id.
			continue
		}
		published++
	}

	if published > 0 {
		b.logger.Info("published outbox batch",
			zap.Int("published", published),
			zap.Int("total", len(entries)),
		)
	}
	return nil
}
