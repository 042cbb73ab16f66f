// Package notify consumes order events and fans them out as user-facing
// notifications. Delivery is currently a structured log line per channel;
// the dedup and cache plumbing is what downstream push/email senders
// would hook into.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "campusfood/internal/kafka"
	"campusfood/internal/money"
	"campusfood/internal/orders"
	"campusfood/internal/redisx"
)

type Service struct {
	Redis *redis.Client
	Log   *zap.Logger
}

// HandleOrderEvent is the consumer handler. Returning nil commits the
// offset; duplicates detected via Redis are committed without re-notifying.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Malformed events are skipped, not retried: they will never parse.
		s.Log.Error("undecodable order event, skipping",
			zap.String("key", string(m.Key)), zap.Error(err))
		return nil
	}

	log := s.Log.With(
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.String("order_id", env.CorrelationID),
	)

	seen, err := s.alreadyHandled(ctx, env.EventID)
	if err != nil {
		return err
	}
	if seen {
		log.Info("duplicate event, skipping")
		return nil
	}

	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			log.Error("bad OrderCreated payload, skipping", zap.Error(err))
			return nil
		}
		log.Info("notify: order received",
			zap.String("user_id", p.UserID),
			zap.String("vendor_id", p.VendorID),
			zap.String("total", money.FormatCents(p.TotalCents)),
			zap.Int("line_count", len(p.Lines)))

	case orders.EventOrderPaid, orders.EventOrderReady,
		orders.EventOrderCompleted, orders.EventOrderCancelled:
		p, err := kafkax.UnwrapPayload[orders.StatusChangedPayload](env.Payload)
		if err != nil {
			log.Error("bad status payload, skipping", zap.Error(err))
			return nil
		}
		s.invalidateSnapshot(ctx, p.OrderID)
		log.Info("notify: order status changed",
			zap.String("status", string(p.Status)),
			zap.String("reason", p.Reason))

	default:
		log.Warn("unknown event type, skipping")
		return nil
	}

	return s.markHandled(ctx, env.EventID)
}

func (s *Service) alreadyHandled(ctx context.Context, eventID string) (bool, error) {
	if s.Redis == nil || eventID == "" {
		return false, nil
	}
	seen, err := redisx.Exists(ctx, s.Redis, fmt.Sprintf(redisx.KeyNotifyDedup, eventID))
	if err != nil {
		return false, fmt.Errorf("notify dedup check: %w", err)
	}
	return seen, nil
}

func (s *Service) markHandled(ctx context.Context, eventID string) error {
	if s.Redis == nil || eventID == "" {
		return nil
	}
	return s.Redis.Set(ctx, fmt.Sprintf(redisx.KeyNotifyDedup, eventID), "1", redisx.TTLDedup).Err()
}

// invalidateSnapshot drops the cached order snapshot after a status change
// so the API's next read reflects the new state.
func (s *Service) invalidateSnapshot(ctx context.Context, orderID string) {
	if s.Redis == nil || orderID == "" {
		return
	}
	if err := s.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderSnapshot, orderID)).Err(); err != nil {
		s.Log.Warn("snapshot invalidation failed", zap.String("order_id", orderID), zap.Error(err))
	}
}
