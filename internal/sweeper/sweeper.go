// Package sweeper cancels orders that sat unpaid past their deadline,
// returning their stock through the same lifecycle transition a manual
// cancellation uses.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"campusfood/internal/orders"
)

// Canceller is the lifecycle operation the sweeper drives.
type Canceller interface {
	CancelAutomatically(ctx context.Context, orderID, reason string) (*orders.Order, error)
}

// Pending finds expiration candidates; implemented by the order repo.
type Pending interface {
	PendingBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

const ReasonExpired = "EXPIRED"

type Sweeper struct {
	Engine   Canceller
	Orders   Pending
	Interval time.Duration // how often to sweep
	TTL      time.Duration // how long an order may stay PENDING_PAYMENT
	Log      *zap.Logger
	Now      func() time.Time
}

// Run sweeps on a fixed interval until the context is cancelled. Ticks that
// overlap are harmless: the guarded CANCELLED transition means only the
// first attempt on any order wins and releases stock.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce cancels every order pending longer than TTL. One order's failure
// never blocks the rest of the batch. Returns how many orders were cancelled.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := s.now().Add(-s.TTL)
	ids, err := s.Orders.PendingBefore(ctx, cutoff)
	if err != nil {
		s.logger().Error("expiration sweep query failed", zap.Error(err))
		return 0
	}
	if len(ids) == 0 {
		return 0
	}
	s.logger().Info("expired unpaid orders found", zap.Int("count", len(ids)))

	cancelled := 0
	for _, id := range ids {
		if _, err := s.Engine.CancelAutomatically(ctx, id, ReasonExpired); err != nil {
			// A lost race with markPaid shows up here as a TransitionError;
			// that is the design working, not a fault.
			var te *orders.TransitionError
			if errors.As(err, &te) {
				s.logger().Info("order left PENDING_PAYMENT before sweep",
					zap.String("order_id", id), zap.String("status", string(te.From)))
			} else {
				s.logger().Error("automatic cancellation failed",
					zap.String("order_id", id), zap.Error(err))
			}
			continue
		}
		cancelled++
		s.logger().Info("order cancelled automatically", zap.String("order_id", id))
	}
	return cancelled
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
