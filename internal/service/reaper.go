package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// SweepResult summarises one reaper pass
type SweepResult struct {
	Matched   int `json:"matched"`
	Cancelled int `json:"cancelled"`
	Stale     int `json:"stale"`
	Failed    int `json:"failed"`
}

// MinAbandonThreshold is the shortest age at which an unpaid order may be
// abandoned. Customers still at the provider's checkout are younger than this.
const MinAbandonThreshold = time.Minute

// Reaper cancels orders that were never paid within the abandonment threshold
type Reaper struct {
	repo   store.Repository
	orders *OrderService
	logger *zap.Logger
	now    func() time.Time
}

// NewReaper creates a new abandonment reaper
func NewReaper(repo store.Repository, orders *OrderService) *Reaper {
	return &Reaper{
		repo:   repo,
		orders: orders,
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep cancels every PENDING/PENDING order older than threshold. Each order is
// handled in its own transaction and re-checked under lock, so an order paid or
// cancelled between the scan and the lock is counted as stale and left alone.
// Running Sweep twice has the same effect as running it once.
func (r *Reaper) Sweep(ctx context.Context, threshold time.Duration) (*SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "Reaper.Sweep")
	defer span.End()

	if threshold < MinAbandonThreshold {
		return nil, fmt.Errorf("%w: threshold %s is below %s", ErrInvalidInput, threshold, MinAbandonThreshold)
	}

	start := time.Now()
	defer func() {
		util.ReaperSweepDuration.Observe(time.Since(start).Seconds())
	}()
	util.ReaperSweepsTotal.Inc()

	cutoff := r.now().Add(-threshold)
	ids, err := r.repo.ListAbandonedOrderIDs(ctx, cutoff)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to list abandoned orders: %w", err))
	}

	result := &SweepResult{Matched: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res, err := r.orders.abandon(ctx, id)
		switch {
		case errors.Is(err, ErrStaleTransition):
			result.Stale++
		case err != nil:
			result.Failed++
			r.logger.Error("Failed to cancel abandoned order",
				zap.Int64("order_id", id),
				zap.Error(err))
		case res.AlreadyCancelled:
			result.Stale++
		default:
			result.Cancelled++
			r.logger.Info("Abandoned order cancelled",
				zap.Int64("order_id", id),
				zap.String("order_status", res.Order.OrderStatus),
				zap.String("payment_status", res.Order.PaymentStatus))
		}
	}

	r.logger.Info("Reaper sweep completed",
		zap.Time("cutoff", cutoff),
		zap.Int("matched", result.Matched),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("stale", result.Stale),
		zap.Int("failed", result.Failed))
	return result, nil
}
