package worker

import (
	"context"
	"time"

	"fulfillment-engine/internal/broker"
	"fulfillment-engine/internal/redisclient"
	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// PaymentCallbackWorker consumes relayed provider callbacks
type PaymentCallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentCallbackWorker creates a new payment callback worker
func NewPaymentCallbackWorker(
	consumer *broker.Consumer,
	callbacks *service.PaymentCallbackHandler,
) *PaymentCallbackWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentCaptured(callbacks.HandlePaymentCaptured)

	return &PaymentCallbackWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *PaymentCallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentCallbackWorker) Stop() error {
	w.logger.Info("Stopping payment callback worker")
	return w.consumer.Close()
}

// Sweeper is the abandonment sweep run by ReaperWorker.
type Sweeper interface {
	Sweep(ctx context.Context, threshold time.Duration) (*service.SweepResult, error)
}

const reaperLockKey = "reaper"

// ReaperWorker runs the abandonment sweep on an interval. With a Redis client
// configured, only the replica holding the reaper lock sweeps.
type ReaperWorker struct {
	sweeper   Sweeper
	redis     *redisclient.Client
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger
}

// NewReaperWorker creates a new reaper worker. redis may be nil.
func NewReaperWorker(sweeper Sweeper, redis *redisclient.Client, interval, threshold time.Duration) *ReaperWorker {
	return &ReaperWorker{
		sweeper:   sweeper,
		redis:     redis,
		interval:  interval,
		threshold: threshold,
		logger:    util.GetLogger(),
	}
}

// Start sweeps every interval until ctx is done
func (w *ReaperWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Reaper worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("threshold", w.threshold))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reaper worker stopped")
			return
		case <-ticker.C:
			if _, _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one sweep. ran is false when another replica holds the lock.
func (w *ReaperWorker) RunOnce(ctx context.Context) (ran bool, result *service.SweepResult, err error) {
	if w.redis != nil {
		// A crashed holder frees the lease within one interval.
		lock, err := w.redis.AcquireLock(ctx, reaperLockKey, w.interval)
		if err != nil {
			return false, nil, err
		}
		if lock == nil {
			w.logger.Debug("Reaper lock held elsewhere, skipping sweep")
			return false, nil, nil
		}
		renewCtx, stopRenew := context.WithCancel(ctx)
		renewed := make(chan struct{})
		go func() {
			defer close(renewed)
			w.keepLease(renewCtx, lock)
		}()
		defer func() {
			stopRenew()
			<-renewed
			if err := lock.Release(context.Background()); err != nil {
				w.logger.Warn("Failed to release reaper lock", zap.Error(err))
			}
		}()
	}

	result, err = w.sweeper.Sweep(ctx, w.threshold)
	return true, result, err
}

// keepLease extends the reaper lock every half interval so a long sweep keeps it.
func (w *ReaperWorker) keepLease(ctx context.Context, lock *redisclient.Lock) {
	period := w.interval / 2
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := lock.Extend(ctx, w.interval)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("Failed to extend reaper lock", zap.Error(err))
				}
				continue
			}
			if !ok {
				w.logger.Warn("Reaper lock lost during sweep")
				return
			}
		}
	}
}
