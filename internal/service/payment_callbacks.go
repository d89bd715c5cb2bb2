package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// EventDeduplicator remembers which inbound events were already handled.
type EventDeduplicator interface {
	// MarkProcessed returns false if the event id was seen before.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	// Forget drops the mark so a failed event can be retried.
	Forget(ctx context.Context, eventID string) error
}

// PaymentCallbackHandler turns relayed provider callbacks into Verify calls
type PaymentCallbackHandler struct {
	verifier *PaymentVerifier
	dedup    EventDeduplicator
	logger   *zap.Logger
}

// NewPaymentCallbackHandler creates a new callback handler. dedup may be nil;
// Verify is idempotent on its own.
func NewPaymentCallbackHandler(verifier *PaymentVerifier, dedup EventDeduplicator) *PaymentCallbackHandler {
	return &PaymentCallbackHandler{
		verifier: verifier,
		dedup:    dedup,
		logger:   util.GetLogger(),
	}
}

// HandlePaymentCaptured verifies a captured payment. An invalid signature or a
// stale order is logged and acknowledged, since redelivery cannot fix either.
func (h *PaymentCallbackHandler) HandlePaymentCaptured(ctx context.Context, event *models.PaymentCapturedEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentCallbackHandler.HandlePaymentCaptured")
	defer span.End()

	if h.dedup != nil {
		first, err := h.dedup.MarkProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if !first {
			h.logger.Info("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	ok, err := h.verifier.Verify(ctx, event.OrderID, event.ProviderPaymentID, event.ProviderSignature)
	switch {
	case errors.Is(err, ErrStaleTransition), errors.Is(err, ErrNotFound):
		h.logger.Warn("Payment callback dropped",
			zap.String("event_id", event.EventID),
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
		return nil
	case err != nil:
		h.forget(ctx, event.EventID)
		return err
	case !ok:
		h.logger.Warn("Payment callback with invalid signature",
			zap.String("event_id", event.EventID),
			zap.Int64("order_id", event.OrderID),
			zap.Error(ErrInvalidSignature))
		return nil
	}

	h.logger.Info("Payment callback applied",
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", event.OrderID))
	return nil
}

func (h *PaymentCallbackHandler) forget(ctx context.Context, eventID string) {
	if h.dedup == nil {
		return
	}
	if err := h.dedup.Forget(ctx, eventID); err != nil {
		h.logger.Error("Failed to clear processed mark", zap.String("event_id", eventID), zap.Error(err))
	}
}
