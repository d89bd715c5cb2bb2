package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/paymentgw"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentProvider is the network boundary to the payment provider.
type PaymentProvider interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*paymentgw.Order, error)
	FetchPayment(ctx context.Context, paymentID string) (*paymentgw.PaymentInfo, error)
	Refund(ctx context.Context, paymentID string, amount int64) (*paymentgw.Refund, error)
}

// PaymentVerifier creates provider orders and confirms payments by signature.
// Provider calls are made outside of any transaction.
type PaymentVerifier struct {
	repo     store.Repository
	provider PaymentProvider
	events   EventPublisher
	secret   string
	currency string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentVerifier creates a new payment verifier
func NewPaymentVerifier(repo store.Repository, provider PaymentProvider, events EventPublisher, secret, currency string) *PaymentVerifier {
	return &PaymentVerifier{
		repo:     repo,
		provider: provider,
		events:   events,
		secret:   secret,
		currency: currency,
		logger:   util.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// VerifyPaymentRequest carries the confirmation the provider hands to the customer
type VerifyPaymentRequest struct {
	OrderID           int64  `json:"order_id" binding:"required"`
	ProviderPaymentID string `json:"provider_payment_id" binding:"required"`
	Signature         string `json:"signature" binding:"required"`
}

// Initiate creates a provider order for an unpaid order and stores a PENDING
// payment. An existing PENDING payment is returned as is.
func (v *PaymentVerifier) Initiate(ctx context.Context, orderID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentVerifier.Initiate")
	defer span.End()

	order, err := v.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := payable(order); err != nil {
		return nil, err
	}

	existing, err := v.repo.GetPaymentByOrderID(ctx, orderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == models.PaymentStatusPending {
		return existing, nil
	}

	util.PaymentAttemptsTotal.Inc()
	providerOrder, err := v.provider.CreateOrder(ctx, order.TotalAmount, v.currency, fmt.Sprintf("order-%d", orderID))
	if err != nil {
		return nil, util.SpanError(span, &ProviderError{Op: "create_order", Err: err})
	}

	var payment *models.Payment
	err = v.repo.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := payable(locked); err != nil {
			return fmt.Errorf("%w: %v", ErrStaleTransition, err)
		}

		current, err := tx.GetPaymentForUpdate(ctx, orderID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if current != nil && current.Status == models.PaymentStatusPending {
			payment = current
			return nil
		}

		now := v.now()
		payment = &models.Payment{
			OrderID:         orderID,
			Status:          models.PaymentStatusPending,
			Amount:          locked.TotalAmount,
			Currency:        v.currency,
			ProviderOrderID: providerOrder.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.InsertPayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	v.logger.Info("Payment initiated",
		zap.Int64("order_id", orderID),
		zap.Int64("payment_id", payment.ID),
		zap.String("provider_order_id", payment.ProviderOrderID))
	return payment, nil
}

func payable(order *models.Order) error {
	if order.OrderStatus == models.OrderStatusCancelled || order.PaymentStatus != models.OrderPaymentPending {
		return fmt.Errorf("%w: order %d is %s/%s", ErrInvalidTransition, order.ID, order.OrderStatus, order.PaymentStatus)
	}
	return nil
}

// Verify checks the provider signature for an order's pending payment. A match
// completes the payment and marks the order PAID. A mismatch returns false and
// changes nothing. Verifying the same confirmation again returns true without
// writing anything.
func (v *PaymentVerifier) Verify(ctx context.Context, orderID int64, providerPaymentID, signature string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentVerifier.Verify")
	defer span.End()

	var (
		verified  bool
		duplicate bool
		payment   *models.Payment
	)
	err := v.repo.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		payment, err = tx.GetPaymentForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		if !paymentgw.VerifySignature(v.secret, payment.ProviderOrderID, providerPaymentID, signature) {
			return nil
		}
		verified = true

		if payment.Status == models.PaymentStatusCompleted && payment.ProviderPaymentID == providerPaymentID {
			duplicate = true
			return nil
		}
		if order.OrderStatus == models.OrderStatusCancelled ||
			order.PaymentStatus != models.OrderPaymentPending ||
			payment.Status != models.PaymentStatusPending {
			return fmt.Errorf("%w: order %d is %s/%s, payment %s",
				ErrStaleTransition, orderID, order.OrderStatus, order.PaymentStatus, payment.Status)
		}

		payment.Status = models.PaymentStatusCompleted
		payment.ProviderPaymentID = providerPaymentID
		payment.ProviderSignature = signature
		payment.UpdatedAt = v.now()
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		return applyTransition(ctx, tx, order, order.OrderStatus, models.OrderPaymentPaid,
			models.SystemActorID, "payment verified", v.now())
	})
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			util.PaymentVerificationsTotal.WithLabelValues("stale").Inc()
			util.StaleTransitionsTotal.WithLabelValues("verify").Inc()
			v.logger.Warn("Verified payment for an order that can no longer be paid",
				zap.Int64("order_id", orderID),
				zap.String("provider_payment_id", providerPaymentID),
				zap.Error(err))
		}
		return false, util.SpanError(span, err)
	}

	switch {
	case !verified:
		util.PaymentVerificationsTotal.WithLabelValues("invalid_signature").Inc()
		v.logger.Warn("Payment signature mismatch",
			zap.Int64("order_id", orderID),
			zap.String("provider_payment_id", providerPaymentID))
		return false, nil
	case duplicate:
		util.PaymentVerificationsTotal.WithLabelValues("duplicate").Inc()
		return true, nil
	}

	util.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	util.OrdersPaidTotal.Inc()
	v.logger.Info("Payment verified",
		zap.Int64("order_id", orderID),
		zap.Int64("payment_id", payment.ID),
		zap.String("payment_status", models.OrderPaymentPaid))

	v.publish(ctx, orderID, &models.OrderPaidEvent{
		BaseEvent:         models.NewBaseEvent(uuid.New().String(), models.EventTypeOrderPaid, v.now()),
		OrderID:           orderID,
		PaymentID:         payment.ID,
		Amount:            payment.Amount,
		ProviderPaymentID: providerPaymentID,
	})
	return true, nil
}

// Refund returns the money of a PAID order through the provider and moves the
// payment status to REFUNDED. The order status is not touched. The payment is
// claimed as REFUND_PENDING before the provider is called, so a concurrent
// refund of the same order fails instead of paying out twice.
func (v *PaymentVerifier) Refund(ctx context.Context, orderID, actorID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentVerifier.Refund")
	defer span.End()

	payment, err := v.claimRefund(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			util.StaleTransitionsTotal.WithLabelValues("refund").Inc()
		}
		return nil, err
	}

	refund, err := v.provider.Refund(ctx, payment.ProviderPaymentID, payment.Amount)
	if err != nil {
		if releaseErr := v.releaseRefund(ctx, orderID); releaseErr != nil {
			v.logger.Error("Failed to release refund claim",
				zap.Int64("order_id", orderID),
				zap.Error(releaseErr))
		}
		return nil, util.SpanError(span, &ProviderError{Op: "refund", Err: err})
	}

	var order *models.Order
	err = v.repo.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.PaymentStatus != models.OrderPaymentPaid || p.Status != models.PaymentStatusRefundPending {
			return fmt.Errorf("%w: order %d payment is %s/%s", ErrStaleTransition, orderID, locked.PaymentStatus, p.Status)
		}
		p.Status = models.PaymentStatusRefunded
		p.UpdatedAt = v.now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		if err := applyTransition(ctx, tx, locked, locked.OrderStatus, models.OrderPaymentRefunded, actorID, reason, v.now()); err != nil {
			return err
		}
		order = locked
		return nil
	})
	if err != nil {
		// The provider has paid out. The claim stays so nobody refunds again.
		v.logger.Error("Refund issued but not recorded",
			zap.Int64("order_id", orderID),
			zap.String("refund_id", refund.ID),
			zap.Error(err))
		return nil, util.SpanError(span, err)
	}

	util.OrdersRefundedTotal.Inc()
	v.logger.Info("Order refunded",
		zap.Int64("order_id", orderID),
		zap.String("refund_id", refund.ID),
		zap.Int64("amount", refund.Amount))

	v.publish(ctx, orderID, &models.OrderRefundedEvent{
		BaseEvent: models.NewBaseEvent(uuid.New().String(), models.EventTypeOrderRefunded, v.now()),
		OrderID:   orderID,
		RefundID:  refund.ID,
		Amount:    refund.Amount,
	})
	return order, nil
}

// claimRefund marks a PAID order's completed payment REFUND_PENDING.
func (v *PaymentVerifier) claimRefund(ctx context.Context, orderID int64) (*models.Payment, error) {
	var claimed *models.Payment
	err := v.repo.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !models.CanTransitionPayment(order.PaymentStatus, models.OrderPaymentRefunded) {
			return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, order.PaymentStatus, models.OrderPaymentRefunded)
		}
		p, err := tx.GetPaymentForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentStatusCompleted {
			return fmt.Errorf("%w: order %d payment is %s", ErrStaleTransition, orderID, p.Status)
		}
		p.Status = models.PaymentStatusRefundPending
		p.UpdatedAt = v.now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("failed to claim refund: %w", err)
		}
		claimed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// releaseRefund puts a claimed payment back to COMPLETED after the provider refused the refund.
func (v *PaymentVerifier) releaseRefund(ctx context.Context, orderID int64) error {
	return v.repo.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPaymentForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if p.Status != models.PaymentStatusRefundPending {
			return nil
		}
		p.Status = models.PaymentStatusCompleted
		p.UpdatedAt = v.now()
		return tx.UpdatePayment(ctx, p)
	})
}

// PaymentView pairs the stored payment with the provider's current view of it.
type PaymentView struct {
	Payment  *models.Payment        `json:"payment"`
	Provider *paymentgw.PaymentInfo `json:"provider,omitempty"`
}

// GetPayment returns the latest payment of an order and, once a provider payment
// id is known, what the provider reports for it.
func (v *PaymentVerifier) GetPayment(ctx context.Context, orderID int64) (*PaymentView, error) {
	ctx, span := util.StartSpan(ctx, "PaymentVerifier.GetPayment")
	defer span.End()

	payment, err := v.repo.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view := &PaymentView{Payment: payment}
	if payment.ProviderPaymentID == "" {
		return view, nil
	}

	info, err := v.provider.FetchPayment(ctx, payment.ProviderPaymentID)
	if err != nil {
		return nil, &ProviderError{Op: "fetch_payment", Err: err}
	}
	view.Provider = info
	return view, nil
}

func (v *PaymentVerifier) publish(ctx context.Context, orderID int64, event interface{}) {
	if v.events == nil {
		return
	}
	if err := v.events.PublishOrderEvent(ctx, orderID, event); err != nil {
		v.logger.Error("Failed to publish event",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
}
