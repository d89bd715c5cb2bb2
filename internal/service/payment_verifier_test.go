package service

import (
	"context"
	"errors"
	"testing"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/paymentgw"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_ValidSignatureMarksPaidOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(300)
	f.batch(p, "B1", 10, 10)
	resp := f.order(7, item(p, 2))

	payment, err := f.verifier.Initiate(f.ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, int64(600), payment.Amount)

	paymentID, sig, err := f.provider.Capture(payment.ProviderOrderID)
	require.NoError(t, err)

	ok, err := f.verifier.Verify(f.ctx, resp.OrderID, paymentID, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	order := f.mustOrder(resp.OrderID)
	assert.Equal(t, models.OrderStatusPending, order.OrderStatus)
	assert.Equal(t, models.OrderPaymentPaid, order.PaymentStatus)

	stored, err := f.repo.GetPaymentByOrderID(f.ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, paymentID, stored.ProviderPaymentID)

	// A redelivered confirmation is accepted without writing again.
	ok, err = f.verifier.Verify(f.ctx, resp.OrderID, paymentID, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := f.orders.History(f.ctx, resp.OrderID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OrderPaymentPaid, history[1].NewPaymentStatus)
	assert.Equal(t, models.SystemActorID, history[1].ChangedBy)

	assert.Equal(t, []string{models.EventTypeOrderCreated, models.EventTypeOrderPaid}, f.events.types())
}

func TestVerify_SignatureMismatchChangesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))

	payment, err := f.verifier.Initiate(f.ctx, resp.OrderID)
	require.NoError(t, err)
	paymentID, _, err := f.provider.Capture(payment.ProviderOrderID)
	require.NoError(t, err)

	forged := paymentgw.Sign("wrong-secret", payment.ProviderOrderID, paymentID)
	ok, err := f.verifier.Verify(f.ctx, resp.OrderID, paymentID, forged)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.verifier.Verify(f.ctx, resp.OrderID, paymentID, "not-hex")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, models.OrderPaymentPending, f.mustOrder(resp.OrderID).PaymentStatus)
	stored, err := f.repo.GetPaymentByOrderID(f.ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
	assert.Empty(t, stored.ProviderPaymentID)
}

func TestVerify_CancelledOrderIsStale(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	b := f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 3))

	payment, err := f.verifier.Initiate(f.ctx, resp.OrderID)
	require.NoError(t, err)
	paymentID, sig, err := f.provider.Capture(payment.ProviderOrderID)
	require.NoError(t, err)

	_, err = f.orders.Cancel(f.ctx, resp.OrderID, 1, "changed mind")
	require.NoError(t, err)

	ok, err := f.verifier.Verify(f.ctx, resp.OrderID, paymentID, sig)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStaleTransition)

	order := f.mustOrder(resp.OrderID)
	assert.Equal(t, models.OrderStatusCancelled, order.OrderStatus)
	assert.Equal(t, models.OrderPaymentPending, order.PaymentStatus)
	assert.Equal(t, 10, f.current(b.ID))
}

func TestVerify_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.verifier.Verify(f.ctx, 404, "pay_x", "00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitiate_ProviderFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))

	f.provider.Fail = errors.New("connection refused")
	_, err := f.verifier.Initiate(f.ctx, resp.OrderID)

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "create_order", providerErr.Op)

	_, err = f.repo.GetPaymentByOrderID(f.ctx, resp.OrderID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitiate_ReturnsExistingPendingPayment(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))

	first, err := f.verifier.Initiate(f.ctx, resp.OrderID)
	require.NoError(t, err)
	second, err := f.verifier.Initiate(f.ctx, resp.OrderID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ProviderOrderID, second.ProviderOrderID)
}

func TestInitiate_RejectsPaidOrCancelledOrders(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)

	paid := f.order(1, item(p, 1))
	f.pay(paid.OrderID)
	_, err := f.verifier.Initiate(f.ctx, paid.OrderID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	cancelled := f.order(1, item(p, 1))
	_, err = f.orders.Cancel(f.ctx, cancelled.OrderID, 1, "")
	require.NoError(t, err)
	_, err = f.verifier.Initiate(f.ctx, cancelled.OrderID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefund_RequiresPaidOrder(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))

	_, err := f.verifier.Refund(f.ctx, resp.OrderID, 1, "nothing to refund")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, f.provider.Refunds())

	f.pay(resp.OrderID)
	order, err := f.verifier.Refund(f.ctx, resp.OrderID, 1, "damaged on arrival")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentRefunded, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusPending, order.OrderStatus)

	_, err = f.verifier.Refund(f.ctx, resp.OrderID, 1, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, f.provider.Refunds(), 1)
}

// gatedProvider holds every Refund call until release is closed.
type gatedProvider struct {
	*paymentgw.Mock
	entered chan struct{}
	release chan struct{}
}

func (g *gatedProvider) Refund(ctx context.Context, paymentID string, amount int64) (*paymentgw.Refund, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Mock.Refund(ctx, paymentID, amount)
}

func TestRefund_ConcurrentRequestsRefundOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))
	f.pay(resp.OrderID)

	gated := &gatedProvider{Mock: f.provider, entered: make(chan struct{}, 2), release: make(chan struct{})}
	verifier := NewPaymentVerifier(f.repo, gated, f.events, testSecret, "INR")

	first := make(chan error, 1)
	go func() {
		_, err := verifier.Refund(f.ctx, resp.OrderID, 1, "double click")
		first <- err
	}()
	<-gated.entered

	_, err := verifier.Refund(f.ctx, resp.OrderID, 2, "double click")
	assert.ErrorIs(t, err, ErrStaleTransition)

	close(gated.release)
	require.NoError(t, <-first)

	assert.Len(t, f.provider.Refunds(), 1)
	assert.Equal(t, models.OrderPaymentRefunded, f.mustOrder(resp.OrderID).PaymentStatus)
	stored, err := f.repo.GetPaymentByOrderID(f.ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, stored.Status)
}

func TestRefund_ProviderFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))
	f.pay(resp.OrderID)

	f.provider.Fail = errors.New("gateway timeout")
	_, err := f.verifier.Refund(f.ctx, resp.OrderID, 1, "try")
	assert.ErrorIs(t, err, ErrProvider)

	stored, err := f.repo.GetPaymentByOrderID(f.ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, models.OrderPaymentPaid, f.mustOrder(resp.OrderID).PaymentStatus)

	f.provider.Fail = nil
	order, err := f.verifier.Refund(f.ctx, resp.OrderID, 1, "retry")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentRefunded, order.PaymentStatus)
	assert.Len(t, f.provider.Refunds(), 1)
}

func TestGetPayment_IncludesProviderView(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))

	payment, err := f.verifier.Initiate(f.ctx, resp.OrderID)
	require.NoError(t, err)

	view, err := f.verifier.GetPayment(f.ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, view.Payment.ID)
	assert.Nil(t, view.Provider)

	paymentID, sig, err := f.provider.Capture(payment.ProviderOrderID)
	require.NoError(t, err)
	_, err = f.verifier.Verify(f.ctx, resp.OrderID, paymentID, sig)
	require.NoError(t, err)

	view, err = f.verifier.GetPayment(f.ctx, resp.OrderID)
	require.NoError(t, err)
	require.NotNil(t, view.Provider)
	assert.Equal(t, paymentID, view.Provider.ID)
	assert.True(t, view.Provider.Captured)
}

type memoryDedup struct {
	seen      map[string]bool
	forgotten []string
}

func (d *memoryDedup) MarkProcessed(_ context.Context, id string) (bool, error) {
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memoryDedup) Forget(_ context.Context, id string) error {
	delete(d.seen, id)
	d.forgotten = append(d.forgotten, id)
	return nil
}

func TestHandlePaymentCaptured(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	f.batch(p, "B1", 10, 10)
	resp := f.order(1, item(p, 1))

	payment, err := f.verifier.Initiate(f.ctx, resp.OrderID)
	require.NoError(t, err)
	paymentID, sig, err := f.provider.Capture(payment.ProviderOrderID)
	require.NoError(t, err)

	dedup := &memoryDedup{seen: map[string]bool{}}
	handler := NewPaymentCallbackHandler(f.verifier, dedup)

	event := &models.PaymentCapturedEvent{
		BaseEvent:         models.NewBaseEvent("evt-1", models.EventTypePaymentCaptured, f.now),
		OrderID:           resp.OrderID,
		ProviderPaymentID: paymentID,
		ProviderSignature: sig,
	}
	require.NoError(t, handler.HandlePaymentCaptured(f.ctx, event))
	require.NoError(t, handler.HandlePaymentCaptured(f.ctx, event))
	assert.Equal(t, models.OrderPaymentPaid, f.mustOrder(resp.OrderID).PaymentStatus)
	assert.Equal(t, []string{models.EventTypeOrderCreated, models.EventTypeOrderPaid}, f.events.types())

	t.Run("invalid signature is acknowledged", func(t *testing.T) {
		forged := *event
		forged.EventID = "evt-2"
		forged.ProviderSignature = "deadbeef"
		assert.NoError(t, handler.HandlePaymentCaptured(f.ctx, &forged))
		assert.Empty(t, dedup.forgotten)
	})

	t.Run("unknown order is acknowledged", func(t *testing.T) {
		missing := *event
		missing.EventID = "evt-3"
		missing.OrderID = 9999
		assert.NoError(t, handler.HandlePaymentCaptured(f.ctx, &missing))
	})
}
