package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/paymentgw"
	"fulfillment-engine/internal/store/memstore"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type recordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, _ int64, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		switch ev := e.(type) {
		case *models.OrderCreatedEvent:
			out = append(out, ev.EventType)
		case *models.OrderCancelledEvent:
			out = append(out, ev.EventType)
		case *models.OrderPaidEvent:
			out = append(out, ev.EventType)
		case *models.OrderRefundedEvent:
			out = append(out, ev.EventType)
		case *models.UnassignedReturnEvent:
			out = append(out, ev.EventType)
		}
	}
	return out
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	repo     *memstore.Store
	events   *recordingPublisher
	provider *paymentgw.Mock

	ledger    *Ledger
	allocator *Allocator
	inventory *InventoryService
	orders    *OrderService
	verifier  *PaymentVerifier
	reaper    *Reaper

	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		repo:     memstore.New(),
		events:   &recordingPublisher{},
		provider: paymentgw.NewMock(testSecret),
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.ledger = NewLedger(f.repo)
	f.ledger.now = clock
	f.allocator = NewAllocator(f.ledger)
	f.allocator.now = clock
	f.inventory = NewInventoryService(f.repo, f.ledger, nil)
	f.inventory.now = clock
	f.orders = NewOrderService(f.repo, f.allocator, f.events, f.inventory)
	f.orders.now = clock
	f.verifier = NewPaymentVerifier(f.repo, f.provider, f.events, testSecret, "INR")
	f.verifier.now = clock
	f.reaper = NewReaper(f.repo, f.orders)
	f.reaper.now = clock
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) product(price int64) int64 {
	p := f.repo.AddProduct(models.Product{
		SKU:   fmt.Sprintf("SKU-%d", time.Now().UnixNano()),
		Name:  "product",
		Price: price,
	})
	return p.ID
}

// batch receives qty units of a product expiring expiryDays from the fixture's today.
func (f *fixture) batch(productID int64, number string, qty, expiryDays int) *models.Batch {
	f.t.Helper()
	b, err := f.inventory.ReceiveBatch(f.ctx, &ReceiveBatchRequest{
		ProductID:   productID,
		BatchNumber: number,
		Quantity:    qty,
		ExpiryDate:  models.Day(f.now).AddDate(0, 0, expiryDays),
	})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) current(batchID int64) int {
	f.t.Helper()
	b, err := f.repo.GetBatch(f.ctx, batchID)
	require.NoError(f.t, err)
	return b.CurrentQuantity
}

func (f *fixture) order(userID int64, items ...OrderItemRequest) *CreateOrderResponse {
	f.t.Helper()
	resp, err := f.orders.CreateOrder(f.ctx, &CreateOrderRequest{UserID: userID, Items: items})
	require.NoError(f.t, err)
	return resp
}

func (f *fixture) mustOrder(orderID int64) *models.Order {
	f.t.Helper()
	o, err := f.repo.GetOrderByID(f.ctx, orderID)
	require.NoError(f.t, err)
	return o
}

// pay runs the whole provider round trip for an order.
func (f *fixture) pay(orderID int64) *models.Payment {
	f.t.Helper()
	payment, err := f.verifier.Initiate(f.ctx, orderID)
	require.NoError(f.t, err)
	paymentID, sig, err := f.provider.Capture(payment.ProviderOrderID)
	require.NoError(f.t, err)
	ok, err := f.verifier.Verify(f.ctx, orderID, paymentID, sig)
	require.NoError(f.t, err)
	require.True(f.t, ok)
	return payment
}

func (f *fixture) assertReplayConsistent(batchID int64) {
	f.t.Helper()
	report, err := f.ledger.Replay(f.ctx, batchID)
	require.NoError(f.t, err)
	require.True(f.t, report.Consistent(), "batch %d drift %d", batchID, report.Drift)
}

func item(productID int64, qty int) OrderItemRequest {
	return OrderItemRequest{ProductID: productID, Quantity: qty}
}
