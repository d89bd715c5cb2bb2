package paymentgw

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mock is an in-process provider for development and tests. Payments are
// registered with Capture, which also returns the signature a real provider
// would send to the customer's browser.
type Mock struct {
	secret string

	mu       sync.Mutex
	orders   map[string]Order
	payments map[string]PaymentInfo
	refunds  []Refund

	// Fail, when set, is returned by every call.
	Fail error
}

// NewMock creates a mock provider signing with secret
func NewMock(secret string) *Mock {
	return &Mock{
		secret:   secret,
		orders:   make(map[string]Order),
		payments: make(map[string]PaymentInfo),
	}
}

// CreateOrder records an order and returns it in "created" state
func (m *Mock) CreateOrder(_ context.Context, amount int64, currency, receipt string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	order := Order{
		ID:       "order_" + uuid.New().String(),
		Amount:   amount,
		Currency: currency,
		Receipt:  receipt,
		Status:   "created",
	}
	m.orders[order.ID] = order
	return &order, nil
}

// Capture simulates the customer paying a provider order.
func (m *Mock) Capture(providerOrderID string) (paymentID, signature string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[providerOrderID]
	if !ok {
		return "", "", fmt.Errorf("unknown provider order %q", providerOrderID)
	}
	info := PaymentInfo{
		ID:       "pay_" + uuid.New().String(),
		OrderID:  order.ID,
		Status:   "captured",
		Amount:   order.Amount,
		Captured: true,
	}
	m.payments[info.ID] = info
	return info.ID, Sign(m.secret, order.ID, info.ID), nil
}

// FetchPayment returns a captured payment
func (m *Mock) FetchPayment(_ context.Context, paymentID string) (*PaymentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	info, ok := m.payments[paymentID]
	if !ok {
		return nil, &StatusError{StatusCode: 404, Body: "payment not found"}
	}
	return &info, nil
}

// Refund marks a payment refunded
func (m *Mock) Refund(_ context.Context, paymentID string, amount int64) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	info, ok := m.payments[paymentID]
	if !ok {
		return nil, &StatusError{StatusCode: 404, Body: "payment not found"}
	}
	if info.Status == "refunded" {
		return nil, &StatusError{StatusCode: 400, Body: "payment already refunded"}
	}
	if amount == 0 {
		amount = info.Amount
	}
	info.Status = "refunded"
	m.payments[paymentID] = info

	refund := Refund{
		ID:        "rfnd_" + uuid.New().String(),
		PaymentID: paymentID,
		Amount:    amount,
		Status:    "processed",
	}
	m.refunds = append(m.refunds, refund)
	return &refund, nil
}

// Refunds returns the refunds issued so far
func (m *Mock) Refunds() []Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Refund(nil), m.refunds...)
}
