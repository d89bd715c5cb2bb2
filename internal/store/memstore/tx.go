package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
)

type memTx struct {
	st *state
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) InsertBatch(_ context.Context, batch *models.Batch) error {
	for _, b := range t.st.batches {
		if b.ProductID == batch.ProductID && b.BatchNumber == batch.BatchNumber {
			return fmt.Errorf("batch %q for product %d: %w", batch.BatchNumber, batch.ProductID, store.ErrDuplicate)
		}
	}
	if _, ok := t.st.products[batch.ProductID]; !ok {
		return fmt.Errorf("product %d: %w", batch.ProductID, store.ErrNotFound)
	}
	batch.ID = t.st.nextID()
	batch.ExpiryDate = models.Day(batch.ExpiryDate)
	t.st.batches[batch.ID] = *batch
	return nil
}

func (t *memTx) GetBatchForUpdate(_ context.Context, id int64) (*models.Batch, error) {
	b, ok := t.st.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, store.ErrNotFound)
	}
	return &b, nil
}

func (t *memTx) LockAllocatableBatches(_ context.Context, productID int64, asOf time.Time) ([]models.Batch, error) {
	var out []models.Batch
	for _, b := range t.st.batches {
		if b.ProductID == productID && b.CurrentQuantity > 0 && b.ActiveOn(asOf) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return fefoLess(out[i], out[j]) })
	return out, nil
}

func (t *memTx) LockReturnableBatches(_ context.Context, productID int64, asOf time.Time) ([]models.Batch, error) {
	var out []models.Batch
	for _, b := range t.st.batches {
		if b.ProductID == productID && b.ActiveOn(asOf) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return fefoLess(out[j], out[i]) })
	return out, nil
}

func fefoLess(a, b models.Batch) bool {
	if !a.ExpiryDate.Equal(b.ExpiryDate) {
		return a.ExpiryDate.Before(b.ExpiryDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (t *memTx) ApplyBatchDelta(_ context.Context, batchID int64, delta int) (int, error) {
	b, ok := t.st.batches[batchID]
	if !ok {
		return 0, fmt.Errorf("batch %d: %w", batchID, store.ErrNotFound)
	}
	if b.CurrentQuantity+delta < 0 {
		return 0, fmt.Errorf("batch %d delta %d: %w", batchID, delta, store.ErrNegativeQuantity)
	}
	b.CurrentQuantity += delta
	t.st.batches[batchID] = b
	return b.CurrentQuantity, nil
}

func (t *memTx) SetBatchQuantity(_ context.Context, batchID int64, current int) error {
	b, ok := t.st.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %d: %w", batchID, store.ErrNotFound)
	}
	if current < 0 {
		return fmt.Errorf("batch %d: %w", batchID, store.ErrNegativeQuantity)
	}
	b.CurrentQuantity = current
	t.st.batches[batchID] = b
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, m *models.StockMovement) error {
	if m.BatchID != nil {
		if _, ok := t.st.batches[*m.BatchID]; !ok {
			return fmt.Errorf("batch %d: %w", *m.BatchID, store.ErrNotFound)
		}
	}
	m.ID = t.st.nextID()
	t.st.movements = append(t.st.movements, *m)
	return nil
}

func (t *memTx) GetMovement(_ context.Context, id int64) (*models.StockMovement, error) {
	for _, m := range t.st.movements {
		if m.ID == id {
			m := m
			return &m, nil
		}
	}
	return nil, fmt.Errorf("movement %d: %w", id, store.ErrNotFound)
}

func (t *memTx) ListMovementsByBatch(_ context.Context, batchID int64) ([]models.StockMovement, error) {
	return t.st.movementsByBatch(batchID), nil
}

func (t *memTx) CountMovementsByReference(_ context.Context, reference string) (int, error) {
	n := 0
	for _, m := range t.st.movements {
		if m.Reference == reference {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertOrder(_ context.Context, order *models.Order) error {
	for _, o := range t.st.orders {
		if order.IdempotencyKey != "" && o.IdempotencyKey == order.IdempotencyKey {
			return fmt.Errorf("order with idempotency key %q: %w", order.IdempotencyKey, store.ErrDuplicate)
		}
	}
	order.ID = t.st.nextID()
	order.UpdatedAt = order.CreatedAt
	t.st.orders[order.ID] = *order
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, orderID int64, orderStatus, paymentStatus string, at time.Time) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, store.ErrNotFound)
	}
	o.OrderStatus = orderStatus
	o.PaymentStatus = paymentStatus
	o.UpdatedAt = at
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) InsertOrderItem(_ context.Context, item *models.OrderItem) error {
	if _, ok := t.st.orders[item.OrderID]; !ok {
		return fmt.Errorf("order %d: %w", item.OrderID, store.ErrNotFound)
	}
	item.ID = t.st.nextID()
	t.st.items = append(t.st.items, *item)
	return nil
}

func (t *memTx) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	return t.st.itemsByOrder(orderID), nil
}

func (t *memTx) InsertStatusHistory(_ context.Context, h *models.OrderStatusHistory) error {
	h.ID = t.st.nextID()
	t.st.history = append(t.st.history, *h)
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, payment *models.Payment) error {
	if _, ok := t.st.orders[payment.OrderID]; !ok {
		return fmt.Errorf("order %d: %w", payment.OrderID, store.ErrNotFound)
	}
	payment.ID = t.st.nextID()
	payment.UpdatedAt = payment.CreatedAt
	t.st.payments = append(t.st.payments, *payment)
	return nil
}

func (t *memTx) GetPaymentForUpdate(_ context.Context, orderID int64) (*models.Payment, error) {
	idx := t.st.latestPayment(orderID)
	if idx < 0 {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, store.ErrNotFound)
	}
	p := t.st.payments[idx]
	return &p, nil
}

func (t *memTx) UpdatePayment(_ context.Context, payment *models.Payment) error {
	for i, p := range t.st.payments {
		if p.ID == payment.ID {
			t.st.payments[i] = *payment
			return nil
		}
	}
	return fmt.Errorf("payment %d: %w", payment.ID, store.ErrNotFound)
}
