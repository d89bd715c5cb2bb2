package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"
)

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// ListStatusHistory returns the audit trail of an order, oldest first
func (s *Store) ListStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id", orderID)
	return rows, err
}

// ListAbandonedOrderIDs finds orders still untouched by checkout or payment
// that were created before the cutoff.
func (s *Store) ListAbandonedOrderIDs(ctx context.Context, createdBefore time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM orders
		 WHERE order_status = $1 AND payment_status = $2 AND created_at < $3
		 ORDER BY created_at, id`,
		models.OrderStatusPending, models.OrderPaymentPending, createdBefore)
	return ids, err
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// InsertOrder creates a new order
func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, order_status, payment_status, total_amount, notes, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		order.UserID, order.OrderStatus, order.PaymentStatus, order.TotalAmount,
		order.Notes, order.IdempotencyKey, order.CreatedAt,
	).Scan(&order.ID, &order.UpdatedAt)
	return translateError(err, fmt.Sprintf("order with idempotency key %q", order.IdempotencyKey))
}

// GetOrderForUpdate locks an order row for the rest of the transaction
func (t *pgTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus writes both status columns of an order
func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, orderStatus, paymentStatus string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET order_status = $1, payment_status = $2, updated_at = $3 WHERE id = $4",
		orderStatus, paymentStatus, at, orderID)
	return err
}

// InsertOrderItem creates a new order item
func (t *pgTx) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, batch_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.BatchID)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (t *pgTx) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// InsertStatusHistory appends an audit row
func (t *pgTx) InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	query := `
		INSERT INTO order_status_history
			(order_id, old_status, new_status, old_payment_status, new_payment_status, changed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	return t.tx.GetContext(ctx, &h.ID, query,
		h.OrderID, h.OldStatus, h.NewStatus, h.OldPaymentStatus, h.NewPaymentStatus,
		h.ChangedBy, h.Reason, h.CreatedAt)
}

// InsertPayment creates a new payment record
func (t *pgTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, status, amount, currency, provider_order_id, provider_payment_id, provider_signature, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id, updated_at`

	return t.tx.QueryRowxContext(ctx, query,
		payment.OrderID, payment.Status, payment.Amount, payment.Currency,
		payment.ProviderOrderID, payment.ProviderPaymentID, payment.ProviderSignature, payment.CreatedAt,
	).Scan(&payment.ID, &payment.UpdatedAt)
}

// GetPaymentForUpdate locks the latest payment of an order
func (t *pgTx) GetPaymentForUpdate(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(ctx, &payment,
		`SELECT * FROM payments WHERE order_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment updates payment status and provider fields
func (t *pgTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE payments
		 SET status = $1, provider_payment_id = $2, provider_signature = $3, updated_at = $4
		 WHERE id = $5`,
		payment.Status, payment.ProviderPaymentID, payment.ProviderSignature, payment.UpdatedAt, payment.ID)
	return err
}
