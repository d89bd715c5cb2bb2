package store

import (
	"context"
	"errors"
	"time"

	"fulfillment-engine/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNegativeQuantity is returned when a batch update would drive current_quantity below zero.
	ErrNegativeQuantity = errors.New("batch quantity would become negative")
	// ErrDuplicate is returned when a unique key (batch number, idempotency key) is taken.
	ErrDuplicate = errors.New("already exists")
)

// Repository is the persistence contract used by the services. Reads outside a
// transaction see committed data only; every mutation goes through WithTx.
type Repository interface {
	// WithTx runs fn in one transaction. A non-nil error from fn rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)

	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	ListMovementsByBatch(ctx context.Context, batchID int64) ([]models.StockMovement, error)
	ListUnassignedMovements(ctx context.Context) ([]models.StockMovement, error)
	SumAvailable(ctx context.Context, productID int64, asOf time.Time) (int, error)
	ListProductIDsWithStock(ctx context.Context) ([]int64, error)

	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ListStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)
	ListAbandonedOrderIDs(ctx context.Context, createdBefore time.Time) ([]int64, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
}

// Tx is the set of operations available inside a transaction. Methods named
// ...ForUpdate lock the returned rows until the transaction ends.
type Tx interface {
	InsertBatch(ctx context.Context, batch *models.Batch) error
	GetBatchForUpdate(ctx context.Context, id int64) (*models.Batch, error)
	// LockAllocatableBatches returns batches with stock that are not expired on asOf,
	// locked and ordered expiry ASC, created_at ASC, id ASC.
	LockAllocatableBatches(ctx context.Context, productID int64, asOf time.Time) ([]models.Batch, error)
	// LockReturnableBatches returns batches not expired on asOf, locked and ordered expiry DESC.
	LockReturnableBatches(ctx context.Context, productID int64, asOf time.Time) ([]models.Batch, error)
	// ApplyBatchDelta adds delta to current_quantity and returns the new value.
	// It fails with ErrNegativeQuantity rather than going below zero.
	ApplyBatchDelta(ctx context.Context, batchID int64, delta int) (int, error)
	SetBatchQuantity(ctx context.Context, batchID int64, current int) error

	InsertMovement(ctx context.Context, m *models.StockMovement) error
	GetMovement(ctx context.Context, id int64) (*models.StockMovement, error)
	ListMovementsByBatch(ctx context.Context, batchID int64) ([]models.StockMovement, error)
	CountMovementsByReference(ctx context.Context, reference string) (int, error)

	InsertOrder(ctx context.Context, order *models.Order) error
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, orderStatus, paymentStatus string, at time.Time) error
	InsertOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	InsertStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error

	InsertPayment(ctx context.Context, payment *models.Payment) error
	GetPaymentForUpdate(ctx context.Context, orderID int64) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}
