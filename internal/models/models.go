package models

import "time"

// SystemActorID stamps ledger entries and history rows written by background jobs.
const SystemActorID int64 = 0

// Product is the catalog view the engine needs: identity and current price.
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Batch is a received lot of a product with its own expiry date.
type Batch struct {
	ID              int64     `db:"id" json:"id"`
	ProductID       int64     `db:"product_id" json:"product_id"`
	BatchNumber     string    `db:"batch_number" json:"batch_number"`
	Quantity        int       `db:"quantity" json:"quantity"`
	CurrentQuantity int       `db:"current_quantity" json:"current_quantity"`
	ExpiryDate      time.Time `db:"expiry_date" json:"expiry_date"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// ActiveOn reports whether the batch can still be sold or restocked on the given day.
func (b *Batch) ActiveOn(day time.Time) bool {
	return !b.ExpiryDate.Before(Day(day))
}

// StockMovement is one immutable ledger entry.
type StockMovement struct {
	ID           int64     `db:"id" json:"id"`
	ProductID    int64     `db:"product_id" json:"product_id"`
	BatchID      *int64    `db:"batch_id" json:"batch_id"`
	MovementType string    `db:"movement_type" json:"movement_type"`
	Quantity     int       `db:"quantity" json:"quantity"`
	Reference    string    `db:"reference" json:"reference"`
	Note         string    `db:"note" json:"note"`
	ActorID      int64     `db:"actor_id" json:"actor_id"`
	NeedsAudit   bool      `db:"needs_audit" json:"needs_audit"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// SignedQuantity is the effect of the movement on the batch's current quantity.
func (m *StockMovement) SignedQuantity() int {
	return MovementSign(m.MovementType) * m.Quantity
}

// Order represents a customer order
type Order struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	OrderStatus    string    `db:"order_status" json:"order_status"`
	PaymentStatus  string    `db:"payment_status" json:"payment_status"`
	TotalAmount    int64     `db:"total_amount" json:"total_amount"`
	Notes          string    `db:"notes" json:"notes,omitempty"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem is one (product, batch) line of an order. BatchID is nil only for
// rows written before batch tracking existed.
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   int64  `db:"order_id" json:"order_id"`
	ProductID int64  `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
	BatchID   *int64 `db:"batch_id" json:"batch_id,omitempty"`
}

// OrderStatusHistory is a write-once audit row created with every transition.
type OrderStatusHistory struct {
	ID               int64     `db:"id" json:"id"`
	OrderID          int64     `db:"order_id" json:"order_id"`
	OldStatus        string    `db:"old_status" json:"old_status"`
	NewStatus        string    `db:"new_status" json:"new_status"`
	OldPaymentStatus string    `db:"old_payment_status" json:"old_payment_status"`
	NewPaymentStatus string    `db:"new_payment_status" json:"new_payment_status"`
	ChangedBy        int64     `db:"changed_by" json:"changed_by"`
	Reason           string    `db:"reason" json:"reason"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Payment represents a provider-side payment attempt for an order
type Payment struct {
	ID                int64     `db:"id" json:"id"`
	OrderID           int64     `db:"order_id" json:"order_id"`
	Status            string    `db:"status" json:"status"`
	Amount            int64     `db:"amount" json:"amount"`
	Currency          string    `db:"currency" json:"currency"`
	ProviderOrderID   string    `db:"provider_order_id" json:"provider_order_id"`
	ProviderPaymentID string    `db:"provider_payment_id" json:"provider_payment_id,omitempty"`
	ProviderSignature string    `db:"provider_signature" json:"-"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Movement types
const (
	MovementIn             = "IN"
	MovementOut            = "OUT"
	MovementExpired        = "EXPIRED"
	MovementDamaged        = "DAMAGED"
	MovementSupplierReturn = "SUPPLIER_RETURN"
)

// Order statuses
const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusShipped    = "SHIPPED"
	OrderStatusDelivered  = "DELIVERED"
	OrderStatusCancelled  = "CANCELLED"
)

// Order payment statuses
const (
	OrderPaymentPending  = "PENDING"
	OrderPaymentPaid     = "PAID"
	OrderPaymentAborted  = "ABORTED"
	OrderPaymentRefunded = "REFUNDED"
)

// Payment statuses
const (
	PaymentStatusPending       = "PENDING"
	PaymentStatusCompleted     = "COMPLETED"
	PaymentStatusFailed        = "FAILED"
	PaymentStatusRefundPending = "REFUND_PENDING"
	PaymentStatusRefunded      = "REFUNDED"
)

// MovementSign returns +1 for stock entering a batch, -1 for stock leaving it
// and 0 for unknown types.
func MovementSign(movementType string) int {
	switch movementType {
	case MovementIn:
		return 1
	case MovementOut, MovementExpired, MovementDamaged, MovementSupplierReturn:
		return -1
	default:
		return 0
	}
}

// Day truncates t to midnight UTC, the granularity of expiry dates.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
