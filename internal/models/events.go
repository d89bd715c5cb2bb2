package models

import "time"

// Event types
const (
	EventTypeOrderCreated          = "ORDER_CREATED"
	EventTypeOrderCancelled        = "ORDER_CANCELLED"
	EventTypeOrderAbandoned        = "ORDER_ABANDONED"
	EventTypeOrderPaid             = "ORDER_PAID"
	EventTypeOrderRefunded         = "ORDER_REFUNDED"
	EventTypeStockUnassignedReturn = "STOCK_UNASSIGNED_RETURN"
	EventTypePaymentCaptured       = "PAYMENT_CAPTURED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published after a checkout commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderCancelledEvent published for manual cancellations and abandonment
type OrderCancelledEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	Reason        string `json:"reason"`
	ChangedBy     int64  `json:"changed_by"`
}

// OrderPaidEvent published when a payment signature is verified
type OrderPaidEvent struct {
	BaseEvent
	OrderID           int64  `json:"order_id"`
	PaymentID         int64  `json:"payment_id"`
	Amount            int64  `json:"amount"`
	ProviderPaymentID string `json:"provider_payment_id"`
}

// OrderRefundedEvent published when a paid order is refunded
type OrderRefundedEvent struct {
	BaseEvent
	OrderID  int64  `json:"order_id"`
	RefundID string `json:"refund_id"`
	Amount   int64  `json:"amount"`
}

// UnassignedReturnEvent flags a reclamation that needs a manual audit
type UnassignedReturnEvent struct {
	BaseEvent
	OrderID    int64 `json:"order_id"`
	ProductID  int64 `json:"product_id"`
	MovementID int64 `json:"movement_id"`
	Quantity   int   `json:"quantity"`
}

// PaymentCapturedEvent is relayed from the provider callback endpoint
type PaymentCapturedEvent struct {
	BaseEvent
	OrderID           int64  `json:"order_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	ProviderSignature string `json:"provider_signature"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64  `json:"product_id"`
	BatchID   *int64 `json:"batch_id,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// NewBaseEvent stamps a fresh event id and timestamp.
func NewBaseEvent(eventID, eventType string, at time.Time) BaseEvent {
	return BaseEvent{EventID: eventID, EventType: eventType, Timestamp: at}
}
