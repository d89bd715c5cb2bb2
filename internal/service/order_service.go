package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher delivers domain events after their transaction commits.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, orderID int64, event interface{}) error
}

// OrderService drives the order state machine and the allocations it triggers
type OrderService struct {
	repo      store.Repository
	allocator *Allocator
	events    EventPublisher
	inventory *InventoryService
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	repo store.Repository,
	allocator *Allocator,
	events EventPublisher,
	inventory *InventoryService,
) *OrderService {
	return &OrderService{
		repo:      repo,
		allocator: allocator,
		events:    events,
		inventory: inventory,
		logger:    util.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID         int64              `json:"user_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Notes          string             `json:"notes,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID       int64              `json:"order_id"`
	Status        string             `json:"status"`
	PaymentStatus string             `json:"payment_status"`
	TotalAmount   int64              `json:"total_amount"`
	Items         []models.OrderItem `json:"items,omitempty"`
	Duplicate     bool               `json:"duplicate,omitempty"`
}

// CancelResult reports what a cancellation did.
type CancelResult struct {
	Order            *models.Order `json:"order"`
	Reclamations     []Reclamation `json:"reclamations"`
	AlreadyCancelled bool          `json:"already_cancelled"`
}

// CreateOrder freezes prices, deducts stock per item and persists the order in
// one transaction. A shortfall on any item rolls back every earlier allocation
// and no order row survives.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existing.ID))
		return s.duplicateResponse(ctx, existing)
	}

	products, err := s.validateOrderItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}
	lines := mergeOrderItems(req.Items)

	order := &models.Order{
		UserID:         req.UserID,
		OrderStatus:    models.OrderStatusPending,
		PaymentStatus:  models.OrderPaymentPending,
		TotalAmount:    s.calculateTotal(lines, products),
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now(),
	}

	start := time.Now()
	var items []models.OrderItem
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		items = nil
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		reference := orderReference(order.ID)
		for _, reqItem := range lines {
			allocations, err := s.allocator.Deduct(ctx, tx, reqItem.ProductID, reqItem.Quantity, req.UserID, reference)
			if err != nil {
				return err
			}
			for _, alloc := range allocations {
				batchID := alloc.BatchID
				item := models.OrderItem{
					OrderID:   order.ID,
					ProductID: reqItem.ProductID,
					Quantity:  alloc.Quantity,
					UnitPrice: products[reqItem.ProductID].Price,
					BatchID:   &batchID,
				}
				if err := tx.InsertOrderItem(ctx, &item); err != nil {
					return fmt.Errorf("failed to create order item: %w", err)
				}
				items = append(items, item)
			}
		}

		return tx.InsertStatusHistory(ctx, &models.OrderStatusHistory{
			OrderID:          order.ID,
			NewStatus:        models.OrderStatusPending,
			NewPaymentStatus: models.OrderPaymentPending,
			ChangedBy:        req.UserID,
			Reason:           "order created",
			CreatedAt:        order.CreatedAt,
		})
	})
	util.AllocationLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			s.logger.Info("Order rejected", zap.Int64("user_id", req.UserID), zap.Error(err))
			return nil, err
		}
		if dup, lookupErr := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && dup != nil {
			return s.duplicateResponse(ctx, dup)
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, util.SpanError(span, err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("total_amount", order.TotalAmount),
		zap.Int("items", len(items)))

	s.publish(ctx, order.ID, &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(uuid.New().String(), models.EventTypeOrderCreated, s.now()),
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       itemData(items),
	})
	s.refreshAvailability(ctx, productIDs(items))

	return &CreateOrderResponse{
		OrderID:       order.ID,
		Status:        order.OrderStatus,
		PaymentStatus: order.PaymentStatus,
		TotalAmount:   order.TotalAmount,
		Items:         items,
	}, nil
}

// Cancel moves a PENDING or PROCESSING order to CANCELLED and returns every
// item to stock. Cancelling an already cancelled order is a no-op. A PAID
// payment status is left for the refund flow.
func (s *OrderService) Cancel(ctx context.Context, orderID, actorID int64, reason string) (*CancelResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	return s.cancel(ctx, orderID, actorID, reason, false)
}

// abandon is the reaper's cancellation: it only applies to PENDING/PENDING orders
// and aborts the payment side as well.
func (s *OrderService) abandon(ctx context.Context, orderID int64) (*CancelResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Abandon")
	defer span.End()

	return s.cancel(ctx, orderID, models.SystemActorID, ReasonAbandoned, true)
}

// ReasonAbandoned is the history reason written by the reaper.
const ReasonAbandoned = "abandoned"

func (s *OrderService) cancel(ctx context.Context, orderID, actorID int64, reason string, abandon bool) (*CancelResult, error) {
	result := &CancelResult{}
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		result.Reclamations = nil
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		result.Order = order

		if order.OrderStatus == models.OrderStatusCancelled {
			result.AlreadyCancelled = true
			return nil
		}
		if abandon && (order.OrderStatus != models.OrderStatusPending || order.PaymentStatus != models.OrderPaymentPending) {
			return fmt.Errorf("%w: order %d is %s/%s", ErrStaleTransition, orderID, order.OrderStatus, order.PaymentStatus)
		}
		if !models.IsCancellable(order.OrderStatus) {
			return fmt.Errorf("%w: cannot cancel order %d in status %s", ErrInvalidTransition, orderID, order.OrderStatus)
		}

		newPayment := order.PaymentStatus
		if abandon {
			newPayment = models.OrderPaymentAborted
			if err := s.failPendingPayment(ctx, tx, orderID); err != nil {
				return err
			}
		}

		items, err := tx.GetOrderItemsByOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to get order items: %w", err)
		}
		for _, item := range items {
			rec, err := s.allocator.Reclaim(ctx, tx, item, actorID, reason)
			if err != nil {
				return fmt.Errorf("failed to reclaim item %d: %w", item.ID, err)
			}
			result.Reclamations = append(result.Reclamations, *rec)
		}

		return s.transition(ctx, tx, order, models.OrderStatusCancelled, newPayment, actorID, reason)
	})
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			util.StaleTransitionsTotal.WithLabelValues("cancel").Inc()
			s.logger.Info("Cancellation lost to a concurrent transition",
				zap.Int64("order_id", orderID), zap.Error(err))
		}
		return nil, err
	}

	if result.AlreadyCancelled {
		s.logger.Debug("Order already cancelled", zap.Int64("order_id", orderID))
		return result, nil
	}

	util.OrdersCancelledTotal.WithLabelValues(cancelLabel(abandon)).Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("order_status", result.Order.OrderStatus),
		zap.String("payment_status", result.Order.PaymentStatus),
		zap.String("reason", reason))

	eventType := models.EventTypeOrderCancelled
	if abandon {
		eventType = models.EventTypeOrderAbandoned
	}
	s.publish(ctx, orderID, &models.OrderCancelledEvent{
		BaseEvent:     models.NewBaseEvent(uuid.New().String(), eventType, s.now()),
		OrderID:       orderID,
		PaymentStatus: result.Order.PaymentStatus,
		Reason:        reason,
		ChangedBy:     actorID,
	})

	touched := make([]int64, 0, len(result.Reclamations))
	for _, rec := range result.Reclamations {
		touched = append(touched, rec.ProductID)
		if rec.Unassigned {
			s.publish(ctx, orderID, &models.UnassignedReturnEvent{
				BaseEvent:  models.NewBaseEvent(uuid.New().String(), models.EventTypeStockUnassignedReturn, s.now()),
				OrderID:    orderID,
				ProductID:  rec.ProductID,
				MovementID: rec.MovementID,
				Quantity:   rec.Quantity,
			})
		}
	}
	s.refreshAvailability(ctx, touched)

	return result, nil
}

func (s *OrderService) failPendingPayment(ctx context.Context, tx store.Tx, orderID int64) error {
	payment, err := tx.GetPaymentForUpdate(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if payment.Status != models.PaymentStatusPending {
		return nil
	}
	payment.Status = models.PaymentStatusFailed
	payment.UpdatedAt = s.now()
	return tx.UpdatePayment(ctx, payment)
}

// Advance moves an order forward through fulfilment (PROCESSING, SHIPPED, DELIVERED).
// Requesting the status the order already has is a no-op.
func (s *OrderService) Advance(ctx context.Context, orderID int64, to string, actorID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Advance")
	defer span.End()

	if to == models.OrderStatusCancelled {
		res, err := s.Cancel(ctx, orderID, actorID, reason)
		if err != nil {
			return nil, err
		}
		return res.Order, nil
	}

	var result *models.Order
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		result = order
		if order.OrderStatus == to {
			return nil
		}
		if !models.CanTransitionOrder(order.OrderStatus, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.OrderStatus, to)
		}
		return s.transition(ctx, tx, order, to, order.PaymentStatus, actorID, reason)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order advanced",
		zap.Int64("order_id", orderID),
		zap.String("order_status", result.OrderStatus))
	return result, nil
}

// transition writes the new statuses and the matching history row. order is
// updated in place.
func (s *OrderService) transition(ctx context.Context, tx store.Tx, order *models.Order, orderStatus, paymentStatus string, actorID int64, reason string) error {
	return applyTransition(ctx, tx, order, orderStatus, paymentStatus, actorID, reason, s.now())
}

func applyTransition(ctx context.Context, tx store.Tx, order *models.Order, orderStatus, paymentStatus string, actorID int64, reason string, at time.Time) error {
	if err := tx.UpdateOrderStatus(ctx, order.ID, orderStatus, paymentStatus, at); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	history := &models.OrderStatusHistory{
		OrderID:          order.ID,
		OldStatus:        order.OrderStatus,
		NewStatus:        orderStatus,
		OldPaymentStatus: order.PaymentStatus,
		NewPaymentStatus: paymentStatus,
		ChangedBy:        actorID,
		Reason:           reason,
		CreatedAt:        at,
	}
	if err := tx.InsertStatusHistory(ctx, history); err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	order.OrderStatus = orderStatus
	order.PaymentStatus = paymentStatus
	order.UpdatedAt = at
	return nil
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.repo.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// History returns the status audit trail of an order
func (s *OrderService) History(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	if _, err := s.repo.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListStatusHistory(ctx, orderID)
}

func (s *OrderService) duplicateResponse(ctx context.Context, order *models.Order) (*CreateOrderResponse, error) {
	items, err := s.repo.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &CreateOrderResponse{
		OrderID:       order.ID,
		Status:        order.OrderStatus,
		PaymentStatus: order.PaymentStatus,
		TotalAmount:   order.TotalAmount,
		Items:         items,
		Duplicate:     true,
	}, nil
}

// validateOrderItems validates quantities and that all products exist
func (s *OrderService) validateOrderItems(ctx context.Context, items []OrderItemRequest) (map[int64]*models.Product, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrInvalidInput)
	}

	unique := make(map[int64]bool, len(items))
	productIDs := make([]int64, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d quantity %d", ErrInvalidQuantity, item.ProductID, item.Quantity)
		}
		if !unique[item.ProductID] {
			unique[item.ProductID] = true
			productIDs = append(productIDs, item.ProductID)
		}
	}

	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}
	for _, id := range productIDs {
		if _, ok := productMap[id]; !ok {
			return nil, fmt.Errorf("%w: product %d not found", ErrInvalidInput, id)
		}
	}

	return productMap, nil
}

// mergeOrderItems folds repeated products into one line and sorts lines by
// product id. Every checkout then locks batches in the same product order, and
// so does a later cancellation, which walks the items in insertion order.
func mergeOrderItems(items []OrderItemRequest) []OrderItemRequest {
	quantities := make(map[int64]int, len(items))
	lines := make([]OrderItemRequest, 0, len(items))
	for _, item := range items {
		if _, seen := quantities[item.ProductID]; !seen {
			lines = append(lines, OrderItemRequest{ProductID: item.ProductID})
		}
		quantities[item.ProductID] += item.Quantity
	}
	for i := range lines {
		lines[i].Quantity = quantities[lines[i].ProductID]
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines
}

// calculateTotal calculates the total amount for an order
func (s *OrderService) calculateTotal(items []OrderItemRequest, products map[int64]*models.Product) int64 {
	var total int64
	for _, item := range items {
		product := products[item.ProductID]
		total += product.Price * int64(item.Quantity)
	}
	return total
}

func (s *OrderService) publish(ctx context.Context, orderID int64, event interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, orderID, event); err != nil {
		s.logger.Error("Failed to publish event",
			zap.Int64("order_id", orderID),
			zap.String("event", fmt.Sprintf("%T", event)),
			zap.Error(err))
	}
}

func (s *OrderService) refreshAvailability(ctx context.Context, productIDs []int64) {
	if s.inventory == nil {
		return
	}
	s.inventory.RefreshAvailability(ctx, productIDs)
}

const orderReferencePrefix = "order:"

func orderReference(orderID int64) string {
	return fmt.Sprintf("%s%d", orderReferencePrefix, orderID)
}

func cancelLabel(abandon bool) string {
	if abandon {
		return "abandoned"
	}
	return "manual"
}

func itemData(items []models.OrderItem) []models.OrderItemData {
	data := make([]models.OrderItemData, 0, len(items))
	for _, it := range items {
		data = append(data, models.OrderItemData{
			ProductID: it.ProductID,
			BatchID:   it.BatchID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return data
}

func productIDs(items []models.OrderItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	return ids
}
