package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderEvent publishes any order event keyed by its order
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, orderID int64, event interface{}) error {
	ctx, span := util.StartSpan(ctx, "EventPublisher.PublishOrderEvent")
	defer span.End()

	return ep.producer.PublishEvent(ctx, OrderKey(orderID), eventType(event), event)
}

// OrderKey is the partition key of every event about one order.
func OrderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

func eventType(event interface{}) string {
	switch e := event.(type) {
	case *models.OrderCreatedEvent:
		return e.EventType
	case *models.OrderCancelledEvent:
		return e.EventType
	case *models.OrderPaidEvent:
		return e.EventType
	case *models.OrderRefundedEvent:
		return e.EventType
	case *models.UnassignedReturnEvent:
		return e.EventType
	case *models.PaymentCapturedEvent:
		return e.EventType
	default:
		return fmt.Sprintf("%T", event)
	}
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentCaptured func(context.Context, *models.PaymentCapturedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentCaptured registers a handler for PaymentCaptured events
func (eh *EventHandler) OnPaymentCaptured(handler func(context.Context, *models.PaymentCapturedEvent) error) {
	eh.onPaymentCaptured = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// Undecodable messages can never succeed; acknowledge them.
		eh.logger.Error("Dropping malformed event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentCaptured:
		if eh.onPaymentCaptured != nil {
			var event models.PaymentCapturedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentCaptured event: %w", err)
			}
			return eh.onPaymentCaptured(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
