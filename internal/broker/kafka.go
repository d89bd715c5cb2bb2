package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer, logger: util.GetLogger()}
}

// PublishEvent publishes an event to Kafka. Messages for one key land on one
// partition, so an order's events stay in commit order.
func (p *Producer) PublishEvent(ctx context.Context, key, eventType string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event", zap.String("key", key), zap.String("type", eventType))
	return nil
}

// Forward copies a message that could not be handled to the producer's topic,
// keeping its key and headers and recording where it came from and why.
func (p *Producer) Forward(ctx context.Context, msg kafka.Message, reason error) error {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "source_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "source_offset", Value: []byte(fmt.Sprintf("%d/%d", msg.Partition, msg.Offset))},
		kafka.Header{Key: "error", Value: []byte(reason.Error())},
	)
	out := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Time:    time.Now(),
		Headers: headers,
	}
	if err := p.writer.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("failed to forward message to dead letter topic: %w", err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader     *kafka.Reader
	deadLetter *Producer
	logger     *zap.Logger
}

// NewConsumer creates a new Kafka consumer. Messages whose handler keeps failing
// go to deadLetter; with deadLetter nil the consumer stops on them instead.
func NewConsumer(brokers []string, topic, groupID string, deadLetter *Producer) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{reader: reader, deadLetter: deadLetter, logger: util.GetLogger()}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// handlerAttempts bounds how often one message is handed to the handler before
// it is dead-lettered.
const handlerAttempts = 3

// StartConsuming fetches messages until ctx is done. A message whose handler
// keeps failing is retried with a growing pause and then moved to the dead
// letter topic. It is only committed once it was handled or forwarded; if
// neither worked, consuming stops and the message is redelivered on restart.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer", zap.String("topic", c.reader.Config().Topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if err := handleWithRetry(ctx, handler, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.park(ctx, msg, err); err != nil {
				return err
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message", zap.Error(err))
		}
	}
}

// park hands a message that could not be handled to the dead letter topic.
func (c *Consumer) park(ctx context.Context, msg kafka.Message, handlerErr error) error {
	fields := []zap.Field{
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("key", string(msg.Key)),
		zap.Error(handlerErr),
	}
	if c.deadLetter == nil {
		c.logger.Error("Message failed and no dead letter topic is configured", fields...)
		return fmt.Errorf("message %d/%d not handled: %w", msg.Partition, msg.Offset, handlerErr)
	}
	if err := c.deadLetter.Forward(ctx, msg, handlerErr); err != nil {
		c.logger.Error("Message failed and could not be dead-lettered", append(fields, zap.NamedError("forward_error", err))...)
		return err
	}
	c.logger.Warn("Message moved to dead letter topic", fields...)
	return nil
}

func handleWithRetry(ctx context.Context, handler MessageHandler, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= handlerAttempts; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return nil
		}
		if attempt == handlerAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return err
}
