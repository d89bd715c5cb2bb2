package paymentgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"fulfillment-engine/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Config holds the provider endpoint and credentials
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration

	// Breaker trips after BreakerFailures consecutive failures and stays open for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client is an HTTP client for the provider's REST API guarded by a circuit breaker
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrRejected
}

// NewClient creates a new provider client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	logger := util.GetLogger()
	settings := gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// 4xx answers mean the provider is healthy and said no.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.StatusCode < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		logger:  logger,
	}
}

// CreateOrder registers an order with the provider before the customer pays
func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.CreateOrder")
	defer span.End()

	body := map[string]interface{}{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	var order Order
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// FetchPayment returns the provider's view of a payment
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*PaymentInfo, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.FetchPayment")
	defer span.End()

	var info PaymentInfo
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Refund refunds amount of a captured payment. amount 0 refunds it in full.
func (c *Client) Refund(ctx context.Context, paymentID string, amount int64) (*Refund, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.Refund")
	defer span.End()

	body := map[string]interface{}{}
	if amount > 0 {
		body["amount"] = amount
	}
	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/refund", body, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	respBody, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
		}
		return data, nil
	})
	if err != nil {
		c.logger.Warn("Payment provider call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}
	return nil
}
