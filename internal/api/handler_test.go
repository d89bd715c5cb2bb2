package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/paymentgw"
	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "api-test-secret"

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	repo     *memstore.Store
	provider *paymentgw.Mock
}

func newTestServer(t *testing.T, checks map[string]ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := memstore.New()
	provider := paymentgw.NewMock(secret)
	ledger := service.NewLedger(repo)
	allocator := service.NewAllocator(ledger)
	inventory := service.NewInventoryService(repo, ledger, nil)
	orders := service.NewOrderService(repo, allocator, nil, inventory)
	verifier := service.NewPaymentVerifier(repo, provider, nil, secret, "INR")

	h := NewHandler(Services{
		Orders:    orders,
		Payments:  verifier,
		Ledger:    ledger,
		Inventory: inventory,
		Reaper:    service.NewReaper(repo, orders),
	}, 15*time.Minute, checks)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{t: t, router: router, repo: repo, provider: provider}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "99")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

// stock seeds a product and receives qty units expiring in 30 days.
func (s *testServer) stock(price int64, qty int) int64 {
	productID, _ := s.stockBatch(price, qty)
	return productID
}

func (s *testServer) stockBatch(price int64, qty int) (int64, int64) {
	s.t.Helper()
	p := s.repo.AddProduct(models.Product{SKU: fmt.Sprintf("SKU-%d", time.Now().UnixNano()), Price: price})
	w := s.do(http.MethodPost, "/api/v1/batches", gin.H{
		"product_id":   p.ID,
		"batch_number": "B1",
		"quantity":     qty,
		"expiry_date":  time.Now().UTC().AddDate(0, 0, 30),
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var batch models.Batch
	decode(s.t, w, &batch)
	return p.ID, batch.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadiness(t *testing.T) {
	s := newTestServer(t, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready", nil).Code)

	s = newTestServer(t, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	w := s.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.stock(150, 10)

	body := gin.H{
		"user_id":         7,
		"idempotency_key": "cart-7",
		"items":           []gin.H{{"product_id": p, "quantity": 4}},
	}
	w := s.do(http.MethodPost, "/api/v1/orders", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp service.CreateOrderResponse
	decode(t, w, &resp)
	assert.Equal(t, int64(600), resp.TotalAmount)
	assert.Equal(t, models.OrderStatusPending, resp.Status)

	// Replaying the same key answers 200 with the same order.
	w = s.do(http.MethodPost, "/api/v1/orders", body)
	require.Equal(t, http.StatusOK, w.Code)
	var again service.CreateOrderResponse
	decode(t, w, &again)
	assert.Equal(t, resp.OrderID, again.OrderID)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/products/%d/availability", p), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var avail struct {
		Available int `json:"available"`
	}
	decode(t, w, &avail)
	assert.Equal(t, 6, avail.Available)
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.stock(100, 2)

	w := s.do(http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": 1,
		"items":   []gin.H{{"product_id": p, "quantity": 5}},
	})
	require.Equal(t, http.StatusConflict, w.Code)

	var resp errorResponse
	decode(t, w, &resp)
	assert.Equal(t, "INSUFFICIENT_STOCK", resp.Code)
	details, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), details["available"])
}

func TestCreateOrder_BadRequest(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/orders", gin.H{"user_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": 1,
		"items":   []gin.H{{"product_id": 12345, "quantity": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOrder_NotFound(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/v1/orders/777", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/orders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentFlow(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.stock(100, 10)

	w := s.do(http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": 1,
		"items":   []gin.H{{"product_id": p, "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created service.CreateOrderResponse
	decode(t, w, &created)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/payments", created.OrderID), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var payment models.Payment
	decode(t, w, &payment)

	paymentID, sig, err := s.provider.Capture(payment.ProviderOrderID)
	require.NoError(t, err)

	w = s.do(http.MethodPost, "/api/v1/payments/verify", gin.H{
		"order_id":            created.OrderID,
		"provider_payment_id": paymentID,
		"signature":           paymentgw.Sign("wrong", payment.ProviderOrderID, paymentID),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(http.MethodPost, "/api/v1/payments/verify", gin.H{
		"order_id":            created.OrderID,
		"provider_payment_id": paymentID,
		"signature":           sig,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/refund", created.OrderID), gin.H{"reason": "customer request"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var order models.Order
	decode(t, w, &order)
	assert.Equal(t, models.OrderPaymentRefunded, order.PaymentStatus)
}

func TestCancelAndHistory(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.stock(100, 10)

	w := s.do(http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": 1,
		"items":   []gin.H{{"product_id": p, "quantity": 3}},
	})
	var created service.CreateOrderResponse
	decode(t, w, &created)

	path := fmt.Sprintf("/api/v1/orders/%d/cancel", created.OrderID)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, path, gin.H{"reason": "changed mind"}).Code)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, path, gin.H{"reason": "changed mind"}).Code)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/orders/%d/history", created.OrderID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []models.OrderStatusHistory `json:"history"`
	}
	decode(t, w, &history)
	require.Len(t, history.History, 2)
	assert.Equal(t, int64(99), history.History[1].ChangedBy)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/advance", created.OrderID), gin.H{"status": models.OrderStatusShipped})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSweep(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.stock(100, 10)

	w := s.do(http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": 1,
		"items":   []gin.H{{"product_id": p, "quantity": 3}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPost, "/api/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result service.SweepResult
	decode(t, w, &result)
	assert.Equal(t, 0, result.Matched)

	w = s.do(http.MethodPost, "/api/v1/admin/sweep?threshold=1m", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &result)
	assert.Equal(t, 0, result.Matched, "a fresh order is not abandoned")

	for _, threshold := range []string{"0s", "30s", "-5m", "soon"} {
		w = s.do(http.MethodPost, "/api/v1/admin/sweep?threshold="+threshold, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, threshold)
	}

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/products/%d/availability", p), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var avail struct {
		Available int `json:"available"`
	}
	decode(t, w, &avail)
	assert.Equal(t, 7, avail.Available)
}

func TestLedgerEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	p, batchID := s.stockBatch(100, 10)

	w := s.do(http.MethodPost, "/api/v1/movements", gin.H{
		"batch_id":      batchID,
		"movement_type": models.MovementDamaged,
		"quantity":      3,
		"reason":        "crushed pallet",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var movement models.StockMovement
	decode(t, w, &movement)
	assert.Equal(t, p, movement.ProductID)

	w = s.do(http.MethodPost, "/api/v1/movements", gin.H{
		"batch_id":      batchID,
		"movement_type": models.MovementIn,
		"quantity":      3,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/movements/%d/compensate", movement.ID), gin.H{"reason": "miscounted"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/batches/%d/replay", batchID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"consistent":true`)

	w = s.do(http.MethodGet, "/api/v1/movements/unassigned", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
