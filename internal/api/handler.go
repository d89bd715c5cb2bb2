package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// actorHeader carries the id of the operator or customer making the call.
const actorHeader = "X-Actor-ID"

// ReadinessCheck reports whether a dependency is reachable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orders    *service.OrderService
	payments  *service.PaymentVerifier
	ledger    *service.Ledger
	inventory *service.InventoryService
	reaper    *service.Reaper

	abandonAfter time.Duration
	checks       map[string]ReadinessCheck
}

// Services groups the services the handler exposes
type Services struct {
	Orders    *service.OrderService
	Payments  *service.PaymentVerifier
	Ledger    *service.Ledger
	Inventory *service.InventoryService
	Reaper    *service.Reaper
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, abandonAfter time.Duration, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		orders:       svc.Orders,
		payments:     svc.Payments,
		ledger:       svc.Ledger,
		inventory:    svc.Inventory,
		reaper:       svc.Reaper,
		abandonAfter: abandonAfter,
		checks:       checks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/history", h.getHistory)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/advance", h.advanceOrder)
		v1.POST("/orders/:id/payments", h.initiatePayment)
		v1.GET("/orders/:id/payment", h.getPayment)
		v1.POST("/orders/:id/refund", h.refundOrder)
		v1.POST("/payments/verify", h.verifyPayment)

		v1.POST("/batches", h.receiveBatch)
		v1.GET("/batches/:id/replay", h.replayBatch)
		v1.POST("/batches/:id/reconcile", h.reconcileBatch)
		v1.POST("/movements", h.recordAdjustment)
		v1.POST("/movements/:id/compensate", h.compensateMovement)
		v1.GET("/movements/unassigned", h.listUnassigned)
		v1.GET("/products/:id/availability", h.getAvailability)

		v1.POST("/admin/sweep", h.sweep)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// sweep runs one abandonment sweep on demand
func (h *Handler) sweep(c *gin.Context) {
	threshold := h.abandonAfter
	if raw := c.Query("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			badRequest(c, "Invalid threshold", err)
			return
		}
		threshold = d
	}

	result, err := h.reaper.Sweep(c.Request.Context(), threshold)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid "+name, err)
		return 0, false
	}
	return id, true
}

// actorID reads the caller id; anonymous calls are attributed to the system actor.
func actorID(c *gin.Context) int64 {
	id, err := strconv.ParseInt(c.GetHeader(actorHeader), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
