package api

import (
	"net/http"

	"fulfillment-engine/internal/service"

	"github.com/gin-gonic/gin"
)

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

func (h *Handler) getHistory(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	history, err := h.orders.History(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}

	result, err := h.orders.Cancel(c.Request.Context(), orderID, actorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) advanceOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		badRequest(c, "Request body must name the target status", err)
		return
	}

	order, err := h.orders.Advance(c.Request.Context(), orderID, req.Status, actorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := h.payments.Initiate(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) getPayment(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	view, err := h.payments.GetPayment(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	verified, err := h.payments.Verify(c.Request.Context(), req.OrderID, req.ProviderPaymentID, req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}
	if !verified {
		writeError(c, service.ErrInvalidSignature)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "order_id": req.OrderID})
}

func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "refund requested"
	}

	order, err := h.payments.Refund(c.Request.Context(), orderID, actorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
