package api

import (
	"net/http"

	"fulfillment-engine/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) receiveBatch(c *gin.Context) {
	var req service.ReceiveBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.ActorID == 0 {
		req.ActorID = actorID(c)
	}

	batch, err := h.inventory.ReceiveBatch(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (h *Handler) replayBatch(c *gin.Context) {
	batchID, ok := pathID(c, "id")
	if !ok {
		return
	}

	report, err := h.ledger.Replay(c.Request.Context(), batchID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report":     report,
		"consistent": report.Consistent(),
	})
}

func (h *Handler) reconcileBatch(c *gin.Context) {
	batchID, ok := pathID(c, "id")
	if !ok {
		return
	}

	report, err := h.ledger.Reconcile(c.Request.Context(), batchID, actorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) recordAdjustment(c *gin.Context) {
	var req service.AdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.ActorID == 0 {
		req.ActorID = actorID(c)
	}

	movement, err := h.inventory.RecordAdjustment(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func (h *Handler) compensateMovement(c *gin.Context) {
	movementID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "compensation"
	}

	reversal, err := h.ledger.Compensate(c.Request.Context(), movementID, actorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reversal)
}

func (h *Handler) listUnassigned(c *gin.Context) {
	movements, err := h.ledger.ListUnassigned(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

func (h *Handler) getAvailability(c *gin.Context) {
	productID, ok := pathID(c, "id")
	if !ok {
		return
	}

	available, err := h.inventory.Availability(c.Request.Context(), productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id": productID,
		"available":  available,
	})
}
