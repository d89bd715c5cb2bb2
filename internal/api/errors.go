package api

import (
	"errors"
	"net/http"

	"fulfillment-engine/internal/service"

	"github.com/gin-gonic/gin"
)

// errorResponse is the body of every non-2xx answer
type errorResponse struct {
	Code    string      `json:"code"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// classify maps a service error onto an HTTP status and a stable code.
func classify(err error) (int, string) {
	var stock *service.InsufficientStockError
	switch {
	case errors.As(err, &stock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, service.ErrInvalidQuantity):
		return http.StatusBadRequest, "INVALID_QUANTITY"
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusUnprocessableEntity, "INVALID_SIGNATURE"
	case errors.Is(err, service.ErrStaleTransition):
		return http.StatusConflict, "STALE_TRANSITION"
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, service.ErrDuplicate):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, service.ErrProvider):
		return http.StatusBadGateway, "PROVIDER_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	resp := errorResponse{Code: code, Error: err.Error()}

	var stock *service.InsufficientStockError
	if errors.As(err, &stock) {
		resp.Details = gin.H{
			"product_id": stock.ProductID,
			"requested":  stock.Requested,
			"available":  stock.Available,
		}
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		resp.Error = "internal error"
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string, err error) {
	resp := errorResponse{Code: "INVALID_INPUT", Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}
