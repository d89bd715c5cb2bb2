package service

import (
	"errors"
	"fmt"

	"fulfillment-engine/internal/store"
)

var (
	// ErrInsufficientStock means the eligible batches cannot cover a request.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidQuantity means a non-positive quantity reached the ledger.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrInvalidSignature means a payment confirmation failed HMAC verification.
	ErrInvalidSignature = errors.New("invalid payment signature")
	// ErrStaleTransition means the order changed state before our transition got the lock.
	ErrStaleTransition = errors.New("stale transition")
	// ErrUnassignedReclamation marks a return that could not be matched to an active batch.
	ErrUnassignedReclamation = errors.New("unassigned reclamation")
	// ErrProvider wraps every failed payment provider call.
	ErrProvider = errors.New("payment provider error")
	// ErrInvalidTransition means the requested status change is not in the transition table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidInput covers malformed requests that never reach the ledger.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is re-exported from the store so callers need one import.
	ErrNotFound = store.ErrNotFound
	// ErrDuplicate is re-exported from the store.
	ErrDuplicate = store.ErrDuplicate
)

// InsufficientStockError identifies the product that could not be satisfied.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ProviderError carries the failing provider operation.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}
