package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// Allocation is the quantity taken from one batch by a deduction.
type Allocation struct {
	BatchID    int64     `json:"batch_id"`
	ExpiryDate time.Time `json:"expiry_date"`
	Quantity   int       `json:"quantity"`
	MovementID int64     `json:"movement_id"`
}

// Reclamation describes where a returned quantity went.
type Reclamation struct {
	OrderItemID int64  `json:"order_item_id"`
	ProductID   int64  `json:"product_id"`
	BatchID     *int64 `json:"batch_id,omitempty"`
	Quantity    int    `json:"quantity"`
	MovementID  int64  `json:"movement_id"`
	// Fallback is set when the original batch could not take the return.
	Fallback bool `json:"fallback"`
	// Unassigned is set when no active batch existed and the movement awaits audit.
	Unassigned bool `json:"unassigned"`
}

// Allocator implements FEFO deduction and matched reclamation on top of the Ledger.
type Allocator struct {
	ledger *Ledger
	logger *zap.Logger
	now    func() time.Time
}

// NewAllocator creates a new batch allocator
func NewAllocator(ledger *Ledger) *Allocator {
	return &Allocator{
		ledger: ledger,
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Deduct consumes quantity of a product from its batches, soonest expiry first.
// The batches are locked in FEFO order. If the eligible total falls short,
// nothing is written and an *InsufficientStockError is returned; the caller's
// transaction is expected to roll back on any error.
func (a *Allocator) Deduct(ctx context.Context, tx store.Tx, productID int64, quantity int, actorID int64, reference string) ([]Allocation, error) {
	if quantity <= 0 {
		return []Allocation{}, nil
	}

	batches, err := tx.LockAllocatableBatches(ctx, productID, a.now())
	if err != nil {
		return nil, fmt.Errorf("failed to lock batches for product %d: %w", productID, err)
	}

	available := 0
	for _, b := range batches {
		available += b.CurrentQuantity
	}
	if available < quantity {
		util.AllocationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, &InsufficientStockError{ProductID: productID, Requested: quantity, Available: available}
	}

	remaining := quantity
	allocations := make([]Allocation, 0, len(batches))
	for _, b := range batches {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > b.CurrentQuantity {
			take = b.CurrentQuantity
		}

		movement, err := a.ledger.RecordMovement(ctx, tx, MovementInput{
			BatchID:      b.ID,
			MovementType: models.MovementOut,
			Quantity:     take,
			Reference:    reference,
			Note:         "fefo allocation",
			ActorID:      actorID,
		})
		if err != nil {
			return nil, err
		}

		allocations = append(allocations, Allocation{
			BatchID:    b.ID,
			ExpiryDate: b.ExpiryDate,
			Quantity:   take,
			MovementID: movement.ID,
		})
		remaining -= take
	}

	return allocations, nil
}

// Reclaim returns an order item's quantity to stock. The original batch gets it
// back while it is still active; otherwise the active batch with the latest expiry
// does. With no active batch at all the return is written as an unassigned IN
// movement flagged for audit instead of being dropped.
func (a *Allocator) Reclaim(ctx context.Context, tx store.Tx, item models.OrderItem, actorID int64, reason string) (*Reclamation, error) {
	rec := &Reclamation{
		OrderItemID: item.ID,
		ProductID:   item.ProductID,
		Quantity:    item.Quantity,
	}
	if item.Quantity <= 0 {
		return rec, nil
	}

	reference := orderReference(item.OrderID)
	today := a.now()

	if item.BatchID != nil {
		batch, err := tx.GetBatchForUpdate(ctx, *item.BatchID)
		switch {
		case err == nil && batch.ActiveOn(today):
			return a.reclaimInto(ctx, tx, rec, batch.ID, false, reference, reason, actorID)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	candidates, err := tx.LockReturnableBatches(ctx, item.ProductID, today)
	if err != nil {
		return nil, fmt.Errorf("failed to lock return batches for product %d: %w", item.ProductID, err)
	}
	if len(candidates) > 0 {
		return a.reclaimInto(ctx, tx, rec, candidates[0].ID, true, reference, reason, actorID)
	}

	movement, err := a.ledger.recordUnassigned(ctx, tx, item.ProductID, MovementInput{
		Quantity:  item.Quantity,
		Reference: reference,
		Note:      reason,
		ActorID:   actorID,
	})
	if err != nil {
		return nil, err
	}
	rec.MovementID = movement.ID
	rec.Unassigned = true

	a.logger.Warn("Return recorded without a batch, flagged for audit",
		zap.Int64("order_id", item.OrderID),
		zap.Int64("product_id", item.ProductID),
		zap.Int("quantity", item.Quantity),
		zap.Int64("movement_id", movement.ID),
		zap.Error(ErrUnassignedReclamation))
	return rec, nil
}

func (a *Allocator) reclaimInto(ctx context.Context, tx store.Tx, rec *Reclamation, batchID int64, fallback bool, reference, reason string, actorID int64) (*Reclamation, error) {
	movement, err := a.ledger.RecordMovement(ctx, tx, MovementInput{
		BatchID:      batchID,
		MovementType: models.MovementIn,
		Quantity:     rec.Quantity,
		Reference:    reference,
		Note:         reason,
		ActorID:      actorID,
	})
	if err != nil {
		return nil, err
	}
	rec.BatchID = &batchID
	rec.MovementID = movement.ID
	rec.Fallback = fallback
	return rec, nil
}
