package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// Ledger is the only code path that changes Batch.CurrentQuantity.
type Ledger struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a new stock ledger
func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MovementInput describes one quantity change against a batch.
type MovementInput struct {
	BatchID      int64
	MovementType string
	Quantity     int
	Reference    string
	Note         string
	ActorID      int64
}

// ReplayReport compares a batch's stored quantity with the one derived from its ledger.
type ReplayReport struct {
	BatchID   int64 `json:"batch_id"`
	Received  int   `json:"received"`
	Current   int   `json:"current"`
	Derived   int   `json:"derived"`
	Drift     int   `json:"drift"`
	Movements int   `json:"movements"`
}

// Consistent is true when the stored quantity matches the replayed ledger.
func (r *ReplayReport) Consistent() bool {
	return r.Drift == 0
}

// Record writes a movement in its own transaction.
func (l *Ledger) Record(ctx context.Context, in MovementInput) (*models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Record")
	defer span.End()

	var movement *models.StockMovement
	err := l.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		movement, err = l.RecordMovement(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// RecordMovement locks the batch, applies the signed quantity and appends the
// ledger row inside the caller's transaction. Both writes happen or neither does.
func (l *Ledger) RecordMovement(ctx context.Context, tx store.Tx, in MovementInput) (*models.StockMovement, error) {
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, in.Quantity)
	}
	sign := models.MovementSign(in.MovementType)
	if sign == 0 {
		return nil, fmt.Errorf("%w: unknown movement type %q", ErrInvalidInput, in.MovementType)
	}

	batch, err := tx.GetBatchForUpdate(ctx, in.BatchID)
	if err != nil {
		return nil, err
	}

	current, err := tx.ApplyBatchDelta(ctx, batch.ID, sign*in.Quantity)
	if errors.Is(err, store.ErrNegativeQuantity) {
		return nil, &InsufficientStockError{
			ProductID: batch.ProductID,
			Requested: in.Quantity,
			Available: batch.CurrentQuantity,
		}
	}
	if err != nil {
		return nil, err
	}

	batchID := batch.ID
	movement := &models.StockMovement{
		ProductID:    batch.ProductID,
		BatchID:      &batchID,
		MovementType: in.MovementType,
		Quantity:     in.Quantity,
		Reference:    in.Reference,
		Note:         in.Note,
		ActorID:      in.ActorID,
		CreatedAt:    l.now(),
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return nil, fmt.Errorf("failed to insert movement: %w", err)
	}

	util.StockMovementsTotal.WithLabelValues(in.MovementType).Inc()
	l.logger.Debug("Stock movement recorded",
		zap.Int64("movement_id", movement.ID),
		zap.Int64("batch_id", batch.ID),
		zap.String("type", in.MovementType),
		zap.Int("quantity", in.Quantity),
		zap.Int("current_quantity", current))

	return movement, nil
}

// recordUnassigned appends an IN movement with no batch, flagged for manual audit.
func (l *Ledger) recordUnassigned(ctx context.Context, tx store.Tx, productID int64, in MovementInput) (*models.StockMovement, error) {
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, in.Quantity)
	}
	movement := &models.StockMovement{
		ProductID:    productID,
		MovementType: models.MovementIn,
		Quantity:     in.Quantity,
		Reference:    in.Reference,
		Note:         in.Note,
		ActorID:      in.ActorID,
		NeedsAudit:   true,
		CreatedAt:    l.now(),
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return nil, fmt.Errorf("failed to insert unassigned movement: %w", err)
	}
	util.UnassignedReclamationsTotal.Inc()
	return movement, nil
}

// Replay derives current_quantity from the received quantity plus the signed
// sum of the batch's movements and reports any drift.
func (l *Ledger) Replay(ctx context.Context, batchID int64) (*ReplayReport, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Replay")
	defer span.End()

	batch, err := l.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	movements, err := l.repo.ListMovementsByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	return replay(batch, movements), nil
}

func replay(batch *models.Batch, movements []models.StockMovement) *ReplayReport {
	derived := batch.Quantity
	for i := range movements {
		derived += movements[i].SignedQuantity()
	}
	return &ReplayReport{
		BatchID:   batch.ID,
		Received:  batch.Quantity,
		Current:   batch.CurrentQuantity,
		Derived:   derived,
		Drift:     batch.CurrentQuantity - derived,
		Movements: len(movements),
	}
}

// Reconcile restores a drifted batch to the quantity its ledger derives.
func (l *Ledger) Reconcile(ctx context.Context, batchID, actorID int64) (*ReplayReport, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Reconcile")
	defer span.End()

	var report *ReplayReport
	err := l.repo.WithTx(ctx, func(tx store.Tx) error {
		batch, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		movements, err := tx.ListMovementsByBatch(ctx, batchID)
		if err != nil {
			return fmt.Errorf("failed to list movements: %w", err)
		}

		report = replay(batch, movements)
		if report.Consistent() {
			return nil
		}
		if report.Derived < 0 {
			return fmt.Errorf("batch %d ledger derives %d: %w", batchID, report.Derived, ErrInvalidQuantity)
		}
		return tx.SetBatchQuantity(ctx, batchID, report.Derived)
	})
	if err != nil {
		return nil, err
	}

	if !report.Consistent() {
		util.LedgerDriftCorrectedTotal.Inc()
		l.logger.Warn("Batch quantity drift corrected from ledger",
			zap.Int64("batch_id", batchID),
			zap.Int("stored", report.Current),
			zap.Int("derived", report.Derived),
			zap.Int64("actor_id", actorID))
	}
	return report, nil
}

// Compensate reverses a movement by appending its opposite. History is never deleted.
// Movements written by checkout or cancellation belong to their order and are
// only undone through the order lifecycle.
func (l *Ledger) Compensate(ctx context.Context, movementID, actorID int64, reason string) (*models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Compensate")
	defer span.End()

	var reversal *models.StockMovement
	err := l.repo.WithTx(ctx, func(tx store.Tx) error {
		original, err := tx.GetMovement(ctx, movementID)
		if err != nil {
			return err
		}
		if original.BatchID == nil {
			return fmt.Errorf("%w: movement %d has no batch to compensate against", ErrInvalidInput, movementID)
		}
		if strings.HasPrefix(original.Reference, orderReferencePrefix) {
			return fmt.Errorf("%w: movement %d belongs to %s, cancel the order instead", ErrInvalidInput, movementID, original.Reference)
		}

		reference := compensationReference(movementID)
		n, err := tx.CountMovementsByReference(ctx, reference)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: movement %d already compensated", ErrInvalidInput, movementID)
		}

		reverseType := models.MovementIn
		if original.MovementType == models.MovementIn {
			reverseType = models.MovementOut
		}

		reversal, err = l.RecordMovement(ctx, tx, MovementInput{
			BatchID:      *original.BatchID,
			MovementType: reverseType,
			Quantity:     original.Quantity,
			Reference:    reference,
			Note:         reason,
			ActorID:      actorID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}

// ListUnassigned returns reclamations waiting for a manual audit.
func (l *Ledger) ListUnassigned(ctx context.Context) ([]models.StockMovement, error) {
	return l.repo.ListUnassignedMovements(ctx)
}

func compensationReference(movementID int64) string {
	return fmt.Sprintf("reversal:%d", movementID)
}
