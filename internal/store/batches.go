package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// pgTx implements Tx on top of a sqlx transaction.
type pgTx struct {
	tx *sqlx.Tx
}

var _ Tx = (*pgTx)(nil)

// InsertBatch records a received lot. current_quantity starts at the received quantity.
func (t *pgTx) InsertBatch(ctx context.Context, batch *models.Batch) error {
	query := `
		INSERT INTO batches (product_id, batch_number, quantity, current_quantity, expiry_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := t.tx.GetContext(ctx, &batch.ID, query,
		batch.ProductID, batch.BatchNumber, batch.Quantity, batch.CurrentQuantity,
		models.Day(batch.ExpiryDate), batch.CreatedAt)
	return translateError(err, fmt.Sprintf("batch %q for product %d", batch.BatchNumber, batch.ProductID))
}

// GetBatchForUpdate locks a single batch row
func (t *pgTx) GetBatchForUpdate(ctx context.Context, id int64) (*models.Batch, error) {
	var batch models.Batch
	err := t.tx.GetContext(ctx, &batch, "SELECT * FROM batches WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// LockAllocatableBatches locks sellable batches in FEFO order. Taking the locks
// in that order keeps concurrent multi-batch deductions from deadlocking.
func (t *pgTx) LockAllocatableBatches(ctx context.Context, productID int64, asOf time.Time) ([]models.Batch, error) {
	var batches []models.Batch
	err := t.tx.SelectContext(ctx, &batches,
		`SELECT * FROM batches
		 WHERE product_id = $1 AND current_quantity > 0 AND expiry_date >= $2
		 ORDER BY expiry_date ASC, created_at ASC, id ASC
		 FOR UPDATE`,
		productID, models.Day(asOf))
	return batches, err
}

// LockReturnableBatches locks active batches, longest shelf life first
func (t *pgTx) LockReturnableBatches(ctx context.Context, productID int64, asOf time.Time) ([]models.Batch, error) {
	var batches []models.Batch
	err := t.tx.SelectContext(ctx, &batches,
		`SELECT * FROM batches
		 WHERE product_id = $1 AND expiry_date >= $2
		 ORDER BY expiry_date DESC, created_at DESC, id DESC
		 FOR UPDATE`,
		productID, models.Day(asOf))
	return batches, err
}

// ApplyBatchDelta is a compare-and-set on current_quantity: the update only
// matches while the result stays non-negative.
func (t *pgTx) ApplyBatchDelta(ctx context.Context, batchID int64, delta int) (int, error) {
	var current int
	err := t.tx.GetContext(ctx, &current,
		`UPDATE batches SET current_quantity = current_quantity + $1
		 WHERE id = $2 AND current_quantity + $1 >= 0
		 RETURNING current_quantity`,
		delta, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := t.GetBatchForUpdate(ctx, batchID); getErr != nil {
			return 0, getErr
		}
		return 0, fmt.Errorf("batch %d delta %d: %w", batchID, delta, ErrNegativeQuantity)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust batch %d: %w", batchID, err)
	}
	return current, nil
}

// SetBatchQuantity overwrites current_quantity; used only by ledger reconciliation
func (t *pgTx) SetBatchQuantity(ctx context.Context, batchID int64, current int) error {
	if current < 0 {
		return fmt.Errorf("batch %d: %w", batchID, ErrNegativeQuantity)
	}
	res, err := t.tx.ExecContext(ctx,
		"UPDATE batches SET current_quantity = $1 WHERE id = $2", current, batchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %d: %w", batchID, ErrNotFound)
	}
	return nil
}

// InsertMovement appends a ledger entry
func (t *pgTx) InsertMovement(ctx context.Context, m *models.StockMovement) error {
	query := `
		INSERT INTO stock_movements
			(product_id, batch_id, movement_type, quantity, reference, note, actor_id, needs_audit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	return t.tx.GetContext(ctx, &m.ID, query,
		m.ProductID, m.BatchID, m.MovementType, m.Quantity, m.Reference, m.Note,
		m.ActorID, m.NeedsAudit, m.CreatedAt)
}

// GetMovement retrieves one ledger entry
func (t *pgTx) GetMovement(ctx context.Context, id int64) (*models.StockMovement, error) {
	var m models.StockMovement
	err := t.tx.GetContext(ctx, &m, "SELECT * FROM stock_movements WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("movement %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMovementsByBatch returns a batch's ledger in replay order
func (t *pgTx) ListMovementsByBatch(ctx context.Context, batchID int64) ([]models.StockMovement, error) {
	return listMovementsByBatch(ctx, t.tx, batchID)
}

// CountMovementsByReference counts ledger entries carrying a reference
func (t *pgTx) CountMovementsByReference(ctx context.Context, reference string) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM stock_movements WHERE reference = $1", reference)
	return n, err
}
