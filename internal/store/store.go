package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"fulfillment-engine/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// translateError maps constraint violations onto the store sentinels.
func translateError(err error, what string) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	case "23503":
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// Store is the PostgreSQL Repository.
type Store struct {
	db *sqlx.DB
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken by the
// ...ForUpdate methods serialize conflicting writers.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetBatch retrieves a batch by ID
func (s *Store) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	var batch models.Batch
	err := s.db.GetContext(ctx, &batch, "SELECT * FROM batches WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListMovementsByBatch returns a batch's ledger in replay order
func (s *Store) ListMovementsByBatch(ctx context.Context, batchID int64) ([]models.StockMovement, error) {
	return listMovementsByBatch(ctx, s.db, batchID)
}

// ListUnassignedMovements returns reclamations waiting for a manual audit
func (s *Store) ListUnassignedMovements(ctx context.Context) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := s.db.SelectContext(ctx, &movements,
		"SELECT * FROM stock_movements WHERE batch_id IS NULL AND needs_audit ORDER BY created_at, id")
	return movements, err
}

// SumAvailable returns the sellable quantity of a product across active batches
func (s *Store) SumAvailable(ctx context.Context, productID int64, asOf time.Time) (int, error) {
	var total int
	err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(current_quantity), 0) FROM batches
		 WHERE product_id = $1 AND current_quantity > 0 AND expiry_date >= $2`,
		productID, models.Day(asOf))
	return total, err
}

// ListProductIDsWithStock returns every product that has at least one batch
func (s *Store) ListProductIDsWithStock(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, "SELECT DISTINCT product_id FROM batches ORDER BY product_id")
	return ids, err
}

func listMovementsByBatch(ctx context.Context, q sqlx.QueryerContext, batchID int64) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := sqlx.SelectContext(ctx, q, &movements,
		"SELECT * FROM stock_movements WHERE batch_id = $1 ORDER BY created_at, id", batchID)
	return movements, err
}
