package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"

	"go.uber.org/zap"
)

// AvailabilityCache keeps a read-only copy of per-product sellable stock.
// The database stays authoritative; the cache only serves availability reads.
type AvailabilityCache interface {
	SetAvailability(ctx context.Context, productID int64, available int) error
	GetAvailability(ctx context.Context, productID int64) (int, bool, error)
}

// InventoryService receives batches, records adjustments and answers
// availability queries.
type InventoryService struct {
	repo   store.Repository
	ledger *Ledger
	cache  AvailabilityCache
	logger *zap.Logger
	now    func() time.Time
}

// NewInventoryService creates a new inventory service. cache may be nil.
func NewInventoryService(repo store.Repository, ledger *Ledger, cache AvailabilityCache) *InventoryService {
	return &InventoryService{
		repo:   repo,
		ledger: ledger,
		cache:  cache,
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ReceiveBatchRequest represents a delivery of one lot
type ReceiveBatchRequest struct {
	ProductID   int64     `json:"product_id" binding:"required"`
	BatchNumber string    `json:"batch_number" binding:"required"`
	Quantity    int       `json:"quantity" binding:"required"`
	ExpiryDate  time.Time `json:"expiry_date" binding:"required"`
	ActorID     int64     `json:"actor_id"`
}

// AdjustmentRequest represents a stock write-off against a batch
type AdjustmentRequest struct {
	BatchID      int64  `json:"batch_id" binding:"required"`
	MovementType string `json:"movement_type" binding:"required"`
	Quantity     int    `json:"quantity" binding:"required"`
	Reason       string `json:"reason"`
	ActorID      int64  `json:"actor_id"`
}

// adjustmentTypes are the movements an operator may write directly. IN and OUT
// only come from order flows and compensation.
var adjustmentTypes = map[string]bool{
	models.MovementExpired:        true,
	models.MovementDamaged:        true,
	models.MovementSupplierReturn: true,
}

// ReceiveBatch stores a new batch with current_quantity equal to the received quantity.
// The received quantity is the replay baseline, so no movement is written.
func (s *InventoryService) ReceiveBatch(ctx context.Context, req *ReceiveBatchRequest) (*models.Batch, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.ReceiveBatch")
	defer span.End()

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, req.Quantity)
	}
	if strings.TrimSpace(req.BatchNumber) == "" {
		return nil, fmt.Errorf("%w: batch number is required", ErrInvalidInput)
	}
	if req.ExpiryDate.IsZero() {
		return nil, fmt.Errorf("%w: expiry date is required", ErrInvalidInput)
	}

	batch := &models.Batch{
		ProductID:       req.ProductID,
		BatchNumber:     req.BatchNumber,
		Quantity:        req.Quantity,
		CurrentQuantity: req.Quantity,
		ExpiryDate:      models.Day(req.ExpiryDate),
		CreatedAt:       s.now(),
	}
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertBatch(ctx, batch)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive batch: %w", err)
	}

	s.logger.Info("Batch received",
		zap.Int64("batch_id", batch.ID),
		zap.Int64("product_id", batch.ProductID),
		zap.String("batch_number", batch.BatchNumber),
		zap.Int("quantity", batch.Quantity),
		zap.Time("expiry_date", batch.ExpiryDate),
		zap.Int64("actor_id", req.ActorID))

	s.RefreshAvailability(ctx, []int64{batch.ProductID})
	return batch, nil
}

// RecordAdjustment writes an EXPIRED, DAMAGED or SUPPLIER_RETURN movement.
func (s *InventoryService) RecordAdjustment(ctx context.Context, req *AdjustmentRequest) (*models.StockMovement, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.RecordAdjustment")
	defer span.End()

	if !adjustmentTypes[req.MovementType] {
		return nil, fmt.Errorf("%w: movement type %q cannot be recorded manually", ErrInvalidInput, req.MovementType)
	}

	movement, err := s.ledger.Record(ctx, MovementInput{
		BatchID:      req.BatchID,
		MovementType: req.MovementType,
		Quantity:     req.Quantity,
		Reference:    fmt.Sprintf("adjustment:%d", req.BatchID),
		Note:         req.Reason,
		ActorID:      req.ActorID,
	})
	if err != nil {
		return nil, err
	}

	s.RefreshAvailability(ctx, []int64{movement.ProductID})
	return movement, nil
}

// Availability returns the sellable quantity of a product today, served from
// the cache when it has an entry.
func (s *InventoryService) Availability(ctx context.Context, productID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Availability")
	defer span.End()

	if s.cache != nil {
		available, ok, err := s.cache.GetAvailability(ctx, productID)
		if err != nil {
			s.logger.Warn("Availability cache read failed, falling back to DB",
				zap.Int64("product_id", productID),
				zap.Error(err))
		} else if ok {
			return available, nil
		}
	}

	available, err := s.repo.SumAvailable(ctx, productID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sum availability: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetAvailability(ctx, productID, available); err != nil {
			s.logger.Warn("Failed to cache availability",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}
	return available, nil
}

// RefreshAvailability recomputes the cached availability of the given products.
// Failures are logged; the cache is never on the write path.
func (s *InventoryService) RefreshAvailability(ctx context.Context, productIDs []int64) {
	if s.cache == nil {
		return
	}
	seen := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		available, err := s.repo.SumAvailable(ctx, id, s.now())
		if err != nil {
			s.logger.Error("Failed to compute availability",
				zap.Int64("product_id", id),
				zap.Error(err))
			continue
		}
		if err := s.cache.SetAvailability(ctx, id, available); err != nil {
			s.logger.Error("Failed to cache availability",
				zap.Int64("product_id", id),
				zap.Error(err))
		}
	}
}

// SyncAvailabilityToCache warms the cache for every product that has batches.
func (s *InventoryService) SyncAvailabilityToCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	s.logger.Info("Starting availability sync to Redis")

	ids, err := s.repo.ListProductIDsWithStock(ctx)
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}
	s.RefreshAvailability(ctx, ids)

	s.logger.Info("Availability sync completed", zap.Int("count", len(ids)))
	return nil
}
