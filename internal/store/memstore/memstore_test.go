package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBatch(t *testing.T, s *Store, productID int64, number string, qty int, expiry time.Time) *models.Batch {
	t.Helper()
	b := &models.Batch{
		ProductID:       productID,
		BatchNumber:     number,
		Quantity:        qty,
		CurrentQuantity: qty,
		ExpiryDate:      expiry,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertBatch(context.Background(), b)
	}))
	return b
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := s.AddProduct(models.Product{SKU: "A", Price: 10})
	b := seedBatch(t, s, p.ID, "B1", 10, time.Now().AddDate(0, 0, 5))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.ApplyBatchDelta(ctx, b.ID, -4); err != nil {
			return err
		}
		batchID := b.ID
		if err := tx.InsertMovement(ctx, &models.StockMovement{ProductID: p.ID, BatchID: &batchID, MovementType: models.MovementOut, Quantity: 4}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentQuantity)
	movements, err := s.ListMovementsByBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestApplyBatchDelta_RefusesNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := s.AddProduct(models.Product{SKU: "A"})
	b := seedBatch(t, s, p.ID, "B1", 3, time.Now().AddDate(0, 0, 5))

	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.ApplyBatchDelta(ctx, b.ID, -4)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNegativeQuantity)

	var current int
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		current, err = tx.ApplyBatchDelta(ctx, b.ID, -3)
		return err
	}))
	assert.Equal(t, 0, current)
}

func TestInsertBatch_Duplicate(t *testing.T) {
	s := New()
	p := s.AddProduct(models.Product{SKU: "A"})
	seedBatch(t, s, p.ID, "B1", 3, time.Now())

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertBatch(context.Background(), &models.Batch{ProductID: p.ID, BatchNumber: "B1", Quantity: 1, CurrentQuantity: 1})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestInsertOrder_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	insert := func() error {
		return s.WithTx(ctx, func(tx store.Tx) error {
			return tx.InsertOrder(ctx, &models.Order{UserID: 1, IdempotencyKey: "k1", CreatedAt: time.Now()})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), store.ErrDuplicate)
}

func TestLockAllocatableBatches_FEFO(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := s.AddProduct(models.Product{SKU: "A"})
	today := models.Day(time.Now())

	late := seedBatch(t, s, p.ID, "LATE", 5, today.AddDate(0, 0, 20))
	soon := seedBatch(t, s, p.ID, "SOON", 5, today.AddDate(0, 0, 2))
	seedBatch(t, s, p.ID, "GONE", 5, today.AddDate(0, 0, -1))
	empty := seedBatch(t, s, p.ID, "EMPTY", 0, today.AddDate(0, 0, 1))

	var allocatable, returnable []models.Batch
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if allocatable, err = tx.LockAllocatableBatches(ctx, p.ID, today); err != nil {
			return err
		}
		returnable, err = tx.LockReturnableBatches(ctx, p.ID, today)
		return err
	}))

	require.Len(t, allocatable, 2)
	assert.Equal(t, soon.ID, allocatable[0].ID)
	assert.Equal(t, late.ID, allocatable[1].ID)

	require.Len(t, returnable, 3)
	assert.Equal(t, late.ID, returnable[0].ID)
	assert.Equal(t, empty.ID, returnable[2].ID)
}

func TestListAbandonedOrderIDs(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var ids []int64
	for i, st := range []struct{ order, payment string }{
		{models.OrderStatusPending, models.OrderPaymentPending},
		{models.OrderStatusPending, models.OrderPaymentPaid},
		{models.OrderStatusCancelled, models.OrderPaymentPending},
		{models.OrderStatusPending, models.OrderPaymentPending},
	} {
		o := &models.Order{OrderStatus: st.order, PaymentStatus: st.payment, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertOrder(ctx, o) }))
		ids = append(ids, o.ID)
	}

	got, err := s.ListAbandonedOrderIDs(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0], ids[3]}, got)

	got, err = s.ListAbandonedOrderIDs(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, got)
}

func TestSumAvailable_SkipsExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := s.AddProduct(models.Product{SKU: "A"})
	today := models.Day(time.Now())
	seedBatch(t, s, p.ID, "OK", 4, today)
	seedBatch(t, s, p.ID, "GONE", 6, today.AddDate(0, 0, -1))

	n, err := s.SumAvailable(ctx, p.ID, today)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
