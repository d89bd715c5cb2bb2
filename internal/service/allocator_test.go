package service

import (
	"errors"
	"testing"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduct_SoonestExpiryFirstAcrossBatches(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	b2 := f.batch(p, "B2", 10, 20)
	b1 := f.batch(p, "B1", 5, 10)

	var allocations []Allocation
	err := f.repo.WithTx(f.ctx, func(tx store.Tx) error {
		var err error
		allocations, err = f.allocator.Deduct(f.ctx, tx, p, 8, 1, "order:1")
		return err
	})
	require.NoError(t, err)

	require.Len(t, allocations, 2)
	assert.Equal(t, b1.ID, allocations[0].BatchID)
	assert.Equal(t, 5, allocations[0].Quantity)
	assert.Equal(t, b2.ID, allocations[1].BatchID)
	assert.Equal(t, 3, allocations[1].Quantity)

	assert.Equal(t, 0, f.current(b1.ID))
	assert.Equal(t, 7, f.current(b2.ID))
	f.assertReplayConsistent(b1.ID)
	f.assertReplayConsistent(b2.ID)
}

func TestDeduct_TieBreaksOnReceiptThenID(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	early := f.batch(p, "EARLY", 5, 10)
	f.advance(time.Hour)
	late := f.batch(p, "LATE", 5, 10)

	err := f.repo.WithTx(f.ctx, func(tx store.Tx) error {
		_, err := f.allocator.Deduct(f.ctx, tx, p, 3, 1, "order:1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, f.current(early.ID))
	assert.Equal(t, 5, f.current(late.ID))
}

func TestDeduct_SkipsExpiredBatches(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	expired := f.batch(p, "OLD", 100, -1)
	f.batch(p, "NEW", 5, 30)

	err := f.repo.WithTx(f.ctx, func(tx store.Tx) error {
		_, err := f.allocator.Deduct(f.ctx, tx, p, 6, 1, "order:1")
		return err
	})

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, p, stockErr.ProductID)
	assert.Equal(t, 6, stockErr.Requested)
	assert.Equal(t, 5, stockErr.Available)
	assert.Equal(t, 100, f.current(expired.ID))
}

func TestDeduct_BatchExpiringTodayIsSellable(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	today := f.batch(p, "TODAY", 4, 0)

	err := f.repo.WithTx(f.ctx, func(tx store.Tx) error {
		_, err := f.allocator.Deduct(f.ctx, tx, p, 4, 1, "order:1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.current(today.ID))
}

func TestDeduct_NonPositiveIsNoop(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	b := f.batch(p, "B1", 4, 10)

	err := f.repo.WithTx(f.ctx, func(tx store.Tx) error {
		allocations, err := f.allocator.Deduct(f.ctx, tx, p, 0, 1, "order:1")
		assert.Empty(t, allocations)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 4, f.current(b.ID))
}

func TestDeduct_FailureRollsBackEarlierProducts(t *testing.T) {
	f := newFixture(t)
	a := f.product(100)
	short := f.product(100)
	ba := f.batch(a, "A1", 10, 10)
	f.batch(short, "S1", 1, 10)

	err := f.repo.WithTx(f.ctx, func(tx store.Tx) error {
		if _, err := f.allocator.Deduct(f.ctx, tx, a, 6, 1, "order:1"); err != nil {
			return err
		}
		_, err := f.allocator.Deduct(f.ctx, tx, short, 2, 1, "order:1")
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	assert.Equal(t, 10, f.current(ba.ID))
	movements, err := f.repo.ListMovementsByBatch(f.ctx, ba.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestReclaim_ReturnsToOriginalBatch(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	b1 := f.batch(p, "B1", 5, 10)
	b2 := f.batch(p, "B2", 10, 20)

	resp := f.order(1, item(p, 8))
	res, err := f.orders.Cancel(f.ctx, resp.OrderID, 1, "changed mind")
	require.NoError(t, err)

	require.Len(t, res.Reclamations, 2)
	for _, rec := range res.Reclamations {
		assert.False(t, rec.Fallback)
		assert.False(t, rec.Unassigned)
	}
	assert.Equal(t, 5, f.current(b1.ID))
	assert.Equal(t, 10, f.current(b2.ID))
	f.assertReplayConsistent(b1.ID)
	f.assertReplayConsistent(b2.ID)
}

func TestReclaim_ExpiredOriginalFallsBackToLatestExpiry(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	soon := f.batch(p, "SOON", 5, 2)
	mid := f.batch(p, "MID", 5, 10)
	late := f.batch(p, "LATE", 5, 40)

	resp := f.order(1, item(p, 3))
	require.Equal(t, 2, f.current(soon.ID))

	f.advance(3 * 24 * time.Hour)
	res, err := f.orders.Cancel(f.ctx, resp.OrderID, 1, "late cancel")
	require.NoError(t, err)

	require.Len(t, res.Reclamations, 1)
	rec := res.Reclamations[0]
	assert.True(t, rec.Fallback)
	require.NotNil(t, rec.BatchID)
	assert.Equal(t, late.ID, *rec.BatchID)

	assert.Equal(t, 2, f.current(soon.ID))
	assert.Equal(t, 5, f.current(mid.ID))
	assert.Equal(t, 8, f.current(late.ID))
}

func TestReclaim_NoActiveBatchIsRecordedForAudit(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)
	only := f.batch(p, "ONLY", 5, 1)

	resp := f.order(1, item(p, 2))
	f.advance(2 * 24 * time.Hour)

	res, err := f.orders.Cancel(f.ctx, resp.OrderID, 1, "too late")
	require.NoError(t, err)
	require.Len(t, res.Reclamations, 1)
	assert.True(t, res.Reclamations[0].Unassigned)
	assert.Nil(t, res.Reclamations[0].BatchID)

	assert.Equal(t, 3, f.current(only.ID))
	f.assertReplayConsistent(only.ID)

	unassigned, err := f.ledger.ListUnassigned(f.ctx)
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Nil(t, unassigned[0].BatchID)
	assert.True(t, unassigned[0].NeedsAudit)
	assert.Equal(t, models.MovementIn, unassigned[0].MovementType)
	assert.Equal(t, 2, unassigned[0].Quantity)
	assert.Equal(t, p, unassigned[0].ProductID)

	assert.Contains(t, f.events.types(), models.EventTypeStockUnassignedReturn)
}
