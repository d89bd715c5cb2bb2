// Package memstore is an in-process store.Repository. A transaction holds the
// store-wide mutex from start to finish and works on a copy of the state that
// replaces the committed state only when the callback succeeds, which makes every
// transaction serializable.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-engine/internal/models"
	"fulfillment-engine/internal/store"
)

type state struct {
	seq       int64
	products  map[int64]models.Product
	batches   map[int64]models.Batch
	movements []models.StockMovement
	orders    map[int64]models.Order
	items     []models.OrderItem
	history   []models.OrderStatusHistory
	payments  []models.Payment
}

func newState() *state {
	return &state{
		products: make(map[int64]models.Product),
		batches:  make(map[int64]models.Batch),
		orders:   make(map[int64]models.Order),
	}
}

func (s *state) clone() *state {
	c := &state{
		seq:       s.seq,
		products:  make(map[int64]models.Product, len(s.products)),
		batches:   make(map[int64]models.Batch, len(s.batches)),
		orders:    make(map[int64]models.Order, len(s.orders)),
		movements: append([]models.StockMovement(nil), s.movements...),
		items:     append([]models.OrderItem(nil), s.items...),
		history:   append([]models.OrderStatusHistory(nil), s.history...),
		payments:  append([]models.Payment(nil), s.payments...),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store is the in-memory Repository.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// AddProduct seeds the catalog. The catalog is owned by another service, so
// there is no transactional path for it.
func (s *Store) AddProduct(p models.Product) models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.state.nextID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.state.products[p.ID] = p
	return p
}

// WithTx runs fn against a working copy and commits it if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]models.Product, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if p, ok := s.state.products[id]; ok && !seen[id] {
			seen[id] = true
			products = append(products, p)
		}
	}
	return products, nil
}

// GetBatch retrieves a batch by ID
func (s *Store) GetBatch(_ context.Context, id int64) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.state.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, store.ErrNotFound)
	}
	return &b, nil
}

// ListMovementsByBatch returns a batch's ledger in replay order
func (s *Store) ListMovementsByBatch(_ context.Context, batchID int64) ([]models.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.movementsByBatch(batchID), nil
}

// ListUnassignedMovements returns reclamations waiting for a manual audit
func (s *Store) ListUnassignedMovements(_ context.Context) ([]models.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StockMovement
	for _, m := range s.state.movements {
		if m.BatchID == nil && m.NeedsAudit {
			out = append(out, m)
		}
	}
	return out, nil
}

// SumAvailable returns the sellable quantity of a product across active batches
func (s *Store) SumAvailable(_ context.Context, productID int64, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, b := range s.state.batches {
		if b.ProductID == productID && b.CurrentQuantity > 0 && b.ActiveOn(asOf) {
			total += b.CurrentQuantity
		}
	}
	return total, nil
}

// ListProductIDsWithStock returns every product that has at least one batch
func (s *Store) ListProductIDsWithStock(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool)
	var ids []int64
	for _, b := range s.state.batches {
		if !seen[b.ProductID] {
			seen[b.ProductID] = true
			ids = append(ids, b.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.state.orders {
		if o.IdempotencyKey == key {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.itemsByOrder(orderID), nil
}

// ListStatusHistory returns the audit trail of an order, oldest first
func (s *Store) ListStatusHistory(_ context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.OrderStatusHistory
	for _, h := range s.state.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

// ListAbandonedOrderIDs finds untouched orders created before the cutoff
func (s *Store) ListAbandonedOrderIDs(_ context.Context, createdBefore time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.state.orders {
		if o.OrderStatus == models.OrderStatusPending &&
			o.PaymentStatus == models.OrderPaymentPending &&
			o.CreatedAt.Before(createdBefore) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})

	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	return ids, nil
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.state.latestPayment(orderID)
	if idx < 0 {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, store.ErrNotFound)
	}
	p := s.state.payments[idx]
	return &p, nil
}

func (s *state) movementsByBatch(batchID int64) []models.StockMovement {
	var out []models.StockMovement
	for _, m := range s.movements {
		if m.BatchID != nil && *m.BatchID == batchID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *state) itemsByOrder(orderID int64) []models.OrderItem {
	var out []models.OrderItem
	for _, it := range s.items {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out
}

func (s *state) latestPayment(orderID int64) int {
	idx := -1
	for i, p := range s.payments {
		if p.OrderID == orderID {
			idx = i
		}
	}
	return idx
}
