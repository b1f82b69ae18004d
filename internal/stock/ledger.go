// Package stock tracks available product quantities in memory and hands out
// reservations to the order processor.
package stock

import (
	"sort"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/orderdesk/internal/domain/product"
)

// Sentinel errors returned by Ledger operations.
var (
	ErrUnknownProduct         = errors.New("unknown product")
	ErrInvalidQuantity        = errors.New("quantity must be greater than 0")
	ErrReleaseExceedsReserved = errors.New("release exceeds outstanding reservations")
)

// Level is the stock state of a single product.
type Level struct {
	ProductID string
	Available int
	Reserved  int
}

// cell holds the counters of one product. Each cell has its own lock so that
// reservations for different products never contend.
type cell struct {
	mu        sync.Mutex
	available int
	reserved  int
	removed   bool
}

// Ledger is the authoritative in-memory stock view.
//
// Concurrency model: the cells map is guarded by an RWMutex that is held only
// for lookup and registration, never while a cell is mutated. Each check and
// decrement happens under the cell's own mutex, so two reservations for the
// same product serialize and reservations for different products do not.
type Ledger struct {
	mu    sync.RWMutex
	cells map[string]*cell
}

var _ product.StockLevels = (*Ledger)(nil)

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{cells: make(map[string]*cell)}
}

// Load replaces the ledger content with the stock of the given products.
// Outstanding reservations are discarded.
func (l *Ledger) Load(products []product.Product) {
	cells := make(map[string]*cell, len(products))
	for _, p := range products {
		cells[p.ID] = &cell{available: max(p.Stock, 0)}
	}

	l.mu.Lock()
	old := l.cells
	l.cells = cells
	l.mu.Unlock()

	for _, c := range old {
		c.mu.Lock()
		c.removed = true
		c.mu.Unlock()
	}
}

// Set overwrites the stock level of a product, registering it if it is
// unknown. The level counts outstanding reservations, which are not yet
// settled in the store, so available becomes level minus reserved.
func (l *Ledger) Set(productID string, level int) {
	level = max(level, 0)

	l.mu.Lock()
	c, ok := l.cells[productID]
	if !ok {
		l.cells[productID] = &cell{available: level}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	c.mu.Lock()
	c.available = max(level-c.reserved, 0)
	c.mu.Unlock()
}

// Remove unregisters a product. Later reservations fail with
// ErrUnknownProduct.
func (l *Ledger) Remove(productID string) {
	l.mu.Lock()
	c, ok := l.cells[productID]
	delete(l.cells, productID)
	l.mu.Unlock()

	if ok {
		c.mu.Lock()
		c.removed = true
		c.mu.Unlock()
	}
}

// TryReserve atomically checks and decrements the available quantity. It
// reports false without mutating anything when the stock is insufficient.
func (l *Ledger) TryReserve(productID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, errors.Wrapf(ErrInvalidQuantity, "reserve %d", qty)
	}
	c, err := l.cell(productID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return false, errors.Wrapf(ErrUnknownProduct, "product %s", productID)
	}
	if c.available < qty {
		return false, nil
	}
	c.available -= qty
	c.reserved += qty
	return true, nil
}

// Release returns a previous reservation to the available quantity.
func (l *Ledger) Release(productID string, qty int) error {
	if qty <= 0 {
		return errors.Wrapf(ErrInvalidQuantity, "release %d", qty)
	}
	c, err := l.cell(productID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if qty > c.reserved {
		return errors.Wrapf(ErrReleaseExceedsReserved, "product %s: release %d, reserved %d", productID, qty, c.reserved)
	}
	c.reserved -= qty
	c.available += qty
	return nil
}

// Settle marks a reservation as consumed by a committed fulfillment. The
// quantity leaves the reserved pool without returning to available.
func (l *Ledger) Settle(productID string, qty int) error {
	if qty <= 0 {
		return errors.Wrapf(ErrInvalidQuantity, "settle %d", qty)
	}
	c, err := l.cell(productID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if qty > c.reserved {
		return errors.Wrapf(ErrReleaseExceedsReserved, "product %s: settle %d, reserved %d", productID, qty, c.reserved)
	}
	c.reserved -= qty
	return nil
}

// Available returns the current available quantity of a product.
func (l *Ledger) Available(productID string) (int, error) {
	c, err := l.cell(productID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available, nil
}

// Levels returns the stock of every registered product ordered by ID.
func (l *Ledger) Levels() []Level {
	l.mu.RLock()
	ids := make([]string, 0, len(l.cells))
	cells := make(map[string]*cell, len(l.cells))
	for id, c := range l.cells {
		ids = append(ids, id)
		cells[id] = c
	}
	l.mu.RUnlock()

	sort.Strings(ids)
	levels := make([]Level, 0, len(ids))
	for _, id := range ids {
		c := cells[id]
		c.mu.Lock()
		levels = append(levels, Level{ProductID: id, Available: c.available, Reserved: c.reserved})
		c.mu.Unlock()
	}
	return levels
}

func (l *Ledger) cell(productID string) (*cell, error) {
	l.mu.RLock()
	c, ok := l.cells[productID]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProduct, "product %s", productID)
	}
	return c, nil
}
