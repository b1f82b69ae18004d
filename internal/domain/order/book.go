package order

import (
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// Book is the in-memory registry of live orders. Every state change goes
// through Transition, which checks the expected current state under the
// lock so that two actors can never both move the same order.
//
// Terminal orders are evicted once recorded; their history lives in the
// Store.
type Book struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{orders: make(map[string]*Order)}
}

// Add registers a non-terminal order.
func (b *Book) Add(o Order) error {
	if o.State.Terminal() {
		return &TransitionError{OrderID: o.ID, From: o.State, To: o.State}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[o.ID]; ok {
		return errors.Wrapf(ErrDuplicateOrder, "order %s", o.ID)
	}
	b.orders[o.ID] = &o
	return nil
}

// Get returns a copy of a live order.
func (b *Book) Get(id string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Len returns the number of live orders.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// Transition moves an order from one state to another and applies update to
// it. The order must currently be in from. Orders reaching a terminal state
// are removed from the book; the returned copy reflects the final state.
func (b *Book) Transition(id string, from, to State, at time.Time, update func(*Order)) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return Order{}, errors.Wrapf(ErrNotFound, "order %s", id)
	}
	if o.State != from || !from.CanTransition(to) {
		return *o, &TransitionError{OrderID: id, From: o.State, To: to}
	}

	o.State = to
	o.UpdatedAt = at
	if update != nil {
		update(o)
	}
	out := *o
	if to.Terminal() {
		delete(b.orders, id)
	}
	return out, nil
}
