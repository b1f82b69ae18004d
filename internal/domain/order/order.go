package order

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/orderdesk/internal/domain/customer"
)

// State is the lifecycle state of an order.
type State int

// Order states. Fulfilled and Rejected are terminal.
const (
	StatePending State = iota + 1
	StateProcessing
	StateFulfilled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState parses the persisted form of a state.
func ParseState(s string) (State, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "processing":
		return StateProcessing, nil
	case "fulfilled":
		return StateFulfilled, nil
	case "rejected":
		return StateRejected, nil
	default:
		return 0, fmt.Errorf("unknown order state %q", s)
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateFulfilled || s == StateRejected
}

// CanTransition reports whether the state machine allows moving from s to
// next. Processing returns to Pending on infrastructure faults.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateProcessing || next == StateRejected
	case StateProcessing:
		return next == StatePending || next == StateFulfilled || next == StateRejected
	default:
		return false
	}
}

// Reason is the machine-readable cause of a rejection.
type Reason string

// Rejection reasons.
const (
	ReasonInsufficientStock  Reason = "insufficient_stock"
	ReasonInsufficientBudget Reason = "insufficient_budget"
	ReasonProductUnavailable Reason = "product_unavailable"
	ReasonCancelled          Reason = "cancelled"
	ReasonRetriesExhausted   Reason = "retries_exhausted"
)

// Order is a customer's request for a quantity of one product.
type Order struct {
	ID         string
	CustomerID string
	ProductID  string
	Quantity   int
	// Tier is the customer tier at submission time.
	Tier      customer.Tier
	CreatedAt time.Time
	State     State
	// Score is the last computed priority.
	Score    float64
	Attempts int
	Reason   Reason
	// Cost is price times quantity, set on fulfillment.
	Cost      decimal.Decimal
	UpdatedAt time.Time
}

// Wait returns how long the order has been waiting at now. Terminal orders
// stop waiting at their last update.
func (o Order) Wait(now time.Time) time.Duration {
	end := now
	if o.State.Terminal() && !o.UpdatedAt.IsZero() {
		end = o.UpdatedAt
	}
	if d := end.Sub(o.CreatedAt); d > 0 {
		return d
	}
	return 0
}

// Fulfillment describes a committed reservation.
type Fulfillment struct {
	OrderID    string
	CustomerID string
	ProductID  string
	Quantity   int
	Score      float64
	At         time.Time
}

// Rejection describes a terminal rejection.
type Rejection struct {
	OrderID  string
	Reason   Reason
	Score    float64
	Attempts int
	At       time.Time
}

// Store is the persistence collaborator for orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// CommitFulfillment atomically decrements product stock, debits the
	// customer budget by price times quantity and marks the order
	// fulfilled. It returns the debited cost. ErrInsufficientBudget,
	// ErrInsufficientStock and ErrUnknownProduct leave everything unchanged.
	CommitFulfillment(ctx context.Context, f Fulfillment) (decimal.Decimal, error)
	SaveRejection(ctx context.Context, r Rejection) error
	// SaveAttempt records a failed processing attempt of a pending order.
	SaveAttempt(ctx context.Context, orderID string, attempts int, at time.Time) error
	ListPending(ctx context.Context) ([]Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Order, error)
}
