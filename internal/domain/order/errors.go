package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for order submission and lifecycle.
var (
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrUnknownCustomer = errors.New("unknown customer")
	ErrUnknownProduct  = errors.New("unknown product")
	ErrNotFound        = errors.New("order not found")
	ErrAlreadyTerminal = errors.New("order already completed")
	ErrInFlight        = errors.New("order is being processed")
	ErrDuplicateOrder  = errors.New("order already exists")

	// Returned by Store.CommitFulfillment when a guard fails.
	ErrInsufficientBudget = errors.New("insufficient customer budget")
	ErrInsufficientStock  = errors.New("insufficient product stock")
)

// TransitionError indicates a state change the state machine does not allow.
type TransitionError struct {
	OrderID string
	From    State
	To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}
