package customer

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested customer does not exist.
var ErrNotFound = errors.New("customer not found")

// Tier is the service level of a customer. It only affects order priority.
type Tier int

const (
	// TierNormal is the default service level.
	TierNormal Tier = iota + 1
	// TierPremium customers are always scheduled ahead of Normal ones.
	TierPremium
)

// String returns the persisted name of the tier.
func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "Normal"
	case TierPremium:
		return "Premium"
	default:
		return "Unknown"
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierNormal || t == TierPremium
}

// ParseTier maps a stored tier name to a Tier. "Standard" is accepted as an
// alias of Normal since older records use it.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "standard":
		return TierNormal, nil
	case "premium":
		return TierPremium, nil
	default:
		return 0, errors.Errorf("unknown customer tier %q", s)
	}
}

// Customer is a buyer account. The scheduling core only reads it.
type Customer struct {
	ID         string
	Name       string
	Tier       Tier
	Budget     decimal.Decimal
	TotalSpent decimal.Decimal
}

// Repository defines read operations for customer accounts.
type Repository interface {
	List(ctx context.Context) ([]Customer, error)
	GetByID(ctx context.Context, id string) (*Customer, error)
}
