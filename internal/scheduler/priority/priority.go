// Package priority computes the scheduling score of a pending order.
//
// The score combines three inputs:
//
//	score = bonus(tier) + multiplier(tier) * (1 + wait/3600) + QuantityWeight * quantity
//
// The Premium bonus places every Premium order above every Normal order with
// the same wait and quantity. Wait is weighted linearly, so a waiting order
// gains priority over time and cannot be starved by newer arrivals.
package priority

import (
	"github.com/go-faster/errors"

	"github.com/xenking/orderdesk/internal/domain/customer"
)

// ErrInvalidTier is returned for tier values outside the known set.
var ErrInvalidTier = errors.New("invalid customer tier")

// secondsPerHour normalizes wait time into hours.
const secondsPerHour = 3600.0

// Weights configures the scoring formula.
type Weights struct {
	// PremiumBonus is added to every Premium score.
	PremiumBonus float64
	// PremiumMultiplier scales the wait component of Premium orders.
	PremiumMultiplier float64
	// NormalMultiplier scales the wait component of Normal orders.
	NormalMultiplier float64
	// QuantityWeight is added per ordered unit.
	QuantityWeight float64
}

// DefaultWeights returns the weights used by Score.
func DefaultWeights() Weights {
	return Weights{
		PremiumBonus:      1e6,
		PremiumMultiplier: 2.0,
		NormalMultiplier:  1.0,
		QuantityWeight:    0.1,
	}
}

// Validate checks that the weights keep the score monotonic and keep Premium
// above Normal for equal inputs.
func (w Weights) Validate() error {
	switch {
	case w.NormalMultiplier <= 0:
		return errors.New("normal multiplier must be positive")
	case w.PremiumMultiplier < w.NormalMultiplier:
		return errors.New("premium multiplier must not be below normal multiplier")
	case w.PremiumBonus <= 0:
		return errors.New("premium bonus must be positive")
	case w.QuantityWeight < 0:
		return errors.New("quantity weight must not be negative")
	}
	return nil
}

// Scorer computes priority scores with a fixed set of weights. The zero value
// is not usable; create one with New.
type Scorer struct {
	w Weights
}

// New returns a Scorer for the given weights.
func New(w Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate weights")
	}
	return &Scorer{w: w}, nil
}

// Default returns a Scorer using DefaultWeights.
func Default() *Scorer {
	return &Scorer{w: DefaultWeights()}
}

// Weights returns the scorer configuration.
func (s *Scorer) Weights() Weights {
	return s.w
}

// Multiplier returns the wait multiplier applied to tier.
func (s *Scorer) Multiplier(tier customer.Tier) (float64, error) {
	switch tier {
	case customer.TierNormal:
		return s.w.NormalMultiplier, nil
	case customer.TierPremium:
		return s.w.PremiumMultiplier, nil
	default:
		return 0, errors.Wrapf(ErrInvalidTier, "tier %d", int(tier))
	}
}

// Score returns the priority of an order. Negative wait or quantity counts as
// zero.
func (s *Scorer) Score(tier customer.Tier, waitSeconds float64, quantity int) (float64, error) {
	mult, err := s.Multiplier(tier)
	if err != nil {
		return 0, err
	}
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if quantity < 0 {
		quantity = 0
	}

	score := mult*(1+waitSeconds/secondsPerHour) + s.w.QuantityWeight*float64(quantity)
	if tier == customer.TierPremium {
		score += s.w.PremiumBonus
	}
	return score, nil
}

var defaultScorer = Default()

// Score computes a priority with DefaultWeights.
func Score(tier customer.Tier, waitSeconds float64, quantity int) (float64, error) {
	return defaultScorer.Score(tier, waitSeconds, quantity)
}
