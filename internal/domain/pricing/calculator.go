// Package pricing maps a purchase volume to a price per credit.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Tier is a volume breakpoint: purchases of at least MinCredits pay PricePerCredit.
type Tier struct {
	MinCredits     decimal.Decimal `json:"min_credits"`
	PricePerCredit decimal.Decimal `json:"price_per_credit"`
}

// Quote is the price of a credit purchase.
type Quote struct {
	Credits        decimal.Decimal `json:"credits"`
	PricePerCredit decimal.Decimal `json:"price_per_credit"`
	Total          decimal.Decimal `json:"total"`
}

// DefaultTiers is the production schedule.
func DefaultTiers() []Tier {
	return []Tier{
		{MinCredits: decimal.NewFromInt(10000), PricePerCredit: decimal.RequireFromString("0.10")},
		{MinCredits: decimal.NewFromInt(500), PricePerCredit: decimal.RequireFromString("0.15")},
		{MinCredits: decimal.Zero, PricePerCredit: decimal.RequireFromString("0.30")},
	}
}

// Calculator is a pure lookup over an immutable tier table.
type Calculator struct {
	tiers []Tier // descending by MinCredits
	base  decimal.Decimal
}

// NewCalculator validates tiers and orders them for descending match.
// One tier must start at zero so every non-negative volume has a price.
func NewCalculator(tiers []Tier) (*Calculator, error) {
	if len(tiers) == 0 {
		return nil, ErrInvalidTiers
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinCredits.GreaterThan(sorted[j].MinCredits)
	})

	for i, t := range sorted {
		if t.MinCredits.IsNegative() || !t.PricePerCredit.IsPositive() {
			return nil, fmt.Errorf("%w: tier %s at %s", ErrInvalidTiers, t.MinCredits, t.PricePerCredit)
		}
		if i > 0 && t.MinCredits.Equal(sorted[i-1].MinCredits) {
			return nil, fmt.Errorf("%w: duplicate breakpoint %s", ErrInvalidTiers, t.MinCredits)
		}
	}

	base := sorted[len(sorted)-1]
	if !base.MinCredits.IsZero() {
		return nil, fmt.Errorf("%w: no tier starts at zero", ErrInvalidTiers)
	}

	return &Calculator{tiers: sorted, base: base.PricePerCredit}, nil
}

// MustDefault returns the calculator for DefaultTiers.
func MustDefault() *Calculator {
	c, err := NewCalculator(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return c
}

// PriceFor returns the tier price and total for credits.
func (c *Calculator) PriceFor(credits decimal.Decimal) (Quote, error) {
	if credits.IsNegative() {
		return Quote{}, ErrInvalidAmount
	}

	price := c.base
	for _, t := range c.tiers {
		if credits.GreaterThanOrEqual(t.MinCredits) {
			price = t.PricePerCredit
			break
		}
	}

	return Quote{
		Credits:        credits,
		PricePerCredit: price,
		Total:          credits.Mul(price).Round(2),
	}, nil
}

// Savings is what the volume discount saves against the base price. Display only.
func (c *Calculator) Savings(credits decimal.Decimal) (decimal.Decimal, error) {
	q, err := c.PriceFor(credits)
	if err != nil {
		return decimal.Zero, err
	}
	return credits.Mul(c.base).Round(2).Sub(q.Total), nil
}

// Tiers returns a copy of the schedule, highest breakpoint first.
func (c *Calculator) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}
