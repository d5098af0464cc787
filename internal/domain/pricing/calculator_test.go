package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceForTierBoundaries(t *testing.T) {
	calc := MustDefault()

	cases := []struct {
		credits string
		price   string
		total   string
	}{
		{"0", "0.30", "0"},
		{"50", "0.30", "15"},
		{"200", "0.30", "60"},
		{"499", "0.30", "149.70"},
		{"500", "0.15", "75"},
		{"9999", "0.15", "1499.85"},
		{"10000", "0.10", "1000"},
		{"25000", "0.10", "2500"},
	}

	for _, tc := range cases {
		q, err := calc.PriceFor(d(tc.credits))
		if err != nil {
			t.Fatalf("PriceFor(%s): %v", tc.credits, err)
		}
		if !q.PricePerCredit.Equal(d(tc.price)) {
			t.Errorf("PriceFor(%s) price = %s, want %s", tc.credits, q.PricePerCredit, tc.price)
		}
		if !q.Total.Equal(d(tc.total)) {
			t.Errorf("PriceFor(%s) total = %s, want %s", tc.credits, q.Total, tc.total)
		}
	}
}

func TestPriceForRejectsNegative(t *testing.T) {
	_, err := MustDefault().PriceFor(d("-1"))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSavingsNeverNegative(t *testing.T) {
	calc := MustDefault()

	for _, credits := range []string{"0", "1", "499", "500", "1000", "9999", "10000"} {
		s, err := calc.Savings(d(credits))
		if err != nil {
			t.Fatalf("Savings(%s): %v", credits, err)
		}
		if s.IsNegative() {
			t.Fatalf("Savings(%s) = %s, want >= 0", credits, s)
		}
	}

	s, _ := calc.Savings(d("1000"))
	if !s.Equal(d("150")) {
		t.Fatalf("Savings(1000) = %s, want 150", s)
	}
}

func TestNewCalculatorValidatesTable(t *testing.T) {
	_, err := NewCalculator([]Tier{{MinCredits: d("100"), PricePerCredit: d("0.2")}})
	if !errors.Is(err, ErrInvalidTiers) {
		t.Fatalf("expected ErrInvalidTiers without a zero tier, got %v", err)
	}

	_, err = NewCalculator([]Tier{
		{MinCredits: d("0"), PricePerCredit: d("0.3")},
		{MinCredits: d("0"), PricePerCredit: d("0.2")},
	})
	if !errors.Is(err, ErrInvalidTiers) {
		t.Fatalf("expected ErrInvalidTiers for duplicate breakpoint, got %v", err)
	}

	calc, err := NewCalculator([]Tier{
		{MinCredits: d("0"), PricePerCredit: d("0.30")},
		{MinCredits: d("10000"), PricePerCredit: d("0.10")},
		{MinCredits: d("500"), PricePerCredit: d("0.15")},
	})
	if err != nil {
		t.Fatalf("unsorted table should be accepted: %v", err)
	}
	if got := calc.Tiers()[0].MinCredits; !got.Equal(d("10000")) {
		t.Fatalf("expected highest breakpoint first, got %s", got)
	}
}
