package validator

import (
	"testing"

	"github.com/shopspring/decimal"
)

type bounded struct {
	Threshold decimal.Decimal `json:"minimum_threshold" validate:"gte=10,lte=1000"`
	Action    string          `json:"action_kind" validate:"required,action_kind"`
}

func TestValidateDecimalBounds(t *testing.T) {
	errs := Validate(bounded{Threshold: decimal.NewFromInt(5), Action: "analysis"})
	if _, ok := errs["minimum_threshold"]; !ok {
		t.Fatalf("expected minimum_threshold error, got %v", errs)
	}

	errs = Validate(bounded{Threshold: decimal.NewFromInt(1000), Action: "analysis"})
	if errs != nil {
		t.Fatalf("expected no errors at upper bound, got %v", errs)
	}
}

func TestValidateActionKind(t *testing.T) {
	errs := Validate(bounded{Threshold: decimal.NewFromInt(50), Action: "Drop Table"})
	if _, ok := errs["action_kind"]; !ok {
		t.Fatalf("expected action_kind error, got %v", errs)
	}
}
