package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewMeta(t *testing.T) {
	m := NewMeta(45, 2, 20)
	if m.Pages != 3 || !m.HasNext || !m.HasPrev {
		t.Fatalf("unexpected meta: %+v", m)
	}
	if m := NewMeta(0, 1, 20); m.Pages != 0 || m.HasNext || m.HasPrev {
		t.Fatalf("unexpected empty meta: %+v", m)
	}
}

func TestInvalidAmountEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	InvalidAmount(w, "amount must be positive")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != "INVALID_AMOUNT" {
		t.Fatalf("unexpected envelope: %s", w.Body.String())
	}
}
