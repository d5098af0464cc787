package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	output = "text"
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestQuoteCommand(t *testing.T) {
	out, err := run(t, "quote", "200")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !strings.Contains(out, "= 60.00") {
		t.Fatalf("expected total 60.00, got %q", out)
	}

	if _, err := run(t, "quote", "lots"); err == nil {
		t.Fatal("expected error for non-numeric credits")
	}
}

func TestPlansCommandPrintsEmbeddedCatalog(t *testing.T) {
	out, err := run(t, "plans", "--output", "json")
	if err != nil {
		t.Fatalf("plans: %v", err)
	}
	var body struct {
		Version int `json:"version"`
		Plans   []struct {
			ID string `json:"id"`
		} `json:"plans"`
	}
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if body.Version != 3 || len(body.Plans) != 3 {
		t.Fatalf("unexpected catalog %+v", body)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("ENV", "development")
	out, err := run(t, "token", uuid.NewString(), "--role", "admin")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("expected a JWT, got %q", out)
	}

	t.Setenv("ENV", "production")
	if _, err := run(t, "token", uuid.NewString()); err == nil {
		t.Fatal("expected refusal in production")
	}
}
