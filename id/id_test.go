package id_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xraph/entitle/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"PlanID", id.NewPlanID, "plan_"},
		{"GrantID", id.NewGrantID, "grant_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixGrant)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixGrant {
		t.Errorf("expected prefix %q, got %q", id.PrefixGrant, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"PlanID", id.NewPlanID, id.ParsePlanID},
		{"GrantID", id.NewGrantID, id.ParseGrantID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	planID := id.NewPlanID()

	if _, err := id.ParseGrantID(planID.String()); err == nil {
		t.Error("expected error parsing plan ID as grant ID")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"garbage", "not-a-typeid"},
		{"bad suffix", "grant_!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := id.Parse(tt.input); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}

func TestNil(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil should report IsNil")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original := id.NewGrantID()

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.String() != original.String() {
		t.Errorf("JSON round-trip mismatch: %q != %q", decoded.String(), original.String())
	}
}

func TestKSortable(t *testing.T) {
	// IDs generated later must sort lexically after earlier ones; the resolver
	// relies on lexical ID ordering as a deterministic tiebreak for equal
	// creation timestamps. UUIDv7 only guarantees ordering across milliseconds.
	a := id.NewGrantID().String()
	time.Sleep(2 * time.Millisecond)
	b := id.NewGrantID().String()

	if a >= b {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestSQLRoundTrip(t *testing.T) {
	original := id.NewPlanID()

	v, err := original.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if scanned.String() != original.String() {
		t.Errorf("SQL round-trip mismatch: %q != %q", scanned.String(), original.String())
	}

	var null id.ID
	if err := null.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if !null.IsNil() {
		t.Error("scanning NULL should yield Nil ID")
	}
}
