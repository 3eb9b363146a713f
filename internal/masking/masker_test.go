package masking

import (
	"testing"

	"github.com/driftlock/searchmux/internal/domain/result"
)

func newMasker(t *testing.T, specs []RuleSpec) *Masker {
	t.Helper()
	m, err := New(specs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func ssnMasker(t *testing.T) *Masker {
	t.Helper()
	return newMasker(t, []RuleSpec{{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`}})
}

func TestApply_MasksSSNPreservingSeparators(t *testing.T) {
	m := ssnMasker(t)
	records := []result.Record{
		result.NewRecord("p-1", 1, map[string]string{"name": "Ada", "ssn": "123-45-6789"}),
	}

	masked := m.Apply(records)

	if got := masked[0].Fields()["ssn"]; got != "***-**-****" {
		t.Errorf(`ssn masked to %q, want "***-**-****"`, got)
	}
	if got := masked[0].Fields()["name"]; got != "Ada" {
		t.Errorf("unmatched field changed: %q", got)
	}
}

func TestApply_NeverMutatesInput(t *testing.T) {
	m := ssnMasker(t)
	fields := map[string]string{"ssn": "123-45-6789"}
	records := []result.Record{result.NewRecord("p-1", 1, fields)}

	m.Apply(records)

	if fields["ssn"] != "123-45-6789" {
		t.Fatalf("input fields mutated: %q", fields["ssn"])
	}
	if records[0].Fields()["ssn"] != "123-45-6789" {
		t.Fatalf("input record mutated: %q", records[0].Fields()["ssn"])
	}
}

func TestApply_LengthPreserving(t *testing.T) {
	m := newMasker(t, DefaultSpecs())
	values := []string{
		"123-45-6789",
		"4111 1111 1111 1111",
		"alice@example.com",
		"call (555) 123-4567 today",
		"note: ssn 078-05-1120 on file",
	}

	for _, v := range values {
		records := []result.Record{result.NewRecord("r", 0, map[string]string{"v": v})}
		got := m.Apply(records)[0].Fields()["v"]
		if len([]rune(got)) != len([]rune(v)) {
			t.Errorf("len(mask(%q)) = %d, want %d (%q)", v, len([]rune(got)), len([]rune(v)), got)
		}
	}
}

func TestApply_Idempotent(t *testing.T) {
	m := newMasker(t, DefaultSpecs())
	records := []result.Record{result.NewRecord("r", 0, map[string]string{
		"ssn":   "123-45-6789",
		"email": "alice@example.com",
		"card":  "4111-1111-1111-1111",
	})}

	once := m.Apply(records)
	twice := m.Apply(once)

	for key, want := range once[0].Fields() {
		if got := twice[0].Fields()[key]; got != want {
			t.Errorf("mask(mask(%s)) = %q, want %q", key, got, want)
		}
	}
}

func TestApply_RulesInDeclaredOrder(t *testing.T) {
	m := newMasker(t, []RuleSpec{
		{Name: "first", Pattern: `\d+`, Mask: "#"},
		{Name: "second", Pattern: `\d+`, Mask: "x"},
	})
	records := []result.Record{result.NewRecord("r", 0, map[string]string{"v": "id 42"})}

	got := m.Apply(records)[0].Fields()["v"]
	if got != "id ##" {
		t.Errorf("v = %q, want %q (first rule consumes the digits)", got, "id ##")
	}
}

func TestApply_NoRulesReturnsInputUnchanged(t *testing.T) {
	m := newMasker(t, nil)
	records := []result.Record{result.NewRecord("r", 0, map[string]string{"ssn": "123-45-6789"})}

	got := m.Apply(records)

	if got[0].Fields()["ssn"] != "123-45-6789" {
		t.Errorf("value changed with no rules: %q", got[0].Fields()["ssn"])
	}
}

func TestApply_EmailShape(t *testing.T) {
	m := newMasker(t, DefaultSpecs())
	records := []result.Record{result.NewRecord("r", 0, map[string]string{"email": "bob@acme.io"})}

	got := m.Apply(records)[0].Fields()["email"]
	if got != "***@****.**" {
		t.Errorf("email masked to %q", got)
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New([]RuleSpec{{Name: "bad", Pattern: `([`}})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestNew_EmptyPattern(t *testing.T) {
	_, err := New([]RuleSpec{{Name: "bad"}})
	if err == nil {
		t.Fatal("expected error for empty pattern")
	}
}

func TestNew_MultiRuneMask(t *testing.T) {
	_, err := New([]RuleSpec{{Name: "bad", Pattern: `\d+`, Mask: "**"}})
	if err == nil {
		t.Fatal("expected error for multi-character mask")
	}
}

func TestReload_SwapsRules(t *testing.T) {
	m := ssnMasker(t)
	if err := m.Reload([]RuleSpec{{Name: "digits", Pattern: `\d`, Mask: "#"}}); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	records := []result.Record{result.NewRecord("r", 0, map[string]string{"v": "a1b2"})}
	if got := m.Apply(records)[0].Fields()["v"]; got != "a#b#" {
		t.Errorf("v = %q after reload", got)
	}
}

func TestReload_FailureKeepsOldRules(t *testing.T) {
	m := ssnMasker(t)
	if err := m.Reload([]RuleSpec{{Name: "bad", Pattern: `([`}}); err == nil {
		t.Fatal("expected reload error")
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (old rules kept)", m.Len())
	}

	records := []result.Record{result.NewRecord("r", 0, map[string]string{"ssn": "123-45-6789"})}
	if got := m.Apply(records)[0].Fields()["ssn"]; got != "***-**-****" {
		t.Errorf("old rules not active after failed reload: %q", got)
	}
}
