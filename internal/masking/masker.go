// Package masking applies field-level redaction rules to outgoing records.
// Rules run as the last step before a response leaves the engine; cached
// snapshots are never touched.
package masking

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/driftlock/searchmux/internal/domain/result"
)

// RuleSpec is the configuration form of a masking rule.
type RuleSpec struct {
	Name    string
	Pattern string
	Mask    string
}

// rule is a compiled masking rule.
type rule struct {
	name string
	re   *regexp.Regexp
	mask rune
}

// Masker applies an ordered list of regex rules to string-valued record
// fields. Within a matched span every letter or digit is replaced by the
// rule's mask rune and every other rune is kept, so "123-45-6789" becomes
// "***-**-****". Masked output contains no letters or digits a pattern
// could match again, which keeps masking idempotent.
type Masker struct {
	rules atomic.Pointer[[]rule]
}

// New compiles the rule specs in order. Rules are applied in the order given.
func New(specs []RuleSpec) (*Masker, error) {
	m := &Masker{}
	if err := m.Reload(specs); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload compiles and atomically swaps in a new rule list. On error the
// previous rules stay active.
func (m *Masker) Reload(specs []RuleSpec) error {
	rules, err := compile(specs)
	if err != nil {
		return err
	}
	m.rules.Store(&rules)
	return nil
}

func compile(specs []RuleSpec) ([]rule, error) {
	rules := make([]rule, 0, len(specs))
	for _, s := range specs {
		if s.Pattern == "" {
			return nil, fmt.Errorf("masking rule %q: pattern is required", s.Name)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("masking rule %q: %w", s.Name, err)
		}
		mask := '*'
		if s.Mask != "" {
			runes := []rune(s.Mask)
			if len(runes) != 1 {
				return nil, fmt.Errorf("masking rule %q: mask must be a single character", s.Name)
			}
			mask = runes[0]
		}
		rules = append(rules, rule{name: s.Name, re: re, mask: mask})
	}
	return rules, nil
}

// Len returns the number of active rules.
func (m *Masker) Len() int {
	return len(*m.rules.Load())
}

// Apply returns records with all rules applied to their field values.
// Input records and their field maps are never mutated; untouched records
// are returned as-is.
func (m *Masker) Apply(records []result.Record) []result.Record {
	rules := *m.rules.Load()
	if len(rules) == 0 || len(records) == 0 {
		return records
	}

	out := make([]result.Record, len(records))
	for i := range records {
		out[i] = maskRecord(&records[i], rules)
	}
	return out
}

func maskRecord(rec *result.Record, rules []rule) result.Record {
	var masked map[string]string

	for key, value := range rec.Fields() {
		next := maskValue(value, rules)
		if next == value {
			continue
		}
		if masked == nil {
			masked = make(map[string]string, len(rec.Fields()))
			for k, v := range rec.Fields() {
				masked[k] = v
			}
		}
		masked[key] = next
	}

	if masked == nil {
		return *rec
	}
	return result.NewRecord(rec.ID(), rec.Score(), masked)
}

func maskValue(value string, rules []rule) string {
	for _, r := range rules {
		value = r.re.ReplaceAllStringFunc(value, func(span string) string {
			return strings.Map(func(c rune) rune {
				if unicode.IsLetter(c) || unicode.IsDigit(c) {
					return r.mask
				}
				return c
			}, span)
		})
	}
	return value
}

// DefaultSpecs returns the stock rule set: US social security numbers,
// 16-digit card numbers, email addresses, and US phone shapes.
func DefaultSpecs() []RuleSpec {
	return []RuleSpec{
		{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
		{Name: "card", Pattern: `\b(?:\d{4}[ -]?){3}\d{4}\b`},
		{Name: "email", Pattern: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`},
		{Name: "phone", Pattern: `\b\(?\d{3}\)?[ -]?\d{3}-\d{4}\b`},
	}
}
