package strategy

import "testing"

func TestIsValid(t *testing.T) {
	valid := []Strategy{CacheFirst, DatabaseOnly, CircuitAware, Hybrid}
	for _, s := range valid {
		if !s.IsValid() {
			t.Errorf("%q.IsValid() = false, want true", s)
		}
	}

	invalid := []Strategy{"", "cache-first", "db_only", "CACHE_FIRST"}
	for _, s := range invalid {
		if s.IsValid() {
			t.Errorf("%q.IsValid() = true, want false", s)
		}
	}
}

func TestConstants(t *testing.T) {
	if CacheFirst != "cache_first" {
		t.Errorf("CacheFirst = %q", CacheFirst)
	}
	if DatabaseOnly != "database_only" {
		t.Errorf("DatabaseOnly = %q", DatabaseOnly)
	}
	if CircuitAware != "circuit_aware" {
		t.Errorf("CircuitAware = %q", CircuitAware)
	}
	if Hybrid != "hybrid" {
		t.Errorf("Hybrid = %q", Hybrid)
	}
}
