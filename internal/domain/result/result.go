package result

import (
	"time"

	"github.com/driftlock/searchmux/internal/domain/strategy"
)

// Source names where a result's records came from.
type Source string

const (
	// SourceDatabase means the durable backend answered.
	SourceDatabase Source = "database"
	// SourceAccelerator means the volatile accelerator backend answered.
	SourceAccelerator Source = "accelerator"
	// SourceCache means the engine's own result cache answered.
	SourceCache Source = "cache"
)

// Record is a single search hit with opaque string fields.
type Record struct {
	id     string
	score  float64
	fields map[string]string
}

// NewRecord creates a record.
func NewRecord(id string, score float64, fields map[string]string) Record {
	return Record{id: id, score: score, fields: fields}
}

// ID returns the record identifier.
func (r *Record) ID() string { return r.id }

// Score returns the relevance score.
func (r *Record) Score() float64 { return r.score }

// Fields returns the record's field map.
func (r *Record) Fields() map[string]string { return r.fields }

// Result is the per-request answer: records plus execution metadata.
// Built once per request; masking replaces the record slice via WithRecords.
type Result struct {
	records   []Record
	total     int
	strat     strategy.Strategy
	source    Source
	fromCache bool
	stale     bool
	elapsed   time.Duration
}

// New creates a result.
func New(
	records []Record, total int,
	strat strategy.Strategy, source Source,
	fromCache, stale bool,
	elapsed time.Duration,
) Result {
	return Result{
		records: records, total: total,
		strat: strat, source: source,
		fromCache: fromCache, stale: stale,
		elapsed: elapsed,
	}
}

// WithRecords returns a copy of the result carrying a different record set.
func (r Result) WithRecords(records []Record) Result {
	r.records = records
	return r
}

// Records returns the ordered search hits.
func (r *Result) Records() []Record { return r.records }

// Total returns the total matching count reported by the source.
func (r *Result) Total() int { return r.total }

// Strategy returns the strategy that produced the result.
func (r *Result) Strategy() strategy.Strategy { return r.strat }

// Source returns which backend or cache supplied the records.
func (r *Result) Source() Source { return r.source }

// FromCache reports whether the records came from an unexpired cache entry.
func (r *Result) FromCache() bool { return r.fromCache }

// Stale reports whether an expired cache entry was served as a fallback.
func (r *Result) Stale() bool { return r.stale }

// Elapsed returns the request's wall-clock execution time.
func (r *Result) Elapsed() time.Duration { return r.elapsed }
