// Package bleve is a durable backend on a Bleve full-text index. Term
// matching is token-based with real relevance scores, not the substring
// scan the simpler drivers use; filters are still exact field equality,
// checked against the stored fields after retrieval.
package bleve

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

// collectionField scopes every document to its collection. The double
// underscore keeps it clear of caller field names.
const collectionField = "__collection"

// filterScanCap bounds how many term matches a filtered search will
// fetch for client-side filtering. Totals saturate at the cap.
const filterScanCap = 1000

// Store is a Bleve-backed search backend.
type Store struct {
	name  string
	role  backend.Role
	index bleve.Index
}

// New creates or opens a Bleve index at path. An existing index is
// reused as-is; remove the directory to force a mapping change.
func New(name string, role backend.Role, path string) (*Store, error) {
	im := bleve.NewIndexMapping()
	// Standard analyzer: lowercase and tokenize without stemming, so a
	// query matches the exact word forms that were indexed.
	im.DefaultAnalyzer = standard.Name

	docMapping := bleve.NewDocumentMapping()
	collectionMapping := bleve.NewKeywordFieldMapping()
	collectionMapping.IncludeInAll = false
	docMapping.AddFieldMappingsAt(collectionField, collectionMapping)
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open index: %w", openErr)
		}
		return &Store{name: name, role: role, index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return &Store{name: name, role: role, index: index}, nil
}

// Name implements backend.Backend.
func (s *Store) Name() string { return s.name }

// Role implements backend.Backend.
func (s *Store) Role() backend.Role { return s.role }

// Upsert indexes documents in one batch. Index IDs are
// <collection>/<id> so collections share the index without colliding.
func (s *Store) Upsert(_ context.Context, collection string, docs []backend.Document) error {
	batch := s.index.NewBatch()
	for _, d := range docs {
		indexed := make(map[string]interface{}, len(d.Fields)+1)
		for k, v := range d.Fields {
			indexed[k] = v
		}
		indexed[collectionField] = collection
		if err := batch.Index(collection+"/"+d.ID, indexed); err != nil {
			return fmt.Errorf("failed to index document %s: %w", d.ID, err)
		}
	}
	return s.index.Batch(batch)
}

// Search runs a match query scoped to the collection. Without filters
// Bleve paginates server-side; with filters a wider window is fetched
// and filtered against the stored fields.
func (s *Store) Search(ctx context.Context, q *query.Query) ([]result.Record, int, error) {
	match := bleve.NewMatchQuery(q.Term())
	scope := bleve.NewTermQuery(q.Collection())
	scope.SetField(collectionField)
	conj := bleve.NewConjunctionQuery(match, scope)

	req := bleve.NewSearchRequest(conj)
	req.Fields = []string{"*"}

	if len(q.Filters()) == 0 {
		req.From = q.Offset()
		req.Size = q.Limit()
		res, err := s.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, 0, fmt.Errorf("search failed: %w", err)
		}
		records := make([]result.Record, 0, len(res.Hits))
		for _, hit := range res.Hits {
			records = append(records, s.toRecord(hit, q.Collection()))
		}
		return records, int(res.Total), nil
	}

	req.Size = filterScanCap
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}

	var matches []result.Record
	for _, hit := range res.Hits {
		rec := s.toRecord(hit, q.Collection())
		if !filtersMatch(rec.Fields(), q.Filters()) {
			continue
		}
		matches = append(matches, rec)
	}

	total := len(matches)
	if q.Offset() >= total {
		return []result.Record{}, total, nil
	}
	end := q.Offset() + q.Limit()
	if end > total {
		end = total
	}
	return matches[q.Offset():end], total, nil
}

// HealthCheck reads the doc count and reports the round trip.
func (s *Store) HealthCheck(_ context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := s.index.DocCount(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) toRecord(hit *search.DocumentMatch, collection string) result.Record {
	fields := make(map[string]string, len(hit.Fields))
	for k, v := range hit.Fields {
		if k == collectionField {
			continue
		}
		switch val := v.(type) {
		case string:
			fields[k] = val
		default:
			fields[k] = fmt.Sprintf("%v", val)
		}
	}
	id := strings.TrimPrefix(hit.ID, collection+"/")
	return result.NewRecord(id, hit.Score, fields)
}

func filtersMatch(fields, filters map[string]string) bool {
	for k, want := range filters {
		if fields[k] != want {
			return false
		}
	}
	return true
}
