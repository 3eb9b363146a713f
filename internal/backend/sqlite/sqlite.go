// Package sqlite is a durable backend on an embedded SQLite file.
// Documents are stored one row per (collection, id) with their fields
// JSON-encoded; a lowercased text column carries every field value so
// LIKE can prefilter candidates before the shared match predicate
// makes the final call.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

// Store is a SQLite-backed search backend.
type Store struct {
	name string
	role backend.Role
	db   *sql.DB
}

// New opens or creates a SQLite database at path and initializes the
// schema. Parent directories are created if they do not exist.
func New(name string, role backend.Role, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{name: name, role: role, db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields TEXT NOT NULL,
		text TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`
	_, err := db.Exec(schema)
	return err
}

// Name implements backend.Backend.
func (s *Store) Name() string { return s.name }

// Role implements backend.Backend.
func (s *Store) Role() backend.Role { return s.role }

// Upsert inserts or replaces documents in a single transaction.
func (s *Store) Upsert(ctx context.Context, collection string, docs []backend.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO documents (collection, id, fields, text, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, d := range docs {
		fieldsJSON, err := json.Marshal(d.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			collection, d.ID, string(fieldsJSON), searchText(d.Fields), now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Search prefilters rows with LIKE on the text column, then applies the
// shared predicate and pagination. The LIKE pass is a superset of the
// real matches; the predicate is authoritative.
func (s *Store) Search(ctx context.Context, q *query.Query) ([]result.Record, int, error) {
	pattern := "%" + escapeLike(strings.ToLower(q.Term())) + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields FROM documents WHERE collection = ? AND text LIKE ? ESCAPE '\'`,
		q.Collection(), pattern,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var matches []result.Record
	for rows.Next() {
		var id, fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, 0, err
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal fields for %s: %w", id, err)
		}
		if !backend.Matches(fields, q) {
			continue
		}
		matches = append(matches, result.NewRecord(id, backend.Score(fields, q), fields))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	page, total := backend.Page(matches, q.Offset(), q.Limit())
	return page, total, nil
}

// HealthCheck pings the database and reports the round trip.
func (s *Store) HealthCheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// searchText flattens field values into one lowercased blob for the
// LIKE prefilter.
func searchText(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for _, v := range fields {
		parts = append(parts, strings.ToLower(v))
	}
	return strings.Join(parts, " ")
}

// escapeLike neutralizes LIKE metacharacters in a user term.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
