// Package redis is an accelerator backend on plain Redis or Valkey.
// Documents live one hash per (collection, id); search scans the
// collection's keys and matches client-side with the shared predicate,
// so no server-side search module is required.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

// DefaultKeyPrefix namespaces this engine's keys when the
// configuration leaves the prefix unset.
const DefaultKeyPrefix = "searchmux:"

// Config holds connection parameters for a Redis store.
type Config struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements backend.Backend via rueidis.
type Store struct {
	name   string
	role   backend.Role
	prefix string
	client rueidis.Client
}

// New creates a Redis store via rueidis.
func New(name string, role backend.Role, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Store{name: name, role: role, prefix: prefix, client: client}, nil
}

// Name implements backend.Backend.
func (s *Store) Name() string { return s.name }

// Role implements backend.Backend.
func (s *Store) Role() backend.Role { return s.role }

// Upsert replaces documents in a single DoMulti round-trip. Each
// document is deleted before its HSET so fields dropped by the new
// revision do not linger in the hash.
func (s *Store) Upsert(ctx context.Context, collection string, docs []backend.Document) error {
	if len(docs) == 0 {
		return nil
	}

	cmds := make([]rueidis.Completed, 0, len(docs)*2)
	for _, d := range docs {
		key := s.docKey(collection, d.ID)
		cmds = append(cmds, s.b().Del().Key(key).Build())

		cmd := s.b().Hset().Key(key).FieldValue()
		for k, v := range d.Fields {
			cmd = cmd.FieldValue(k, v)
		}
		cmds = append(cmds, cmd.Build())
	}

	results := s.client.DoMulti(ctx, cmds...)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
	}
	return nil
}

// Search scans the collection's keys, fetches the hashes in one
// DoMulti round-trip, then applies the shared predicate and pagination.
func (s *Store) Search(ctx context.Context, q *query.Query) ([]result.Record, int, error) {
	keys, err := s.scanKeys(ctx, s.collectionPattern(q.Collection()))
	if err != nil {
		return nil, 0, err
	}
	if len(keys) == 0 {
		return []result.Record{}, 0, nil
	}

	cmds := make([]rueidis.Completed, len(keys))
	for i, key := range keys {
		cmds[i] = s.b().Hgetall().Key(key).Build()
	}

	results := s.client.DoMulti(ctx, cmds...)
	var matches []result.Record
	for i, res := range results {
		fields, err := res.AsStrMap()
		if err != nil {
			return nil, 0, fmt.Errorf("hgetall %s: %w", keys[i], err)
		}
		if len(fields) == 0 {
			// Key expired or was deleted between SCAN and HGETALL.
			continue
		}
		if !backend.Matches(fields, q) {
			continue
		}
		id := strings.TrimPrefix(keys[i], s.prefix+q.Collection()+":")
		matches = append(matches, result.NewRecord(id, backend.Score(fields, q), fields))
	}

	page, total := backend.Page(matches, q.Offset(), q.Limit())
	return page, total, nil
}

// HealthCheck pings the server and reports the round trip.
func (s *Store) HealthCheck(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	cmd := s.b().Ping().Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	return time.Since(start), nil
}

// WaitForReady polls the server until it responds or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s: %w", s.name, ctx.Err())
		case <-ticker.C:
			if _, err := s.HealthCheck(ctx); err == nil {
				return nil
			}
		}
	}
}

// Close shuts down the client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		cmd := s.b().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		res, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		keys = append(keys, res.Elements...)
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func (s *Store) b() rueidis.Builder {
	return s.client.B()
}

func (s *Store) docKey(collection, id string) string {
	return s.prefix + collection + ":" + id
}

func (s *Store) collectionPattern(collection string) string {
	return s.prefix + collection + ":*"
}
