// Package badgerdb is an embedded key-value backend on BadgerDB,
// deployed as the database when a pure-Go durable store is wanted.
// An empty path opens an in-memory instance, which tests use.
package badgerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/domain/query"
	"github.com/driftlock/searchmux/internal/domain/result"
)

const docPrefix = "doc:"

// Store is a BadgerDB-backed search backend.
type Store struct {
	name   string
	role   backend.Role
	db     *badger.DB
	logger *zap.Logger
}

// storedDoc is the value format. The collection is stored redundantly
// so iteration can reject keys from a collection whose name happens to
// prefix-collide with the scanned one.
type storedDoc struct {
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Fields     map[string]string `json:"fields"`
}

// badgerLogger adapts zap to the badger.Logger interface.
type badgerLogger struct {
	logger *zap.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (bl *badgerLogger) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// New opens a BadgerDB database at path, creating the directory if it
// does not exist. An empty path opens an in-memory database.
func New(name string, role backend.Role, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(path, 0755); err != nil {
				return nil, err
			}
		} else if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", path)
		}
		opts = badger.DefaultOptions(path)
	}

	opts.Logger = &badgerLogger{logger: logger.Named("badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{name: name, role: role, db: db, logger: logger}, nil
}

// Name implements backend.Backend.
func (s *Store) Name() string { return s.name }

// Role implements backend.Backend.
func (s *Store) Role() backend.Role { return s.role }

// Upsert stores documents under doc:<collection>:<id> keys.
func (s *Store) Upsert(_ context.Context, collection string, docs []backend.Document) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, d := range docs {
			data, err := json.Marshal(storedDoc{Collection: collection, ID: d.ID, Fields: d.Fields})
			if err != nil {
				return fmt.Errorf("failed to marshal document %s: %w", d.ID, err)
			}
			if err := txn.Set(docKey(collection, d.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Search iterates the collection's key prefix and applies the shared
// match predicate and pagination.
func (s *Store) Search(ctx context.Context, q *query.Query) ([]result.Record, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	var matches []result.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = collectionPrefix(q.Collection())
		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var doc storedDoc
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			if doc.Collection != q.Collection() {
				continue
			}
			if !backend.Matches(doc.Fields, q) {
				continue
			}
			matches = append(matches, result.NewRecord(doc.ID, backend.Score(doc.Fields, q), doc.Fields))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	page, total := backend.Page(matches, q.Offset(), q.Limit())
	return page, total, nil
}

// HealthCheck runs an empty read transaction and reports the round trip.
func (s *Store) HealthCheck(_ context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.db.View(func(*badger.Txn) error { return nil }); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func docKey(collection, id string) []byte {
	return []byte(docPrefix + collection + ":" + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(docPrefix + collection + ":")
}
