package redis

import (
	"github.com/redis/rueidis"

	"github.com/driftlock/searchmux/internal/backend"
)

// NewStoreForTest creates a Store with the provided rueidis client (test-only).
func NewStoreForTest(c rueidis.Client, prefix string) *Store {
	return &Store{name: "accelerator", role: backend.RoleAccelerator, prefix: prefix, client: c}
}
