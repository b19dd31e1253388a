// Package allowlist maintains the live allowed-table set: an explicit
// shared, lock-protected cache of lowercase table names with a fetch time
// and TTL, refreshed lazily from a schema introspector. Introspection
// failure yields an empty set — the validator then rejects every table
// reference, which is the safe direction.
package allowlist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Introspector supplies the live table names for one backend.
type Introspector interface {
	ListTables(ctx context.Context) ([]string, error)
}

// Cache is the shared allowed-table set for one backend. Safe for
// concurrent use; readers are served the cached set until it expires, and
// the first reader past expiry pays for the refresh.
type Cache struct {
	introspector Introspector
	ttl          time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex
	tables    map[string]struct{}
	fetchedAt time.Time
}

// New creates a Cache. The set is empty until the first Tables call.
func New(introspector Introspector, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{introspector: introspector, ttl: ttl, logger: logger}
}

// Tables returns the current allowed-table set, refreshing it when the TTL
// has lapsed. The returned map is shared and must not be mutated. Always
// non-nil: introspection failure fails closed to an empty set.
func (c *Cache) Tables(ctx context.Context) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.tables
	}
	names, err := c.introspector.ListTables(ctx)
	c.fetchedAt = time.Now()
	if err != nil {
		c.logger.Error().Err(err).Msg("table introspection failed, allowlist is now empty")
		c.tables = map[string]struct{}{}
		return c.tables
	}
	tables := make(map[string]struct{}, len(names))
	for _, n := range names {
		tables[strings.ToLower(n)] = struct{}{}
	}
	c.tables = tables
	c.logger.Debug().Int("table_count", len(tables)).Msg("allowlist refreshed")
	return c.tables
}

// Invalidate drops the cached set so the next reader refreshes. Called on
// schema-change signals.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = nil
}
