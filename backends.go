package sqlgate

import (
	"context"

	"github.com/jmallek/sqlgate/internal/backend"
	"github.com/jmallek/sqlgate/internal/keyset"
	"github.com/jmallek/sqlgate/internal/prefetch"
)

// The adapter machinery lives under internal/. These aliases and
// constructors are the surface embedding services build against, so a
// caller never has to reach into a package Go would not let it import.
type (
	// Adapter is a negotiated backend the gateway executes against.
	Adapter = backend.Adapter
	// Capabilities is what an adapter negotiated at construction.
	Capabilities = backend.Capabilities
	// Column is per-column result metadata.
	Column = backend.Column
	// OrderKey is one key of a keyset-paginated request's total order.
	OrderKey = keyset.OrderKey
	// PostgresConfig configures NewPostgresBackend.
	PostgresConfig = backend.PostgresConfig
	// SQLiteConfig configures NewSQLiteBackend.
	SQLiteConfig = backend.SQLiteConfig
	// BigQueryConfig configures NewBigQueryBackend.
	BigQueryConfig = backend.BigQueryConfig
	// PrefetchShared is the cross-instance prefetch ceiling passed to
	// WithPrefetchShared.
	PrefetchShared = prefetch.Shared
)

// NewPostgresBackend connects a pgx pool adapter.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (Adapter, error) {
	return backend.NewPostgres(ctx, cfg)
}

// NewSQLiteBackend opens an embedded analytical database adapter.
func NewSQLiteBackend(cfg SQLiteConfig) (Adapter, error) {
	return backend.NewSQLite(cfg)
}

// NewBigQueryBackend connects a columnar warehouse adapter.
func NewBigQueryBackend(cfg BigQueryConfig) (Adapter, error) {
	return backend.NewBigQuery(cfg)
}

// NewPrefetchShared creates the global prefetch concurrency ceiling. Every
// gateway instance in a deployment shares one.
func NewPrefetchShared(globalLimit int64) *PrefetchShared {
	return prefetch.NewShared(globalLimit)
}
