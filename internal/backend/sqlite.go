package backend

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"

	"github.com/jmallek/sqlgate/internal/keyset"
)

// SQLiteConfig configures the embedded analytical engine adapter.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" opens an in-memory database.
	Path string
	// Node identifies this instance in page fingerprints; defaults to the
	// file path.
	Node string
	// ReadOnly opens the file in read-only mode and sets query_only on
	// every pooled connection.
	ReadOnly bool
}

// SQLite serves an embedded analytical database. Pagination and column
// metadata are supported; there is no server to cancel against and no
// tenant isolation of its own. The keyset rewrite is the conservative
// non-NULL-aware variant.
type SQLite struct {
	sqlAdapter
	node string
}

// sqliteDSN builds the connection string. query_only rides in the DSN so
// the driver applies it to every pooled connection, not just whichever
// one a PRAGMA statement would land on.
func sqliteDSN(cfg SQLiteConfig) string {
	dsn := "file:" + cfg.Path
	if !cfg.ReadOnly {
		return dsn
	}
	q := url.Values{"_pragma": {"query_only(1)"}}
	if cfg.Path != ":memory:" {
		q.Set("mode", "ro")
	}
	return dsn + "?" + q.Encode()
}

// NewSQLite opens the database file.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("backend: sqlite path must be non-empty")
	}
	db, err := sql.Open("sqlite", sqliteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("backend: failed to open sqlite database: %w", err)
	}
	node := cfg.Node
	if node == "" {
		node = cfg.Path
	}
	return &SQLite{
		sqlAdapter: sqlAdapter{
			db:      db,
			name:    "sqlite",
			dialect: keyset.QuestionDialect("sqlite"),
			caps: Capabilities{
				SupportsPagination:     true,
				SupportsColumnMetadata: true,
				SupportsCancel:         false,
				ExecutionModel:         SingleRoundTrip,
				TenantEnforcement:      TenantNone,
				NullAwareKeyset:        false,
			},
		},
		node: node,
	}, nil
}

// Fingerprint stamps the schema version as the snapshot id: any DDL bumps
// it, and a cursor minted under the old schema is rejected rather than
// resumed over a silently different table shape.
func (s *SQLite) Fingerprint(ctx context.Context) (keyset.Fingerprint, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA schema_version").Scan(&version); err != nil {
		return keyset.Fingerprint{}, fmt.Errorf("backend: failed to read sqlite schema version: %w", err)
	}
	return keyset.Fingerprint{
		SnapshotID: fmt.Sprintf("schema:%d", version),
		Node:       s.node,
	}, nil
}

// ListTables introspects sqlite_master for the allowed-table set.
func (s *SQLite) ListTables(ctx context.Context) ([]string, error) {
	return s.listNames(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
}
