package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmallek/sqlgate/internal/keyset"
)

// PostgresConfig configures the Postgres-family adapter.
type PostgresConfig struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
	// Region and Node identify where this pool's server lives; they are
	// stamped into every page fingerprint minted through this adapter.
	Region string
	Node   string
	// ReadOnly sets default_transaction_read_only on every pooled
	// connection: defense in depth beyond the statement validator.
	ReadOnly bool
	// TenantSetting is the session variable tenant identity is scoped
	// through, e.g. "app.tenant_id". Empty disables tenant enforcement.
	TenantSetting string
}

// Postgres serves the Postgres family through a pgx pool. It is the
// reference provider: pagination, column metadata, cancellation, and the
// NULL-aware keyset rewrite are all supported.
type Postgres struct {
	pool          *pgxpool.Pool
	region        string
	node          string
	tenantSetting string
	caps          Capabilities
}

// NewPostgres creates the adapter and its connection pool.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("backend: failed to parse postgres connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	if cfg.ReadOnly {
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
				return fmt.Errorf("failed to SET default_transaction_read_only: %w", err)
			}
			return nil
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("backend: failed to create postgres pool: %w", err)
	}
	tenantMode := TenantNone
	if cfg.TenantSetting != "" {
		tenantMode = TenantSessionVariable
	}
	return &Postgres{
		pool:          pool,
		region:        cfg.Region,
		node:          cfg.Node,
		tenantSetting: cfg.TenantSetting,
		caps: Capabilities{
			SupportsPagination:     true,
			SupportsColumnMetadata: true,
			SupportsCancel:         true,
			ExecutionModel:         SingleRoundTrip,
			TenantEnforcement:      tenantMode,
			NullAwareKeyset:        true,
		},
	}, nil
}

func (p *Postgres) Name() string               { return "postgres" }
func (p *Postgres) Capabilities() Capabilities { return p.caps }
func (p *Postgres) Dialect() keyset.Dialect    { return keyset.PostgresDialect() }
func (p *Postgres) Close()                     { p.pool.Close() }

// Fingerprint identifies the replica this pool is bound to. The snapshot
// id is empty: in the single-round-trip model each page reads a fresh
// snapshot, which is exactly what the seek predicate is built for.
func (p *Postgres) Fingerprint(ctx context.Context) (keyset.Fingerprint, error) {
	return keyset.Fingerprint{Region: p.region, Node: p.node}, nil
}

func (p *Postgres) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Fetch(ctx context.Context, sql string, maxRows int, args ...any) (*Rows, error) {
	rows, _, err := p.fetch(ctx, sql, maxRows, false, args)
	return rows, err
}

func (p *Postgres) FetchWithColumns(ctx context.Context, sql string, maxRows int, args ...any) (*Rows, []Column, error) {
	return p.fetch(ctx, sql, maxRows, true, args)
}

func (p *Postgres) fetch(ctx context.Context, sql string, maxRows int, withTypes bool, args []any) (*Rows, []Column, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	// Read path only: the transaction is always rolled back. Parent
	// context on purpose — if the query timed out, ctx is already dead.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if tenant, ok := TenantFrom(ctx); ok && p.tenantSetting != "" {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", p.tenantSetting, tenant); err != nil {
			return nil, nil, fmt.Errorf("backend: failed to scope tenant session variable: %w", err)
		}
	}

	pgRows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, err
	}
	defer pgRows.Close()

	fieldDescs := pgRows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}
	var colMeta []Column
	if withTypes {
		typeMap := conn.Conn().TypeMap()
		colMeta = make([]Column, len(fieldDescs))
		for i, fd := range fieldDescs {
			typeName := fmt.Sprintf("oid:%d", fd.DataTypeOID)
			if dt, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
				typeName = dt.Name
			}
			colMeta[i] = Column{Name: fd.Name, Type: typeName}
		}
	}

	out := make([]map[string]any, 0, min(maxRows, 64))
	truncated := false
	for pgRows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			truncated = true
			break
		}
		values, err := pgRows.Values()
		if err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}
		out = append(out, row)
	}
	if !truncated {
		if err := pgRows.Err(); err != nil {
			return nil, nil, err
		}
	}
	return &Rows{Columns: columns, Rows: out, Bytes: rowsSize(out), Truncated: truncated}, colMeta, nil
}

func (p *Postgres) FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	rows, err := p.Fetch(ctx, sql, 1, args...)
	if err != nil {
		return nil, err
	}
	if len(rows.Rows) == 0 {
		return nil, nil
	}
	return rows.Rows[0], nil
}

func (p *Postgres) FetchVal(ctx context.Context, sql string, args ...any) (any, error) {
	rows, err := p.Fetch(ctx, sql, 1, args...)
	if err != nil {
		return nil, err
	}
	if len(rows.Rows) == 0 || len(rows.Columns) == 0 {
		return nil, nil
	}
	return rows.Rows[0][rows.Columns[0]], nil
}

const introspectTablesSQL = `
SELECT c.relname AS name
FROM pg_catalog.pg_class c
LEFT JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND has_table_privilege(c.oid, 'SELECT')
ORDER BY c.relname;
`

// ListTables returns the tables the connected role may read, for the live
// allowed-table set.
func (p *Postgres) ListTables(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, introspectTablesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}
