package backend

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/viant/bigquery"

	"github.com/jmallek/sqlgate/internal/keyset"
)

// BigQueryConfig configures the columnar warehouse adapter.
type BigQueryConfig struct {
	// DSN is the viant/bigquery connection string,
	// e.g. "bigquery://projectID/datasetID".
	DSN     string
	Dataset string
	// Region is the warehouse location, stamped into page fingerprints.
	Region string
}

// BigQuery serves a columnar warehouse through the viant/bigquery
// database/sql driver. Jobs are single round trips with no cancel surface
// through this driver, and the warehouse has no session to scope a tenant
// variable in; read-only is enforced with the statement-level guard.
type BigQuery struct {
	sqlAdapter
	dataset string
	region  string
}

// NewBigQuery opens the warehouse connection.
func NewBigQuery(cfg BigQueryConfig) (*BigQuery, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("backend: bigquery DSN must be non-empty")
	}
	if cfg.Dataset == "" {
		return nil, fmt.Errorf("backend: bigquery dataset must be non-empty")
	}
	db, err := sql.Open("bigquery", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("backend: failed to open bigquery connection: %w", err)
	}
	return &BigQuery{
		sqlAdapter: sqlAdapter{
			db:      db,
			name:    "bigquery",
			dialect: keyset.QuestionDialect("bigquery"),
			caps: Capabilities{
				SupportsPagination:     true,
				SupportsColumnMetadata: true,
				SupportsCancel:         false,
				ExecutionModel:         SingleRoundTrip,
				TenantEnforcement:      TenantNone,
				NullAwareKeyset:        false,
			},
		},
		dataset: cfg.Dataset,
		region:  cfg.Region,
	}, nil
}

// Fingerprint identifies the warehouse location and dataset. There is no
// snapshot id: every job reads current table state.
func (b *BigQuery) Fingerprint(ctx context.Context) (keyset.Fingerprint, error) {
	return keyset.Fingerprint{Region: b.region, Node: b.dataset}, nil
}

// ListTables introspects the dataset's information schema for the
// allowed-table set.
func (b *BigQuery) ListTables(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT table_name FROM %s.INFORMATION_SCHEMA.TABLES ORDER BY table_name", b.dataset)
	return b.listNames(ctx, query)
}
