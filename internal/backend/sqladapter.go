package backend

import (
	"context"
	"database/sql"

	"github.com/jmallek/sqlgate/internal/keyset"
)

// sqlAdapter is the shared database/sql core behind the non-pgx engines.
// The driver-specific pieces (capabilities, fingerprint, introspection)
// are supplied by the concrete adapter that embeds it.
type sqlAdapter struct {
	db      *sql.DB
	name    string
	dialect keyset.Dialect
	caps    Capabilities
}

func (a *sqlAdapter) Name() string               { return a.name }
func (a *sqlAdapter) Capabilities() Capabilities { return a.caps }
func (a *sqlAdapter) Dialect() keyset.Dialect    { return a.dialect }
func (a *sqlAdapter) Close()                     { a.db.Close() }

func (a *sqlAdapter) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	if err := guardReadOnly(query); err != nil {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Engines without affected-row bookkeeping still executed fine.
		return 0, nil
	}
	return n, nil
}

func (a *sqlAdapter) Fetch(ctx context.Context, query string, maxRows int, args ...any) (*Rows, error) {
	rows, _, err := a.fetch(ctx, query, maxRows, false, args)
	return rows, err
}

func (a *sqlAdapter) FetchWithColumns(ctx context.Context, query string, maxRows int, args ...any) (*Rows, []Column, error) {
	return a.fetch(ctx, query, maxRows, true, args)
}

func (a *sqlAdapter) fetch(ctx context.Context, query string, maxRows int, withTypes bool, args []any) (*Rows, []Column, error) {
	if err := guardReadOnly(query); err != nil {
		return nil, nil, err
	}
	sqlRows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer sqlRows.Close()

	columns, err := sqlRows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var colMeta []Column
	if withTypes && a.caps.SupportsColumnMetadata {
		types, err := sqlRows.ColumnTypes()
		if err != nil {
			return nil, nil, err
		}
		colMeta = make([]Column, len(types))
		for i, t := range types {
			colMeta[i] = Column{Name: t.Name(), Type: t.DatabaseTypeName()}
		}
	}

	out := make([]map[string]any, 0, min(maxRows, 64))
	truncated := false
	for sqlRows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := sqlRows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}
		out = append(out, row)
	}
	if !truncated {
		if err := sqlRows.Err(); err != nil {
			return nil, nil, err
		}
	}
	return &Rows{Columns: columns, Rows: out, Bytes: rowsSize(out), Truncated: truncated}, colMeta, nil
}

func (a *sqlAdapter) FetchRow(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := a.Fetch(ctx, query, 1, args...)
	if err != nil {
		return nil, err
	}
	if len(rows.Rows) == 0 {
		return nil, nil
	}
	return rows.Rows[0], nil
}

func (a *sqlAdapter) FetchVal(ctx context.Context, query string, args ...any) (any, error) {
	rows, err := a.Fetch(ctx, query, 1, args...)
	if err != nil {
		return nil, err
	}
	if len(rows.Rows) == 0 || len(rows.Columns) == 0 {
		return nil, nil
	}
	return rows.Rows[0][rows.Columns[0]], nil
}

// listNames runs an introspection query whose first column is a table
// name.
func (a *sqlAdapter) listNames(ctx context.Context, query string, args ...any) ([]string, error) {
	sqlRows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer sqlRows.Close()

	var names []string
	for sqlRows.Next() {
		var name string
		if err := sqlRows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := sqlRows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
