// Package sqlgate provides safe, paginated SQL execution for AI agents
// over heterogeneous backends.
//
// Every statement is validated against PostgreSQL's actual C parser via
// pg_query before any backend sees it: read-only enforcement, table
// denylist plus a live introspected allowlist, CTE and set-operation
// inspection, blocked functions, and complexity limits. Rejection
// messages are built from bounded metadata and never echo the statement.
//
// Large result sets are served through keyset (seek) pagination. The
// continuation cursor is an opaque caller-held token carrying the order
// keys and last-seen values, the topology fingerprint of the connection
// that minted it, and the multi-dimensional execution budget for the
// whole request chain — the gateway itself holds no per-session state.
// A cursor minted on one snapshot or topology is rejected with a stable
// reason code rather than silently skipping or duplicating rows, and a
// tampered budget snapshot fails closed.
//
// Backends negotiate capabilities at construction; a request needing a
// capability the backend lacks is rejected, disclosed, or degraded to a
// force-limited result per the configured fallback policy, never
// silently ignored.
//
// # Library Usage
//
//	pg, err := sqlgate.NewPostgresBackend(ctx, sqlgate.PostgresConfig{
//		ConnString: connString,
//		ReadOnly:   true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	gw, err := sqlgate.New(map[string]sqlgate.Adapter{"postgres": pg}, sqlgate.Config{
//		Budget: sqlgate.BudgetConfig{MaxTotalRows: 100000},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gw.Close(ctx)
//
//	resp := gw.Execute(ctx, sqlgate.Request{
//		SQL:            "SELECT id, name FROM users",
//		Dialect:        "postgres",
//		PaginationMode: sqlgate.PaginationKeyset,
//		OrderKeys:      []sqlgate.OrderKey{{Expr: "id"}},
//	})
//	// resp.Metadata.NextKeysetCursor resumes the chain.
//
// The next page of an active chain is prefetched in the background on a
// concurrency budget strictly separate from foreground execution, with a
// shared global ceiling, storm control, and failure cooldown.
package sqlgate
