// Package backend abstracts heterogeneous SQL engines behind a single
// capability-negotiated adapter interface. Each implementation declares at
// construction which optional behaviors it supports; the gateway selects
// behavior by consulting Capabilities, never by inspecting adapter types.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmallek/sqlgate/internal/keyset"
)

// ExecutionModel describes how an engine serves a result set.
type ExecutionModel string

const (
	// SingleRoundTrip engines return the full (capped) result in one call.
	SingleRoundTrip ExecutionModel = "single_round_trip"
	// ServerSideCursor engines hold an open cursor between fetches.
	ServerSideCursor ExecutionModel = "server_side_cursor"
)

// TenantEnforcement describes how an engine isolates tenants.
type TenantEnforcement string

const (
	// TenantSessionVariable engines scope every statement with a
	// session-level isolation variable.
	TenantSessionVariable TenantEnforcement = "session_variable"
	// TenantNone engines have no tenant isolation of their own.
	TenantNone TenantEnforcement = "none"
)

// Capabilities is what a backend negotiated at construction time.
type Capabilities struct {
	SupportsPagination     bool              `json:"supports_pagination"`
	SupportsColumnMetadata bool              `json:"supports_column_metadata"`
	SupportsCancel         bool              `json:"supports_cancel"`
	ExecutionModel         ExecutionModel    `json:"execution_model"`
	TenantEnforcement      TenantEnforcement `json:"tenant_enforcement_mode"`
	NullAwareKeyset        bool              `json:"null_aware_keyset"`
}

// Column is result column metadata, available when the backend declares
// SupportsColumnMetadata.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Rows is one fetched page of results. Bytes is the approximate encoded
// size, used for budget accounting. Truncated is set when the row cap cut
// the result short.
type Rows struct {
	Columns   []string
	Rows      []map[string]any
	Bytes     int64
	Truncated bool
}

// Adapter is the capability-negotiated connection surface over one SQL
// engine. All methods are safe for concurrent use.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// Dialect returns the keyset rewrite dialect for this engine.
	Dialect() keyset.Dialect
	// Fingerprint captures the topology (and, where the execution model
	// pins one, the snapshot) that will serve the next call.
	Fingerprint(ctx context.Context) (keyset.Fingerprint, error)
	// Execute runs a statement and returns the affected row count.
	Execute(ctx context.Context, sql string, args ...any) (int64, error)
	// Fetch runs a query and collects at most maxRows rows, flagging
	// truncation when more were available.
	Fetch(ctx context.Context, sql string, maxRows int, args ...any) (*Rows, error)
	// FetchWithColumns is Fetch plus column metadata.
	FetchWithColumns(ctx context.Context, sql string, maxRows int, args ...any) (*Rows, []Column, error)
	// FetchRow returns the first row, or nil when the result is empty.
	FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error)
	// FetchVal returns the first column of the first row.
	FetchVal(ctx context.Context, sql string, args ...any) (any, error)
	// ListTables introspects the engine for the live allowed-table set.
	ListTables(ctx context.Context) ([]string, error)
	Close()
}

// FallbackMode is the policy for requests that need a capability the
// selected backend does not have.
type FallbackMode string

const (
	// FallbackReject fails the request (default, fail-closed).
	FallbackReject FallbackMode = "reject"
	// FallbackSuggest discloses the gap in response metadata and proceeds
	// without the capability-dependent behavior.
	FallbackSuggest FallbackMode = "suggest"
	// FallbackApply degrades to a bounded force-limited result, always
	// flagged in metadata so callers can detect it programmatically.
	FallbackApply FallbackMode = "apply"
)

// ParseFallbackMode validates a configured fallback mode string.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch FallbackMode(s) {
	case FallbackReject, FallbackSuggest, FallbackApply:
		return FallbackMode(s), nil
	case "":
		return FallbackReject, nil
	}
	return "", fmt.Errorf("backend: unknown capability fallback mode %q", s)
}

// tenantKey carries the request tenant through context into adapters whose
// enforcement mode is session-scoped.
type tenantKey struct{}

// WithTenant attaches a tenant identity to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom extracts the tenant identity, if any.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok
}

// guardReadOnly is the statement-level read-only guard for engines without
// a session-level read-only setting. PolicyValidator has already vetted
// the statement; this is defense in depth at the adapter boundary.
func guardReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	for {
		switch {
		case strings.HasPrefix(trimmed, "--"):
			idx := strings.IndexByte(trimmed, '\n')
			if idx < 0 {
				return fmt.Errorf("backend: statement is empty")
			}
			trimmed = strings.TrimSpace(trimmed[idx+1:])
		case strings.HasPrefix(trimmed, "/*"):
			idx := strings.Index(trimmed, "*/")
			if idx < 0 {
				return fmt.Errorf("backend: unterminated comment")
			}
			trimmed = strings.TrimSpace(trimmed[idx+2:])
		case strings.HasPrefix(trimmed, "("):
			trimmed = strings.TrimSpace(trimmed[1:])
		default:
			word := trimmed
			if idx := strings.IndexAny(trimmed, " \t\r\n("); idx >= 0 {
				word = trimmed[:idx]
			}
			switch strings.ToUpper(word) {
			case "SELECT", "WITH", "VALUES":
				return nil
			}
			return fmt.Errorf("backend: statement rejected by read-only guard")
		}
	}
}
