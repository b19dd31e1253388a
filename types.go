package sqlgate

// PaginationMode selects how a request's result set is paged.
type PaginationMode string

// Pagination modes.
const (
	PaginationNone   PaginationMode = "none"
	PaginationOffset PaginationMode = "offset"
	PaginationKeyset PaginationMode = "keyset"
)

// Error categories. Stable: callers and audit consumers branch on these.
const (
	CategoryInvalidRequest        = "invalid_request"
	CategoryReadonlyViolation     = "readonly_violation"
	CategoryUnsupportedCapability = "unsupported_capability"
	CategoryTimeout               = "timeout"
	CategoryDatabaseError         = "database_error"
	CategoryInternal              = "internal"
)

// Stable reason codes owned by the gateway itself. The budget and keyset
// packages own the rest of the code space.
const (
	CodePageSizeInvalid  = "execution_pagination_page_size_invalid"
	CodePageTokenTooLong = "execution_pagination_page_token_too_long"
	CodeUnknownDialect   = "unknown_dialect"
	CodeSQLTooLong       = "sql_too_long"
	CodeMissingOrderKeys = "missing_order_keys"
	CodeCapabilityGap    = "capability_not_supported"
	CodeSlotUnavailable  = "no_execution_slot"
)

// Request is the execution envelope the upstream agent calls with. The
// page token and keyset cursor are opaque: whatever the previous response
// handed back is passed through verbatim.
type Request struct {
	SQL            string         `json:"sql"`
	Dialect        string         `json:"dialect"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Params         []any          `json:"params,omitempty"`
	PaginationMode PaginationMode `json:"pagination_mode,omitempty"`
	PageToken      string         `json:"page_token,omitempty"`
	KeysetCursor   string         `json:"keyset_cursor,omitempty"`
	OrderKeys      []OrderKey     `json:"order_keys,omitempty"`
	PageSize       int            `json:"page_size,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Metadata describes how a response was produced: truncation, pagination
// continuation, and any capability fallback that was applied. Degradation
// is always disclosed here, never silent.
type Metadata struct {
	IsTruncated         bool   `json:"is_truncated"`
	RowLimit            int    `json:"row_limit,omitempty"`
	RowsReturned        int    `json:"rows_returned"`
	NextPageToken       string `json:"next_page_token,omitempty"`
	NextKeysetCursor    string `json:"next_keyset_cursor,omitempty"`
	PageSize            int    `json:"page_size,omitempty"`
	CapabilityRequired  string `json:"capability_required,omitempty"`
	CapabilitySupported bool   `json:"capability_supported"`
	FallbackApplied     bool   `json:"fallback_applied,omitempty"`
	FallbackMode        string `json:"fallback_mode,omitempty"`
	PartialReason       string `json:"partial_reason,omitempty"`
	ServedFromPrefetch  bool   `json:"served_from_prefetch,omitempty"`
}

// ErrorInfo is the structured error surface. Message carries the original
// backend error text for database errors (the upstream LLM corrects its
// SQL from it); policy rejections are built only from sanitized, bounded
// metadata and never echo the statement.
type ErrorInfo struct {
	Category    string         `json:"category"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message"`
	SQLState    string         `json:"sql_state,omitempty"`
	Retryable   bool           `json:"retryable"`
	DetailsSafe map[string]any `json:"details_safe,omitempty"`
}

// Response is the execution result envelope.
type Response struct {
	Rows     []map[string]any `json:"rows"`
	Columns  []Column         `json:"columns,omitempty"`
	Metadata Metadata         `json:"metadata"`
	Error    *ErrorInfo       `json:"error,omitempty"`
}
