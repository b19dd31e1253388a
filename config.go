package sqlgate

// Config is the gateway configuration. Validated in New(): invalid
// configuration panics at startup, runtime failures return errors.
type Config struct {
	// MaxConcurrent bounds foreground executions across all backends.
	MaxConcurrent int                `json:"max_concurrent"`
	Query         QueryConfig        `json:"query"`
	Validator     ValidatorConfig    `json:"validator"`
	Budget        BudgetConfig       `json:"budget"`
	Pagination    PaginationConfig   `json:"pagination"`
	Prefetch      PrefetchConfig     `json:"prefetch"`
	Sanitization  []SanitizationRule `json:"sanitization"`
	ErrorPrompts  []ErrorPromptRule  `json:"error_prompts"`
	// CapabilityFallback is the policy for requests needing a capability
	// the selected backend lacks: "reject" (default), "suggest", "apply".
	CapabilityFallback string `json:"capability_fallback"`
	// AllowlistTTLSeconds is how long an introspected table set is served
	// before the next reader refreshes it.
	AllowlistTTLSeconds int `json:"allowlist_ttl_seconds"`
}

// QueryConfig holds execution settings.
type QueryConfig struct {
	DefaultTimeoutSeconds int           `json:"default_timeout_seconds"`
	MaxTimeoutSeconds     int           `json:"max_timeout_seconds"`
	MaxSQLLength          int           `json:"max_sql_length"`
	// MaxRowsPerFetch caps any single unpaginated fetch; results at the
	// cap are returned with is_truncated set.
	MaxRowsPerFetch int           `json:"max_rows_per_fetch"`
	TimeoutRules    []TimeoutRule `json:"timeout_rules"`
}

// TimeoutRule maps a SQL pattern to a specific timeout duration.
type TimeoutRule struct {
	Name           string `json:"name"`
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ValidatorConfig holds the statement validator's rules.
type ValidatorConfig struct {
	DeniedTables     []string `json:"denied_tables"`
	BlockedFunctions []string `json:"blocked_functions"`
	SensitiveColumns []string `json:"sensitive_columns"`
	// SensitiveColumnMode is "off", "warn", or "block".
	SensitiveColumnMode  string `json:"sensitive_column_mode"`
	MaxJoins             int    `json:"max_joins"`
	MaxCTEs              int    `json:"max_ctes"`
	MaxSubqueryDepth     int    `json:"max_subquery_depth"`
	RejectCartesianJoins bool   `json:"reject_cartesian_joins"`
	// DisableAllowlist skips live-allowlist checks (denylist still
	// applies). Off by default: validation fails closed.
	DisableAllowlist bool `json:"disable_allowlist"`
}

// BudgetConfig holds the per-request-chain execution budget maxima.
// A zero value explicitly disables that dimension.
type BudgetConfig struct {
	MaxTotalRows       int64 `json:"max_total_rows"`
	MaxTotalBytes      int64 `json:"max_total_bytes"`
	MaxTotalDurationMS int64 `json:"max_total_duration_ms"`
}

// PaginationConfig holds page sizing bounds.
type PaginationConfig struct {
	DefaultPageSize    int `json:"default_page_size"`
	MaxPageSize        int `json:"max_page_size"`
	MaxPageTokenLength int `json:"max_page_token_length"`
}

// PrefetchConfig holds the background page-warming bounds. The prefetch
// budget is strictly separate from MaxConcurrent.
type PrefetchConfig struct {
	Enabled            bool `json:"enabled"`
	LocalLimit         int  `json:"local_limit"`
	GlobalLimit        int  `json:"global_limit"`
	StormThreshold     int  `json:"storm_threshold"`
	CooldownSeconds    int  `json:"cooldown_seconds"`
	CacheSize          int  `json:"cache_size"`
	TaskTimeoutSeconds int  `json:"task_timeout_seconds"`
}

// SanitizationRule defines a regex-based result value scrub rule.
type SanitizationRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description"`
}

// ErrorPromptRule maps a backend error pattern to a guidance message
// appended for the upstream NL-to-SQL layer.
type ErrorPromptRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// ServerConfig is the on-disk configuration for the standalone server:
// the gateway Config plus backend connections, HTTP serving, and logging.
type ServerConfig struct {
	Config   Config          `json:"config"`
	Backends []BackendConfig `json:"backends"`
	Server   HTTPConfig      `json:"server"`
	Logging  LoggingConfig   `json:"logging"`
}

// BackendConfig declares one backend connection. Driver selects the
// adapter; the remaining fields apply per driver.
type BackendConfig struct {
	// Driver is "postgres", "sqlite", or "bigquery".
	Driver string `json:"driver"`
	// ConnString is the connection string (postgres), file path (sqlite),
	// or DSN (bigquery).
	ConnString string `json:"conn_string"`
	MaxConns   int32  `json:"max_conns"`
	MinConns   int32  `json:"min_conns"`
	// Region and Node identify where the backend lives; stamped into
	// every page fingerprint minted through it.
	Region string `json:"region"`
	Node   string `json:"node"`
	// Dataset is the BigQuery dataset used for table introspection.
	Dataset string `json:"dataset"`
	// TenantSetting is the Postgres session variable tenant identity is
	// scoped through, e.g. "app.tenant_id".
	TenantSetting string `json:"tenant_setting"`
}

// HTTPConfig holds the standalone server's listen settings.
type HTTPConfig struct {
	Port               int    `json:"port"`
	HealthCheckEnabled bool   `json:"health_check_enabled"`
	HealthCheckPath    string `json:"health_check_path"`
}

// LoggingConfig holds logging settings for the standalone server.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `json:"level"`
	// Format is "json" (default) or "text".
	Format string `json:"format"`
	// Output is "stderr" (default), "stdout", or a file path.
	Output string `json:"output"`
}

// applyDefaults fills zero values with working defaults.
func (c *Config) applyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 10
	}
	if c.Query.DefaultTimeoutSeconds == 0 {
		c.Query.DefaultTimeoutSeconds = 30
	}
	if c.Query.MaxTimeoutSeconds == 0 {
		c.Query.MaxTimeoutSeconds = 300
	}
	if c.Query.MaxSQLLength == 0 {
		c.Query.MaxSQLLength = 100000
	}
	if c.Query.MaxRowsPerFetch == 0 {
		c.Query.MaxRowsPerFetch = 1000
	}
	if c.Pagination.DefaultPageSize == 0 {
		c.Pagination.DefaultPageSize = 100
	}
	if c.Pagination.MaxPageSize == 0 {
		c.Pagination.MaxPageSize = 1000
	}
	if c.Pagination.MaxPageTokenLength == 0 {
		c.Pagination.MaxPageTokenLength = 8192
	}
	if c.AllowlistTTLSeconds == 0 {
		c.AllowlistTTLSeconds = 300
	}
	if c.Prefetch.Enabled {
		if c.Prefetch.LocalLimit == 0 {
			c.Prefetch.LocalLimit = 2
		}
		if c.Prefetch.GlobalLimit == 0 {
			c.Prefetch.GlobalLimit = 4
		}
		if c.Prefetch.StormThreshold == 0 {
			c.Prefetch.StormThreshold = 8
		}
		if c.Prefetch.CooldownSeconds == 0 {
			c.Prefetch.CooldownSeconds = 10
		}
		if c.Prefetch.CacheSize == 0 {
			c.Prefetch.CacheSize = 64
		}
		if c.Prefetch.TaskTimeoutSeconds == 0 {
			c.Prefetch.TaskTimeoutSeconds = 30
		}
	}
}
