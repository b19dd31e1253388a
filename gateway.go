package sqlgate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jmallek/sqlgate/internal/allowlist"
	"github.com/jmallek/sqlgate/internal/backend"
	"github.com/jmallek/sqlgate/internal/budget"
	"github.com/jmallek/sqlgate/internal/errprompt"
	"github.com/jmallek/sqlgate/internal/policy"
	"github.com/jmallek/sqlgate/internal/prefetch"
	"github.com/jmallek/sqlgate/internal/sanitize"
	"github.com/jmallek/sqlgate/internal/timeout"
)

// Gateway is the secure SQL execution engine. Every statement passes the
// policy validator before any backend sees it; paginated requests carry
// their budget and cursor in an opaque caller-held token, so the gateway
// holds no per-session state. All exported methods are safe for
// concurrent use.
type Gateway struct {
	config     Config
	adapters   map[string]backend.Adapter
	allowlists map[string]*allowlist.Cache
	semaphore  chan struct{}
	validator  *policy.Validator
	budgets    budget.Limits
	fallback   backend.FallbackMode
	prefetch   *prefetch.Controller
	scrubber   *sanitize.Scrubber
	errPrompts *errprompt.Matcher
	timeouts   *timeout.Resolver
	logger     zerolog.Logger
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	prefetchShared *prefetch.Shared
}

// WithPrefetchShared injects the cross-instance prefetch ceiling. Gateway
// instances sharing one deployment pass the same value so the global
// concurrency limit holds across all of them.
func WithPrefetchShared(s *PrefetchShared) Option {
	return func(o *options) { o.prefetchShared = s }
}

// New creates a Gateway over the given adapters, keyed by dialect name.
// Panics on invalid config. Returns an error only for runtime failures.
func New(adapters map[string]Adapter, config Config, logger zerolog.Logger, opts ...Option) (*Gateway, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if len(adapters) == 0 {
		panic("sqlgate: at least one backend adapter is required")
	}
	config.applyDefaults()
	if config.MaxConcurrent < 0 {
		panic("sqlgate: max_concurrent must be >= 0")
	}
	if config.Pagination.MaxPageSize < config.Pagination.DefaultPageSize {
		panic("sqlgate: pagination.max_page_size must be >= default_page_size")
	}
	for _, rule := range config.Query.TimeoutRules {
		if rule.TimeoutSeconds <= 0 {
			panic(fmt.Sprintf("sqlgate: timeout_rule with pattern %q has timeout_seconds <= 0", rule.Pattern))
		}
	}
	fallback, err := backend.ParseFallbackMode(config.CapabilityFallback)
	if err != nil {
		panic("sqlgate: " + err.Error())
	}

	limits := budget.Limits{
		MaxTotalRows:       config.Budget.MaxTotalRows,
		MaxTotalBytes:      config.Budget.MaxTotalBytes,
		MaxTotalDurationMS: config.Budget.MaxTotalDurationMS,
	}
	if _, err := budget.FromLimits(limits); err != nil {
		panic("sqlgate: " + err.Error())
	}

	validator := policy.NewValidator(policy.Config{
		DeniedTables:        config.Validator.DeniedTables,
		BlockedFunctions:    config.Validator.BlockedFunctions,
		SensitiveColumns:    config.Validator.SensitiveColumns,
		SensitiveColumnMode: policy.SensitiveColumnMode(config.Validator.SensitiveColumnMode),
		Limits: policy.ComplexityLimits{
			MaxJoins:             config.Validator.MaxJoins,
			MaxCTEs:              config.Validator.MaxCTEs,
			MaxSubqueryDepth:     config.Validator.MaxSubqueryDepth,
			RejectCartesianJoins: config.Validator.RejectCartesianJoins,
		},
	})

	scrubRules := make([]sanitize.Rule, len(config.Sanitization))
	for i, r := range config.Sanitization {
		scrubRules[i] = sanitize.Rule{Pattern: r.Pattern, Replacement: r.Replacement}
	}
	scrubber, err := sanitize.NewScrubber(scrubRules)
	if err != nil {
		return nil, err
	}
	promptRules := make([]errprompt.Rule, len(config.ErrorPrompts))
	for i, r := range config.ErrorPrompts {
		promptRules[i] = errprompt.Rule{Pattern: r.Pattern, Message: r.Message}
	}
	prompts, err := errprompt.NewMatcher(promptRules)
	if err != nil {
		return nil, err
	}

	timeoutRules := make([]timeout.Rule, len(config.Query.TimeoutRules))
	for i, r := range config.Query.TimeoutRules {
		timeoutRules[i] = timeout.Rule{
			Name:    r.Name,
			Pattern: r.Pattern,
			Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		}
	}
	resolver := timeout.NewResolver(timeout.Config{
		DefaultTimeout: time.Duration(config.Query.DefaultTimeoutSeconds) * time.Second,
		Rules:          timeoutRules,
	})

	allowlists := make(map[string]*allowlist.Cache, len(adapters))
	ttl := time.Duration(config.AllowlistTTLSeconds) * time.Second
	for _, adapter := range adapters {
		allowlists[adapter.Name()] = allowlist.New(adapter, ttl, logger.With().Str("backend", adapter.Name()).Logger())
	}

	var controller *prefetch.Controller
	if config.Prefetch.Enabled {
		shared := o.prefetchShared
		if shared == nil {
			shared = prefetch.NewShared(int64(config.Prefetch.GlobalLimit))
		}
		controller = prefetch.New(shared, prefetch.Config{
			LocalLimit:     config.Prefetch.LocalLimit,
			StormThreshold: config.Prefetch.StormThreshold,
			Cooldown:       time.Duration(config.Prefetch.CooldownSeconds) * time.Second,
			CacheSize:      config.Prefetch.CacheSize,
			TaskTimeout:    time.Duration(config.Prefetch.TaskTimeoutSeconds) * time.Second,
		}, logger)
	}

	return &Gateway{
		config:     config,
		adapters:   adapters,
		allowlists: allowlists,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		validator:  validator,
		budgets:    limits,
		fallback:   fallback,
		prefetch:   controller,
		scrubber:   scrubber,
		errPrompts: prompts,
		timeouts:   resolver,
		logger:     logger,
	}, nil
}

// Close closes every backend adapter.
func (g *Gateway) Close(ctx context.Context) {
	for _, adapter := range g.adapters {
		adapter.Close()
	}
}

// InvalidatePrefetch drops every warmed page. Wired to schema-change and
// topology-change signals by the embedding service.
func (g *Gateway) InvalidatePrefetch() {
	if g.prefetch != nil {
		g.prefetch.Invalidate()
	}
}

// Execute runs the full pipeline: validate, decode cursor and budget,
// check consistency, execute, mint the continuation token. All failures
// come back in Response.Error; callers never see a Go error.
func (g *Gateway) Execute(ctx context.Context, req Request) *Response {
	startTime := time.Now()
	logger := g.logger.With().Str("request_id", uuid.NewString()).Logger()

	// 1. Acquire a foreground slot (respects context cancellation).
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fail(CategoryInternal, CodeSlotUnavailable,
			fmt.Sprintf("all %d execution slots are in use and the request was cancelled while waiting", cap(g.semaphore)), nil)
	}
	defer func() { <-g.semaphore }()

	// 2. Request shape checks, before any parsing.
	if len(req.SQL) > g.config.Query.MaxSQLLength {
		return fail(CategoryInvalidRequest, CodeSQLTooLong,
			fmt.Sprintf("statement is %d bytes, limit is %d", len(req.SQL), g.config.Query.MaxSQLLength), nil)
	}
	adapter, ok := g.resolveAdapter(req.Dialect)
	if !ok {
		return fail(CategoryInvalidRequest, CodeUnknownDialect,
			fmt.Sprintf("no backend is configured for dialect %q", req.Dialect), nil)
	}
	mode := req.PaginationMode
	if mode == "" {
		mode = PaginationNone
	}
	pageSize := req.PageSize
	if mode != PaginationNone {
		if pageSize == 0 {
			pageSize = g.config.Pagination.DefaultPageSize
		}
		if pageSize < 1 || pageSize > g.config.Pagination.MaxPageSize {
			return fail(CategoryInvalidRequest, CodePageSizeInvalid,
				fmt.Sprintf("page_size %d is outside the accepted range 1..%d", pageSize, g.config.Pagination.MaxPageSize),
				map[string]any{"page_size": pageSize, "max_page_size": g.config.Pagination.MaxPageSize})
		}
	}

	// 3. Statement validation against the live allowlist. Fail closed:
	// allowlist introspection failure yields an empty set.
	var allowed map[string]struct{}
	if !g.config.Validator.DisableAllowlist {
		allowed = g.allowlists[adapter.Name()].Tables(ctx)
	}
	decision := g.validator.Validate(req.SQL, policy.Options{AllowedTables: allowed})
	if !decision.Valid {
		return g.rejectDecision(logger, decision)
	}

	ctx = backend.WithTenant(ctx, req.TenantID)

	// 4. Dispatch by pagination mode.
	var resp *Response
	switch mode {
	case PaginationNone:
		resp = g.executePlain(ctx, logger, adapter, req, g.config.Query.MaxRowsPerFetch, Metadata{CapabilitySupported: true})
	case PaginationOffset:
		resp = g.executeOffset(ctx, logger, adapter, req, pageSize)
	case PaginationKeyset:
		resp = g.executeKeyset(ctx, logger, adapter, req, pageSize)
	default:
		return fail(CategoryInvalidRequest, "pagination_mode_invalid",
			fmt.Sprintf("unknown pagination_mode %q", mode), nil)
	}
	if resp.Error != nil {
		return resp
	}

	// 5. Scrub result values and log the execution.
	resp.Rows = g.scrubber.ScrubRows(resp.Rows)
	event := logger.Info().
		Str("backend", adapter.Name()).
		Str("sql", logSQL(req.SQL)).
		Str("pagination_mode", string(mode)).
		Dur("duration", time.Since(startTime)).
		Int("row_count", len(resp.Rows))
	if resp.Metadata.ServedFromPrefetch {
		event = event.Bool("served_from_prefetch", true)
	}
	if resp.Metadata.FallbackApplied {
		event = event.Str("fallback_mode", resp.Metadata.FallbackMode)
	}
	event.Msg("query executed")
	return resp
}

// resolveAdapter picks the backend for a dialect. An empty dialect is
// accepted when exactly one backend is configured.
func (g *Gateway) resolveAdapter(dialect string) (backend.Adapter, bool) {
	if dialect != "" {
		a, ok := g.adapters[dialect]
		return a, ok
	}
	if len(g.adapters) == 1 {
		for _, a := range g.adapters {
			return a, true
		}
	}
	return nil, false
}

// rejectDecision turns a failed validation into the response envelope and
// emits the structured audit event. Neither carries the raw SQL.
func (g *Gateway) rejectDecision(logger zerolog.Logger, decision policy.Decision) *Response {
	category := CategoryInvalidRequest
	if decision.ReadonlyViolation() {
		category = CategoryReadonlyViolation
	}
	kinds := make([]string, len(decision.Violations))
	codes := make([]string, len(decision.Violations))
	messages := make([]string, len(decision.Violations))
	for i, v := range decision.Violations {
		kinds[i] = string(v.Kind)
		codes[i] = v.Code
		messages[i] = v.Message
	}
	logger.Warn().
		Str("decision", "rejected").
		Str("reason_code", decision.FirstCode()).
		Strs("violation_kinds", kinds).
		Strs("violation_codes", codes).
		Msg("statement rejected by policy")
	return fail(category, decision.FirstCode(), messages[0], map[string]any{
		"reason_code": decision.FirstCode(),
		"violations":  decision.Violations,
	})
}

// logSQL truncates a statement for log output.
func logSQL(sql string) string {
	if len(sql) > 200 {
		return sql[:200] + "..."
	}
	return sql
}

// fail builds an error response.
func fail(category, code, message string, details map[string]any) *Response {
	return &Response{
		Rows: []map[string]any{},
		Error: &ErrorInfo{
			Category:    category,
			Code:        code,
			Message:     message,
			Retryable:   category == CategoryTimeout,
			DetailsSafe: details,
		},
	}
}

// failExec classifies a backend execution error. Timeouts are their own
// category and are the caller's to retry; provider errors keep their
// SQLSTATE and original text, with any matching guidance appended.
func (g *Gateway) failExec(logger zerolog.Logger, err error) *Response {
	c := backend.Classify(err)
	logger.Error().Err(err).Str("sql_state", c.SQLState).Msg("query error")
	if c.Timeout {
		return &Response{
			Rows: []map[string]any{},
			Error: &ErrorInfo{
				Category:  CategoryTimeout,
				Code:      "execution_timeout",
				Message:   c.Message,
				Retryable: true,
			},
		}
	}
	message := c.Message
	if prompt := g.errPrompts.Match(message); prompt != "" {
		message = message + "\n\n" + prompt
	}
	return &Response{
		Rows: []map[string]any{},
		Error: &ErrorInfo{
			Category:  CategoryDatabaseError,
			Code:      "backend_error",
			Message:   message,
			SQLState:  c.SQLState,
			Retryable: c.Retryable,
		},
	}
}

// resolveTimeout picks the execution timeout: pattern rules first, an
// explicit request timeout wins when smaller than the configured ceiling.
func (g *Gateway) resolveTimeout(sql string, requested int) (time.Duration, string) {
	d, rule := g.timeouts.Resolve(sql)
	if requested > 0 {
		r := time.Duration(requested) * time.Second
		ceiling := time.Duration(g.config.Query.MaxTimeoutSeconds) * time.Second
		if r > ceiling {
			r = ceiling
		}
		return r, "requested"
	}
	return d, rule
}
