package sqlgate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmallek/sqlgate/internal/backend"
	"github.com/jmallek/sqlgate/internal/budget"
	"github.com/jmallek/sqlgate/internal/keyset"
	"github.com/jmallek/sqlgate/internal/prefetch"
)

// runFetch executes a query under the resolved timeout and collects at
// most maxRows rows. Returns a ready error response on failure.
func (g *Gateway) runFetch(ctx context.Context, logger zerolog.Logger, adapter backend.Adapter, sqlText string, maxRows int, requestedTimeout int, args []any) (*backend.Rows, []backend.Column, int64, *Response) {
	d, rule := g.resolveTimeout(sqlText, requestedTimeout)
	logger.Debug().Str("timeout_rule", rule).Dur("timeout", d).Msg("executing query")
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	start := time.Now()
	var rows *backend.Rows
	var cols []backend.Column
	var err error
	if adapter.Capabilities().SupportsColumnMetadata {
		rows, cols, err = adapter.FetchWithColumns(ctx, sqlText, maxRows, args...)
	} else {
		rows, err = adapter.Fetch(ctx, sqlText, maxRows, args...)
	}
	durationMS := time.Since(start).Milliseconds()
	if err != nil {
		return nil, nil, 0, g.failExec(logger, err)
	}
	return rows, cols, durationMS, nil
}

// executePlain is the unpaginated path: one fetch, capped at maxRows, with
// truncation disclosed in metadata. Also the landing path for capability
// fallback, which passes its disclosure metadata through.
func (g *Gateway) executePlain(ctx context.Context, logger zerolog.Logger, adapter backend.Adapter, req Request, maxRows int, meta Metadata) *Response {
	rows, cols, _, errResp := g.runFetch(ctx, logger, adapter, req.SQL, maxRows, req.TimeoutSeconds, req.Params)
	if errResp != nil {
		return errResp
	}
	meta.IsTruncated = rows.Truncated
	meta.RowLimit = maxRows
	meta.RowsReturned = len(rows.Rows)
	return &Response{Rows: rows.Rows, Columns: cols, Metadata: meta}
}

// capabilityFallback handles a pagination request against a backend that
// did not negotiate pagination support. Reject fails closed; the degraded
// modes always disclose themselves in metadata.
func (g *Gateway) capabilityFallback(ctx context.Context, logger zerolog.Logger, adapter backend.Adapter, req Request, pageSize int) *Response {
	logger.Warn().
		Str("backend", adapter.Name()).
		Str("capability", "pagination").
		Str("fallback_mode", string(g.fallback)).
		Msg("requested capability is not supported by the backend")

	meta := Metadata{
		CapabilityRequired:  "pagination",
		CapabilitySupported: false,
		FallbackMode:        string(g.fallback),
	}
	switch g.fallback {
	case backend.FallbackSuggest:
		// Proceed unpaginated; the caller sees the gap and the row cap.
		return g.executePlain(ctx, logger, adapter, req, g.config.Query.MaxRowsPerFetch, meta)
	case backend.FallbackApply:
		meta.FallbackApplied = true
		meta.PageSize = pageSize
		return g.executePlain(ctx, logger, adapter, req, pageSize, meta)
	}
	return fail(CategoryUnsupportedCapability, CodeCapabilityGap,
		fmt.Sprintf("backend %q does not support pagination and the fallback policy is reject", adapter.Name()),
		map[string]any{"capability": "pagination", "backend": adapter.Name()})
}

// offsetToken is the decoded form of an offset-mode page token. Like the
// keyset cursor it carries the chain budget and the minting fingerprint;
// the caller holds all continuation state.
type offsetToken struct {
	Offset      int64              `json:"offset"`
	Budget      budget.Snapshot    `json:"budget"`
	Fingerprint keyset.Fingerprint `json:"fingerprint"`
}

func encodeOffsetToken(t offsetToken) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeOffsetToken(token string, maxLen int) (offsetToken, *Response) {
	if maxLen > 0 && len(token) > maxLen {
		return offsetToken{}, fail(CategoryInvalidRequest, CodePageTokenTooLong,
			fmt.Sprintf("page token is %d bytes, limit is %d", len(token), maxLen), nil)
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return offsetToken{}, fail(CategoryInvalidRequest, "page_token_invalid", "page token is not valid base64", nil)
	}
	var t offsetToken
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&t); err != nil {
		return offsetToken{}, fail(CategoryInvalidRequest, "page_token_invalid", "page token payload is malformed", nil)
	}
	if t.Offset < 0 {
		return offsetToken{}, fail(CategoryInvalidRequest, "page_token_invalid", "page token offset is negative", nil)
	}
	return t, nil
}

// executeOffset serves one LIMIT/OFFSET page. One extra row is fetched to
// decide whether a continuation token should be minted.
func (g *Gateway) executeOffset(ctx context.Context, logger zerolog.Logger, adapter backend.Adapter, req Request, pageSize int) *Response {
	if !adapter.Capabilities().SupportsPagination {
		return g.capabilityFallback(ctx, logger, adapter, req, pageSize)
	}
	live, err := adapter.Fingerprint(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("backend fingerprint failed")
		return fail(CategoryInternal, "fingerprint_unavailable", "the backend topology fingerprint could not be captured", nil)
	}

	var offset int64
	var bud budget.Budget
	if req.PageToken != "" {
		tok, errResp := decodeOffsetToken(req.PageToken, g.config.Pagination.MaxPageTokenLength)
		if errResp != nil {
			return errResp
		}
		if err := keyset.CheckConsistency(tok.Fingerprint, live); err != nil {
			var ce *keyset.CursorError
			errors.As(err, &ce)
			return fail(CategoryInvalidRequest, ce.Code, ce.Msg, nil)
		}
		bud, err = budget.FromSnapshot(tok.Budget)
		if err != nil {
			return fail(CategoryInvalidRequest, budget.ReasonSnapshotInvalid, err.Error(), nil)
		}
		if reason := bud.ExhaustedReason(); reason != "" {
			return fail(CategoryInvalidRequest, reason, "the request chain's execution budget is exhausted", nil)
		}
		offset = tok.Offset
	} else {
		bud, err = budget.FromLimits(g.budgets)
		if err != nil {
			return fail(CategoryInternal, "budget_config_invalid", err.Error(), nil)
		}
	}

	// pageSize and offset are server-computed integers, never caller text.
	sqlText := fmt.Sprintf("SELECT * FROM (%s) AS page_window LIMIT %d OFFSET %d",
		strings.TrimRight(strings.TrimSpace(req.SQL), ";"), pageSize+1, offset)
	rows, cols, durationMS, errResp := g.runFetch(ctx, logger, adapter, sqlText, pageSize+1, req.TimeoutSeconds, req.Params)
	if errResp != nil {
		return errResp
	}

	hasMore := len(rows.Rows) > pageSize
	page := rows.Rows
	if hasMore {
		page = page[:pageSize]
	}
	next, errResp := g.consume(&bud, page, durationMS)
	if errResp != nil {
		return errResp
	}

	meta := Metadata{
		RowsReturned:        len(page),
		PageSize:            pageSize,
		IsTruncated:         hasMore,
		RowLimit:            pageSize,
		CapabilitySupported: true,
	}
	if hasMore {
		token, err := encodeOffsetToken(offsetToken{
			Offset:      offset + int64(len(page)),
			Budget:      next.Snapshot(),
			Fingerprint: live,
		})
		if err != nil {
			return fail(CategoryInternal, "page_token_encode_failed", "the continuation token could not be minted", nil)
		}
		meta.NextPageToken = token
		if reason := next.ExhaustedReason(); reason != "" {
			// Same contract as the keyset path: the token is still minted
			// and the next call fails with the stable reason code.
			meta.PartialReason = reason
		}
	}
	return &Response{Rows: page, Columns: cols, Metadata: meta}
}

// executeKeyset serves one seek-paginated page. A cursor request decodes
// fail-closed, verifies topology and snapshot consistency, restores the
// chain budget, and is served from the warm cache when the exact page was
// prefetched.
func (g *Gateway) executeKeyset(ctx context.Context, logger zerolog.Logger, adapter backend.Adapter, req Request, pageSize int) *Response {
	if !adapter.Capabilities().SupportsPagination {
		return g.capabilityFallback(ctx, logger, adapter, req, pageSize)
	}
	live, err := adapter.Fingerprint(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("backend fingerprint failed")
		return fail(CategoryInternal, "fingerprint_unavailable", "the backend topology fingerprint could not be captured", nil)
	}

	var bud budget.Budget
	var keys []keyset.OrderKey
	var vals []any
	if req.KeysetCursor != "" {
		cur, err := keyset.Decode(req.KeysetCursor, g.config.Pagination.MaxPageTokenLength)
		if err != nil {
			var ce *keyset.CursorError
			errors.As(err, &ce)
			return fail(CategoryInvalidRequest, ce.Code, ce.Msg, nil)
		}
		if err := keyset.CheckConsistency(cur.Fingerprint, live); err != nil {
			var ce *keyset.CursorError
			errors.As(err, &ce)
			logger.Warn().Str("reason_code", ce.Code).Msg("keyset cursor rejected")
			// Warmed pages minted under the old topology are stale too.
			if g.prefetch != nil {
				g.prefetch.Invalidate()
			}
			return fail(CategoryInvalidRequest, ce.Code, ce.Msg, nil)
		}
		bud, err = budget.FromSnapshot(cur.Budget)
		if err != nil {
			return fail(CategoryInvalidRequest, budget.ReasonSnapshotInvalid, err.Error(), nil)
		}
		if reason := bud.ExhaustedReason(); reason != "" {
			return fail(CategoryInvalidRequest, reason, "the request chain's execution budget is exhausted", nil)
		}
		keys, vals = cur.Keys, cur.Values

		if g.prefetch != nil {
			if warmed, ok := g.prefetch.Lookup(prefetchKey(req.KeysetCursor, live, pageSize)); ok {
				rows := &backend.Rows{Rows: warmed.Rows, Bytes: warmed.Bytes}
				// Warm pages were fetched on the background budget; the
				// chain is charged only for rows and bytes served.
				return g.finishKeysetPage(logger, adapter, req, live, keys, bud, rows, warmed.Columns, 0, pageSize, true)
			}
		}
	} else {
		if len(req.OrderKeys) == 0 {
			return fail(CategoryInvalidRequest, CodeMissingOrderKeys,
				"keyset pagination requires at least one order key on the first page", nil)
		}
		keys = req.OrderKeys
		bud, err = budget.FromLimits(g.budgets)
		if err != nil {
			return fail(CategoryInternal, "budget_config_invalid", err.Error(), nil)
		}
	}

	sqlText, args, errResp := g.buildKeysetQuery(req, keys, vals, adapter.Dialect())
	if errResp != nil {
		return errResp
	}
	rows, cols, durationMS, errResp := g.runFetch(ctx, logger, adapter, sqlText, pageSize+1, req.TimeoutSeconds, args)
	if errResp != nil {
		return errResp
	}
	return g.finishKeysetPage(logger, adapter, req, live, keys, bud, rows, cols, durationMS, pageSize, false)
}

// buildKeysetQuery wraps the statement for the first page (ordering only)
// or a continuation (seek predicate plus ordering).
func (g *Gateway) buildKeysetQuery(req Request, keys []keyset.OrderKey, vals []any, d keyset.Dialect) (string, []any, *Response) {
	if vals == nil {
		sqlText, err := keyset.OrderedQuery(req.SQL, keys)
		if err != nil {
			return "", nil, fail(CategoryInvalidRequest, "keyset_rewrite_failed", err.Error(), nil)
		}
		return sqlText, req.Params, nil
	}
	sqlText, extra, err := keyset.Rewrite(req.SQL, keys, vals, d, len(req.Params)+1)
	if err != nil {
		return "", nil, fail(CategoryInvalidRequest, "keyset_rewrite_failed", err.Error(), nil)
	}
	args := make([]any, 0, len(req.Params)+len(extra))
	args = append(args, req.Params...)
	args = append(args, extra...)
	return sqlText, args, nil
}

// finishKeysetPage trims the look-ahead row, charges the chain budget,
// mints the continuation cursor, and schedules the background warm for the
// page it points at. Shared by the fetched and prefetched paths.
func (g *Gateway) finishKeysetPage(logger zerolog.Logger, adapter backend.Adapter, req Request, live keyset.Fingerprint, keys []keyset.OrderKey, bud budget.Budget, rows *backend.Rows, cols []backend.Column, durationMS int64, pageSize int, fromPrefetch bool) *Response {
	hasMore := len(rows.Rows) > pageSize
	page := rows.Rows
	if hasMore {
		page = page[:pageSize]
	}
	next, errResp := g.consume(&bud, page, durationMS)
	if errResp != nil {
		return errResp
	}

	meta := Metadata{
		RowsReturned:        len(page),
		PageSize:            pageSize,
		IsTruncated:         hasMore,
		RowLimit:            pageSize,
		CapabilitySupported: true,
		ServedFromPrefetch:  fromPrefetch,
	}
	if hasMore {
		lastVals, err := cursorValues(page[len(page)-1], keys)
		if err != nil {
			return fail(CategoryInvalidRequest, "order_key_not_in_result", err.Error(), nil)
		}
		token, err := keyset.Encode(keyset.Cursor{
			Keys:        keys,
			Values:      lastVals,
			Fingerprint: live,
			Budget:      next.Snapshot(),
		})
		if err != nil {
			return fail(CategoryInternal, "cursor_encode_failed", "the continuation cursor could not be minted", nil)
		}
		meta.NextKeysetCursor = token
		if reason := next.ExhaustedReason(); reason != "" {
			// The cursor is still minted so the chain ends with the stable
			// reason code on its next call rather than a silent stop here.
			meta.PartialReason = reason
		} else if g.prefetch != nil {
			g.schedulePrefetch(logger, adapter, req, keys, lastVals, token, live, pageSize)
		}
	}
	return &Response{Rows: page, Columns: cols, Metadata: meta}
}

// consume charges one served page against the chain budget.
func (g *Gateway) consume(bud *budget.Budget, page []map[string]any, durationMS int64) (budget.Budget, *Response) {
	next, err := bud.Consume(int64(len(page)), backend.SizeOfRows(page), durationMS)
	if err != nil {
		var ee *budget.ExceededError
		if errors.As(err, &ee) {
			return budget.Budget{}, fail(CategoryInvalidRequest, ee.Reason, ee.Error(), map[string]any{
				"dimension": ee.Dimension,
				"consumed":  ee.Consumed,
				"max":       ee.Max,
			})
		}
		return budget.Budget{}, fail(CategoryInternal, "budget_accounting_failed", err.Error(), nil)
	}
	return next, nil
}

// schedulePrefetch warms the page the freshly-minted cursor points at. The
// warm runs on the background budget; admission rejections are logged and
// otherwise ignored.
func (g *Gateway) schedulePrefetch(logger zerolog.Logger, adapter backend.Adapter, req Request, keys []keyset.OrderKey, vals []any, token string, live keyset.Fingerprint, pageSize int) {
	sqlText, extra, err := keyset.Rewrite(req.SQL, keys, vals, adapter.Dialect(), len(req.Params)+1)
	if err != nil {
		return
	}
	args := make([]any, 0, len(req.Params)+len(extra))
	args = append(args, req.Params...)
	args = append(args, extra...)
	tenantID := req.TenantID

	accepted, reason := g.prefetch.Schedule(prefetchKey(token, live, pageSize), func(ctx context.Context) (*prefetch.Result, error) {
		ctx = backend.WithTenant(ctx, tenantID)
		var rows *backend.Rows
		var cols []backend.Column
		var err error
		if adapter.Capabilities().SupportsColumnMetadata {
			rows, cols, err = adapter.FetchWithColumns(ctx, sqlText, pageSize+1, args...)
		} else {
			rows, err = adapter.Fetch(ctx, sqlText, pageSize+1, args...)
		}
		if err != nil {
			return nil, err
		}
		return &prefetch.Result{Rows: rows.Rows, Columns: cols, Bytes: rows.Bytes}, nil
	})
	if !accepted && reason != prefetch.ReasonDuplicate {
		logger.Debug().Str("reason", reason).Msg("prefetch not scheduled")
	}
}

// prefetchKey ties a warmed page to the exact cursor, page size, and
// fingerprint it was fetched under. A warm holds oldSize+1 rows, so a
// follow-up at any other page size must miss and take the live path.
func prefetchKey(token string, fp keyset.Fingerprint, pageSize int) string {
	return fmt.Sprintf("%s|%d|%s", token, pageSize, fp.CacheKey())
}

// cursorValues extracts the order-key values from the last served row.
func cursorValues(row map[string]any, keys []keyset.OrderKey) ([]any, error) {
	vals := make([]any, len(keys))
	for i, k := range keys {
		v, ok := row[k.Column()]
		if !ok {
			return nil, fmt.Errorf("order key column %q is not present in the result row; alias the expression in the query", k.Column())
		}
		vals[i] = v
	}
	return vals, nil
}
