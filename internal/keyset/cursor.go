package keyset

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/jmallek/sqlgate/internal/budget"
)

// Stable reason codes for cursor consistency failures.
const (
	ReasonSnapshotMismatch = "KEYSET_SNAPSHOT_MISMATCH"
	ReasonTopologyMismatch = "KEYSET_TOPOLOGY_MISMATCH"
	ReasonCursorInvalid    = "KEYSET_CURSOR_INVALID"
	ReasonTokenTooLong     = "execution_pagination_page_token_too_long"
)

// Fingerprint identifies which backend snapshot and topology served a page.
// A cursor minted under one fingerprint must not be resumed under another.
type Fingerprint struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
	Region     string `json:"region,omitempty"`
	Node       string `json:"node,omitempty"`
}

// CacheKey renders the fingerprint for use in prefetch cache keys.
func (f Fingerprint) CacheKey() string {
	return f.SnapshotID + "/" + f.Region + "/" + f.Node
}

// Cursor is the decoded form of the opaque page token: the order keys and
// their last-seen values, the fingerprint captured when the page was
// minted, and the budget snapshot for the whole request chain. It is
// round-tripped exactly; the caller holds it, the gateway holds nothing.
type Cursor struct {
	Keys        []OrderKey      `json:"keys"`
	Values      []any           `json:"values"`
	Fingerprint Fingerprint     `json:"fingerprint"`
	Budget      budget.Snapshot `json:"budget"`
}

// CursorError is a fail-closed cursor decode or consistency failure.
type CursorError struct {
	Code string
	Msg  string
}

func (e *CursorError) Error() string {
	return fmt.Sprintf("keyset cursor rejected: %s (%s)", e.Msg, e.Code)
}

// Encode serializes a cursor into an opaque page token.
func Encode(c Cursor) (string, error) {
	if len(c.Keys) == 0 {
		return "", fmt.Errorf("keyset: cannot encode cursor without order keys")
	}
	if len(c.Keys) != len(c.Values) {
		return "", fmt.Errorf("keyset: cursor has %d keys but %d values", len(c.Keys), len(c.Values))
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("keyset: cursor marshal failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses an opaque page token. maxLen bounds the accepted token
// size; 0 means no bound. Every failure is a *CursorError — a malformed
// cursor is rejected outright, never reset to a fresh budget.
func Decode(token string, maxLen int) (Cursor, error) {
	if token == "" {
		return Cursor{}, &CursorError{Code: ReasonCursorInvalid, Msg: "token is empty"}
	}
	if maxLen > 0 && len(token) > maxLen {
		return Cursor{}, &CursorError{Code: ReasonTokenTooLong, Msg: fmt.Sprintf("token is %d bytes, limit is %d", len(token), maxLen)}
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, &CursorError{Code: ReasonCursorInvalid, Msg: "token is not valid base64"}
	}
	var c Cursor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		return Cursor{}, &CursorError{Code: ReasonCursorInvalid, Msg: "token payload is malformed"}
	}
	if len(c.Keys) == 0 {
		return Cursor{}, &CursorError{Code: ReasonCursorInvalid, Msg: "token carries no order keys"}
	}
	if len(c.Keys) != len(c.Values) {
		return Cursor{}, &CursorError{Code: ReasonCursorInvalid, Msg: "token key and value counts differ"}
	}
	for i, v := range c.Values {
		c.Values[i] = normalizeValue(v)
	}
	return c, nil
}

// normalizeValue converts json.Number cursor values back into concrete Go
// numerics so they bind cleanly as query arguments.
func normalizeValue(v any) any {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}

// CheckConsistency compares the fingerprint captured when the cursor was
// minted against the fingerprint of the connection about to serve the next
// page. Snapshot drift and topology drift are distinguished so callers can
// tell "your snapshot advanced" from "you were routed somewhere else";
// both would otherwise silently duplicate or skip rows.
func CheckConsistency(minted, live Fingerprint) error {
	if minted.Region != live.Region || minted.Node != live.Node {
		return &CursorError{
			Code: ReasonTopologyMismatch,
			Msg: fmt.Sprintf("cursor was minted on %s/%s but this request is served by %s/%s",
				minted.Region, minted.Node, live.Region, live.Node),
		}
	}
	if minted.SnapshotID != "" && live.SnapshotID != "" && minted.SnapshotID != live.SnapshotID {
		return &CursorError{
			Code: ReasonSnapshotMismatch,
			Msg:  "the backend snapshot that served the previous page has advanced",
		}
	}
	return nil
}
