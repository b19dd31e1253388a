// Package budget tracks multi-dimensional execution budgets across a
// paginated request chain. A Budget is an immutable value: Consume returns
// a new Budget, never mutates the receiver. Budgets travel inside the
// opaque page cursor, so decode-time validation in FromSnapshot is the only
// line of defense against a forged or corrupted snapshot granting more
// resource than was originally minted.
package budget

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Stable reason codes returned to callers. These identify exactly which
// dimension breached, or that the snapshot itself could not be trusted.
const (
	ReasonRowBudgetExceeded  = "PAGINATION_GLOBAL_ROW_BUDGET_EXCEEDED"
	ReasonByteBudgetExceeded = "PAGINATION_GLOBAL_BYTE_BUDGET_EXCEEDED"
	ReasonTimeBudgetExceeded = "PAGINATION_GLOBAL_TIME_BUDGET_EXCEEDED"
	ReasonSnapshotInvalid    = "PAGINATION_BUDGET_SNAPSHOT_INVALID"
)

// maxMagnitude bounds every snapshot integer to 2^53-1 so a round trip
// through any JSON number representation is exact.
const maxMagnitude = int64(1)<<53 - 1

// Limits configures the maximum for each dimension. A zero value disables
// that dimension (explicitly unbounded); negative values are rejected.
type Limits struct {
	MaxTotalRows       int64 `json:"max_total_rows"`
	MaxTotalBytes      int64 `json:"max_total_bytes"`
	MaxTotalDurationMS int64 `json:"max_total_duration_ms"`
}

// Budget is an immutable consumed-vs-maximum tracker for rows, bytes, and
// duration. Invariant: consumed never exceeds an enabled maximum.
type Budget struct {
	maxRows       int64
	maxBytes      int64
	maxDurationMS int64
	rows          int64
	bytes         int64
	durationMS    int64
}

// ExceededError reports which dimension a Consume call breached.
type ExceededError struct {
	Reason    string
	Dimension string
	Consumed  int64
	Max       int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("execution budget exceeded: %s budget is %d, request chain would consume %d (%s)",
		e.Dimension, e.Max, e.Consumed, e.Reason)
}

// SnapshotError reports a snapshot that failed strict decode validation.
// It always carries ReasonSnapshotInvalid: a bad snapshot is rejected
// outright, never partially trusted or reset to a fresh budget.
type SnapshotError struct {
	Field string
	Msg   string
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("invalid budget snapshot: field %q %s (%s)", e.Field, e.Msg, ReasonSnapshotInvalid)
}

// Reason returns the stable reason code for a snapshot failure.
func (e *SnapshotError) Reason() string { return ReasonSnapshotInvalid }

// FromLimits builds a fresh Budget with nothing consumed.
func FromLimits(l Limits) (Budget, error) {
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"max_total_rows", l.MaxTotalRows},
		{"max_total_bytes", l.MaxTotalBytes},
		{"max_total_duration_ms", l.MaxTotalDurationMS},
	} {
		if f.v < 0 {
			return Budget{}, fmt.Errorf("budget: %s must be >= 0, got %d", f.name, f.v)
		}
		if f.v > maxMagnitude {
			return Budget{}, fmt.Errorf("budget: %s exceeds maximum representable value", f.name)
		}
	}
	return Budget{
		maxRows:       l.MaxTotalRows,
		maxBytes:      l.MaxTotalBytes,
		maxDurationMS: l.MaxTotalDurationMS,
	}, nil
}

// Snapshot is the wire form of a Budget. It is embedded verbatim in the
// keyset cursor and must round-trip bit-for-bit through FromSnapshot.
type Snapshot struct {
	MaxRows       int64 `json:"max_rows"`
	MaxBytes      int64 `json:"max_bytes"`
	MaxDurationMS int64 `json:"max_duration_ms"`
	Rows          int64 `json:"rows"`
	Bytes         int64 `json:"bytes"`
	DurationMS    int64 `json:"duration_ms"`
}

// UnmarshalJSON decodes strictly: every field must be a JSON integer.
// Floats, strings, and fractional numbers are rejected so a tampered
// cursor cannot smuggle values through lossy coercion.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return &SnapshotError{Field: "snapshot", Msg: "is not a JSON object of numbers"}
	}
	assign := func(field string, dst *int64) error {
		num, ok := raw[field]
		if !ok {
			return &SnapshotError{Field: field, Msg: "is missing"}
		}
		v, err := num.Int64()
		if err != nil {
			return &SnapshotError{Field: field, Msg: "is not an integer"}
		}
		*dst = v
		return nil
	}
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"max_rows", &s.MaxRows},
		{"max_bytes", &s.MaxBytes},
		{"max_duration_ms", &s.MaxDurationMS},
		{"rows", &s.Rows},
		{"bytes", &s.Bytes},
		{"duration_ms", &s.DurationMS},
	} {
		if err := assign(f.name, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot serializes the budget for embedding in a page cursor.
func (b Budget) Snapshot() Snapshot {
	return Snapshot{
		MaxRows:       b.maxRows,
		MaxBytes:      b.maxBytes,
		MaxDurationMS: b.maxDurationMS,
		Rows:          b.rows,
		Bytes:         b.bytes,
		DurationMS:    b.durationMS,
	}
}

// FromSnapshot reconstructs a Budget from a caller-held snapshot with
// strict validation: non-negative, bounded magnitude, consumed <= enabled
// max. Any violation returns a *SnapshotError.
func FromSnapshot(s Snapshot) (Budget, error) {
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"max_rows", s.MaxRows},
		{"max_bytes", s.MaxBytes},
		{"max_duration_ms", s.MaxDurationMS},
		{"rows", s.Rows},
		{"bytes", s.Bytes},
		{"duration_ms", s.DurationMS},
	} {
		if f.v < 0 {
			return Budget{}, &SnapshotError{Field: f.name, Msg: "is negative"}
		}
		if f.v > maxMagnitude {
			return Budget{}, &SnapshotError{Field: f.name, Msg: "exceeds maximum representable value"}
		}
	}
	for _, f := range []struct {
		name     string
		consumed int64
		max      int64
	}{
		{"rows", s.Rows, s.MaxRows},
		{"bytes", s.Bytes, s.MaxBytes},
		{"duration_ms", s.DurationMS, s.MaxDurationMS},
	} {
		if f.max > 0 && f.consumed > f.max {
			return Budget{}, &SnapshotError{Field: f.name, Msg: "exceeds its maximum"}
		}
	}
	return Budget{
		maxRows:       s.MaxRows,
		maxBytes:      s.MaxBytes,
		maxDurationMS: s.MaxDurationMS,
		rows:          s.Rows,
		bytes:         s.Bytes,
		durationMS:    s.DurationMS,
	}, nil
}

// Consume returns a new Budget with the given usage added, or an
// *ExceededError naming the first dimension that breached. The receiver is
// unchanged either way.
func (b Budget) Consume(rows, bytes, durationMS int64) (Budget, error) {
	if rows < 0 || bytes < 0 || durationMS < 0 {
		return Budget{}, fmt.Errorf("budget: consumption must be non-negative")
	}
	next := b
	next.rows += rows
	next.bytes += bytes
	next.durationMS += durationMS
	if b.maxRows > 0 && next.rows > b.maxRows {
		return Budget{}, &ExceededError{Reason: ReasonRowBudgetExceeded, Dimension: "row", Consumed: next.rows, Max: b.maxRows}
	}
	if b.maxBytes > 0 && next.bytes > b.maxBytes {
		return Budget{}, &ExceededError{Reason: ReasonByteBudgetExceeded, Dimension: "byte", Consumed: next.bytes, Max: b.maxBytes}
	}
	if b.maxDurationMS > 0 && next.durationMS > b.maxDurationMS {
		return Budget{}, &ExceededError{Reason: ReasonTimeBudgetExceeded, Dimension: "time", Consumed: next.durationMS, Max: b.maxDurationMS}
	}
	return next, nil
}

// ExhaustedReason returns the reason code of the first fully-consumed
// dimension, or "" if the chain still has headroom everywhere. Callers use
// this to short-circuit before issuing the next page fetch.
func (b Budget) ExhaustedReason() string {
	if b.maxRows > 0 && b.rows >= b.maxRows {
		return ReasonRowBudgetExceeded
	}
	if b.maxBytes > 0 && b.bytes >= b.maxBytes {
		return ReasonByteBudgetExceeded
	}
	if b.maxDurationMS > 0 && b.durationMS >= b.maxDurationMS {
		return ReasonTimeBudgetExceeded
	}
	return ""
}

// ConsumedRows returns the rows consumed so far in the request chain.
func (b Budget) ConsumedRows() int64 { return b.rows }

// ConsumedBytes returns the bytes consumed so far in the request chain.
func (b Budget) ConsumedBytes() int64 { return b.bytes }

// ConsumedDurationMS returns the execution time consumed so far.
func (b Budget) ConsumedDurationMS() int64 { return b.durationMS }
