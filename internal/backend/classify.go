package backend

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Classification is the gateway-facing view of a backend execution error.
// The original error text is preserved so the upstream LLM can correct the
// SQL it generated; the gateway decides what category it maps to.
type Classification struct {
	Timeout  bool
	SQLState string
	// Retryable marks transient provider errors (serialization failures,
	// connection drops) the caller may retry with backoff.
	Retryable bool
	Message   string
}

// retryableSQLStates are the Postgres-family classes worth retrying:
// serialization/deadlock (40xxx), connection failures (08xxx), and
// insufficient resources (53xxx).
func retryableSQLState(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "40", "08", "53":
		return true
	}
	return false
}

// Classify inspects a backend execution error. Timeouts are a distinct
// kind: the gateway never retries them internally, the caller does.
func Classify(err error) Classification {
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Timeout: true, Retryable: true, Message: "query exceeded its execution timeout"}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Classification{
			SQLState:  pgErr.Code,
			Retryable: retryableSQLState(pgErr.Code),
			Message:   pgErr.Message,
		}
	}
	return Classification{Message: err.Error()}
}
