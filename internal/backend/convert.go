package backend

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// convertValue converts a driver-returned value into a JSON-friendly Go
// type. Shared by all adapters; the pgtype cases only ever fire for the
// Postgres adapter.
func convertValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case float32:
		return convertFloat(float64(val))
	case float64:
		return convertFloat(val)
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.NaN {
			return "NaN"
		}
		if val.InfinityModifier == pgtype.Infinity {
			return "Infinity"
		}
		if val.InfinityModifier == pgtype.NegativeInfinity {
			return "-Infinity"
		}
		b, err := val.MarshalJSON()
		if err != nil {
			return nil
		}
		return string(b)
	case [16]byte:
		// UUID
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, item := range val {
			result[k] = convertValue(item)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = convertValue(item)
		}
		return result
	default:
		return val
	}
}

func convertFloat(f float64) any {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	return f
}

// approxSize estimates the encoded size of a value for budget accounting.
// Deliberately cheap: strings and byte payloads dominate real result
// sizes, fixed-width values are charged a flat eight bytes.
func approxSize(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 4
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case map[string]any:
		var n int64
		for k, item := range val {
			n += int64(len(k)) + approxSize(item)
		}
		return n
	case []any:
		var n int64
		for _, item := range val {
			n += approxSize(item)
		}
		return n
	default:
		return 8
	}
}

// SizeOfRows estimates the encoded size of a page for budget accounting.
// The gateway recomputes it after trimming the look-ahead row so the extra
// row is never charged against the chain.
func SizeOfRows(rows []map[string]any) int64 {
	return rowsSize(rows)
}

// rowsSize sums the approximate size of every cell in a page.
func rowsSize(rows []map[string]any) int64 {
	var n int64
	for _, row := range rows {
		for k, v := range row {
			n += int64(len(k)) + approxSize(v)
		}
	}
	return n
}
