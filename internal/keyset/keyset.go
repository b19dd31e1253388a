// Package keyset implements seek (keyset) pagination: rewriting a query to
// resume strictly after the last-seen sort-key values, and validating that
// a caller-held cursor is still safe to use against the connection about to
// serve the next page.
package keyset

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// OrderKey describes one component of the sort order a page chain follows.
type OrderKey struct {
	Expr       string `json:"expr"`
	Alias      string `json:"alias,omitempty"`
	Desc       bool   `json:"desc,omitempty"`
	NullsFirst bool   `json:"nulls_first,omitempty"`
}

// Column returns the output column name rows expose for this key.
func (k OrderKey) Column() string {
	if k.Alias != "" {
		return k.Alias
	}
	return k.Expr
}

// Dialect carries the provider-specific pieces of the rewrite. NullAware is
// declared only for the Postgres provider; every other provider uses the
// conservative non-NULL-matching comparison (a documented gap, not a bug).
type Dialect struct {
	Name        string
	NullAware   bool
	Placeholder func(n int) string
}

// PostgresDialect builds $n placeholders and the fully NULL-aware rewrite.
func PostgresDialect() Dialect {
	return Dialect{
		Name:        "postgres",
		NullAware:   true,
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
}

// QuestionDialect builds ? placeholders and the conservative rewrite. Used
// by the database/sql backed providers.
func QuestionDialect(name string) Dialect {
	return Dialect{
		Name:        name,
		NullAware:   false,
		Placeholder: func(int) string { return "?" },
	}
}

// Rewrite wraps sql so the result set resumes strictly after values, which
// are the last-seen values for keys on the previous page. startArg is the
// first free positional-argument index (1-based, Postgres numbering).
//
// The predicate is the standard N-key seek disjunction: the i-th disjunct
// pins keys 1..i-1 to their cursor values and advances key i. Identical
// inputs always produce byte-identical SQL; argument order is the predicate
// build order.
func Rewrite(sql string, keys []OrderKey, values []any, d Dialect, startArg int) (string, []any, error) {
	if len(keys) == 0 {
		return "", nil, fmt.Errorf("keyset: at least one order key is required")
	}
	if len(keys) != len(values) {
		return "", nil, fmt.Errorf("keyset: %d order keys but %d cursor values", len(keys), len(values))
	}
	for _, k := range keys {
		// Only the output column name is ever interpolated; an expression
		// key must be aliased in the inner query and named by that alias.
		if err := vetExpr(k.Column()); err != nil {
			return "", nil, err
		}
	}

	var args []any
	argN := startArg
	placeholder := func(v any) string {
		p := d.Placeholder(argN)
		argN++
		args = append(args, v)
		return p
	}

	var disjuncts []string
	for i := range keys {
		var conjuncts []string
		for j := 0; j < i; j++ {
			conjuncts = append(conjuncts, eqTerm(keys[j], values[j], d, placeholder))
		}
		strict, ok := strictTerm(keys[i], values[i], d, placeholder)
		if !ok {
			// No strict-advance form for this key (NULL cursor value on a
			// trailing NULL partition): deeper keys take over via the next
			// disjunct's equality conjunct.
			continue
		}
		conjuncts = append(conjuncts, strict)
		disjuncts = append(disjuncts, "("+strings.Join(conjuncts, " AND ")+")")
	}
	if len(disjuncts) == 0 {
		return "", nil, fmt.Errorf("keyset: cursor values leave no reachable rows for this key set")
	}

	predicate := strings.Join(disjuncts, " OR ")
	rewritten := fmt.Sprintf("SELECT * FROM (%s) AS keyset_page WHERE %s ORDER BY %s",
		strings.TrimRight(strings.TrimSpace(sql), ";"), predicate, orderByClause(keys))
	return rewritten, args, nil
}

// OrderedQuery wraps sql with the page chain's sort order without a seek
// predicate. Used for the first page so every subsequent page sees the same
// ordering the cursor values were captured under.
func OrderedQuery(sql string, keys []OrderKey) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("keyset: at least one order key is required")
	}
	for _, k := range keys {
		if err := vetExpr(k.Column()); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS keyset_page ORDER BY %s",
		strings.TrimRight(strings.TrimSpace(sql), ";"), orderByClause(keys)), nil
}

// eqTerm pins a higher-priority key to its cursor value.
func eqTerm(k OrderKey, v any, d Dialect, placeholder func(any) string) string {
	if v == nil {
		if d.NullAware {
			return k.Column() + " IS NULL"
		}
		// Conservative form: an equality against NULL matches no rows, so
		// the disjunct is inert. Kept for deterministic clause shape.
		return k.Column() + " = " + placeholder(v)
	}
	return k.Column() + " = " + placeholder(v)
}

// strictTerm advances one key past its cursor value. Returns ok=false when
// the key admits no strict-advance form (NULL cursor value whose NULL
// partition sorts last).
func strictTerm(k OrderKey, v any, d Dialect, placeholder func(any) string) (string, bool) {
	op := ">"
	if k.Desc {
		op = "<"
	}
	if v == nil {
		if !d.NullAware {
			return "", false
		}
		// Resuming inside the NULL partition. When NULLs sort first the
		// whole non-NULL partition is still ahead; when NULLs sort last
		// nothing is strictly ahead on this key alone.
		if k.NullsFirst {
			return k.Column() + " IS NOT NULL", true
		}
		return "", false
	}
	base := k.Column() + " " + op + " " + placeholder(v)
	if d.NullAware && !k.NullsFirst {
		// NULLS LAST: the trailing NULL rows sort after every non-NULL
		// cursor value and must stay reachable.
		return "(" + base + " OR " + k.Column() + " IS NULL)", true
	}
	return base, true
}

func orderByClause(keys []OrderKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		p := k.Column()
		if k.Desc {
			p += " DESC"
		} else {
			p += " ASC"
		}
		if k.NullsFirst {
			p += " NULLS FIRST"
		} else {
			p += " NULLS LAST"
		}
		parts[i] = p
	}
	return strings.Join(parts, ", ")
}

// Canonical returns a deterministic rendering of a rewritten query so two
// calls with identical inputs compare byte-identical (snapshot tests, cache
// keys). The Postgres provider round-trips through the real parser; other
// providers collapse whitespace, which is sufficient because Rewrite itself
// emits clauses in a fixed order.
func Canonical(sql string, d Dialect) (string, error) {
	if d.Name == "postgres" {
		result, err := pg_query.Parse(sql)
		if err != nil {
			return "", fmt.Errorf("keyset: canonicalize parse failed: %w", err)
		}
		out, err := pg_query.Deparse(result)
		if err != nil {
			return "", fmt.Errorf("keyset: canonicalize deparse failed: %w", err)
		}
		return out, nil
	}
	return strings.Join(strings.Fields(sql), " "), nil
}

// vetExpr rejects order-key expressions that could smuggle SQL into the
// rewritten query. Only bare (optionally qualified) identifiers are
// accepted; anything else must be aliased in the inner query first.
func vetExpr(expr string) error {
	if expr == "" {
		return fmt.Errorf("keyset: empty order key expression")
	}
	for _, part := range strings.Split(expr, ".") {
		if part == "" {
			return fmt.Errorf("keyset: malformed order key expression")
		}
		for i, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			case r >= '0' && r <= '9':
				if i == 0 {
					return fmt.Errorf("keyset: order key expression is not a plain identifier")
				}
			default:
				return fmt.Errorf("keyset: order key expression is not a plain identifier")
			}
		}
	}
	return nil
}
