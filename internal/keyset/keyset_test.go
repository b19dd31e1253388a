package keyset_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/jmallek/sqlgate/internal/budget"
	"github.com/jmallek/sqlgate/internal/keyset"
)

func TestRewriteSingleKey(t *testing.T) {
	sql, args, err := keyset.Rewrite("SELECT id, name FROM users",
		[]keyset.OrderKey{{Expr: "id"}}, []any{int64(42)}, keyset.PostgresDialect(), 1)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if !strings.Contains(sql, "(id > $1 OR id IS NULL)") {
		t.Fatalf("expected NULLS LAST aware seek predicate, got %q", sql)
	}
	if !strings.Contains(sql, "ORDER BY id ASC NULLS LAST") {
		t.Fatalf("expected deterministic order clause, got %q", sql)
	}
	if len(args) != 1 || args[0] != int64(42) {
		t.Fatalf("args = %v, want [42]", args)
	}
}

func TestRewriteIsDeterministic(t *testing.T) {
	keys := []keyset.OrderKey{{Expr: "created_at", Desc: true}, {Expr: "id"}}
	vals := []any{"2026-01-01", int64(7)}

	first, _, err := keyset.Rewrite("SELECT * FROM events", keys, vals, keyset.PostgresDialect(), 1)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _, err := keyset.Rewrite("SELECT * FROM events", keys, vals, keyset.PostgresDialect(), 1)
		if err != nil {
			t.Fatalf("Rewrite failed: %v", err)
		}
		if again != first {
			t.Fatalf("identical inputs produced different SQL:\n%q\n%q", first, again)
		}
	}
}

func TestRewriteTwoKeyDisjunction(t *testing.T) {
	sql, args, err := keyset.Rewrite("SELECT * FROM events",
		[]keyset.OrderKey{{Expr: "ts", Desc: true}, {Expr: "id"}},
		[]any{"2026-01-01", int64(9)}, keyset.PostgresDialect(), 1)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	// Disjunct 1 advances ts, disjunct 2 pins ts and advances id.
	if !strings.Contains(sql, "ts < $1") {
		t.Fatalf("first disjunct should advance ts descending, got %q", sql)
	}
	if !strings.Contains(sql, "ts = $2 AND (id > $3 OR id IS NULL)") {
		t.Fatalf("second disjunct should pin ts and advance id, got %q", sql)
	}
	if len(args) != 3 {
		t.Fatalf("args = %v, want three bound values", args)
	}
}

func TestRewriteNullCursorValueNullsFirst(t *testing.T) {
	sql, args, err := keyset.Rewrite("SELECT * FROM t",
		[]keyset.OrderKey{{Expr: "score", NullsFirst: true}, {Expr: "id"}},
		[]any{nil, int64(3)}, keyset.PostgresDialect(), 1)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	// Still inside the leading NULL partition: the whole non-NULL
	// partition is ahead, and deeper keys advance within the partition.
	if !strings.Contains(sql, "score IS NOT NULL") {
		t.Fatalf("expected IS NOT NULL advance for a NULLS FIRST null cursor, got %q", sql)
	}
	if !strings.Contains(sql, "score IS NULL AND") {
		t.Fatalf("expected NULL pin for the deeper-key disjunct, got %q", sql)
	}
	if len(args) != 1 {
		t.Fatalf("args = %v, want one bound value", args)
	}
}

func TestRewriteNullCursorValueNullsLastSingleKey(t *testing.T) {
	// A single NULLS LAST key with a NULL cursor value has nothing
	// strictly ahead of it.
	_, _, err := keyset.Rewrite("SELECT * FROM t",
		[]keyset.OrderKey{{Expr: "score"}}, []any{nil}, keyset.PostgresDialect(), 1)
	if err == nil {
		t.Fatal("expected error: no reachable rows")
	}
}

func TestRewriteConservativeDialect(t *testing.T) {
	sql, _, err := keyset.Rewrite("SELECT * FROM t",
		[]keyset.OrderKey{{Expr: "id"}}, []any{int64(5)}, keyset.QuestionDialect("sqlite"), 1)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if strings.Contains(sql, "IS NULL") {
		t.Fatalf("conservative dialect must not emit NULL-aware terms, got %q", sql)
	}
	if !strings.Contains(sql, "id > ?") {
		t.Fatalf("expected ? placeholder, got %q", sql)
	}
}

func TestRewriteAliasUsedForComparison(t *testing.T) {
	sql, _, err := keyset.Rewrite("SELECT lower(name) AS name_key, id FROM users",
		[]keyset.OrderKey{{Expr: "lower(name)", Alias: "name_key"}, {Expr: "id"}},
		[]any{"ada", int64(1)}, keyset.PostgresDialect(), 1)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if !strings.Contains(sql, "name_key") || strings.Contains(sql, "lower(name) >") {
		t.Fatalf("comparison should use the alias, got %q", sql)
	}
}

func TestRewriteRejectsInjectionInKeyExpr(t *testing.T) {
	for _, expr := range []string{
		"id; DROP TABLE users",
		"id -- comment",
		"id') OR 1=1",
		"id,ts",
		"",
	} {
		_, _, err := keyset.Rewrite("SELECT * FROM t",
			[]keyset.OrderKey{{Expr: expr}}, []any{int64(1)}, keyset.PostgresDialect(), 1)
		if err == nil {
			t.Fatalf("expr %q should have been rejected", expr)
		}
	}
}

func TestRewriteStartArgOffset(t *testing.T) {
	sql, _, err := keyset.Rewrite("SELECT * FROM t WHERE tenant = $1",
		[]keyset.OrderKey{{Expr: "id"}}, []any{int64(5)}, keyset.PostgresDialect(), 2)
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	if !strings.Contains(sql, "$2") || strings.Contains(sql, "id > $1") {
		t.Fatalf("seek placeholders should start at $2, got %q", sql)
	}
}

func TestOrderedQuery(t *testing.T) {
	sql, err := keyset.OrderedQuery("SELECT * FROM users;",
		[]keyset.OrderKey{{Expr: "id", Desc: true, NullsFirst: true}})
	if err != nil {
		t.Fatalf("OrderedQuery failed: %v", err)
	}
	want := "SELECT * FROM (SELECT * FROM users) AS keyset_page ORDER BY id DESC NULLS FIRST"
	if sql != want {
		t.Fatalf("got %q, want %q", sql, want)
	}
}

func TestCanonicalPostgres(t *testing.T) {
	a, err := keyset.Canonical("SELECT  id ,name   FROM users", keyset.PostgresDialect())
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	b, err := keyset.Canonical("SELECT id, name FROM users", keyset.PostgresDialect())
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	if a != b {
		t.Fatalf("canonical forms differ: %q vs %q", a, b)
	}
}

func testCursor() keyset.Cursor {
	return keyset.Cursor{
		Keys:        []keyset.OrderKey{{Expr: "id"}},
		Values:      []any{int64(42)},
		Fingerprint: keyset.Fingerprint{SnapshotID: "snap-1", Region: "eu-west", Node: "replica-2"},
		Budget:      budget.Snapshot{MaxRows: 100, Rows: 10},
	}
}

func TestCursorRoundTrip(t *testing.T) {
	token, err := keyset.Encode(testCursor())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := keyset.Decode(token, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Values[0] != int64(42) {
		t.Fatalf("cursor value = %v (%T), want int64 42", decoded.Values[0], decoded.Values[0])
	}
	if decoded.Fingerprint != testCursor().Fingerprint {
		t.Fatalf("fingerprint changed: %+v", decoded.Fingerprint)
	}
	if decoded.Budget != testCursor().Budget {
		t.Fatalf("budget snapshot changed: %+v", decoded.Budget)
	}
}

func TestDecodeRejections(t *testing.T) {
	valid, err := keyset.Encode(testCursor())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	cases := []struct {
		name     string
		token    string
		maxLen   int
		wantCode string
	}{
		{"empty", "", 0, keyset.ReasonCursorInvalid},
		{"not base64", "!!!not-base64!!!", 0, keyset.ReasonCursorInvalid},
		{"not json", "bm90LWpzb24", 0, keyset.ReasonCursorInvalid},
		{"too long", valid, 8, keyset.ReasonTokenTooLong},
		{"unknown field", "eyJrZXlzIjpbeyJleHByIjoiaWQifV0sInZhbHVlcyI6WzFdLCJleHRyYSI6dHJ1ZX0", 0, keyset.ReasonCursorInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := keyset.Decode(tc.token, tc.maxLen)
			var ce *keyset.CursorError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CursorError, got %v", err)
			}
			if ce.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", ce.Code, tc.wantCode)
			}
		})
	}
}

func TestCheckConsistency(t *testing.T) {
	base := keyset.Fingerprint{SnapshotID: "snap-1", Region: "eu-west", Node: "replica-2"}
	cases := []struct {
		name     string
		live     keyset.Fingerprint
		wantCode string
	}{
		{"identical", base, ""},
		{"snapshot drift", keyset.Fingerprint{SnapshotID: "snap-2", Region: "eu-west", Node: "replica-2"}, keyset.ReasonSnapshotMismatch},
		{"region drift", keyset.Fingerprint{SnapshotID: "snap-1", Region: "us-east", Node: "replica-2"}, keyset.ReasonTopologyMismatch},
		{"node drift", keyset.Fingerprint{SnapshotID: "snap-1", Region: "eu-west", Node: "replica-9"}, keyset.ReasonTopologyMismatch},
		// Topology wins when both drift: the caller was routed elsewhere.
		{"both drift", keyset.Fingerprint{SnapshotID: "snap-9", Region: "us-east", Node: "replica-9"}, keyset.ReasonTopologyMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := keyset.CheckConsistency(base, tc.live)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("expected match, got %v", err)
				}
				return
			}
			var ce *keyset.CursorError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CursorError, got %v", err)
			}
			if ce.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", ce.Code, tc.wantCode)
			}
		})
	}
}

func TestCheckConsistencyEmptySnapshotSkipsSnapshotCheck(t *testing.T) {
	minted := keyset.Fingerprint{Region: "eu-west", Node: "replica-2"}
	live := keyset.Fingerprint{SnapshotID: "snap-5", Region: "eu-west", Node: "replica-2"}
	if err := keyset.CheckConsistency(minted, live); err != nil {
		t.Fatalf("empty minted snapshot must not trip the snapshot check: %v", err)
	}
}
