package policy_test

import (
	"strings"
	"testing"

	"github.com/jmallek/sqlgate/internal/policy"
)

func newValidator() *policy.Validator {
	return policy.NewValidator(policy.Config{})
}

func allow(tables ...string) policy.Options {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return policy.Options{AllowedTables: set}
}

func assertRejected(t *testing.T, d policy.Decision, wantKind policy.ViolationKind, wantCode string) {
	t.Helper()
	if d.Valid {
		t.Fatal("expected the statement to be rejected")
	}
	for _, v := range d.Violations {
		if v.Kind == wantKind && v.Code == wantCode {
			return
		}
	}
	t.Fatalf("no violation with kind %q code %q in %+v", wantKind, wantCode, d.Violations)
}

func assertValid(t *testing.T, d policy.Decision) {
	t.Helper()
	if !d.Valid {
		t.Fatalf("expected the statement to be valid, got violations %+v", d.Violations)
	}
}

func TestValidSelect(t *testing.T) {
	d := newValidator().Validate("SELECT id, name FROM users WHERE active = true", policy.Options{})
	assertValid(t, d)
	if d.NormalizedSQL == "" || d.Fingerprint == "" {
		t.Fatal("valid decision must carry normalized SQL and fingerprint")
	}
}

func TestNormalizationIsDeterministic(t *testing.T) {
	v := newValidator()
	a := v.Validate("SELECT  id , name   FROM users", policy.Options{})
	b := v.Validate("SELECT id, name FROM users", policy.Options{})
	assertValid(t, a)
	assertValid(t, b)
	if a.NormalizedSQL != b.NormalizedSQL {
		t.Fatalf("normalized forms differ: %q vs %q", a.NormalizedSQL, b.NormalizedSQL)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("fingerprints differ: %q vs %q", a.Fingerprint, b.Fingerprint)
	}
}

func TestSyntaxErrorNeverEchoesSQL(t *testing.T) {
	secret := "SELECT secret_marker_xyzzy FROM"
	d := newValidator().Validate(secret, policy.Options{})
	assertRejected(t, d, policy.KindSyntaxError, policy.CodeParseError)
	for _, v := range d.Violations {
		if strings.Contains(v.Message, "xyzzy") {
			t.Fatalf("violation message echoes the statement: %q", v.Message)
		}
	}
}

func TestEmptyAndCommentOnly(t *testing.T) {
	for _, sql := range []string{"", "   ", "-- just a comment", "/* block */"} {
		d := newValidator().Validate(sql, policy.Options{})
		assertRejected(t, d, policy.KindSyntaxError, policy.CodeEmptyStatement)
	}
}

func TestMultiStatement(t *testing.T) {
	d := newValidator().Validate("SELECT 1; SELECT 2", policy.Options{})
	assertRejected(t, d, policy.KindDangerousPattern, policy.CodeMultiStatement)
}

func TestTopLevelDMLIsReadonlyViolation(t *testing.T) {
	cases := []string{
		"INSERT INTO users (name) VALUES ('x')",
		"UPDATE users SET name = 'x'",
		"DELETE FROM users",
	}
	for _, sql := range cases {
		d := newValidator().Validate(sql, policy.Options{})
		assertRejected(t, d, policy.KindReadonlyViolation, policy.CodeDataModifyingStatement)
		if !d.ReadonlyViolation() {
			t.Fatalf("ReadonlyViolation() should be true for %q violations", d.FirstCode())
		}
	}
}

func TestForbiddenCommands(t *testing.T) {
	cases := []string{
		"DROP TABLE users",
		"TRUNCATE users",
		"CREATE TABLE t (id int)",
		"ALTER TABLE users ADD COLUMN x int",
		"GRANT SELECT ON users TO joe",
		"SET search_path TO evil",
		"COPY users TO '/tmp/out'",
		"DO $$ BEGIN NULL; END $$",
		"LOCK TABLE users",
		"EXPLAIN ANALYZE SELECT * FROM users",
		"BEGIN",
	}
	for _, sql := range cases {
		d := newValidator().Validate(sql, policy.Options{})
		assertRejected(t, d, policy.KindForbiddenCommand, policy.CodeForbiddenStatement)
	}
}

func TestDataModifyingCTE(t *testing.T) {
	d := newValidator().Validate(
		"WITH moved AS (DELETE FROM orders RETURNING *) SELECT * FROM moved", policy.Options{})
	assertRejected(t, d, policy.KindReadonlyViolation, policy.CodeDataModifyingCTE)
}

func TestSelectIntoAndRowLocking(t *testing.T) {
	d := newValidator().Validate("SELECT * INTO backup FROM users", policy.Options{})
	assertRejected(t, d, policy.KindReadonlyViolation, policy.CodeSelectInto)

	d = newValidator().Validate("SELECT * FROM users FOR UPDATE", policy.Options{})
	assertRejected(t, d, policy.KindReadonlyViolation, policy.CodeRowLocking)
}

func TestDenylist(t *testing.T) {
	v := policy.NewValidator(policy.Config{DeniedTables: []string{"Audit_Log"}})
	d := v.Validate("SELECT * FROM audit_log", policy.Options{})
	assertRejected(t, d, policy.KindRestrictedTable, policy.CodeDenylistedTable)
}

func TestSystemSchema(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM pg_catalog.pg_stat_activity",
		"SELECT * FROM pg_roles",
		"SELECT * FROM information_schema.tables",
	} {
		d := newValidator().Validate(sql, policy.Options{})
		assertRejected(t, d, policy.KindRestrictedTable, policy.CodeSystemSchema)
	}
}

func TestCrossSchema(t *testing.T) {
	d := newValidator().Validate("SELECT * FROM private.secrets", policy.Options{})
	assertRejected(t, d, policy.KindRestrictedTable, policy.CodeCrossSchema)
}

func TestAllowlist(t *testing.T) {
	v := newValidator()

	d := v.Validate("SELECT * FROM users", allow("users"))
	assertValid(t, d)

	d = v.Validate("SELECT * FROM secrets", allow("users"))
	assertRejected(t, d, policy.KindRestrictedTable, policy.CodeTableNotAllowlisted)

	// Empty non-nil set fails closed.
	d = v.Validate("SELECT * FROM users", allow())
	assertRejected(t, d, policy.KindRestrictedTable, policy.CodeTableNotAllowlisted)

	// nil set disables the allowlist entirely.
	d = v.Validate("SELECT * FROM anything", policy.Options{})
	assertValid(t, d)
}

func TestCTENamesAreNotAllowlistChecked(t *testing.T) {
	d := newValidator().Validate(
		"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent", allow("orders"))
	assertValid(t, d)
}

func TestAllowlistAppliesInsideSubqueryAndJoin(t *testing.T) {
	v := newValidator()
	d := v.Validate("SELECT * FROM users u JOIN (SELECT * FROM secrets) s ON true", allow("users"))
	assertRejected(t, d, policy.KindRestrictedTable, policy.CodeTableNotAllowlisted)

	d = v.Validate("SELECT * FROM users WHERE id IN (SELECT user_id FROM secrets)", allow("users"))
	assertRejected(t, d, policy.KindRestrictedTable, policy.CodeTableNotAllowlisted)
}

func TestSetOperationBranchesAreChecked(t *testing.T) {
	d := newValidator().Validate(
		"SELECT id FROM users UNION ALL SELECT id FROM secrets", allow("users"))
	assertRejected(t, d, policy.KindRestrictedTable, policy.CodeSetOpDisallowedTable)
}

func TestBlockedFunctions(t *testing.T) {
	v := newValidator()
	for _, sql := range []string{
		"SELECT pg_sleep(10)",
		"SELECT pg_catalog.pg_sleep(10)",
		"SELECT pg_read_file('/etc/passwd')",
		"SELECT set_config('x', 'y', false)",
		"SELECT * FROM dblink('conn', 'SELECT 1') AS t(a int)",
	} {
		d := v.Validate(sql, policy.Options{})
		assertRejected(t, d, policy.KindDangerousPattern, policy.CodeBlockedFunction)
	}

	custom := policy.NewValidator(policy.Config{BlockedFunctions: []string{"Dangerous_Fn"}})
	d := custom.Validate("SELECT dangerous_fn(1)", policy.Options{})
	assertRejected(t, d, policy.KindDangerousPattern, policy.CodeBlockedFunction)
}

func TestComplexityLimits(t *testing.T) {
	v := policy.NewValidator(policy.Config{Limits: policy.ComplexityLimits{
		MaxJoins:         1,
		MaxCTEs:          1,
		MaxSubqueryDepth: 1,
	}})

	d := v.Validate("SELECT * FROM a JOIN b ON a.id = b.id JOIN c ON b.id = c.id", policy.Options{})
	assertRejected(t, d, policy.KindComplexityLimit, policy.CodeMaxJoins)

	d = v.Validate("WITH x AS (SELECT 1), y AS (SELECT 2) SELECT * FROM x, y", policy.Options{})
	assertRejected(t, d, policy.KindComplexityLimit, policy.CodeMaxCTEs)

	d = v.Validate("SELECT * FROM (SELECT * FROM (SELECT 1 AS n) a) b", policy.Options{})
	assertRejected(t, d, policy.KindComplexityLimit, policy.CodeMaxSubqueryDepth)
}

func TestCartesianJoinDetection(t *testing.T) {
	v := policy.NewValidator(policy.Config{Limits: policy.ComplexityLimits{RejectCartesianJoins: true}})

	d := v.Validate("SELECT * FROM a, b", policy.Options{})
	assertRejected(t, d, policy.KindComplexityLimit, policy.CodeCartesianJoin)

	d = v.Validate("SELECT * FROM a CROSS JOIN b", policy.Options{})
	assertRejected(t, d, policy.KindComplexityLimit, policy.CodeCartesianJoin)

	d = v.Validate("SELECT * FROM a JOIN b ON a.id = b.id", policy.Options{})
	assertValid(t, d)
}

func TestSensitiveColumns(t *testing.T) {
	warn := policy.NewValidator(policy.Config{
		SensitiveColumns:    []string{"password"},
		SensitiveColumnMode: policy.SensitiveWarn,
	})
	d := warn.Validate("SELECT user_password_hash FROM users", policy.Options{})
	assertValid(t, d)
	if len(d.Warnings) != 1 || d.Warnings[0].Code != policy.CodeSensitiveColumn {
		t.Fatalf("expected one sensitive-column warning, got %+v", d.Warnings)
	}

	block := policy.NewValidator(policy.Config{
		SensitiveColumns:    []string{"password"},
		SensitiveColumnMode: policy.SensitiveBlock,
	})
	d = block.Validate("SELECT user_password_hash FROM users", policy.Options{})
	assertRejected(t, d, policy.KindSensitiveColumn, policy.CodeSensitiveColumn)
}

func TestMetadata(t *testing.T) {
	d := newValidator().Validate(
		"SELECT count(*), u.name FROM users u JOIN orders o ON o.user_id = u.id GROUP BY u.name",
		policy.Options{})
	assertValid(t, d)
	if d.Metadata.JoinCount != 1 {
		t.Fatalf("JoinCount = %d, want 1", d.Metadata.JoinCount)
	}
	if !d.Metadata.HasAggregate {
		t.Fatal("HasAggregate should be true")
	}
	tables := policy.SortedTables(d)
	if len(tables) != 2 || tables[0] != "orders" || tables[1] != "users" {
		t.Fatalf("tables = %v, want [orders users]", tables)
	}
}
