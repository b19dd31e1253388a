// Package policy statically validates SQL statements before the gateway
// will execute them. Validation is AST-based using PostgreSQL's actual C
// parser via pg_query, and fail-closed throughout: an unparseable,
// ambiguous, or unrecognized construct is rejected, never defaulted to
// allow. The verdict is an explicit Decision value; the validator never
// returns a Go error and never panics on caller input.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ComplexityLimits caps the structural complexity the gateway will accept.
// Zero disables a limit. Configuration only, never mutated at runtime.
type ComplexityLimits struct {
	MaxJoins             int  `json:"max_joins"`
	MaxCTEs              int  `json:"max_ctes"`
	MaxSubqueryDepth     int  `json:"max_subquery_depth"`
	RejectCartesianJoins bool `json:"reject_cartesian_joins"`
}

// SensitiveColumnMode decides whether a sensitive-column match is a warning
// or a rejection.
type SensitiveColumnMode string

const (
	SensitiveOff   SensitiveColumnMode = "off"
	SensitiveWarn  SensitiveColumnMode = "warn"
	SensitiveBlock SensitiveColumnMode = "block"
)

// Config holds the validator's statically-configured rules. The table
// allowlist is not here: it is live data supplied per call via Options.
type Config struct {
	DeniedTables        []string
	BlockedFunctions    []string
	SensitiveColumns    []string
	SensitiveColumnMode SensitiveColumnMode
	Limits              ComplexityLimits
}

// Options carries the per-call inputs to Validate.
type Options struct {
	// AllowedTables is the live allowlist snapshot. nil means no allowlist
	// was supplied (denylist-only validation); an empty non-nil set rejects
	// every table reference (fail closed).
	AllowedTables map[string]struct{}
}

// systemSchemaPrefixes are rejected outright regardless of any allowlist.
var systemSchemaPrefixes = []string{"pg_", "information_schema"}

// defaultBlockedFunctions are dangerous regardless of deployment; the
// configured set is added on top.
var defaultBlockedFunctions = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
	"pg_terminate_backend", "pg_cancel_backend",
	"lo_import", "lo_export",
	"dblink", "dblink_exec", "dblink_connect",
	"set_config", "pg_reload_conf",
}

var aggregateNames = map[string]struct{}{
	"count": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
	"string_agg": {}, "array_agg": {}, "json_agg": {}, "jsonb_agg": {},
	"json_object_agg": {}, "jsonb_object_agg": {},
	"bool_and": {}, "bool_or": {}, "every": {},
	"stddev": {}, "stddev_pop": {}, "stddev_samp": {},
	"variance": {}, "var_pop": {}, "var_samp": {},
	"percentile_cont": {}, "percentile_disc": {}, "mode": {},
}

// Validator validates SQL statements against security and complexity
// rules. Safe for concurrent use.
type Validator struct {
	denied           map[string]struct{}
	blockedFuncs     map[string]struct{}
	sensitiveColumns []string
	sensitiveMode    SensitiveColumnMode
	limits           ComplexityLimits
}

// NewValidator creates a Validator. All rule matching is case-insensitive;
// configured names are lowercased once here.
func NewValidator(config Config) *Validator {
	denied := make(map[string]struct{}, len(config.DeniedTables))
	for _, t := range config.DeniedTables {
		denied[strings.ToLower(t)] = struct{}{}
	}
	blocked := make(map[string]struct{}, len(defaultBlockedFunctions)+len(config.BlockedFunctions))
	for _, f := range defaultBlockedFunctions {
		blocked[f] = struct{}{}
	}
	for _, f := range config.BlockedFunctions {
		blocked[strings.ToLower(f)] = struct{}{}
	}
	sensitive := make([]string, 0, len(config.SensitiveColumns))
	for _, c := range config.SensitiveColumns {
		sensitive = append(sensitive, strings.ToLower(c))
	}
	mode := config.SensitiveColumnMode
	if mode == "" {
		mode = SensitiveOff
	}
	return &Validator{
		denied:           denied,
		blockedFuncs:     blocked,
		sensitiveColumns: sensitive,
		sensitiveMode:    mode,
		limits:           config.Limits,
	}
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripComments removes SQL comments so the emptiness check below cannot
// be satisfied by a comment-only payload. The parser strips them again for
// the real pass; this is only for the pre-checks.
func stripComments(sql string) string {
	sql = blockCommentRe.ReplaceAllString(sql, " ")
	sql = lineCommentRe.ReplaceAllString(sql, " ")
	return strings.TrimSpace(sql)
}

// Validate checks a single SQL statement and returns a Decision. On full
// success the decision carries a deterministic normalized rendering of the
// statement and its parser fingerprint for downstream cache keys.
func (v *Validator) Validate(sql string, opts Options) Decision {
	if stripComments(sql) == "" {
		return rejected(Violation{
			Kind: KindSyntaxError, Code: CodeEmptyStatement,
			Message: "statement is empty after comment stripping",
		})
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		// Parse failure is fail-closed and the parser's message may quote
		// the input, so it is not propagated.
		return rejected(Violation{
			Kind: KindSyntaxError, Code: CodeParseError,
			Message: "statement could not be parsed",
		})
	}
	if len(result.Stmts) == 0 {
		return rejected(Violation{
			Kind: KindSyntaxError, Code: CodeEmptyStatement,
			Message: "statement is empty",
		})
	}
	if len(result.Stmts) > 1 {
		return rejected(Violation{
			Kind: KindDangerousPattern, Code: CodeMultiStatement,
			Message: fmt.Sprintf("multiple top-level statements are not allowed: found %d", len(result.Stmts)),
			Detail:  map[string]any{"statement_count": len(result.Stmts)},
		})
	}

	w := &walker{validator: v, opts: opts, cteNames: map[string]struct{}{}}
	stmt := result.Stmts[0].Stmt

	sel, ok := stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		w.add(classifyNonSelect(stmt))
	} else {
		w.walkSelect(sel.SelectStmt, 0, false)
	}
	w.checkComplexity()

	d := Decision{
		Violations: w.violations,
		Warnings:   w.warnings,
		Metadata:   w.metadata(),
	}
	if len(d.Violations) > 0 {
		return d
	}

	normalized, err := pg_query.Deparse(result)
	if err != nil {
		// Deparse failing on a tree we just parsed means the construct is
		// outside what we can reason about: fail closed.
		d.Violations = append(d.Violations, Violation{
			Kind: KindDangerousPattern, Code: CodeParseError,
			Message: "statement could not be canonicalized",
		})
		return d
	}
	fingerprint, err := pg_query.Fingerprint(sql)
	if err != nil {
		d.Violations = append(d.Violations, Violation{
			Kind: KindDangerousPattern, Code: CodeParseError,
			Message: "statement could not be fingerprinted",
		})
		return d
	}
	d.Valid = true
	d.NormalizedSQL = normalized
	d.Fingerprint = fingerprint
	return d
}

func rejected(v Violation) Decision {
	return Decision{Violations: []Violation{v}}
}

// classifyNonSelect maps a non-SELECT top-level statement to its
// violation. DML gets readonly_violation (it is shaped like work the
// gateway does, but mutates); everything else is forbidden_command.
func classifyNonSelect(node *pg_query.Node) Violation {
	var name string
	readonly := false
	switch node.Node.(type) {
	case *pg_query.Node_InsertStmt:
		name, readonly = "INSERT", true
	case *pg_query.Node_UpdateStmt:
		name, readonly = "UPDATE", true
	case *pg_query.Node_DeleteStmt:
		name, readonly = "DELETE", true
	case *pg_query.Node_MergeStmt:
		name, readonly = "MERGE", true
	case *pg_query.Node_DropStmt, *pg_query.Node_DropdbStmt:
		name = "DROP"
	case *pg_query.Node_TruncateStmt:
		name = "TRUNCATE"
	case *pg_query.Node_CreateStmt, *pg_query.Node_CreateTableAsStmt,
		*pg_query.Node_CreateSchemaStmt, *pg_query.Node_CreateSeqStmt,
		*pg_query.Node_ViewStmt, *pg_query.Node_IndexStmt,
		*pg_query.Node_CreateFunctionStmt, *pg_query.Node_CreateTrigStmt,
		*pg_query.Node_CreateExtensionStmt, *pg_query.Node_CreateRoleStmt,
		*pg_query.Node_RuleStmt:
		name = "CREATE"
	case *pg_query.Node_AlterTableStmt, *pg_query.Node_AlterSystemStmt,
		*pg_query.Node_AlterRoleStmt, *pg_query.Node_AlterSeqStmt,
		*pg_query.Node_RenameStmt:
		name = "ALTER"
	case *pg_query.Node_GrantStmt, *pg_query.Node_GrantRoleStmt:
		name = "GRANT/REVOKE"
	case *pg_query.Node_TransactionStmt:
		name = "transaction control"
	case *pg_query.Node_VariableSetStmt:
		name = "SET"
	case *pg_query.Node_CopyStmt:
		name = "COPY"
	case *pg_query.Node_DoStmt:
		name = "DO"
	case *pg_query.Node_LockStmt:
		name = "LOCK"
	case *pg_query.Node_ExplainStmt:
		// EXPLAIN ANALYZE executes its target; plain EXPLAIN leaks planner
		// configuration. Neither is a pure read of user data.
		name = "EXPLAIN"
	default:
		name = "this statement type"
	}
	if readonly {
		return Violation{
			Kind: KindReadonlyViolation, Code: CodeDataModifyingStatement,
			Message: fmt.Sprintf("%s statements are not allowed: the gateway executes reads only", name),
			Detail:  map[string]any{"statement": name},
		}
	}
	return Violation{
		Kind: KindForbiddenCommand, Code: CodeForbiddenStatement,
		Message: fmt.Sprintf("%s statements are not allowed", name),
		Detail:  map[string]any{"statement": name},
	}
}

// walker accumulates findings over one statement tree.
type walker struct {
	validator *Validator
	opts      Options

	violations []Violation
	warnings   []Violation

	cteNames map[string]struct{}
	tables   []string
	tableSet map[string]struct{}
	columns  []string
	colSet   map[string]struct{}

	joinCount    int
	cteCount     int
	maxDepth     int
	cartesian    bool
	hasAggregate bool
	hasWindow    bool
	hasSubquery  bool
}

func (w *walker) add(v Violation) { w.violations = append(w.violations, v) }

func (w *walker) metadata() Metadata {
	return Metadata{
		Tables:        w.tables,
		Columns:       w.columns,
		JoinCount:     w.joinCount,
		CTECount:      w.cteCount,
		SubqueryDepth: w.maxDepth,
		HasAggregate:  w.hasAggregate,
		HasWindow:     w.hasWindow,
		HasSubquery:   w.hasSubquery,
	}
}

// walkSelect checks one SELECT (or set-operation tree) at the given
// subquery depth. inSetOp marks branches of a UNION/INTERSECT/EXCEPT so
// allowlist findings inside them carry the set-operation reason code:
// hiding a table in one branch must not bypass the allowlist.
func (w *walker) walkSelect(sel *pg_query.SelectStmt, depth int, inSetOp bool) {
	if sel == nil {
		return
	}
	if depth > w.maxDepth {
		w.maxDepth = depth
	}

	w.walkWith(sel.WithClause, depth)

	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		w.walkSelect(sel.Larg, depth, true)
		w.walkSelect(sel.Rarg, depth, true)
		return
	}

	if sel.IntoClause != nil {
		w.add(Violation{
			Kind: KindReadonlyViolation, Code: CodeSelectInto,
			Message: "SELECT INTO creates a table and is not allowed",
		})
	}
	if len(sel.LockingClause) > 0 {
		w.add(Violation{
			Kind: KindReadonlyViolation, Code: CodeRowLocking,
			Message: "row-locking clauses (FOR UPDATE/FOR SHARE) block writers and are not allowed",
		})
	}
	if len(sel.GroupClause) > 0 {
		w.hasAggregate = true
	}
	if len(sel.WindowClause) > 0 {
		w.hasWindow = true
	}

	// Comma-separated FROM items are an implicit cross join.
	if len(sel.FromClause) > 1 {
		w.joinCount += len(sel.FromClause) - 1
		w.cartesian = true
	}
	for _, item := range sel.FromClause {
		w.walkFromItem(item, depth, inSetOp)
	}

	for _, t := range sel.TargetList {
		if rt, ok := t.Node.(*pg_query.Node_ResTarget); ok {
			w.walkExpr(rt.ResTarget.Val, depth, inSetOp)
		}
	}
	w.walkExpr(sel.WhereClause, depth, inSetOp)
	w.walkExpr(sel.HavingClause, depth, inSetOp)
	for _, g := range sel.GroupClause {
		w.walkExpr(g, depth, inSetOp)
	}
	for _, s := range sel.SortClause {
		if sb, ok := s.Node.(*pg_query.Node_SortBy); ok {
			w.walkExpr(sb.SortBy.Node, depth, inSetOp)
		}
	}
	w.walkExpr(sel.LimitCount, depth, inSetOp)
	w.walkExpr(sel.LimitOffset, depth, inSetOp)
	for _, vl := range sel.ValuesLists {
		w.walkExpr(vl, depth, inSetOp)
	}
}

// walkWith registers CTE names and checks each CTE body. A data-modifying
// statement hiding inside WITH is read-shaped but mutates, so statement
// type checks alone are insufficient: it is rejected here.
func (w *walker) walkWith(with *pg_query.WithClause, depth int) {
	if with == nil {
		return
	}
	for _, cte := range with.Ctes {
		cteNode, ok := cte.Node.(*pg_query.Node_CommonTableExpr)
		if !ok {
			continue
		}
		c := cteNode.CommonTableExpr
		w.cteCount++
		w.cteNames[strings.ToLower(c.Ctename)] = struct{}{}
		if c.Ctequery == nil {
			continue
		}
		if sub, ok := c.Ctequery.Node.(*pg_query.Node_SelectStmt); ok {
			w.walkSelect(sub.SelectStmt, depth, false)
			continue
		}
		var stmtName string
		switch c.Ctequery.Node.(type) {
		case *pg_query.Node_InsertStmt:
			stmtName = "INSERT"
		case *pg_query.Node_UpdateStmt:
			stmtName = "UPDATE"
		case *pg_query.Node_DeleteStmt:
			stmtName = "DELETE"
		case *pg_query.Node_MergeStmt:
			stmtName = "MERGE"
		default:
			stmtName = "a non-SELECT statement"
		}
		w.add(Violation{
			Kind: KindReadonlyViolation, Code: CodeDataModifyingCTE,
			Message: fmt.Sprintf("%s inside WITH is a data-modifying operation and is not allowed", stmtName),
			Detail:  map[string]any{"cte": strings.ToLower(c.Ctename)},
		})
	}
}

func (w *walker) walkFromItem(node *pg_query.Node, depth int, inSetOp bool) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		w.checkTable(n.RangeVar, inSetOp)
	case *pg_query.Node_JoinExpr:
		j := n.JoinExpr
		w.joinCount++
		if j.Jointype == pg_query.JoinType_JOIN_INNER &&
			j.Quals == nil && !j.IsNatural && len(j.UsingClause) == 0 {
			w.cartesian = true
		}
		w.walkFromItem(j.Larg, depth, inSetOp)
		w.walkFromItem(j.Rarg, depth, inSetOp)
		w.walkExpr(j.Quals, depth, inSetOp)
	case *pg_query.Node_RangeSubselect:
		w.hasSubquery = true
		if n.RangeSubselect.Subquery == nil {
			return
		}
		if sub, ok := n.RangeSubselect.Subquery.Node.(*pg_query.Node_SelectStmt); ok {
			w.walkSelect(sub.SelectStmt, depth+1, inSetOp)
		}
	case *pg_query.Node_RangeFunction:
		for _, f := range n.RangeFunction.Functions {
			w.walkExpr(f, depth, inSetOp)
		}
	}
}

// checkTable applies the denylist, system-schema, cross-schema, and
// allowlist rules to one table reference. Locally-defined CTE names are
// exempt from the allowlist: they are not real tables.
func (w *walker) checkTable(r *pg_query.RangeVar, inSetOp bool) {
	name := strings.ToLower(r.Relname)
	schema := strings.ToLower(r.Schemaname)

	if r.Catalogname != "" {
		w.add(Violation{
			Kind: KindRestrictedTable, Code: CodeCrossSchema,
			Message: fmt.Sprintf("cross-database reference to %q is not allowed", name),
			Detail:  map[string]any{"table": name},
		})
		return
	}
	for _, prefix := range systemSchemaPrefixes {
		if strings.HasPrefix(schema, prefix) || strings.HasPrefix(name, prefix) {
			w.add(Violation{
				Kind: KindRestrictedTable, Code: CodeSystemSchema,
				Message: fmt.Sprintf("system catalog reference to %q is not allowed", name),
				Detail:  map[string]any{"table": name, "schema": schema},
			})
			return
		}
	}
	if schema != "" && schema != "public" {
		w.add(Violation{
			Kind: KindRestrictedTable, Code: CodeCrossSchema,
			Message: fmt.Sprintf("reference to non-default schema %q is not allowed", schema),
			Detail:  map[string]any{"table": name, "schema": schema},
		})
		return
	}
	if _, denied := w.validator.denied[name]; denied {
		w.add(Violation{
			Kind: KindRestrictedTable, Code: CodeDenylistedTable,
			Message: fmt.Sprintf("table %q is denylisted", name),
			Detail:  map[string]any{"table": name},
		})
		return
	}
	if schema == "" {
		if _, isCTE := w.cteNames[name]; isCTE {
			return
		}
	}
	w.recordTable(name)
	if w.opts.AllowedTables != nil {
		if _, ok := w.opts.AllowedTables[name]; !ok {
			code := CodeTableNotAllowlisted
			if inSetOp {
				code = CodeSetOpDisallowedTable
			}
			w.add(Violation{
				Kind: KindRestrictedTable, Code: code,
				Message: fmt.Sprintf("table %q is not in the allowed table set", name),
				Detail:  map[string]any{"table": name},
			})
		}
	}
}

func (w *walker) recordTable(name string) {
	if w.tableSet == nil {
		w.tableSet = map[string]struct{}{}
	}
	if _, ok := w.tableSet[name]; ok {
		return
	}
	w.tableSet[name] = struct{}{}
	w.tables = append(w.tables, name)
}

func (w *walker) recordColumn(name string) {
	if w.colSet == nil {
		w.colSet = map[string]struct{}{}
	}
	if _, ok := w.colSet[name]; ok {
		return
	}
	w.colSet[name] = struct{}{}
	w.columns = append(w.columns, name)
}

// walkExpr descends into an expression, checking function calls, column
// references, and nested subqueries. Node kinds without checkable content
// fall through.
func (w *walker) walkExpr(node *pg_query.Node, depth int, inSetOp bool) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_ColumnRef:
		w.checkColumn(n.ColumnRef)
	case *pg_query.Node_FuncCall:
		w.checkFunc(n.FuncCall)
		for _, a := range n.FuncCall.Args {
			w.walkExpr(a, depth, inSetOp)
		}
		w.walkExpr(n.FuncCall.AggFilter, depth, inSetOp)
		if n.FuncCall.Over != nil {
			w.hasWindow = true
			for _, p := range n.FuncCall.Over.PartitionClause {
				w.walkExpr(p, depth, inSetOp)
			}
			for _, o := range n.FuncCall.Over.OrderClause {
				w.walkExpr(o, depth, inSetOp)
			}
		}
	case *pg_query.Node_SubLink:
		w.hasSubquery = true
		w.walkExpr(n.SubLink.Testexpr, depth, inSetOp)
		if n.SubLink.Subselect == nil {
			return
		}
		if sub, ok := n.SubLink.Subselect.Node.(*pg_query.Node_SelectStmt); ok {
			w.walkSelect(sub.SelectStmt, depth+1, inSetOp)
		}
	case *pg_query.Node_AExpr:
		w.walkExpr(n.AExpr.Lexpr, depth, inSetOp)
		w.walkExpr(n.AExpr.Rexpr, depth, inSetOp)
	case *pg_query.Node_BoolExpr:
		for _, a := range n.BoolExpr.Args {
			w.walkExpr(a, depth, inSetOp)
		}
	case *pg_query.Node_NullTest:
		w.walkExpr(n.NullTest.Arg, depth, inSetOp)
	case *pg_query.Node_BooleanTest:
		w.walkExpr(n.BooleanTest.Arg, depth, inSetOp)
	case *pg_query.Node_CaseExpr:
		w.walkExpr(n.CaseExpr.Arg, depth, inSetOp)
		for _, when := range n.CaseExpr.Args {
			if cw, ok := when.Node.(*pg_query.Node_CaseWhen); ok {
				w.walkExpr(cw.CaseWhen.Expr, depth, inSetOp)
				w.walkExpr(cw.CaseWhen.Result, depth, inSetOp)
			}
		}
		w.walkExpr(n.CaseExpr.Defresult, depth, inSetOp)
	case *pg_query.Node_CoalesceExpr:
		for _, a := range n.CoalesceExpr.Args {
			w.walkExpr(a, depth, inSetOp)
		}
	case *pg_query.Node_MinMaxExpr:
		for _, a := range n.MinMaxExpr.Args {
			w.walkExpr(a, depth, inSetOp)
		}
	case *pg_query.Node_TypeCast:
		w.walkExpr(n.TypeCast.Arg, depth, inSetOp)
	case *pg_query.Node_CollateClause:
		w.walkExpr(n.CollateClause.Arg, depth, inSetOp)
	case *pg_query.Node_RowExpr:
		for _, a := range n.RowExpr.Args {
			w.walkExpr(a, depth, inSetOp)
		}
	case *pg_query.Node_AArrayExpr:
		for _, a := range n.AArrayExpr.Elements {
			w.walkExpr(a, depth, inSetOp)
		}
	case *pg_query.Node_AIndirection:
		w.walkExpr(n.AIndirection.Arg, depth, inSetOp)
	case *pg_query.Node_List:
		for _, item := range n.List.Items {
			w.walkExpr(item, depth, inSetOp)
		}
	case *pg_query.Node_ResTarget:
		w.walkExpr(n.ResTarget.Val, depth, inSetOp)
	case *pg_query.Node_SortBy:
		w.walkExpr(n.SortBy.Node, depth, inSetOp)
	case *pg_query.Node_GroupingFunc:
		for _, a := range n.GroupingFunc.Args {
			w.walkExpr(a, depth, inSetOp)
		}
	case *pg_query.Node_GroupingSet:
		for _, a := range n.GroupingSet.Content {
			w.walkExpr(a, depth, inSetOp)
		}
	case *pg_query.Node_SqlvalueFunction:
		// current_user, current_date, etc. No identifier to check.
	}
}

// checkColumn records column usage and applies the sensitive-column
// detector. The detector matches configured names case-insensitively as
// substrings, so "password" also catches "user_password_hash".
func (w *walker) checkColumn(ref *pg_query.ColumnRef) {
	var last string
	for _, f := range ref.Fields {
		if s, ok := f.Node.(*pg_query.Node_String_); ok {
			last = strings.ToLower(s.String_.Sval)
		}
	}
	if last == "" {
		return
	}
	w.recordColumn(last)
	if w.validator.sensitiveMode == SensitiveOff {
		return
	}
	for _, pattern := range w.validator.sensitiveColumns {
		if strings.Contains(last, pattern) {
			v := Violation{
				Kind: KindSensitiveColumn, Code: CodeSensitiveColumn,
				Message: fmt.Sprintf("column %q matches sensitive pattern %q", last, pattern),
				Detail:  map[string]any{"column": last, "pattern": pattern},
			}
			if w.validator.sensitiveMode == SensitiveBlock {
				w.add(v)
			} else {
				w.warnings = append(w.warnings, v)
			}
			return
		}
	}
}

// checkFunc resolves a function call's identity through multiple
// strategies, since different call shapes expose it differently: the full
// qualified name, the bare name, and the case-folded form of each.
func (w *walker) checkFunc(f *pg_query.FuncCall) {
	var parts []string
	for _, n := range f.Funcname {
		if s, ok := n.Node.(*pg_query.Node_String_); ok {
			parts = append(parts, strings.ToLower(s.String_.Sval))
		}
	}
	if len(parts) == 0 {
		return
	}
	candidates := []string{strings.Join(parts, "."), parts[len(parts)-1]}
	for _, c := range candidates {
		if _, blocked := w.validator.blockedFuncs[c]; blocked {
			w.add(Violation{
				Kind: KindDangerousPattern, Code: CodeBlockedFunction,
				Message: fmt.Sprintf("function %q is blocked", c),
				Detail:  map[string]any{"function": c},
			})
			return
		}
	}
	bare := parts[len(parts)-1]
	if _, ok := aggregateNames[bare]; ok || f.AggStar || f.AggDistinct || f.AggFilter != nil || f.AggWithinGroup {
		w.hasAggregate = true
	}
}

// checkComplexity compares the walk counters against the configured
// limits. Each breach names the limit and carries the observed count.
func (w *walker) checkComplexity() {
	l := w.validator.limits
	type check struct {
		code     string
		limit    int
		observed int
		label    string
	}
	for _, c := range []check{
		{CodeMaxJoins, l.MaxJoins, w.joinCount, "joins"},
		{CodeMaxCTEs, l.MaxCTEs, w.cteCount, "common table expressions"},
		{CodeMaxSubqueryDepth, l.MaxSubqueryDepth, w.maxDepth, "subquery nesting depth"},
	} {
		if c.limit > 0 && c.observed > c.limit {
			w.add(Violation{
				Kind: KindComplexityLimit, Code: c.code,
				Message: fmt.Sprintf("statement has %d %s, limit is %d", c.observed, c.label, c.limit),
				Detail:  map[string]any{"limit_name": c.code, "observed": c.observed, "limit": c.limit},
			})
		}
	}
	if l.RejectCartesianJoins && w.cartesian {
		w.add(Violation{
			Kind: KindComplexityLimit, Code: CodeCartesianJoin,
			Message: "unqualified cross join detected",
			Detail:  map[string]any{"limit_name": CodeCartesianJoin},
		})
	}
}

// SortedTables returns the allowlist-ready lowercase table names used by a
// decision, sorted for stable audit output.
func SortedTables(d Decision) []string {
	out := append([]string(nil), d.Metadata.Tables...)
	sort.Strings(out)
	return out
}
