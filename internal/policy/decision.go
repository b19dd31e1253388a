package policy

// ViolationKind tags the category of a single validation finding.
type ViolationKind string

// Violation kinds. Every rejection a statement can accumulate falls into
// one of these.
const (
	KindSyntaxError       ViolationKind = "syntax_error"
	KindForbiddenCommand  ViolationKind = "forbidden_command"
	KindRestrictedTable   ViolationKind = "restricted_table"
	KindDangerousPattern  ViolationKind = "dangerous_pattern"
	KindComplexityLimit   ViolationKind = "complexity_limit"
	KindSensitiveColumn   ViolationKind = "sensitive_column"
	KindReadonlyViolation ViolationKind = "readonly_violation"
)

// Stable reason codes carried inside violations. These are part of the
// external contract; audit consumers branch on them.
const (
	CodeParseError             = "parse_error"
	CodeEmptyStatement         = "empty_statement"
	CodeMultiStatement         = "multi_statement"
	CodeForbiddenStatement     = "forbidden_statement"
	CodeDataModifyingStatement = "data_modifying_statement"
	CodeDataModifyingCTE       = "data_modifying_cte"
	CodeSelectInto             = "select_into"
	CodeRowLocking             = "row_locking"
	CodeDenylistedTable        = "denylisted_table"
	CodeSystemSchema           = "system_schema_reference"
	CodeCrossSchema            = "cross_schema_reference"
	CodeTableNotAllowlisted    = "table_not_allowlisted"
	CodeSetOpDisallowedTable   = "set_operation_disallowed_table"
	CodeBlockedFunction        = "blocked_function"
	CodeSensitiveColumn        = "sensitive_column_reference"
	CodeMaxJoins               = "max_joins"
	CodeMaxCTEs                = "max_ctes"
	CodeMaxSubqueryDepth       = "max_subquery_depth"
	CodeCartesianJoin          = "cartesian_join"
)

// Violation is one validation finding. Message and Detail are built only
// from bounded metadata (identifiers, counts, limit names) and never echo
// the raw SQL text.
type Violation struct {
	Kind    ViolationKind  `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Metadata is what the validator learned about a statement while walking
// it. Populated best-effort even when the statement is rejected.
type Metadata struct {
	Tables        []string `json:"tables,omitempty"`
	Columns       []string `json:"columns,omitempty"`
	JoinCount     int      `json:"join_count"`
	CTECount      int      `json:"cte_count"`
	SubqueryDepth int      `json:"subquery_depth"`
	HasAggregate  bool     `json:"has_aggregate"`
	HasWindow     bool     `json:"has_window"`
	HasSubquery   bool     `json:"has_subquery"`
}

// Decision is the validator's verdict: either valid with a normalized
// rendering of the statement, or an ordered list of everything wrong with
// it. Warnings never affect validity (sensitive-column policy in warn
// mode).
type Decision struct {
	Valid         bool        `json:"valid"`
	Violations    []Violation `json:"violations,omitempty"`
	Warnings      []Violation `json:"warnings,omitempty"`
	NormalizedSQL string      `json:"normalized_sql,omitempty"`
	Fingerprint   string      `json:"fingerprint,omitempty"`
	Metadata      Metadata    `json:"metadata"`
}

// ReadonlyViolation reports whether any violation is a read-only breach,
// which the gateway maps to its own error category.
func (d Decision) ReadonlyViolation() bool {
	for _, v := range d.Violations {
		if v.Kind == KindReadonlyViolation {
			return true
		}
	}
	return false
}

// FirstCode returns the reason code of the first violation, or "".
func (d Decision) FirstCode() string {
	if len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].Code
}
