package safesql

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// StructuralRule is a mode-specific predicate over a parsed top-level
// statement, independent of node-kind membership.
type StructuralRule func(stmt any) error

// RuleSet holds the allow-lists for one access mode. Rule sets are built
// once at startup from the static tables below and never mutated, so they
// are safe to share across concurrent requests without locking.
type RuleSet struct {
	AllowAll       bool
	StatementKinds map[string]struct{}
	NodeKinds      map[string]struct{}
	Functions      map[string]struct{}
	Structural     []StructuralRule
}

func (rs *RuleSet) statementAllowed(kind string) bool {
	if rs.AllowAll {
		return true
	}
	_, ok := rs.StatementKinds[kind]
	return ok
}

func (rs *RuleSet) nodeAllowed(kind string) bool {
	if rs.AllowAll {
		return true
	}
	_, ok := rs.NodeKinds[kind]
	return ok
}

func (rs *RuleSet) functionAllowed(name string) bool {
	if rs.AllowAll {
		return true
	}
	_, ok := rs.Functions[name]
	return ok
}

// readStatementKinds are the top-level statements permitted in RESTRICTED
// mode. Kind tags are pg_query AST message names; anything not listed fails
// closed.
var readStatementKinds = []string{
	"SelectStmt",
	"ExplainStmt",
	"VariableShowStmt",
}

// dmlStatementKinds extends the read set with write statements for DML_ONLY
// mode. DDL is never listed.
var dmlStatementKinds = []string{
	"InsertStmt",
	"UpdateStmt",
	"DeleteStmt",
}

// readNodeKinds is the closed set of node kinds a read-only statement may
// contain. Constructs like IntoClause (SELECT INTO) or CreateStmt nested in
// a CTE are absent and therefore rejected.
var readNodeKinds = []string{
	// scalar leaves
	"String", "Integer", "Float", "Boolean", "BitString", "A_Const", "A_Star",
	"List", "ParamRef",
	// expressions
	"ColumnRef", "A_Expr", "BoolExpr", "NullTest", "BooleanTest",
	"CaseExpr", "CaseWhen", "CoalesceExpr", "MinMaxExpr", "SQLValueFunction",
	"TypeCast", "TypeName", "CollateClause", "A_ArrayExpr", "A_Indirection",
	"A_Indices", "RowExpr", "NamedArgExpr", "FuncCall", "SubLink",
	"GroupingFunc",
	// select structure
	"SelectStmt", "ResTarget", "RangeVar", "Alias", "JoinExpr",
	"RangeSubselect", "SortBy", "GroupingSet", "WindowDef", "WithClause",
	"CommonTableExpr",
	// explain / show
	"ExplainStmt", "DefElem", "VariableShowStmt",
}

// dmlNodeKinds extends the read set with DML statement bodies and
// UPSERT-related nodes.
var dmlNodeKinds = []string{
	"InsertStmt", "UpdateStmt", "DeleteStmt",
	"OnConflictClause", "InferClause", "IndexElem", "MultiAssignRef",
	"SetToDefault",
}

// allowedFunctions is shared identically between RESTRICTED and DML_ONLY so
// the trust boundary stays consistent between the two modes.
var allowedFunctions = []string{
	// aggregates
	"count", "sum", "avg", "min", "max", "bool_and", "bool_or",
	"string_agg", "array_agg",
	// math
	"abs", "round", "floor", "ceil", "ceiling", "mod", "power", "sqrt",
	"random", "sign", "trunc",
	// conditionals
	"coalesce", "nullif", "greatest", "least",
	// strings
	"lower", "upper", "initcap", "length", "char_length", "octet_length",
	"substring", "substr", "trim", "btrim", "ltrim", "rtrim", "replace",
	"lpad", "rpad", "concat", "concat_ws", "position", "strpos",
	"split_part", "left", "right", "repeat", "reverse", "translate",
	// date/time
	"now", "current_date", "current_time", "current_timestamp",
	"clock_timestamp", "statement_timestamp", "transaction_timestamp",
	"date_trunc", "date_part", "extract", "age", "make_date", "make_interval",
	"to_char", "to_date", "to_timestamp", "to_number", "justify_interval",
	// casts and formatting
	"cast", "quote_ident", "quote_literal", "quote_nullable", "format",
	// introspection commonly needed by read-only tooling
	"current_database", "current_schema", "current_user", "session_user",
	"version", "pg_size_pretty", "pg_relation_size", "pg_total_relation_size",
	"pg_indexes_size", "pg_table_size", "pg_database_size",
	"pg_postmaster_start_time", "pg_is_in_recovery",
	// json
	"to_json", "to_jsonb", "json_agg", "jsonb_agg", "json_build_object",
	"jsonb_build_object", "jsonb_pretty", "row_to_json",
}

func toSet(items ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range items {
		for _, item := range list {
			set[item] = struct{}{}
		}
	}
	return set
}

// requireWhereClause rejects UPDATE/DELETE statements lacking a WHERE node.
// The reason is distinct from a kind violation so callers can message it.
func requireWhereClause(stmt any) error {
	switch s := stmt.(type) {
	case *pg_query.UpdateStmt:
		if s.WhereClause == nil {
			return &ValidationError{Mode: ModeDMLOnly, Reason: "UPDATE statement must contain a WHERE clause"}
		}
	case *pg_query.DeleteStmt:
		if s.WhereClause == nil {
			return &ValidationError{Mode: ModeDMLOnly, Reason: "DELETE statement must contain a WHERE clause"}
		}
	}
	return nil
}

// rulesFor builds the rule set for one mode. The tree-walking algorithm is
// mode-agnostic; adding a new mode is purely data.
func rulesFor(mode Mode) *RuleSet {
	switch mode {
	case ModeUnrestricted:
		return &RuleSet{AllowAll: true}
	case ModeRestricted:
		return &RuleSet{
			StatementKinds: toSet(readStatementKinds),
			NodeKinds:      toSet(readNodeKinds),
			Functions:      toSet(allowedFunctions),
		}
	case ModeDMLOnly:
		return &RuleSet{
			StatementKinds: toSet(readStatementKinds, dmlStatementKinds),
			NodeKinds:      toSet(readNodeKinds, dmlNodeKinds),
			Functions:      toSet(allowedFunctions),
			Structural:     []StructuralRule{requireWhereClause},
		}
	default:
		// Fail closed: an unknown mode permits nothing.
		return &RuleSet{
			StatementKinds: map[string]struct{}{},
			NodeKinds:      map[string]struct{}{},
			Functions:      map[string]struct{}{},
		}
	}
}
