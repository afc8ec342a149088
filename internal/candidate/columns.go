package candidate

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Role describes how a column participates in a query.
type Role string

const (
	RoleEquality Role = "predicate-equality"
	RoleRange    Role = "predicate-range"
	RoleJoin     Role = "join"
	RoleOrderBy  Role = "order-by"
	RoleGroupBy  Role = "group-by"
)

// ColumnRef is a column usage extracted from a query's structure.
type ColumnRef struct {
	Table  string
	Column string
	Role   Role
}

// Predicate is one predicate column inside a conjunctive condition.
type Predicate struct {
	Table    string
	Column   string
	Equality bool
}

// ConjunctiveGroup is the set of predicate columns that co-occur under one
// top-level AND chain. Multi-column extensions pair columns only within a
// group, which bounds the combinatorial blow-up.
type ConjunctiveGroup []Predicate

// QueryShape is everything the generator needs from one parsed query.
type QueryShape struct {
	Columns []ColumnRef
	Groups  []ConjunctiveGroup
	Tables  map[string]struct{}
	// OrderedByTable preserves ORDER BY column order per table.
	OrderedByTable map[string][]string
}

// scope tracks the tables and aliases visible to one SELECT level.
type scope struct {
	tables  []string
	aliases map[string]string
}

func (s *scope) addTable(name, alias string) {
	s.tables = append(s.tables, name)
	if alias != "" {
		s.aliases[alias] = name
	}
}

// resolve maps a ColumnRef node's fields to (table, column). Unqualified
// columns are attributed only when exactly one table is in scope; ambiguous
// references are skipped rather than guessed.
func (s *scope) resolve(fields []string) (string, string, bool) {
	switch len(fields) {
	case 1:
		if len(s.tables) == 1 {
			return s.tables[0], fields[0], true
		}
		return "", "", false
	case 2:
		table := fields[0]
		if actual, ok := s.aliases[table]; ok {
			table = actual
		}
		return table, fields[1], true
	default:
		return "", "", false
	}
}

// Analyzable reports whether a statement is a plain SELECT over user tables,
// the only shape the tuner evaluates.
func Analyzable(statementText string) bool {
	result, err := pg_query.Parse(statementText)
	if err != nil || len(result.Stmts) != 1 {
		return false
	}
	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return false
	}
	shape, err := ExtractShape(statementText)
	if err != nil {
		return false
	}
	for table := range shape.Tables {
		if !isSystemTable(table) {
			return true
		}
	}
	return false
}

func isSystemTable(name string) bool {
	return strings.HasPrefix(name, "pg_") || strings.HasPrefix(name, "information_schema")
}

// ExtractShape parses a query and extracts its column references (with
// roles) and conjunctive predicate groups.
func ExtractShape(statementText string) (*QueryShape, error) {
	result, err := pg_query.Parse(statementText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}

	shape := &QueryShape{
		Tables:         make(map[string]struct{}),
		OrderedByTable: make(map[string][]string),
	}
	for _, raw := range result.Stmts {
		if sel := raw.Stmt.GetSelectStmt(); sel != nil {
			shape.walkSelect(sel)
		}
	}
	return shape, nil
}

func (qs *QueryShape) walkSelect(sel *pg_query.SelectStmt) {
	// Set operations carry the interesting clauses on their arms.
	if sel.Larg != nil {
		qs.walkSelect(sel.Larg)
	}
	if sel.Rarg != nil {
		qs.walkSelect(sel.Rarg)
	}

	sc := &scope{aliases: make(map[string]string)}
	var joinQuals []*pg_query.Node
	for _, item := range sel.FromClause {
		qs.collectFrom(item, sc, &joinQuals)
	}

	if sel.WhereClause != nil {
		group := ConjunctiveGroup{}
		qs.walkCondition(sel.WhereClause, sc, true, &group)
		if len(group) > 0 {
			qs.Groups = append(qs.Groups, group)
		}
	}

	for _, qual := range joinQuals {
		group := ConjunctiveGroup{}
		qs.walkCondition(qual, sc, true, &group)
		if len(group) > 0 {
			qs.Groups = append(qs.Groups, group)
		}
	}

	if sel.HavingClause != nil {
		qs.walkCondition(sel.HavingClause, sc, false, nil)
	}

	for _, item := range sel.SortClause {
		if sb := item.GetSortBy(); sb != nil && sb.Node != nil {
			if table, column, ok := qs.resolveColumnNode(sb.Node, sc); ok {
				qs.Columns = append(qs.Columns, ColumnRef{Table: table, Column: column, Role: RoleOrderBy})
				qs.appendOrdered(table, column)
			}
		}
	}

	for _, item := range sel.GroupClause {
		if table, column, ok := qs.resolveColumnNode(item, sc); ok {
			qs.Columns = append(qs.Columns, ColumnRef{Table: table, Column: column, Role: RoleGroupBy})
		}
	}

	if sel.WithClause != nil {
		for _, cte := range sel.WithClause.Ctes {
			if c := cte.GetCommonTableExpr(); c != nil && c.Ctequery != nil {
				if inner := c.Ctequery.GetSelectStmt(); inner != nil {
					qs.walkSelect(inner)
				}
			}
		}
	}
}

func (qs *QueryShape) appendOrdered(table, column string) {
	for _, existing := range qs.OrderedByTable[table] {
		if existing == column {
			return
		}
	}
	qs.OrderedByTable[table] = append(qs.OrderedByTable[table], column)
}

// collectFrom walks a FROM item, registering tables/aliases and stashing
// join qualifications for later predicate extraction.
func (qs *QueryShape) collectFrom(n *pg_query.Node, sc *scope, joinQuals *[]*pg_query.Node) {
	if n == nil {
		return
	}
	switch {
	case n.GetRangeVar() != nil:
		rv := n.GetRangeVar()
		alias := ""
		if rv.Alias != nil {
			alias = rv.Alias.Aliasname
		}
		sc.addTable(rv.Relname, alias)
		qs.Tables[rv.Relname] = struct{}{}
	case n.GetJoinExpr() != nil:
		je := n.GetJoinExpr()
		qs.collectFrom(je.Larg, sc, joinQuals)
		qs.collectFrom(je.Rarg, sc, joinQuals)
		if je.Quals != nil {
			*joinQuals = append(*joinQuals, je.Quals)
		}
	case n.GetRangeSubselect() != nil:
		if sub := n.GetRangeSubselect().Subquery; sub != nil {
			if inner := sub.GetSelectStmt(); inner != nil {
				qs.walkSelect(inner)
			}
		}
	}
}

// walkCondition descends a boolean expression. conjunctive is true only
// while we remain inside the top-level AND chain; OR/NOT subtrees still
// contribute column references but never pairing groups.
func (qs *QueryShape) walkCondition(n *pg_query.Node, sc *scope, conjunctive bool, group *ConjunctiveGroup) {
	if n == nil {
		return
	}
	switch {
	case n.GetBoolExpr() != nil:
		be := n.GetBoolExpr()
		childConj := conjunctive && be.Boolop == pg_query.BoolExprType_AND_EXPR
		childGroup := group
		if !childConj {
			childGroup = nil
		}
		for _, arg := range be.Args {
			qs.walkCondition(arg, sc, childConj, childGroup)
		}
	case n.GetAExpr() != nil:
		qs.walkAExpr(n.GetAExpr(), sc, conjunctive, group)
	case n.GetNullTest() != nil:
		nt := n.GetNullTest()
		if table, column, ok := qs.resolveColumnNode(nt.Arg, sc); ok {
			qs.record(table, column, RoleRange, false, conjunctive, group)
		}
	case n.GetSubLink() != nil:
		sl := n.GetSubLink()
		if table, column, ok := qs.resolveColumnNode(sl.Testexpr, sc); ok {
			// x IN (SELECT ...) behaves like an equality predicate on x.
			qs.record(table, column, RoleEquality, true, conjunctive, group)
		}
		if sl.Subselect != nil {
			if inner := sl.Subselect.GetSelectStmt(); inner != nil {
				qs.walkSelect(inner)
			}
		}
	}
}

func (qs *QueryShape) walkAExpr(ae *pg_query.A_Expr, sc *scope, conjunctive bool, group *ConjunctiveGroup) {
	ltable, lcol, lok := qs.resolveColumnNode(ae.Lexpr, sc)
	rtable, rcol, rok := qs.resolveColumnNode(ae.Rexpr, sc)

	// Column-to-column comparison is a join predicate on both sides.
	if lok && rok {
		qs.Columns = append(qs.Columns,
			ColumnRef{Table: ltable, Column: lcol, Role: RoleJoin},
			ColumnRef{Table: rtable, Column: rcol, Role: RoleJoin})
		return
	}

	equality := false
	switch ae.Kind {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		equality = operatorName(ae.Name) == "="
	case pg_query.A_Expr_Kind_AEXPR_IN:
		equality = operatorName(ae.Name) == "="
	case pg_query.A_Expr_Kind_AEXPR_BETWEEN,
		pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN,
		pg_query.A_Expr_Kind_AEXPR_LIKE,
		pg_query.A_Expr_Kind_AEXPR_ILIKE,
		pg_query.A_Expr_Kind_AEXPR_SIMILAR:
		equality = false
	default:
		equality = false
	}

	role := RoleRange
	if equality {
		role = RoleEquality
	}
	if lok {
		qs.record(ltable, lcol, role, equality, conjunctive, group)
	}
	if rok {
		qs.record(rtable, rcol, role, equality, conjunctive, group)
	}

	// Subquery operands still need their own extraction pass.
	for _, side := range []*pg_query.Node{ae.Lexpr, ae.Rexpr} {
		if side != nil && side.GetSubLink() != nil {
			qs.walkCondition(side, sc, false, nil)
		}
	}
}

func (qs *QueryShape) record(table, column string, role Role, equality, conjunctive bool, group *ConjunctiveGroup) {
	qs.Columns = append(qs.Columns, ColumnRef{Table: table, Column: column, Role: role})
	if conjunctive && group != nil {
		*group = append(*group, Predicate{Table: table, Column: column, Equality: equality})
	}
}

// resolveColumnNode resolves a node to (table, column) if it is a plain
// column reference in the current scope.
func (qs *QueryShape) resolveColumnNode(n *pg_query.Node, sc *scope) (string, string, bool) {
	if n == nil {
		return "", "", false
	}
	cr := n.GetColumnRef()
	if cr == nil {
		return "", "", false
	}
	fields := make([]string, 0, len(cr.Fields))
	for _, f := range cr.Fields {
		if s := f.GetString_(); s != nil {
			fields = append(fields, s.Sval)
		} else {
			// A_Star or indirection: not an indexable plain column.
			return "", "", false
		}
	}
	return sc.resolve(fields)
}

func operatorName(name []*pg_query.Node) string {
	for _, n := range name {
		if s := n.GetString_(); s != nil {
			return s.Sval
		}
	}
	return ""
}
