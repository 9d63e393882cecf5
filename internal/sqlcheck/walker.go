package sqlcheck

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/schema"
)

// scope tracks names visible at one query level: CTEs declared by a WITH
// clause, aliases introduced in FROM, and output column aliases. CTE names
// are local to the statement that declares them and its subqueries.
type scope struct {
	parent     *scope
	ctes       map[string]struct{}
	aliases    map[string]string // alias -> base table name, "" when derived
	outputCols map[string]struct{}
}

func newScope(parent *scope) *scope {
	return &scope{
		parent:     parent,
		ctes:       map[string]struct{}{},
		aliases:    map[string]string{},
		outputCols: map[string]struct{}{},
	}
}

func (s *scope) isCTE(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if _, ok := cur.ctes[name]; ok {
			return true
		}
	}
	return false
}

// resolveAlias maps a column qualifier to its base table, walking outward for
// correlated references. The second result reports whether the qualifier is
// known at all.
func (s *scope) resolveAlias(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if table, ok := cur.aliases[name]; ok {
			return table, true
		}
	}
	return "", false
}

func (s *scope) isOutputCol(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if _, ok := cur.outputCols[name]; ok {
			return true
		}
	}
	return false
}

// walker accumulates policy-relevant facts from a statement tree.
type walker struct {
	catalog *schema.Catalog

	tables     []string
	badTables  []string
	badColumns []string
	blocked    []domain.Rejection
	hasAgg     bool
	scanCount  int

	seenTables map[string]struct{}
	seenBadTbl map[string]struct{}
	seenBadCol map[string]struct{}
	starScopes map[*pg_query.SelectStmt]*scope
}

func newWalker(catalog *schema.Catalog) *walker {
	return &walker{
		catalog:    catalog,
		seenTables: map[string]struct{}{},
		seenBadTbl: map[string]struct{}{},
		seenBadCol: map[string]struct{}{},
		starScopes: map[*pg_query.SelectStmt]*scope{},
	}
}

func (w *walker) tableList() []string {
	return sortedUnique(w.tables)
}

func (w *walker) block(format string, args ...any) {
	w.blocked = append(w.blocked, domain.Rejection{
		Tag:     TagPattern,
		Message: fmt.Sprintf(format, args...),
	})
}

func (w *walker) noteTable(name string) {
	if _, ok := w.seenTables[name]; !ok {
		w.seenTables[name] = struct{}{}
		w.tables = append(w.tables, name)
	}
}

func (w *walker) noteBadTable(name string) {
	if _, ok := w.seenBadTbl[name]; !ok {
		w.seenBadTbl[name] = struct{}{}
		w.badTables = append(w.badTables, name)
	}
}

func (w *walker) noteBadColumn(name string) {
	if _, ok := w.seenBadCol[name]; !ok {
		w.seenBadCol[name] = struct{}{}
		w.badColumns = append(w.badColumns, name)
	}
}

// walkSelect processes one SELECT level: WITH clause first so CTE names are
// visible, then FROM to bind aliases, then the remaining clauses.
func (w *walker) walkSelect(sel *pg_query.SelectStmt, sc *scope) {
	if sel == nil {
		return
	}
	w.starScopes[sel] = sc

	if sel.IntoClause != nil {
		w.block("SELECT INTO writes a table and is not allowed")
	}
	if len(sel.LockingClause) > 0 {
		w.block("row locking clauses are not allowed")
	}
	if len(sel.GroupClause) > 0 {
		w.hasAgg = true
	}

	if sel.WithClause != nil {
		if sel.WithClause.Recursive {
			w.block("recursive CTEs are not allowed")
		}
		for _, item := range sel.WithClause.Ctes {
			cte := item.GetCommonTableExpr()
			if cte == nil {
				continue
			}
			// The CTE body is checked in the outer scope: it cannot see the
			// name it defines (recursion is rejected above), but sibling CTEs
			// declared earlier are visible.
			if inner := cte.Ctequery.GetSelectStmt(); inner != nil {
				w.walkSelect(inner, newScope(sc))
			} else if cte.Ctequery != nil {
				w.block("CTE %q must be a SELECT", cte.Ctename)
			}
			sc.ctes[cte.Ctename] = struct{}{}
		}
	}

	// Set operations carry operands in Larg/Rarg with an empty FromClause.
	if sel.Op != pg_query.SetOperation_SETOP_NONE {
		w.walkSelect(sel.Larg, newScope(sc))
		w.walkSelect(sel.Rarg, newScope(sc))
		for _, n := range sel.SortClause {
			w.walkNode(n, sc)
		}
		return
	}

	for _, from := range sel.FromClause {
		w.walkFromItem(from, sc)
	}
	for _, n := range sel.TargetList {
		if rt := n.GetResTarget(); rt != nil {
			if rt.Name != "" {
				sc.outputCols[rt.Name] = struct{}{}
			}
			w.walkNode(rt.Val, sc)
		}
	}
	w.walkNode(sel.WhereClause, sc)
	for _, n := range sel.GroupClause {
		w.walkNode(n, sc)
	}
	w.walkNode(sel.HavingClause, sc)
	for _, n := range sel.WindowClause {
		if wd := n.GetWindowDef(); wd != nil {
			w.walkWindowDef(wd, sc)
		}
	}
	for _, n := range sel.SortClause {
		w.walkNode(n, sc)
	}
	w.walkNode(sel.LimitCount, sc)
	w.walkNode(sel.LimitOffset, sc)
	for _, vl := range sel.ValuesLists {
		w.walkNode(vl, sc)
	}
}

func (w *walker) walkFromItem(n *pg_query.Node, sc *scope) {
	if n == nil {
		return
	}
	switch item := n.Node.(type) {
	case *pg_query.Node_RangeVar:
		w.walkRangeVar(item.RangeVar, sc)
	case *pg_query.Node_JoinExpr:
		w.walkFromItem(item.JoinExpr.Larg, sc)
		w.walkFromItem(item.JoinExpr.Rarg, sc)
		w.walkNode(item.JoinExpr.Quals, sc)
	case *pg_query.Node_RangeSubselect:
		sub := newScope(sc)
		if inner := item.RangeSubselect.Subquery.GetSelectStmt(); inner != nil {
			w.walkSelect(inner, sub)
		}
		if a := item.RangeSubselect.Alias; a != nil {
			sc.aliases[a.Aliasname] = ""
			// Subquery output names become resolvable through the alias.
			for col := range sub.outputCols {
				sc.outputCols[col] = struct{}{}
			}
		}
	case *pg_query.Node_RangeFunction:
		// Table functions are the DuckDB route to the file system.
		w.block("table functions in FROM are not allowed")
	default:
		w.block("unsupported FROM clause element")
	}
}

func (w *walker) walkRangeVar(rv *pg_query.RangeVar, sc *scope) {
	name := rv.Relname
	alias := name
	if rv.Alias != nil && rv.Alias.Aliasname != "" {
		alias = rv.Alias.Aliasname
	}

	if rv.Schemaname != "" {
		lower := strings.ToLower(rv.Schemaname)
		if _, bad := blockedSchemas[lower]; bad || strings.HasPrefix(lower, "pg_") {
			w.block("schema %q is not accessible", rv.Schemaname)
			return
		}
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "duckdb_") || strings.HasPrefix(lower, "pg_") || strings.HasPrefix(lower, "sqlite_") {
		w.block("system table %q is not accessible", name)
		return
	}

	if sc.isCTE(name) {
		sc.aliases[alias] = ""
		return
	}
	if !w.catalog.HasTable(name) {
		w.noteBadTable(name)
		sc.aliases[alias] = ""
		return
	}
	w.noteTable(name)
	w.scanCount++
	sc.aliases[alias] = name
}

func (w *walker) walkWindowDef(wd *pg_query.WindowDef, sc *scope) {
	for _, n := range wd.PartitionClause {
		w.walkNode(n, sc)
	}
	for _, n := range wd.OrderClause {
		w.walkNode(n, sc)
	}
}

// walkNode descends expression trees, checking column references and function
// calls along the way.
func (w *walker) walkNode(n *pg_query.Node, sc *scope) {
	if n == nil || n.Node == nil {
		return
	}
	switch node := n.Node.(type) {
	case *pg_query.Node_ColumnRef:
		w.checkColumnRef(node.ColumnRef, sc)
	case *pg_query.Node_FuncCall:
		w.checkFuncCall(node.FuncCall, sc)
	case *pg_query.Node_AExpr:
		w.walkNode(node.AExpr.Lexpr, sc)
		w.walkNode(node.AExpr.Rexpr, sc)
	case *pg_query.Node_BoolExpr:
		for _, arg := range node.BoolExpr.Args {
			w.walkNode(arg, sc)
		}
	case *pg_query.Node_SubLink:
		w.walkNode(node.SubLink.Testexpr, sc)
		if inner := node.SubLink.Subselect.GetSelectStmt(); inner != nil {
			w.walkSelect(inner, newScope(sc))
		}
	case *pg_query.Node_TypeCast:
		w.walkNode(node.TypeCast.Arg, sc)
	case *pg_query.Node_CaseExpr:
		w.walkNode(node.CaseExpr.Arg, sc)
		for _, arg := range node.CaseExpr.Args {
			w.walkNode(arg, sc)
		}
		w.walkNode(node.CaseExpr.Defresult, sc)
	case *pg_query.Node_CaseWhen:
		w.walkNode(node.CaseWhen.Expr, sc)
		w.walkNode(node.CaseWhen.Result, sc)
	case *pg_query.Node_NullTest:
		w.walkNode(node.NullTest.Arg, sc)
	case *pg_query.Node_BooleanTest:
		w.walkNode(node.BooleanTest.Arg, sc)
	case *pg_query.Node_CoalesceExpr:
		for _, arg := range node.CoalesceExpr.Args {
			w.walkNode(arg, sc)
		}
	case *pg_query.Node_MinMaxExpr:
		for _, arg := range node.MinMaxExpr.Args {
			w.walkNode(arg, sc)
		}
	case *pg_query.Node_RowExpr:
		for _, arg := range node.RowExpr.Args {
			w.walkNode(arg, sc)
		}
	case *pg_query.Node_AArrayExpr:
		for _, el := range node.AArrayExpr.Elements {
			w.walkNode(el, sc)
		}
	case *pg_query.Node_AIndirection:
		w.walkNode(node.AIndirection.Arg, sc)
	case *pg_query.Node_SortBy:
		w.walkNode(node.SortBy.Node, sc)
	case *pg_query.Node_List:
		for _, item := range node.List.Items {
			w.walkNode(item, sc)
		}
	case *pg_query.Node_AConst, *pg_query.Node_ParamRef:
		// literals are always fine
	case *pg_query.Node_SqlvalueFunction:
		// CURRENT_DATE and friends
	case *pg_query.Node_GroupingFunc:
		for _, arg := range node.GroupingFunc.Args {
			w.walkNode(arg, sc)
		}
	default:
		// Unknown expression kinds are treated as opaque but harmless; the
		// statement-kind and FROM checks already fence off side effects.
	}
}

func (w *walker) checkColumnRef(cr *pg_query.ColumnRef, sc *scope) {
	fields := cr.Fields
	if len(fields) == 0 {
		return
	}
	// Bare * is handled by star expansion after the walk.
	if len(fields) == 1 && fields[0].GetAStar() != nil {
		return
	}

	var qualifier, column string
	var isStar bool
	last := fields[len(fields)-1]
	if last.GetAStar() != nil {
		isStar = true
	} else if s := last.GetString_(); s != nil {
		column = s.Sval
	} else {
		return
	}
	if len(fields) >= 2 {
		if s := fields[len(fields)-2].GetString_(); s != nil {
			qualifier = s.Sval
		}
	}

	if qualifier != "" {
		table, known := sc.resolveAlias(qualifier)
		if !known {
			// Qualifier that is neither an alias nor a visible table name.
			if w.catalog.HasTable(qualifier) {
				table = qualifier
			} else if sc.isCTE(qualifier) {
				return
			} else {
				w.noteBadTable(qualifier)
				return
			}
		}
		if table == "" {
			// CTE or subquery alias; columns there were already checked at
			// their definition site.
			return
		}
		if isStar {
			return
		}
		if !w.catalog.HasColumn(table, column) {
			w.noteBadColumn(qualifier + "." + column)
		}
		return
	}

	if isStar {
		return
	}
	if w.catalog.ColumnKnown(column) || sc.isOutputCol(column) {
		return
	}
	w.noteBadColumn(column)
}

func (w *walker) checkFuncCall(fc *pg_query.FuncCall, sc *scope) {
	name := funcName(fc)
	if _, bad := blockedFunctions[name]; bad {
		w.block("function %q is not allowed", name)
	}
	if _, agg := aggregateFunctions[name]; agg {
		w.hasAgg = true
	}
	for _, arg := range fc.Args {
		w.walkNode(arg, sc)
	}
	w.walkNode(fc.AggFilter, sc)
	if fc.Over != nil {
		w.walkWindowDef(fc.Over, sc)
	}
}

func funcName(fc *pg_query.FuncCall) string {
	if len(fc.Funcname) == 0 {
		return ""
	}
	// Schema-qualified calls use the final segment as the function name; the
	// schema itself is checked against the blocklist too.
	if len(fc.Funcname) > 1 {
		if s := fc.Funcname[0].GetString_(); s != nil {
			if _, bad := blockedSchemas[strings.ToLower(s.Sval)]; bad {
				return strings.ToLower(s.Sval) + "." + lastFuncSegment(fc)
			}
		}
	}
	return lastFuncSegment(fc)
}

func lastFuncSegment(fc *pg_query.FuncCall) string {
	if s := fc.Funcname[len(fc.Funcname)-1].GetString_(); s != nil {
		return strings.ToLower(s.Sval)
	}
	return ""
}

// expandStars rewrites `SELECT *` and `SELECT t.*` target entries into
// explicit column lists drawn from the catalog, so results never leak a
// column added to the store but absent from the allowlist. Returns false when
// a star cannot be resolved to allowlisted base tables.
func (w *walker) expandStars(sel *pg_query.SelectStmt) bool {
	ok := true
	for inner, sc := range w.starScopes {
		if !w.expandStarsIn(inner, sc) {
			ok = false
		}
	}
	_ = sel
	return ok
}

func (w *walker) expandStarsIn(sel *pg_query.SelectStmt, sc *scope) bool {
	if len(sel.TargetList) == 0 {
		return true
	}
	var expanded []*pg_query.Node
	for _, n := range sel.TargetList {
		rt := n.GetResTarget()
		if rt == nil || rt.Val == nil {
			expanded = append(expanded, n)
			continue
		}
		cr := rt.Val.GetColumnRef()
		if cr == nil || len(cr.Fields) == 0 || cr.Fields[len(cr.Fields)-1].GetAStar() == nil {
			expanded = append(expanded, n)
			continue
		}

		var targets []*pg_query.Node
		if len(cr.Fields) == 1 {
			// Unqualified *: expand every directly referenced base table in
			// this scope, in FROM order.
			if len(sc.aliases) == 0 {
				return false
			}
			var any bool
			for _, from := range sel.FromClause {
				for _, pair := range rangeVarAliases(from) {
					table := sc.aliases[pair.alias]
					if table == "" {
						return false
					}
					targets = append(targets, columnTargets(pair.alias, w.catalog.ColumnNames(table), len(sc.aliases) > 1)...)
					any = true
				}
			}
			if !any {
				return false
			}
		} else {
			qual := ""
			if s := cr.Fields[len(cr.Fields)-2].GetString_(); s != nil {
				qual = s.Sval
			}
			table, known := sc.resolveAlias(qual)
			if !known && w.catalog.HasTable(qual) {
				table = qual
			}
			if table == "" {
				return false
			}
			targets = columnTargets(qual, w.catalog.ColumnNames(table), true)
		}
		expanded = append(expanded, targets...)
	}
	sel.TargetList = expanded
	return true
}

type aliasPair struct{ alias string }

// rangeVarAliases lists the effective alias of each base-table reference in a
// FROM item, left to right through joins.
func rangeVarAliases(n *pg_query.Node) []aliasPair {
	if n == nil {
		return nil
	}
	switch item := n.Node.(type) {
	case *pg_query.Node_RangeVar:
		rv := item.RangeVar
		alias := rv.Relname
		if rv.Alias != nil && rv.Alias.Aliasname != "" {
			alias = rv.Alias.Aliasname
		}
		return []aliasPair{{alias: alias}}
	case *pg_query.Node_JoinExpr:
		out := rangeVarAliases(item.JoinExpr.Larg)
		return append(out, rangeVarAliases(item.JoinExpr.Rarg)...)
	default:
		return nil
	}
}

func columnTargets(qualifier string, cols []string, qualify bool) []*pg_query.Node {
	out := make([]*pg_query.Node, 0, len(cols))
	for _, col := range cols {
		fields := make([]*pg_query.Node, 0, 2)
		if qualify {
			fields = append(fields, stringNode(qualifier))
		}
		fields = append(fields, stringNode(col))
		out = append(out, &pg_query.Node{Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{
			Val: &pg_query.Node{Node: &pg_query.Node_ColumnRef{ColumnRef: &pg_query.ColumnRef{
				Fields:   fields,
				Location: -1,
			}}},
			Location: -1,
		}}})
	}
	return out
}

func stringNode(s string) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: s}}}
}
