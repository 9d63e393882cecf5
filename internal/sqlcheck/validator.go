// Package sqlcheck proves candidate SQL safe to execute against the
// analytical store. It parses statements into a syntax tree and applies a
// read-only policy: single SELECT, allowlisted tables and columns, no
// comments, no file-system or system-schema access, bounded LIMIT.
package sqlcheck

import (
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
	"github.com/censusgate/censusgate/internal/schema"
)

// Machine tags carried by rejection reasons.
const (
	TagParseError    = "PARSE_ERROR"
	TagMultiStmt     = "MULTI_STATEMENT"
	TagKindForbidden = "STATEMENT_KIND_FORBIDDEN"
	TagComment       = "COMMENT_PRESENT"
	TagTableDenied   = "TABLE_NOT_ALLOWED"
	TagColumnDenied  = "COLUMN_NOT_ALLOWED"
	TagPattern       = "PATTERN_BLOCKED"
	TagCostExceeded  = "COST_EXCEEDED"
)

// DefaultCostCeiling bounds the coarse cost proxy (base-table scans x limit).
const DefaultCostCeiling = 500_000

// blockedFunctions are file-system readers, environment probes, and other
// stand-ins for side effects that a SELECT could smuggle in.
var blockedFunctions = map[string]struct{}{
	"read_csv": {}, "read_csv_auto": {}, "read_parquet": {},
	"read_json": {}, "read_json_auto": {}, "read_json_objects": {},
	"read_text": {}, "read_blob": {}, "glob": {}, "getenv": {},
	"load_extension": {}, "system": {}, "shell": {},
	"pg_read_file": {}, "pg_read_binary_file": {}, "pg_ls_dir": {},
	"pg_stat_file": {}, "pg_sleep": {}, "lo_import": {}, "lo_export": {},
	"dblink": {}, "copy_file": {},
}

// blockedSchemas deny access to engine catalogs and temp space.
var blockedSchemas = map[string]struct{}{
	"pg_catalog": {}, "information_schema": {}, "system": {}, "temp": {},
}

// aggregateFunctions flag result-shaping aggregation for the verdict.
var aggregateFunctions = map[string]struct{}{
	"sum": {}, "avg": {}, "count": {}, "min": {}, "max": {},
	"median": {}, "stddev": {}, "stddev_pop": {}, "var_pop": {}, "variance": {},
}

// Validator applies the read-only policy against a schema catalog.
type Validator struct {
	catalog     *schema.Catalog
	costCeiling int64
}

// Option configures a Validator.
type Option func(*Validator)

// WithCostCeiling overrides the cost proxy ceiling.
func WithCostCeiling(ceiling int64) Option {
	return func(v *Validator) { v.costCeiling = ceiling }
}

// New creates a Validator over the given catalog.
func New(catalog *schema.Catalog, opts ...Option) *Validator {
	v := &Validator{catalog: catalog, costCeiling: DefaultCostCeiling}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate applies the policy checks in order. The first failing structural
// check short-circuits, except that table/column allowlist violations are
// enumerated exhaustively before returning so a user can fix all of them in
// one pass. Validation is pure: identical input yields an identical verdict.
func (v *Validator) Validate(sql string) domain.ValidatedSQL {
	out := domain.ValidatedSQL{Original: sql}

	reject := func(rejs ...domain.Rejection) domain.ValidatedSQL {
		out.Accepted = false
		out.Rejections = append(out.Rejections, rejs...)
		if len(out.Rejections) > 0 {
			observability.SQLRejectedTotal.WithLabelValues(out.Rejections[0].Tag).Inc()
		}
		return out
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		return reject(domain.Rejection{Tag: TagParseError, Message: "the SQL could not be parsed: " + firstLine(err.Error())})
	}
	if len(result.Stmts) == 0 {
		return reject(domain.Rejection{Tag: TagParseError, Message: "the SQL contains no statement"})
	}
	// A trailing semicolon is fine; a second statement is not.
	if len(result.Stmts) > 1 {
		return reject(domain.Rejection{Tag: TagMultiStmt, Message: fmt.Sprintf("expected a single statement, found %d", len(result.Stmts))})
	}

	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil {
		return reject(domain.Rejection{
			Tag:     TagKindForbidden,
			Message: fmt.Sprintf("only SELECT statements are allowed, got %s; this tool only reads data", statementKind(result.Stmts[0].Stmt)),
		})
	}

	// Comment check runs on the token stream, not the raw string: string
	// literals containing the bytes "--" or "/*" are still accepted because
	// the lexer distinguishes a literal from a comment.
	if rej, ok := v.checkComments(sql); !ok {
		return reject(rej)
	}

	w := newWalker(v.catalog)
	w.walkSelect(sel, newScope(nil))
	if len(w.blocked) > 0 {
		return reject(w.blocked...)
	}

	// Enumerate every allowlist violation before returning.
	var allowRejs []domain.Rejection
	for _, t := range w.badTables {
		allowRejs = append(allowRejs, domain.Rejection{
			Tag:     TagTableDenied,
			Message: fmt.Sprintf("table %q is not in the allowed dataset tables", t),
		})
	}
	for _, c := range w.badColumns {
		allowRejs = append(allowRejs, domain.Rejection{
			Tag:     TagColumnDenied,
			Message: fmt.Sprintf("column %q does not exist in the allowed dataset tables", c),
		})
	}
	if len(allowRejs) > 0 {
		return reject(allowRejs...)
	}

	if !w.expandStars(sel) {
		return reject(domain.Rejection{Tag: TagColumnDenied, Message: "cannot expand * to an explicit column list here; name the columns"})
	}

	limit := enforceLimit(sel)
	out.Limit = limit

	sanitized, err := pg_query.Deparse(result)
	if err != nil {
		return reject(domain.Rejection{Tag: TagParseError, Message: "the statement could not be rendered back to SQL"})
	}

	scans := int64(w.scanCount)
	if scans == 0 {
		scans = 1 // SELECT without FROM still costs one evaluation
	}
	cost := scans * int64(maxInt(limit, 1))
	if cost > v.costCeiling {
		return reject(domain.Rejection{
			Tag:     TagCostExceeded,
			Message: fmt.Sprintf("estimated cost %d exceeds ceiling %d; narrow the query", cost, v.costCeiling),
		})
	}

	out.Accepted = true
	out.Sanitized = sanitized
	out.Tables = w.tableList()
	out.HasAggregation = w.hasAgg
	out.EstimatedRows = int64(limit)
	if w.hasAgg && len(sel.GroupClause) == 0 {
		out.EstimatedRows = 1
	}
	return out
}

// checkComments rejects any SQL whose token stream contains a comment node,
// regardless of position. Comments are a well-known injection vector here:
// a model can be coaxed into hiding a second intent behind one.
func (v *Validator) checkComments(sql string) (domain.Rejection, bool) {
	scan, err := pg_query.Scan(sql)
	if err != nil {
		return domain.Rejection{Tag: TagParseError, Message: "the SQL could not be tokenized"}, false
	}
	for _, tok := range scan.Tokens {
		if tok.Token == pg_query.Token_SQL_COMMENT || tok.Token == pg_query.Token_C_COMMENT {
			return domain.Rejection{Tag: TagComment, Message: "comments are not allowed in SQL"}, false
		}
	}
	return domain.Rejection{}, true
}

// enforceLimit injects LIMIT 1000 when absent, clamps larger limits to 1000,
// and preserves OFFSET. A LIMIT of 0 is a legitimate "no rows" request and is
// kept as-is. Returns the effective limit.
func enforceLimit(sel *pg_query.SelectStmt) int {
	if sel.LimitCount == nil {
		sel.LimitCount = intConst(domain.DefaultLimit)
		sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
		return domain.DefaultLimit
	}
	if ac := sel.LimitCount.GetAConst(); ac != nil && ac.GetIval() != nil {
		n := int(ac.GetIval().Ival)
		if n >= 0 && n <= domain.MaxLimit {
			return n
		}
	}
	// Non-constant or over-cap limit: clamp.
	sel.LimitCount = intConst(domain.MaxLimit)
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
	return domain.MaxLimit
}

func intConst(n int32) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
		Val:      &pg_query.A_Const_Ival{Ival: &pg_query.Integer{Ival: n}},
		Location: -1,
	}}}
}

func statementKind(n *pg_query.Node) string {
	switch n.Node.(type) {
	case *pg_query.Node_InsertStmt:
		return "INSERT"
	case *pg_query.Node_UpdateStmt:
		return "UPDATE"
	case *pg_query.Node_DeleteStmt:
		return "DELETE"
	case *pg_query.Node_DropStmt:
		return "DROP"
	case *pg_query.Node_CreateStmt, *pg_query.Node_CreateTableAsStmt:
		return "CREATE"
	case *pg_query.Node_AlterTableStmt:
		return "ALTER"
	case *pg_query.Node_TruncateStmt:
		return "TRUNCATE"
	case *pg_query.Node_CopyStmt:
		return "COPY"
	case *pg_query.Node_CallStmt:
		return "CALL"
	case *pg_query.Node_ExplainStmt:
		return "EXPLAIN"
	case *pg_query.Node_VariableSetStmt:
		return "SET"
	case *pg_query.Node_TransactionStmt:
		return "TRANSACTION"
	case *pg_query.Node_GrantStmt:
		return "GRANT"
	default:
		return "UNSUPPORTED"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sortedUnique(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
