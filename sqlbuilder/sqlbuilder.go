// Package sqlbuilder compiles the engine's dialect-independent ir.IR into dialect-specific
// SQL text plus a positional parameter list. Nothing outside this package and the Driver
// that consumes its output ever inspects raw SQL; everything upstream works with ir.IR alone.
//
// The quoting and placeholder scheme is grounded on the teacher's query_builder.go, which
// already quotes every identifier with double quotes and switches behaviour on the driver
// name. MySQL does not natively accept double-quoted identifiers, so Build requires callers
// target it only against a connection that has ANSI_QUOTES enabled in its sql_mode (the
// Driver applies this via a post-connect hook), keeping identifier quoting uniform across
// all three dialects instead of forking the column/table formatting per-dialect.
package sqlbuilder

import (
	"sort"
	"strconv"
	"strings"

	"github.com/icinga/sqlcore/ir"
)

// Dialect names a SQL backend Build compiles against.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
	MySQL    Dialect = "mysql"
)

// Build compiles v into dialect-specific SQL text and its positional bind parameters, in the
// order the placeholders appear in the returned SQL.
func Build(v ir.IR, dialect Dialect) (string, []ir.Value, error) {
	b := &builder{dialect: dialect}

	if err := b.compileIR(v); err != nil {
		return "", nil, err
	}

	return b.buf.String(), b.args, nil
}

// Explain wraps a compiled statement in the dialect's query-plan-explaining prefix.
func Explain(v ir.IR, dialect Dialect) (string, []ir.Value, error) {
	sql, args, err := Build(v, dialect)
	if err != nil {
		return "", nil, err
	}

	switch dialect {
	case Postgres:
		return "EXPLAIN (FORMAT JSON) " + sql, args, nil
	case SQLite:
		return "EXPLAIN QUERY PLAN " + sql, args, nil
	case MySQL:
		return "EXPLAIN FORMAT=JSON " + sql, args, nil
	default:
		return "", nil, ir.Errorf(ir.BUILD, "unknown dialect %q", dialect)
	}
}

type builder struct {
	dialect Dialect
	buf     strings.Builder
	args    []ir.Value
}

func (b *builder) bind(v ir.Value) string {
	b.args = append(b.args, v)

	if b.dialect == Postgres {
		return "$" + strconv.Itoa(len(b.args))
	}

	return "?"
}

func quoteIdent(name string) string {
	// A qualified reference ("table.column") is quoted part-by-part so that each identifier,
	// not the whole dotted path, ends up between double quotes.
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}

	return strings.Join(parts, ".")
}

func (b *builder) compileIR(v ir.IR) error {
	switch v.Operation {
	case ir.OpSelect:
		return b.compileSelect(v)
	case ir.OpInsert:
		return b.compileInsert(v)
	case ir.OpUpdate:
		return b.compileUpdate(v)
	case ir.OpDelete:
		return b.compileDelete(v)
	case ir.OpRaw:
		return b.compileRaw(v)
	default:
		return ir.Errorf(ir.BUILD, "unknown operation %d", v.Operation)
	}
}

func (b *builder) compileRaw(v ir.IR) error {
	argIdx := 0

	for i := 0; i < len(v.Raw); i++ {
		if v.Raw[i] == '?' {
			if argIdx >= len(v.RawArgs) {
				return ir.Errorf(ir.BUILD, "raw statement references more placeholders than RawArgs provides")
			}

			b.buf.WriteString(b.bind(v.RawArgs[argIdx]))
			argIdx++
		} else {
			b.buf.WriteByte(v.Raw[i])
		}
	}

	if argIdx != len(v.RawArgs) {
		return ir.Errorf(ir.BUILD, "raw statement has %d unused RawArgs", len(v.RawArgs)-argIdx)
	}

	return nil
}

func (b *builder) compileSelect(v ir.IR) error {
	if v.Table == "" && v.Raw == "" {
		return ir.Errorf(ir.BUILD, "select requires a table")
	}

	b.buf.WriteString("SELECT ")
	if v.Distinct {
		b.buf.WriteString("DISTINCT ")
	}

	annotationNames := make([]string, 0, len(v.Annotations))
	for name := range v.Annotations {
		annotationNames = append(annotationNames, name)
	}
	sort.Strings(annotationNames)

	if len(v.Columns) == 0 && len(annotationNames) == 0 {
		b.buf.WriteString("*")
	} else {
		first := true
		for _, c := range v.Columns {
			if !first {
				b.buf.WriteString(", ")
			}
			first = false
			if err := b.compileExpr(c); err != nil {
				return err
			}
		}

		// Annotations project alongside Columns, each aliased under its map key; sorted so the
		// same IR always compiles to the same SQL text regardless of Go's map iteration order.
		for _, name := range annotationNames {
			if !first {
				b.buf.WriteString(", ")
			}
			first = false
			if err := b.compileExpr(v.Annotations[name].As(name)); err != nil {
				return err
			}
		}
	}

	b.buf.WriteString(" FROM ")
	b.buf.WriteString(quoteIdent(v.Table))
	if v.Alias != "" {
		b.buf.WriteString(" AS ")
		b.buf.WriteString(quoteIdent(v.Alias))
	}

	for _, j := range v.Joins {
		switch j.Kind {
		case ir.JoinInner:
			b.buf.WriteString(" INNER JOIN ")
		case ir.JoinLeft:
			b.buf.WriteString(" LEFT JOIN ")
		default:
			return ir.Errorf(ir.BUILD, "unknown join kind %q", j.Kind)
		}

		b.buf.WriteString(quoteIdent(j.Table))
		if j.Alias != "" {
			b.buf.WriteString(" AS ")
			b.buf.WriteString(quoteIdent(j.Alias))
		}

		b.buf.WriteString(" ON ")
		if err := b.compileFilter(j.On); err != nil {
			return err
		}
	}

	if v.Filter.Kind != 0 || v.Filter.Children != nil || v.Filter.Condition != nil || v.Filter.Operand != nil {
		b.buf.WriteString(" WHERE ")
		if err := b.compileFilter(v.Filter); err != nil {
			return err
		}
	}

	if len(v.GroupBy) > 0 {
		b.buf.WriteString(" GROUP BY ")
		for i, g := range v.GroupBy {
			if i > 0 {
				b.buf.WriteString(", ")
			}
			if err := b.compileExpr(g); err != nil {
				return err
			}
		}
	}

	if v.Having.Condition != nil || v.Having.Children != nil || v.Having.Operand != nil {
		b.buf.WriteString(" HAVING ")
		if err := b.compileFilter(v.Having); err != nil {
			return err
		}
	}

	if len(v.OrderBy) > 0 {
		b.buf.WriteString(" ORDER BY ")
		for i, o := range v.OrderBy {
			if i > 0 {
				b.buf.WriteString(", ")
			}
			if err := b.compileExpr(o.Expr); err != nil {
				return err
			}
			if o.Direction == ir.Desc {
				b.buf.WriteString(" DESC")
			} else {
				b.buf.WriteString(" ASC")
			}
		}
	}

	if v.Limit != nil {
		b.buf.WriteString(" LIMIT ")
		b.buf.WriteString(strconv.FormatInt(*v.Limit, 10))
	}
	if v.Offset != nil {
		b.buf.WriteString(" OFFSET ")
		b.buf.WriteString(strconv.FormatInt(*v.Offset, 10))
	}

	if v.Locking != ir.LockNone && b.dialect != SQLite {
		switch v.Locking {
		case ir.LockForUpdate:
			b.buf.WriteString(" FOR UPDATE")
		case ir.LockForShare:
			b.buf.WriteString(" FOR SHARE")
		default:
			return ir.Errorf(ir.BUILD, "unknown lock mode %q", v.Locking)
		}
	}

	for _, u := range v.Unions {
		switch u.Op {
		case ir.SetUnion:
			b.buf.WriteString(" UNION ")
		case ir.SetUnionAll:
			b.buf.WriteString(" UNION ALL ")
		default:
			return ir.Errorf(ir.BUILD, "unknown set operation %q", u.Op)
		}

		if err := b.compileIR(u.IR); err != nil {
			return err
		}
	}

	return nil
}

func (b *builder) compileInsert(v ir.IR) error {
	if v.Table == "" {
		return ir.Errorf(ir.BUILD, "insert requires a table")
	}
	if len(v.Values) == 0 {
		return ir.Errorf(ir.BUILD, "insert requires at least one row of values")
	}

	columns := make([]string, 0, len(v.Values[0]))
	for col := range v.Values[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	b.buf.WriteString("INSERT INTO ")
	b.buf.WriteString(quoteIdent(v.Table))
	b.buf.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.buf.WriteString(", ")
		}
		b.buf.WriteString(quoteIdent(col))
	}
	b.buf.WriteString(") VALUES ")

	for rowIdx, row := range v.Values {
		if rowIdx > 0 {
			b.buf.WriteString(", ")
		}
		b.buf.WriteString("(")
		for i, col := range columns {
			if i > 0 {
				b.buf.WriteString(", ")
			}
			val, ok := row[col]
			if !ok {
				return ir.Errorf(ir.BUILD, "insert row %d is missing column %q present in row 0", rowIdx, col)
			}
			b.buf.WriteString(b.bind(val))
		}
		b.buf.WriteString(")")
	}

	return b.compileReturning(v)
}

func (b *builder) compileUpdate(v ir.IR) error {
	if v.Table == "" {
		return ir.Errorf(ir.BUILD, "update requires a table")
	}
	if len(v.Values) != 1 {
		return ir.Errorf(ir.BUILD, "update requires exactly one row of values, got %d", len(v.Values))
	}

	row := v.Values[0]
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	b.buf.WriteString("UPDATE ")
	b.buf.WriteString(quoteIdent(v.Table))
	b.buf.WriteString(" SET ")
	for i, col := range columns {
		if i > 0 {
			b.buf.WriteString(", ")
		}
		b.buf.WriteString(quoteIdent(col))
		b.buf.WriteString(" = ")
		b.buf.WriteString(b.bind(row[col]))
	}

	if v.Filter.Condition != nil || v.Filter.Children != nil || v.Filter.Operand != nil {
		b.buf.WriteString(" WHERE ")
		if err := b.compileFilter(v.Filter); err != nil {
			return err
		}
	}

	return b.compileReturning(v)
}

func (b *builder) compileDelete(v ir.IR) error {
	if v.Table == "" {
		return ir.Errorf(ir.BUILD, "delete requires a table")
	}

	b.buf.WriteString("DELETE FROM ")
	b.buf.WriteString(quoteIdent(v.Table))

	if v.Filter.Condition != nil || v.Filter.Children != nil || v.Filter.Operand != nil {
		b.buf.WriteString(" WHERE ")
		if err := b.compileFilter(v.Filter); err != nil {
			return err
		}
	}

	return b.compileReturning(v)
}

// compileReturning emits RETURNING for dialects that support it. MySQL has no RETURNING
// clause; the statement runs as-is and only LAST_INSERT_ID()/rows affected are reported, with
// no follow-up SELECT, so Build silently omits the clause rather than erroring when targeting
// MySQL.
func (b *builder) compileReturning(v ir.IR) error {
	if len(v.Returning) == 0 || b.dialect == MySQL {
		return nil
	}

	b.buf.WriteString(" RETURNING ")
	for i, col := range v.Returning {
		if i > 0 {
			b.buf.WriteString(", ")
		}
		b.buf.WriteString(quoteIdent(col))
	}

	return nil
}

func (b *builder) compileFilter(f ir.FilterNode) error {
	switch f.Kind {
	case ir.FilterCondition:
		if f.Condition == nil {
			return ir.Errorf(ir.BUILD, "filter condition node has no expression")
		}
		return b.compileExpr(*f.Condition)
	case ir.FilterAnd, ir.FilterOr:
		if len(f.Children) == 0 {
			return ir.Errorf(ir.BUILD, "filter and/or node has no children")
		}

		sep := " AND "
		if f.Kind == ir.FilterOr {
			sep = " OR "
		}

		b.buf.WriteString("(")
		for i, child := range f.Children {
			if i > 0 {
				b.buf.WriteString(sep)
			}
			if err := b.compileFilter(child); err != nil {
				return err
			}
		}
		b.buf.WriteString(")")

		return nil
	case ir.FilterNot:
		if f.Operand == nil {
			return ir.Errorf(ir.BUILD, "filter not node has no operand")
		}

		b.buf.WriteString("NOT (")
		if err := b.compileFilter(*f.Operand); err != nil {
			return err
		}
		b.buf.WriteString(")")

		return nil
	default:
		return ir.Errorf(ir.BUILD, "unknown filter kind %d", f.Kind)
	}
}

func (b *builder) compileExpr(e ir.Expression) error {
	if err := b.compileExprBody(e); err != nil {
		return err
	}

	if e.Alias != "" {
		b.buf.WriteString(" AS ")
		b.buf.WriteString(quoteIdent(e.Alias))
	}

	return nil
}

func (b *builder) compileExprBody(e ir.Expression) error {
	switch e.Kind {
	case ir.ExprColumn:
		b.buf.WriteString(quoteIdent(e.Column))
		return nil
	case ir.ExprLiteral:
		b.buf.WriteString(b.bind(e.Literal))
		return nil
	case ir.ExprBinOp:
		return b.compileBinOp(e)
	case ir.ExprAggregate:
		return b.compileAggregate(e)
	case ir.ExprScalarFn:
		return b.compileScalarFn(e)
	case ir.ExprRaw:
		return b.compileExprRaw(e)
	default:
		return ir.Errorf(ir.BUILD, "unknown expression kind %d", e.Kind)
	}
}

func (b *builder) compileBinOp(e ir.Expression) error {
	if e.Left == nil {
		return ir.Errorf(ir.BUILD, "binary operator %q has no left operand", e.BinOp)
	}

	switch e.BinOp {
	case ir.OpIsNull, ir.OpNotNull:
		b.buf.WriteString("(")
		if err := b.compileExprBody(*e.Left); err != nil {
			return err
		}
		if e.BinOp == ir.OpIsNull {
			b.buf.WriteString(" IS NULL)")
		} else {
			b.buf.WriteString(" IS NOT NULL)")
		}
		return nil
	case ir.OpBetween:
		return b.compileBetween(e)
	case ir.OpContains, ir.OpIContains, ir.OpStartsWith, ir.OpIStartsWith, ir.OpEndsWith, ir.OpIEndsWith, ir.OpIExact:
		return b.compileLookupOp(e)
	}

	if e.Right == nil {
		return ir.Errorf(ir.BUILD, "binary operator %q has no right operand", e.BinOp)
	}

	// An empty IN list can never match a row and an empty NOT IN list always matches one; both
	// collapse to a constant predicate so the query still returns the right result set without
	// ever emitting "IN ()", which several dialects reject outright.
	if (e.BinOp == ir.OpIn || e.BinOp == ir.OpNotIn) && isEmptyList(*e.Right) {
		if e.BinOp == ir.OpIn {
			b.buf.WriteString("(1 = 0)")
		} else {
			b.buf.WriteString("(1 = 1)")
		}
		return nil
	}

	sqlOp, ok := binOpSQL[e.BinOp]
	if !ok {
		return ir.Errorf(ir.BUILD, "unknown binary operator %q", e.BinOp)
	}

	b.buf.WriteString("(")
	if err := b.compileExprBody(*e.Left); err != nil {
		return err
	}
	b.buf.WriteString(sqlOp)
	if err := b.compileExprBody(*e.Right); err != nil {
		return err
	}
	b.buf.WriteString(")")

	return nil
}

var binOpSQL = map[ir.BinOp]string{
	ir.OpEq:     " = ",
	ir.OpNeq:    " <> ",
	ir.OpLt:     " < ",
	ir.OpLte:    " <= ",
	ir.OpGt:     " > ",
	ir.OpGte:    " >= ",
	ir.OpLike:   " LIKE ",
	ir.OpILike:  " ILIKE ",
	ir.OpIn:     " IN ",
	ir.OpNotIn:  " NOT IN ",
	ir.OpAdd:    " + ",
	ir.OpSub:    " - ",
	ir.OpMul:    " * ",
	ir.OpDiv:    " / ",
	ir.OpConcat: " || ",
}

// isEmptyList reports whether e is the "()" raw fragment an empty IN/NOT IN value list
// compiles down to (see bridge's inListExpr), the shape a zero-key Prefetch or an empty
// caller-supplied value set takes once lowered from Go values to an Expression.
func isEmptyList(e ir.Expression) bool {
	return e.Kind == ir.ExprRaw && len(e.RawArgs) == 0 && strings.TrimSpace(e.Raw) == "()"
}

func (b *builder) compileBetween(e ir.Expression) error {
	if e.Right == nil || e.High == nil {
		return ir.Errorf(ir.BUILD, "between requires a low and a high operand")
	}

	b.buf.WriteString("(")
	if err := b.compileExprBody(*e.Left); err != nil {
		return err
	}
	b.buf.WriteString(" BETWEEN ")
	if err := b.compileExprBody(*e.Right); err != nil {
		return err
	}
	b.buf.WriteString(" AND ")
	if err := b.compileExprBody(*e.High); err != nil {
		return err
	}
	b.buf.WriteString(")")

	return nil
}

// lookupPattern describes how one of the substring/prefix/suffix/exact lookup operators wraps
// its right-hand literal in LIKE wildcards, and whether the comparison folds case.
type lookupPattern struct {
	prefix, suffix string
	foldCase       bool
	exact          bool
}

var lookupPatterns = map[ir.BinOp]lookupPattern{
	ir.OpContains:    {prefix: "%", suffix: "%"},
	ir.OpIContains:   {prefix: "%", suffix: "%", foldCase: true},
	ir.OpStartsWith:  {suffix: "%"},
	ir.OpIStartsWith: {suffix: "%", foldCase: true},
	ir.OpEndsWith:    {prefix: "%"},
	ir.OpIEndsWith:   {prefix: "%", foldCase: true},
	ir.OpIExact:      {foldCase: true, exact: true},
}

// compileLookupOp renders one of the string lookup operators. The case-insensitive ops
// (everything but contains/startswith/endswith) compile to ILIKE on Postgres and to a
// LOWER(col) op LOWER(?) comparison on SQLite/MySQL; the case-sensitive ops always compile to
// a plain LIKE with the literal wrapped in the operator's wildcard.
func (b *builder) compileLookupOp(e ir.Expression) error {
	pat, ok := lookupPatterns[e.BinOp]
	if !ok {
		return ir.Errorf(ir.BUILD, "unknown lookup operator %q", e.BinOp)
	}
	if e.Right == nil {
		return ir.Errorf(ir.BUILD, "lookup operator %q has no right operand", e.BinOp)
	}
	if e.Right.Kind != ir.ExprLiteral || e.Right.Literal.Kind != ir.KindText {
		return ir.Errorf(ir.BUILD, "lookup operator %q requires a text literal operand", e.BinOp)
	}

	pattern := ir.Text(pat.prefix + e.Right.Literal.Text + pat.suffix)

	b.buf.WriteString("(")

	switch {
	case pat.foldCase && b.dialect == Postgres:
		if err := b.compileExprBody(*e.Left); err != nil {
			return err
		}
		b.buf.WriteString(" ILIKE ")
		b.buf.WriteString(b.bind(pattern))
	case pat.foldCase:
		b.buf.WriteString("LOWER(")
		if err := b.compileExprBody(*e.Left); err != nil {
			return err
		}
		b.buf.WriteString(")")
		if pat.exact {
			b.buf.WriteString(" = LOWER(")
		} else {
			b.buf.WriteString(" LIKE LOWER(")
		}
		b.buf.WriteString(b.bind(pattern))
		b.buf.WriteString(")")
	default:
		if err := b.compileExprBody(*e.Left); err != nil {
			return err
		}
		b.buf.WriteString(" LIKE ")
		b.buf.WriteString(b.bind(pattern))
	}

	b.buf.WriteString(")")

	return nil
}

func (b *builder) compileAggregate(e ir.Expression) error {
	fn, ok := aggSQL[e.Aggregate]
	if !ok {
		return ir.Errorf(ir.BUILD, "unknown aggregate function %q", e.Aggregate)
	}

	b.buf.WriteString(fn)
	b.buf.WriteString("(")
	if e.AggDistinct {
		b.buf.WriteString("DISTINCT ")
	}

	if e.Arg == nil {
		b.buf.WriteString("*")
	} else if err := b.compileExprBody(*e.Arg); err != nil {
		return err
	}

	b.buf.WriteString(")")

	return nil
}

var aggSQL = map[ir.AggregateFn]string{
	ir.AggCount: "COUNT",
	ir.AggSum:   "SUM",
	ir.AggAvg:   "AVG",
	ir.AggMin:   "MIN",
	ir.AggMax:   "MAX",
}

// scalarFnSQL maps a dialect-independent scalar function name to its per-dialect SQL
// expression template; "%s" is substituted with the compiled argument list.
var scalarFnSQL = map[string]map[Dialect]string{
	"year":  {Postgres: "EXTRACT(YEAR FROM %s)", SQLite: "CAST(strftime('%%Y', %s) AS INTEGER)", MySQL: "YEAR(%s)"},
	"month": {Postgres: "EXTRACT(MONTH FROM %s)", SQLite: "CAST(strftime('%%m', %s) AS INTEGER)", MySQL: "MONTH(%s)"},
	"day":   {Postgres: "EXTRACT(DAY FROM %s)", SQLite: "CAST(strftime('%%d', %s) AS INTEGER)", MySQL: "DAY(%s)"},
	"lower": {Postgres: "LOWER(%s)", SQLite: "LOWER(%s)", MySQL: "LOWER(%s)"},
	"upper": {Postgres: "UPPER(%s)", SQLite: "UPPER(%s)", MySQL: "UPPER(%s)"},
}

func (b *builder) compileScalarFn(e ir.Expression) error {
	perDialect, ok := scalarFnSQL[e.ScalarFn]
	if !ok {
		return ir.Errorf(ir.BUILD, "unknown scalar function %q", e.ScalarFn)
	}

	template, ok := perDialect[b.dialect]
	if !ok {
		return ir.Errorf(ir.BUILD, "scalar function %q has no %s implementation", e.ScalarFn, b.dialect)
	}

	var args strings.Builder
	for i, arg := range e.Args {
		if i > 0 {
			args.WriteString(", ")
		}

		sub := &builder{dialect: b.dialect, args: b.args}
		if err := sub.compileExprBody(arg); err != nil {
			return err
		}
		b.args = sub.args
		args.WriteString(sub.buf.String())
	}

	if strings.Count(template, "%s") != 1 {
		return ir.Errorf(ir.BUILD, "scalar function %q template is malformed", e.ScalarFn)
	}

	b.buf.WriteString(strings.Replace(template, "%s", args.String(), 1))

	return nil
}

func (b *builder) compileExprRaw(e ir.Expression) error {
	argIdx := 0

	for i := 0; i < len(e.Raw); i++ {
		if e.Raw[i] == '?' {
			if argIdx >= len(e.RawArgs) {
				return ir.Errorf(ir.BUILD, "raw expression references more placeholders than RawArgs provides")
			}

			b.buf.WriteString(b.bind(e.RawArgs[argIdx]))
			argIdx++
		} else {
			b.buf.WriteByte(e.Raw[i])
		}
	}

	return nil
}
