package ir

// ExprKind discriminates the recursive sum type Expression represents.
//
// Rather than a sealed interface hierarchy, Expression is a single flat struct with a Kind
// discriminant and pointer/slice operand fields, mirroring the pattern the rest of this
// module's config/option types already use for reflection-free, allocation-light access.
type ExprKind uint8

const (
	ExprColumn ExprKind = iota
	ExprLiteral
	ExprBinOp
	ExprAggregate
	ExprScalarFn
	ExprRaw
)

// BinOp is the set of binary operators an Expression of kind ExprBinOp may carry.
type BinOp string

const (
	OpEq      BinOp = "eq"
	OpNeq     BinOp = "neq"
	OpLt      BinOp = "lt"
	OpLte     BinOp = "lte"
	OpGt      BinOp = "gt"
	OpGte     BinOp = "gte"
	OpLike    BinOp = "like"
	OpILike   BinOp = "ilike"
	OpIn      BinOp = "in"
	OpNotIn   BinOp = "not_in"
	OpAdd     BinOp = "add"
	OpSub     BinOp = "sub"
	OpMul     BinOp = "mul"
	OpDiv     BinOp = "div"
	OpConcat  BinOp = "concat"
	OpIsNull  BinOp = "is_null"
	OpNotNull BinOp = "is_not_null"

	// OpBetween takes three operands: Left is the subject, Right is the lower bound, High is
	// the upper bound, both inclusive.
	OpBetween BinOp = "between"

	// OpContains, OpStartsWith and OpEndsWith take a text literal Right operand that the SQL
	// Builder wraps in LIKE wildcards ("%...%", "...%", "%...") itself; callers pass the bare
	// substring, not a pre-wildcarded pattern. The "I" variants are the case-insensitive forms:
	// the Builder lower-folds both sides (or uses ILIKE on Postgres) rather than requiring the
	// caller to normalise case.
	OpContains    BinOp = "contains"
	OpIContains   BinOp = "icontains"
	OpStartsWith  BinOp = "startswith"
	OpIStartsWith BinOp = "istartswith"
	OpEndsWith    BinOp = "endswith"
	OpIEndsWith   BinOp = "iendswith"

	// OpIExact is a case-insensitive equality: no wildcards, just LOWER()-folded comparison.
	OpIExact BinOp = "iexact"
)

// AggregateFn is the set of aggregate functions an Expression of kind ExprAggregate may carry.
type AggregateFn string

const (
	AggCount AggregateFn = "count"
	AggSum   AggregateFn = "sum"
	AggAvg   AggregateFn = "avg"
	AggMin   AggregateFn = "min"
	AggMax   AggregateFn = "max"
)

// Expression is a recursive sum type covering every value-producing node the SQL Builder
// compiles: bare columns, bound literals, binary operations, aggregates, scalar functions
// (including the dialect-aware date-extraction functions), and raw SQL fragments.
type Expression struct {
	Kind ExprKind

	// Column, set when Kind == ExprColumn. May be qualified ("table.column").
	Column string

	// Literal, set when Kind == ExprLiteral.
	Literal Value

	// BinOp, Left, Right, set when Kind == ExprBinOp. High additionally carries the upper
	// bound of a BinOp == OpBetween expression; Right is then the lower bound.
	BinOp BinOp
	Left  *Expression
	Right *Expression
	High  *Expression

	// Aggregate, Arg, AggDistinct, set when Kind == ExprAggregate. Arg is nil for count(*).
	Aggregate    AggregateFn
	Arg          *Expression
	AggDistinct  bool

	// ScalarFn, Args, set when Kind == ExprScalarFn: one of "year", "month", "day", "lower",
	// "upper" (the SQL Builder rejects any other name with a BUILD error).
	ScalarFn string
	Args     []Expression

	// Raw, RawArgs, set when Kind == ExprRaw. Raw may contain "?" placeholders positionally
	// bound to RawArgs by the SQL Builder.
	Raw     string
	RawArgs []Value

	// Alias names this expression's projection in a SELECT column list; empty means no alias.
	Alias string
}

// Col builds a column-reference Expression.
func Col(name string) Expression { return Expression{Kind: ExprColumn, Column: name} }

// Lit builds a literal Expression.
func Lit(v Value) Expression { return Expression{Kind: ExprLiteral, Literal: v} }

// Bin builds a binary-operator Expression.
func Bin(op BinOp, left, right Expression) Expression {
	return Expression{Kind: ExprBinOp, BinOp: op, Left: &left, Right: &right}
}

// Between builds an OpBetween Expression: subject between low and high, inclusive.
func Between(subject, low, high Expression) Expression {
	return Expression{Kind: ExprBinOp, BinOp: OpBetween, Left: &subject, Right: &low, High: &high}
}

// Agg builds an aggregate-function Expression. Pass a nil arg for count(*).
func Agg(fn AggregateFn, arg *Expression, distinct bool) Expression {
	return Expression{Kind: ExprAggregate, Aggregate: fn, Arg: arg, AggDistinct: distinct}
}

// Fn builds a scalar-function Expression.
func Fn(name string, args ...Expression) Expression {
	return Expression{Kind: ExprScalarFn, ScalarFn: name, Args: args}
}

// RawExpr builds a raw-SQL-fragment Expression.
func RawExpr(fragment string, args ...Value) Expression {
	return Expression{Kind: ExprRaw, Raw: fragment, RawArgs: args}
}

// As returns a copy of e with Alias set.
func (e Expression) As(alias string) Expression {
	e.Alias = alias
	return e
}

// FilterKind discriminates the recursive sum type FilterNode represents.
type FilterKind uint8

const (
	FilterCondition FilterKind = iota
	FilterAnd
	FilterOr
	FilterNot
)

// FilterNode is a recursive sum type expressing a WHERE/HAVING predicate tree.
type FilterNode struct {
	Kind FilterKind

	// Condition, set when Kind == FilterCondition. Must be a boolean-producing Expression
	// (typically ExprBinOp or ExprRaw).
	Condition *Expression

	// Children, set when Kind is FilterAnd or FilterOr.
	Children []FilterNode

	// Operand, set when Kind == FilterNot.
	Operand *FilterNode
}

// Cond wraps a boolean Expression as a leaf FilterNode.
func Cond(e Expression) FilterNode { return FilterNode{Kind: FilterCondition, Condition: &e} }

// And combines nodes conjunctively.
func And(nodes ...FilterNode) FilterNode { return FilterNode{Kind: FilterAnd, Children: nodes} }

// Or combines nodes disjunctively.
func Or(nodes ...FilterNode) FilterNode { return FilterNode{Kind: FilterOr, Children: nodes} }

// Not negates node.
func Not(node FilterNode) FilterNode { return FilterNode{Kind: FilterNot, Operand: &node} }
