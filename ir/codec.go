package ir

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"
)

// codecVersion is written as the first byte of every encoded payload, so that a future,
// incompatible wire format can be introduced without breaking detection of the current one.
const codecVersion byte = 1

// Value wire tags. Tags 0-6 mirror icingadb/objectpacker's BSON-similar primitive tags
// (nil, false, true, float64, bytes/string, slice, map) for the handful of cases the engine
// still needs them (RawArgs values that happen to be plain bytes/text use tagBytes directly);
// tags 7+ are dedicated to the engine's own, richer Value domain so no value ever has to be
// folded through float64 or string the way the original packer does.
const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagFloat64
	tagBytes
	tagSlice
	tagMap
	tagInt64
	tagDecimal
	tagTimestamp
	tagDate
	tagUUID
	tagJSON
)

// errProtocol builds the PROTOCOL-kind *Error that Decode returns when the input is truncated
// or carries an unknown tag.
func errProtocol(msg string) error { return Errorf(PROTOCOL, "%s", msg) }

// Encode serializes ir into the engine's binary wire format. Encode never fails for a
// well-formed IR; any error returned stems from the underlying io.Writer (never the case
// for the in-memory buffer Encode itself uses).
func Encode(v IR) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)

	if err := writeIR(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode deserializes a payload produced by Encode. Decode returns a *Error of kind
// PROTOCOL if the payload is truncated, carries an unknown version, or an unknown tag.
func Decode(data []byte) (IR, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return IR{}, errProtocol("empty payload")
	}

	if version != codecVersion {
		return IR{}, Errorf(PROTOCOL, "unsupported wire version %d", version)
	}

	v, err := readIR(r)
	if err != nil {
		return IR{}, err
	}

	if r.Len() != 0 {
		return IR{}, errProtocol("trailing bytes after IR")
	}

	return v, nil
}

// EncodeValue serializes a single Value using the same wire tags Encode uses for literals
// embedded in an IR, for callers that move one Value at a time instead of a whole statement -
// the Hydrator's bound-parameter round trips and the Bridge's result rows, in particular.
func EncodeValue(v Value) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeValue deserializes a payload produced by EncodeValue.
func DecodeValue(data []byte) (Value, error) {
	r := bytes.NewReader(data)

	v, err := readValue(r)
	if err != nil {
		return Value{}, err
	}

	if r.Len() != 0 {
		return Value{}, errProtocol("trailing bytes after value")
	}

	return v, nil
}

func writeU64(w io.Writer, n uint64) error {
	return binary.Write(w, binary.BigEndian, n)
}

func readU64(r io.Reader) (uint64, error) {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, errProtocol("truncated length")
	}

	return n, nil
}

func writeBool(w io.Writer, b bool) error {
	if b {
		_, err := w.Write([]byte{1})
		return err
	}

	_, err := w.Write([]byte{0})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, errProtocol("truncated bool")
	}

	return b[0] != 0, nil
}

func writeBytesRaw(w io.Writer, b []byte) error {
	if err := writeU64(w, uint64(len(b))); err != nil {
		return err
	}

	_, err := w.Write(b)
	return err
}

func readBytesRaw(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errProtocol("truncated bytes")
	}

	return b, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytesRaw(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytesRaw(r)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func writeI64(w io.Writer, n int64) error {
	return binary.Write(w, binary.BigEndian, n)
}

func readI64(r io.Reader) (int64, error) {
	var n int64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, errProtocol("truncated int64")
	}

	return n, nil
}

// writeValue encodes a Value using its dedicated tag, so no kind is ever lossily folded
// through another (in particular, I64 stays exact and Decimal never touches a float64).
func writeValue(w io.Writer, v Value) error {
	switch v.Kind {
	case KindNull:
		_, err := w.Write([]byte{tagNull})
		return err
	case KindBool:
		if v.Bool {
			_, err := w.Write([]byte{tagTrue})
			return err
		}
		_, err := w.Write([]byte{tagFalse})
		return err
	case KindI64:
		if _, err := w.Write([]byte{tagInt64}); err != nil {
			return err
		}
		return writeI64(w, v.I64)
	case KindF64:
		if _, err := w.Write([]byte{tagFloat64}); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.F64)
	case KindDecimal:
		if _, err := w.Write([]byte{tagDecimal}); err != nil {
			return err
		}
		return writeString(w, v.Decimal)
	case KindText:
		if _, err := w.Write([]byte{tagBytes}); err != nil {
			return err
		}
		return writeString(w, v.Text)
	case KindBytes:
		if _, err := w.Write([]byte{tagBytes}); err != nil {
			return err
		}
		return writeBytesRaw(w, v.Bytes)
	case KindTimestamp:
		if _, err := w.Write([]byte{tagTimestamp}); err != nil {
			return err
		}
		return writeI64(w, v.Timestamp.UTC().UnixNano())
	case KindDate:
		if _, err := w.Write([]byte{tagDate}); err != nil {
			return err
		}
		return writeString(w, v.Date)
	case KindUUID:
		if _, err := w.Write([]byte{tagUUID}); err != nil {
			return err
		}
		return writeString(w, v.UUID)
	case KindJSON:
		if _, err := w.Write([]byte{tagJSON}); err != nil {
			return err
		}
		return writeBytesRaw(w, v.JSON)
	default:
		return errProtocol("unknown value kind")
	}
}

func readValue(r *bytes.Reader) (Value, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Value{}, errProtocol("truncated value tag")
	}

	switch tag {
	case tagNull:
		return Null(), nil
	case tagFalse:
		return BoolValue(false), nil
	case tagTrue:
		return BoolValue(true), nil
	case tagInt64:
		n, err := readI64(r)
		return Int64(n), err
	case tagFloat64:
		var f float64
		if err := binary.Read(r, binary.BigEndian, &f); err != nil {
			return Value{}, errProtocol("truncated float64")
		}
		return Float64(f), nil
	case tagDecimal:
		s, err := readString(r)
		return DecimalValue(s), err
	case tagBytes:
		b, err := readBytesRaw(r)
		return BytesValue(b), err
	case tagTimestamp:
		n, err := readI64(r)
		if err != nil {
			return Value{}, err
		}
		return Timestamp(time.Unix(0, n).UTC()), nil
	case tagDate:
		s, err := readString(r)
		return Date(s), err
	case tagUUID:
		s, err := readString(r)
		return UUIDValue(s), err
	case tagJSON:
		b, err := readBytesRaw(r)
		return JSONValue(b), err
	default:
		return Value{}, Errorf(PROTOCOL, "unknown value tag %d", tag)
	}
}

func writeExprMap(w io.Writer, m map[string]Expression) error {
	if err := writeU64(w, uint64(len(m))); err != nil {
		return err
	}

	for k, v := range m {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeExpr(w, v); err != nil {
			return err
		}
	}

	return nil
}

func readExprMap(r *bytes.Reader) (map[string]Expression, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, nil
	}

	m := make(map[string]Expression, n)
	for i := uint64(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readExpr(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}

	return m, nil
}

func writeExpr(w io.Writer, e Expression) error {
	if _, err := w.Write([]byte{byte(e.Kind)}); err != nil {
		return err
	}

	switch e.Kind {
	case ExprColumn:
		if err := writeString(w, e.Column); err != nil {
			return err
		}
	case ExprLiteral:
		if err := writeValue(w, e.Literal); err != nil {
			return err
		}
	case ExprBinOp:
		if err := writeString(w, string(e.BinOp)); err != nil {
			return err
		}
		if err := writeExpr(w, *e.Left); err != nil {
			return err
		}
		if err := writeExpr(w, *e.Right); err != nil {
			return err
		}
		if err := writeBool(w, e.High != nil); err != nil {
			return err
		}
		if e.High != nil {
			if err := writeExpr(w, *e.High); err != nil {
				return err
			}
		}
	case ExprAggregate:
		if err := writeString(w, string(e.Aggregate)); err != nil {
			return err
		}
		if err := writeBool(w, e.Arg != nil); err != nil {
			return err
		}
		if e.Arg != nil {
			if err := writeExpr(w, *e.Arg); err != nil {
				return err
			}
		}
		if err := writeBool(w, e.AggDistinct); err != nil {
			return err
		}
	case ExprScalarFn:
		if err := writeString(w, e.ScalarFn); err != nil {
			return err
		}
		if err := writeU64(w, uint64(len(e.Args))); err != nil {
			return err
		}
		for _, arg := range e.Args {
			if err := writeExpr(w, arg); err != nil {
				return err
			}
		}
	case ExprRaw:
		if err := writeString(w, e.Raw); err != nil {
			return err
		}
		if err := writeU64(w, uint64(len(e.RawArgs))); err != nil {
			return err
		}
		for _, arg := range e.RawArgs {
			if err := writeValue(w, arg); err != nil {
				return err
			}
		}
	default:
		return errProtocol("unknown expression kind")
	}

	return writeString(w, e.Alias)
}

func readExpr(r *bytes.Reader) (Expression, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Expression{}, errProtocol("truncated expression kind")
	}

	e := Expression{Kind: ExprKind(kindByte)}

	switch e.Kind {
	case ExprColumn:
		if e.Column, err = readString(r); err != nil {
			return Expression{}, err
		}
	case ExprLiteral:
		if e.Literal, err = readValue(r); err != nil {
			return Expression{}, err
		}
	case ExprBinOp:
		op, err := readString(r)
		if err != nil {
			return Expression{}, err
		}
		e.BinOp = BinOp(op)

		left, err := readExpr(r)
		if err != nil {
			return Expression{}, err
		}
		e.Left = &left

		right, err := readExpr(r)
		if err != nil {
			return Expression{}, err
		}
		e.Right = &right

		hasHigh, err := readBool(r)
		if err != nil {
			return Expression{}, err
		}
		if hasHigh {
			high, err := readExpr(r)
			if err != nil {
				return Expression{}, err
			}
			e.High = &high
		}
	case ExprAggregate:
		fn, err := readString(r)
		if err != nil {
			return Expression{}, err
		}
		e.Aggregate = AggregateFn(fn)

		hasArg, err := readBool(r)
		if err != nil {
			return Expression{}, err
		}
		if hasArg {
			arg, err := readExpr(r)
			if err != nil {
				return Expression{}, err
			}
			e.Arg = &arg
		}

		if e.AggDistinct, err = readBool(r); err != nil {
			return Expression{}, err
		}
	case ExprScalarFn:
		if e.ScalarFn, err = readString(r); err != nil {
			return Expression{}, err
		}

		n, err := readU64(r)
		if err != nil {
			return Expression{}, err
		}
		e.Args = make([]Expression, n)
		for i := range e.Args {
			if e.Args[i], err = readExpr(r); err != nil {
				return Expression{}, err
			}
		}
	case ExprRaw:
		if e.Raw, err = readString(r); err != nil {
			return Expression{}, err
		}

		n, err := readU64(r)
		if err != nil {
			return Expression{}, err
		}
		e.RawArgs = make([]Value, n)
		for i := range e.RawArgs {
			if e.RawArgs[i], err = readValue(r); err != nil {
				return Expression{}, err
			}
		}
	default:
		return Expression{}, Errorf(PROTOCOL, "unknown expression tag %d", kindByte)
	}

	if e.Alias, err = readString(r); err != nil {
		return Expression{}, err
	}

	return e, nil
}

func writeFilter(w io.Writer, f FilterNode) error {
	if _, err := w.Write([]byte{byte(f.Kind)}); err != nil {
		return err
	}

	switch f.Kind {
	case FilterCondition:
		return writeExpr(w, *f.Condition)
	case FilterAnd, FilterOr:
		if err := writeU64(w, uint64(len(f.Children))); err != nil {
			return err
		}
		for _, child := range f.Children {
			if err := writeFilter(w, child); err != nil {
				return err
			}
		}
		return nil
	case FilterNot:
		return writeFilter(w, *f.Operand)
	default:
		return errProtocol("unknown filter kind")
	}
}

func readFilter(r *bytes.Reader) (FilterNode, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return FilterNode{}, errProtocol("truncated filter kind")
	}

	f := FilterNode{Kind: FilterKind(kindByte)}

	switch f.Kind {
	case FilterCondition:
		cond, err := readExpr(r)
		if err != nil {
			return FilterNode{}, err
		}
		f.Condition = &cond
	case FilterAnd, FilterOr:
		n, err := readU64(r)
		if err != nil {
			return FilterNode{}, err
		}
		f.Children = make([]FilterNode, n)
		for i := range f.Children {
			if f.Children[i], err = readFilter(r); err != nil {
				return FilterNode{}, err
			}
		}
	case FilterNot:
		operand, err := readFilter(r)
		if err != nil {
			return FilterNode{}, err
		}
		f.Operand = &operand
	default:
		return FilterNode{}, Errorf(PROTOCOL, "unknown filter tag %d", kindByte)
	}

	return f, nil
}

func writeOptI64(w io.Writer, n *int64) error {
	if err := writeBool(w, n != nil); err != nil {
		return err
	}
	if n != nil {
		return writeI64(w, *n)
	}
	return nil
}

func readOptI64(r *bytes.Reader) (*int64, error) {
	has, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	n, err := readI64(r)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func writeJoin(w io.Writer, j Join) error {
	if err := writeString(w, string(j.Kind)); err != nil {
		return err
	}
	if err := writeString(w, j.Table); err != nil {
		return err
	}
	if err := writeString(w, j.Alias); err != nil {
		return err
	}
	return writeFilter(w, j.On)
}

func readJoin(r *bytes.Reader) (Join, error) {
	var j Join
	kind, err := readString(r)
	if err != nil {
		return Join{}, err
	}
	j.Kind = JoinKind(kind)

	if j.Table, err = readString(r); err != nil {
		return Join{}, err
	}
	if j.Alias, err = readString(r); err != nil {
		return Join{}, err
	}
	if j.On, err = readFilter(r); err != nil {
		return Join{}, err
	}

	return j, nil
}

func writeIR(w io.Writer, v IR) error {
	if _, err := w.Write([]byte{byte(v.Operation)}); err != nil {
		return err
	}
	if err := writeString(w, v.Table); err != nil {
		return err
	}
	if err := writeString(w, v.Alias); err != nil {
		return err
	}

	if err := writeU64(w, uint64(len(v.Columns))); err != nil {
		return err
	}
	for _, c := range v.Columns {
		if err := writeExpr(w, c); err != nil {
			return err
		}
	}

	if err := writeFilter(w, v.Filter); err != nil {
		return err
	}

	if err := writeU64(w, uint64(len(v.OrderBy))); err != nil {
		return err
	}
	for _, o := range v.OrderBy {
		if err := writeExpr(w, o.Expr); err != nil {
			return err
		}
		if err := writeString(w, string(o.Direction)); err != nil {
			return err
		}
	}

	if err := writeU64(w, uint64(len(v.GroupBy))); err != nil {
		return err
	}
	for _, g := range v.GroupBy {
		if err := writeExpr(w, g); err != nil {
			return err
		}
	}

	if err := writeFilter(w, v.Having); err != nil {
		return err
	}

	if err := writeOptI64(w, v.Limit); err != nil {
		return err
	}
	if err := writeOptI64(w, v.Offset); err != nil {
		return err
	}

	if err := writeU64(w, uint64(len(v.Joins))); err != nil {
		return err
	}
	for _, j := range v.Joins {
		if err := writeJoin(w, j); err != nil {
			return err
		}
	}

	if err := writeU64(w, uint64(len(v.Prefetches))); err != nil {
		return err
	}
	for _, p := range v.Prefetches {
		if err := writeString(w, p.Name); err != nil {
			return err
		}
		if err := writeIR(w, p.Query); err != nil {
			return err
		}
		if err := writeString(w, p.ParentKey); err != nil {
			return err
		}
		if err := writeString(w, p.ChildKey); err != nil {
			return err
		}
	}

	if err := writeExprMap(w, v.Annotations); err != nil {
		return err
	}

	if err := writeU64(w, uint64(len(v.Values))); err != nil {
		return err
	}
	for _, row := range v.Values {
		if err := writeU64(w, uint64(len(row))); err != nil {
			return err
		}
		for col, val := range row {
			if err := writeString(w, col); err != nil {
				return err
			}
			if err := writeValue(w, val); err != nil {
				return err
			}
		}
	}

	if err := writeU64(w, uint64(len(v.Unions))); err != nil {
		return err
	}
	for _, u := range v.Unions {
		if err := writeString(w, string(u.Op)); err != nil {
			return err
		}
		if err := writeIR(w, u.IR); err != nil {
			return err
		}
	}

	if err := writeString(w, string(v.Locking)); err != nil {
		return err
	}
	if err := writeBool(w, v.Distinct); err != nil {
		return err
	}

	if err := writeU64(w, uint64(len(v.Returning))); err != nil {
		return err
	}
	for _, c := range v.Returning {
		if err := writeString(w, c); err != nil {
			return err
		}
	}

	if err := writeString(w, v.Raw); err != nil {
		return err
	}

	if err := writeU64(w, uint64(len(v.RawArgs))); err != nil {
		return err
	}
	for _, a := range v.RawArgs {
		if err := writeValue(w, a); err != nil {
			return err
		}
	}

	return nil
}

func readIR(r *bytes.Reader) (IR, error) {
	var v IR

	opByte, err := r.ReadByte()
	if err != nil {
		return IR{}, errProtocol("truncated operation")
	}
	v.Operation = Operation(opByte)

	if v.Table, err = readString(r); err != nil {
		return IR{}, err
	}
	if v.Alias, err = readString(r); err != nil {
		return IR{}, err
	}

	nCols, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.Columns = make([]Expression, nCols)
	for i := range v.Columns {
		if v.Columns[i], err = readExpr(r); err != nil {
			return IR{}, err
		}
	}

	if v.Filter, err = readFilter(r); err != nil {
		return IR{}, err
	}

	nOrder, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.OrderBy = make([]OrderTerm, nOrder)
	for i := range v.OrderBy {
		expr, err := readExpr(r)
		if err != nil {
			return IR{}, err
		}
		dir, err := readString(r)
		if err != nil {
			return IR{}, err
		}
		v.OrderBy[i] = OrderTerm{Expr: expr, Direction: SortDirection(dir)}
	}

	nGroup, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.GroupBy = make([]Expression, nGroup)
	for i := range v.GroupBy {
		if v.GroupBy[i], err = readExpr(r); err != nil {
			return IR{}, err
		}
	}

	if v.Having, err = readFilter(r); err != nil {
		return IR{}, err
	}

	if v.Limit, err = readOptI64(r); err != nil {
		return IR{}, err
	}
	if v.Offset, err = readOptI64(r); err != nil {
		return IR{}, err
	}

	nJoins, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.Joins = make([]Join, nJoins)
	for i := range v.Joins {
		if v.Joins[i], err = readJoin(r); err != nil {
			return IR{}, err
		}
	}

	nPrefetch, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.Prefetches = make([]Prefetch, nPrefetch)
	for i := range v.Prefetches {
		if v.Prefetches[i].Name, err = readString(r); err != nil {
			return IR{}, err
		}
		if v.Prefetches[i].Query, err = readIR(r); err != nil {
			return IR{}, err
		}
		if v.Prefetches[i].ParentKey, err = readString(r); err != nil {
			return IR{}, err
		}
		if v.Prefetches[i].ChildKey, err = readString(r); err != nil {
			return IR{}, err
		}
	}

	if v.Annotations, err = readExprMap(r); err != nil {
		return IR{}, err
	}

	nRows, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.Values = make([]map[string]Value, nRows)
	for i := range v.Values {
		nCols, err := readU64(r)
		if err != nil {
			return IR{}, err
		}
		row := make(map[string]Value, nCols)
		for j := uint64(0); j < nCols; j++ {
			col, err := readString(r)
			if err != nil {
				return IR{}, err
			}
			val, err := readValue(r)
			if err != nil {
				return IR{}, err
			}
			row[col] = val
		}
		v.Values[i] = row
	}

	nUnions, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.Unions = make([]UnionArm, nUnions)
	for i := range v.Unions {
		op, err := readString(r)
		if err != nil {
			return IR{}, err
		}
		v.Unions[i].Op = SetOp(op)
		if v.Unions[i].IR, err = readIR(r); err != nil {
			return IR{}, err
		}
	}

	locking, err := readString(r)
	if err != nil {
		return IR{}, err
	}
	v.Locking = LockMode(locking)

	if v.Distinct, err = readBool(r); err != nil {
		return IR{}, err
	}

	nReturning, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.Returning = make([]string, nReturning)
	for i := range v.Returning {
		if v.Returning[i], err = readString(r); err != nil {
			return IR{}, err
		}
	}

	if v.Raw, err = readString(r); err != nil {
		return IR{}, err
	}

	nRawArgs, err := readU64(r)
	if err != nil {
		return IR{}, err
	}
	v.RawArgs = make([]Value, nRawArgs)
	for i := range v.RawArgs {
		if v.RawArgs[i], err = readValue(r); err != nil {
			return IR{}, err
		}
	}

	return v, nil
}
