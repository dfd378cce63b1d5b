package ir

import "time"

// ValueKind discriminates the tagged union Value represents.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindI64
	KindF64
	// KindDecimal carries an arbitrary-precision decimal as its exact textual representation,
	// so no float round-trip ever perturbs it.
	KindDecimal
	KindText
	KindBytes
	// KindTimestamp carries a time.Time normalised to UTC.
	KindTimestamp
	// KindDate carries a calendar date with no time-of-day or zone component.
	KindDate
	KindUUID
	// KindJSON carries a raw, already-serialized JSON document.
	KindJSON
)

// Value is the tagged union every literal, bound parameter, and hydrated column value is
// expressed as throughout the engine.
type Value struct {
	Kind ValueKind

	Bool      bool
	I64       int64
	F64       float64
	Decimal   string
	Text      string
	Bytes     []byte
	Timestamp time.Time
	Date      string
	UUID      string
	JSON      []byte
}

// Null returns the null Value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue returns a bool Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int64 returns an i64 Value.
func Int64(i int64) Value { return Value{Kind: KindI64, I64: i} }

// Float64 returns an f64 Value.
func Float64(f float64) Value { return Value{Kind: KindF64, F64: f} }

// DecimalValue returns a decimal Value carrying s verbatim.
func DecimalValue(s string) Value { return Value{Kind: KindDecimal, Decimal: s} }

// Text returns a text Value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// BytesValue returns a bytes Value.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// Timestamp returns a timestamp Value, normalised to UTC.
func Timestamp(t time.Time) Value { return Value{Kind: KindTimestamp, Timestamp: t.UTC()} }

// Date returns a date Value from a "YYYY-MM-DD" string.
func Date(s string) Value { return Value{Kind: KindDate, Date: s} }

// UUIDValue returns a uuid Value from its canonical textual form.
func UUIDValue(s string) Value { return Value{Kind: KindUUID, UUID: s} }

// JSONValue returns a json Value carrying raw as its serialized document.
func JSONValue(raw []byte) Value { return Value{Kind: KindJSON, JSON: raw} }

// IsNull reports whether v is the null Value.
func (v Value) IsNull() bool { return v.Kind == KindNull }
