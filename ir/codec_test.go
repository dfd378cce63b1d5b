package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	limit := int64(10)
	offset := int64(5)

	subtests := map[string]IR{
		"empty select": {
			Operation: OpSelect,
			Table:     "host",
		},
		"select with everything": {
			Operation: OpSelect,
			Table:     "host",
			Alias:     "h",
			Columns: []Expression{
				Col("h.id"),
				Agg(AggCount, nil, false).As("total"),
			},
			Filter: And(
				Cond(Bin(OpEq, Col("h.state"), Lit(Int64(1)))),
				Or(
					Cond(Bin(OpLike, Col("h.name"), Lit(Text("foo%")))),
					Not(Cond(Bin(OpIsNull, Col("h.deleted_at"), Col("h.deleted_at")))),
				),
			),
			OrderBy: []OrderTerm{{Expr: Col("h.id"), Direction: Desc}},
			GroupBy: []Expression{Col("h.state")},
			Having:  Cond(Bin(OpGt, Agg(AggCount, nil, false), Lit(Int64(1)))),
			Limit:   &limit,
			Offset:  &offset,
			Joins: []Join{
				{Kind: JoinLeft, Table: "hostgroup", Alias: "hg", On: Cond(Bin(OpEq, Col("h.id"), Col("hg.host_id")))},
			},
			Prefetches: []Prefetch{
				{Name: "services", Query: IR{Operation: OpSelect, Table: "service"}, ParentKey: "id", ChildKey: "host_id"},
			},
			Annotations: map[string]Expression{"total": Agg(AggCount, nil, false)},
			Unions: []UnionArm{
				{Op: SetUnionAll, IR: IR{Operation: OpSelect, Table: "host_history"}},
			},
			Locking:   LockForUpdate,
			Distinct:  true,
			Returning: []string{"id"},
		},
		"insert with values": {
			Operation: OpInsert,
			Table:     "host",
			Values: []map[string]Value{
				{
					"name":       Text("example.com"),
					"state":      Int64(1),
					"checksum":   BytesValue([]byte{0xde, 0xad, 0xbe, 0xef}),
					"created_at": Timestamp(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)),
					"next_check": Date("2026-08-01"),
					"id":         UUIDValue("9f8e7d6c-0000-0000-0000-000000000001"),
					"extra":      JSONValue([]byte(`{"a":1}`)),
					"weight":     Float64(3.5),
					"disabled":   BoolValue(false),
					"deleted_at": Null(),
					"balance":    DecimalValue("12345.6789"),
				},
			},
			Returning: []string{"id"},
		},
		"raw": {
			Operation: OpRaw,
			Raw:       "SET SESSION sql_mode = ?",
			RawArgs:   []Value{Text("ANSI_QUOTES")},
		},
		"lookup operators": {
			Operation: OpSelect,
			Table:     "host",
			Filter: And(
				Cond(Between(Col("state"), Lit(Int64(0)), Lit(Int64(2)))),
				Cond(Bin(OpIContains, Col("name"), Lit(Text("oH")))),
				Cond(Bin(OpIn, Col("id"), RawExpr("()"))),
			),
		},
	}

	for name, in := range subtests {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(in)
			require.NoError(t, err)

			out, err := Decode(encoded)
			require.NoError(t, err)

			require.Equal(t, in, out)
		})
	}
}

func TestDecode_UnknownVersion(t *testing.T) {
	_, err := Decode([]byte{42})
	require.Error(t, err)

	var irErr *Error
	require.ErrorAs(t, err, &irErr)
	require.Equal(t, PROTOCOL, irErr.Kind)
}

func TestDecode_Truncated(t *testing.T) {
	encoded, err := Encode(IR{Operation: OpSelect, Table: "host"})
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-3])
	require.Error(t, err)

	var irErr *Error
	require.ErrorAs(t, err, &irErr)
	require.Equal(t, PROTOCOL, irErr.Kind)
}

func TestDecode_UnknownValueTag(t *testing.T) {
	// The last byte of this payload is the tag of the sole RawArgs value; replacing it with
	// an unassigned tag must surface as a PROTOCOL error rather than a panic or garbage value.
	encoded, err := Encode(IR{
		Operation: OpRaw,
		RawArgs:   []Value{Null()},
	})
	require.NoError(t, err)
	require.Equal(t, tagNull, encoded[len(encoded)-1])

	corrupted := append([]byte(nil), encoded...)
	corrupted[len(corrupted)-1] = 0xff

	_, err = Decode(corrupted)
	require.Error(t, err)

	var irErr *Error
	require.ErrorAs(t, err, &irErr)
	require.Equal(t, PROTOCOL, irErr.Kind)
}
