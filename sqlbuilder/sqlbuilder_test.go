package sqlbuilder

import (
	"testing"

	"github.com/icinga/sqlcore/ir"
	"github.com/stretchr/testify/require"
)

func TestBuild_Select(t *testing.T) {
	limit := int64(10)

	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Alias:     "h",
		Columns:   []ir.Expression{ir.Col("h.id"), ir.Col("h.name")},
		Filter:    ir.Cond(ir.Bin(ir.OpEq, ir.Col("h.state"), ir.Lit(ir.Int64(1)))),
		OrderBy:   []ir.OrderTerm{{Expr: ir.Col("h.id"), Direction: ir.Desc}},
		Limit:     &limit,
	}

	subtests := map[Dialect]struct {
		sql  string
		args []ir.Value
	}{
		Postgres: {
			sql:  `SELECT "h"."id", "h"."name" FROM "host" AS "h" WHERE ("h"."state" = $1) ORDER BY "h"."id" DESC LIMIT 10`,
			args: []ir.Value{ir.Int64(1)},
		},
		SQLite: {
			sql:  `SELECT "h"."id", "h"."name" FROM "host" AS "h" WHERE ("h"."state" = ?) ORDER BY "h"."id" DESC LIMIT 10`,
			args: []ir.Value{ir.Int64(1)},
		},
		MySQL: {
			sql:  `SELECT "h"."id", "h"."name" FROM "host" AS "h" WHERE ("h"."state" = ?) ORDER BY "h"."id" DESC LIMIT 10`,
			args: []ir.Value{ir.Int64(1)},
		},
	}

	for dialect, expected := range subtests {
		t.Run(string(dialect), func(t *testing.T) {
			sql, args, err := Build(v, dialect)
			require.NoError(t, err)
			require.Equal(t, expected.sql, sql)
			require.Equal(t, expected.args, args)
		})
	}
}

func TestBuild_SelectLocking(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Locking:   ir.LockForUpdate,
	}

	sql, _, err := Build(v, Postgres)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "host" FOR UPDATE`, sql)

	sql, _, err = Build(v, SQLite)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "host"`, sql, "SQLite has no native row locking, should be omitted")
}

func TestBuild_Insert(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpInsert,
		Table:     "host",
		Values: []map[string]ir.Value{
			{"name": ir.Text("example.com"), "state": ir.Int64(1)},
		},
		Returning: []string{"id"},
	}

	sql, args, err := Build(v, Postgres)
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "host" ("name", "state") VALUES ($1, $2) RETURNING "id"`, sql)
	require.Equal(t, []ir.Value{ir.Text("example.com"), ir.Int64(1)}, args)

	sql, _, err = Build(v, MySQL)
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "host" ("name", "state") VALUES (?, ?)`, sql,
		"MySQL has no RETURNING clause, should be silently omitted")
}

func TestBuild_Update(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpUpdate,
		Table:     "host",
		Values:    []map[string]ir.Value{{"state": ir.Int64(2)}},
		Filter:    ir.Cond(ir.Bin(ir.OpEq, ir.Col("id"), ir.Lit(ir.Int64(1)))),
	}

	sql, args, err := Build(v, SQLite)
	require.NoError(t, err)
	require.Equal(t, `UPDATE "host" SET "state" = ? WHERE ("id" = ?)`, sql)
	require.Equal(t, []ir.Value{ir.Int64(2), ir.Int64(1)}, args)
}

func TestBuild_Update_RequiresExactlyOneRow(t *testing.T) {
	v := ir.IR{Operation: ir.OpUpdate, Table: "host"}

	_, _, err := Build(v, SQLite)
	require.Error(t, err)
}

func TestBuild_Delete(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpDelete,
		Table:     "host",
		Filter:    ir.Cond(ir.Bin(ir.OpEq, ir.Col("id"), ir.Lit(ir.Int64(1)))),
	}

	sql, args, err := Build(v, MySQL)
	require.NoError(t, err)
	require.Equal(t, `DELETE FROM "host" WHERE ("id" = ?)`, sql)
	require.Equal(t, []ir.Value{ir.Int64(1)}, args)
}

func TestBuild_FilterAndOrNot(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Filter: ir.And(
			ir.Cond(ir.Bin(ir.OpEq, ir.Col("state"), ir.Lit(ir.Int64(1)))),
			ir.Not(ir.Cond(ir.Bin(ir.OpIsNull, ir.Col("deleted_at"), ir.Col("deleted_at")))),
			ir.Or(
				ir.Cond(ir.Bin(ir.OpLike, ir.Col("name"), ir.Lit(ir.Text("foo%")))),
				ir.Cond(ir.Bin(ir.OpLike, ir.Col("name"), ir.Lit(ir.Text("bar%")))),
			),
		),
	}

	sql, args, err := Build(v, SQLite)
	require.NoError(t, err)
	require.Equal(t,
		`SELECT * FROM "host" WHERE (("state" = ?) AND NOT (("deleted_at" IS NULL)) AND (("name" LIKE ?) OR ("name" LIKE ?)))`,
		sql)
	require.Equal(t, []ir.Value{ir.Int64(1), ir.Text("foo%"), ir.Text("bar%")}, args)
}

func TestBuild_EmptyInIsConstantFalse(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Filter:    ir.Cond(ir.Bin(ir.OpIn, ir.Col("status"), ir.RawExpr("()"))),
	}

	sql, args, err := Build(v, SQLite)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "host" WHERE (1 = 0)`, sql)
	require.Empty(t, args)
}

func TestBuild_EmptyNotInIsConstantTrue(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Filter:    ir.Cond(ir.Bin(ir.OpNotIn, ir.Col("status"), ir.RawExpr("()"))),
	}

	sql, _, err := Build(v, SQLite)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "host" WHERE (1 = 1)`, sql)
}

func TestBuild_ICaseInsensitiveContainsMySQL(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Filter:    ir.Cond(ir.Bin(ir.OpIContains, ir.Col("name"), ir.Lit(ir.Text("oH")))),
	}

	sql, args, err := Build(v, MySQL)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "host" WHERE (LOWER("name") LIKE LOWER(?))`, sql)
	require.Equal(t, []ir.Value{ir.Text("%oH%")}, args)
}

func TestBuild_LookupOperators(t *testing.T) {
	subtests := []struct {
		name     string
		op       ir.BinOp
		dialect  Dialect
		wantSQL  string
		wantArgs []ir.Value
	}{
		{"contains", ir.OpContains, SQLite,
			`SELECT * FROM "host" WHERE ("name" LIKE ?)`, []ir.Value{ir.Text("%oh%")}},
		{"startswith", ir.OpStartsWith, SQLite,
			`SELECT * FROM "host" WHERE ("name" LIKE ?)`, []ir.Value{ir.Text("oh%")}},
		{"endswith", ir.OpEndsWith, SQLite,
			`SELECT * FROM "host" WHERE ("name" LIKE ?)`, []ir.Value{ir.Text("%oh")}},
		{"istartswith_postgres", ir.OpIStartsWith, Postgres,
			`SELECT * FROM "host" WHERE ("name" ILIKE $1)`, []ir.Value{ir.Text("oh%")}},
		{"iendswith_sqlite", ir.OpIEndsWith, SQLite,
			`SELECT * FROM "host" WHERE (LOWER("name") LIKE LOWER(?))`, []ir.Value{ir.Text("%oh")}},
		{"iexact_postgres", ir.OpIExact, Postgres,
			`SELECT * FROM "host" WHERE ("name" ILIKE $1)`, []ir.Value{ir.Text("oh")}},
		{"iexact_sqlite", ir.OpIExact, SQLite,
			`SELECT * FROM "host" WHERE (LOWER("name") = LOWER(?))`, []ir.Value{ir.Text("oh")}},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			v := ir.IR{
				Operation: ir.OpSelect,
				Table:     "host",
				Filter:    ir.Cond(ir.Bin(st.op, ir.Col("name"), ir.Lit(ir.Text("oh")))),
			}

			sql, args, err := Build(v, st.dialect)
			require.NoError(t, err)
			require.Equal(t, st.wantSQL, sql)
			require.Equal(t, st.wantArgs, args)
		})
	}
}

func TestBuild_Between(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Filter:    ir.Cond(ir.Between(ir.Col("state"), ir.Lit(ir.Int64(0)), ir.Lit(ir.Int64(2)))),
	}

	sql, args, err := Build(v, SQLite)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "host" WHERE ("state" BETWEEN ? AND ?)`, sql)
	require.Equal(t, []ir.Value{ir.Int64(0), ir.Int64(2)}, args)
}

func TestBuild_Annotations(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Columns:   []ir.Expression{ir.Col("id")},
		Annotations: map[string]ir.Expression{
			"total": ir.Agg(ir.AggCount, nil, false),
		},
	}

	sql, _, err := Build(v, Postgres)
	require.NoError(t, err)
	require.Equal(t, `SELECT "id", COUNT(*) AS "total" FROM "host"`, sql)
}

func TestBuild_AnnotationsAloneStillProject(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Annotations: map[string]ir.Expression{
			"total": ir.Agg(ir.AggCount, nil, false),
		},
	}

	sql, _, err := Build(v, Postgres)
	require.NoError(t, err)
	require.Equal(t, `SELECT COUNT(*) AS "total" FROM "host"`, sql)
}

func TestBuild_Aggregate(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Columns:   []ir.Expression{ir.Agg(ir.AggCount, nil, false).As("total")},
	}

	sql, _, err := Build(v, Postgres)
	require.NoError(t, err)
	require.Equal(t, `SELECT COUNT(*) AS "total" FROM "host"`, sql)
}

func TestBuild_ScalarFn(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Columns:   []ir.Expression{ir.Fn("year", ir.Col("created_at"))},
	}

	sql, _, err := Build(v, MySQL)
	require.NoError(t, err)
	require.Equal(t, `SELECT YEAR("created_at") FROM "host"`, sql)
}

func TestBuild_Raw(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpRaw,
		Raw:       "SET SESSION sql_mode = ?",
		RawArgs:   []ir.Value{ir.Text("ANSI_QUOTES")},
	}

	sql, args, err := Build(v, MySQL)
	require.NoError(t, err)
	require.Equal(t, "SET SESSION sql_mode = ?", sql)
	require.Equal(t, []ir.Value{ir.Text("ANSI_QUOTES")}, args)
}

func TestBuild_Union(t *testing.T) {
	v := ir.IR{
		Operation: ir.OpSelect,
		Table:     "host",
		Unions: []ir.UnionArm{
			{Op: ir.SetUnionAll, IR: ir.IR{Operation: ir.OpSelect, Table: "host_history"}},
		},
	}

	sql, _, err := Build(v, Postgres)
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "host" UNION ALL SELECT * FROM "host_history"`, sql)
}

func TestExplain(t *testing.T) {
	v := ir.IR{Operation: ir.OpSelect, Table: "host"}

	sql, _, err := Explain(v, Postgres)
	require.NoError(t, err)
	require.Equal(t, `EXPLAIN (FORMAT JSON) SELECT * FROM "host"`, sql)

	sql, _, err = Explain(v, SQLite)
	require.NoError(t, err)
	require.Equal(t, `EXPLAIN QUERY PLAN SELECT * FROM "host"`, sql)

	sql, _, err = Explain(v, MySQL)
	require.NoError(t, err)
	require.Equal(t, `EXPLAIN FORMAT=JSON SELECT * FROM "host"`, sql)
}
