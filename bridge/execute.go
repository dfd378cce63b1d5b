package bridge

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/hydrate"
	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/sqlbuilder"
	"github.com/icinga/sqlcore/txn"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

// runner is whatever a statement actually runs against: a pool connection taken fresh for the
// call, or a transaction handle's pinned connection. Both already compile via sqlbuilder
// internally (database.(*Pool).Execute/Query and txn.(*Handle).Execute/Query), so runStatement
// doesn't need to know which one it has.
type runner interface {
	Execute(ctx context.Context, v ir.IR) (sql.Result, error)
	Query(ctx context.Context, v ir.IR) (*sqlx.Rows, error)
}

func runnerFor(req ir.Request) (runner, database.Dialect, error) {
	if req.TransactionID != "" {
		handle, ok := txn.Get(req.TransactionID)
		if !ok {
			return nil, "", ir.Errorf(ir.CONFIG, "no transaction registered under id %q", req.TransactionID)
		}

		return handle, handle.Dialect, nil
	}

	pool, err := poolByName(req.PoolName)
	if err != nil {
		return nil, "", err
	}

	return pool, pool.Dialect, nil
}

// Execute runs reqBytes (an ir.EncodeRequest payload) to completion, including any Prefetches
// on the statement, and returns the hydrated result as an EncodeResultSet payload.
// Operation == OpRaw is rejected here: raw_execute is the only entry point allowed to run
// unchecked SQL text, so OpRaw is an API-level validation boundary, not a different code path
// through the Driver.
func Execute(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		req, err := ir.DecodeRequest(reqBytes)
		if err != nil {
			return nil, err
		}

		if req.Statement.Operation == ir.OpRaw {
			return nil, ir.Errorf(ir.USAGE, "execute does not accept OpRaw statements; use raw_execute")
		}

		run, dialect, err := runnerFor(req)
		if err != nil {
			return nil, err
		}

		rs, err := runStatement(ctx, run, dialect, req.Statement)
		if err != nil {
			return nil, err
		}

		return EncodeResultSet(rs)
	})

	return fut.Await(ctx)
}

// Explain compiles reqBytes (an ir.EncodeRequest payload) via the SQL Builder without running
// it, and returns the compiled SQL text and bound arguments as an EncodeExplainResult payload.
func Explain(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		req, err := ir.DecodeRequest(reqBytes)
		if err != nil {
			return nil, err
		}

		_, dialect, err := runnerFor(req)
		if err != nil {
			return nil, err
		}

		query, args, err := sqlbuilder.Build(req.Statement, database.ToSqlbuilderDialect(dialect))
		if err != nil {
			return nil, ir.Wrap(ir.BUILD, err, "can't compile statement")
		}

		return EncodeExplainResult(ExplainResult{SQL: query, Args: args})
	})

	return fut.Await(ctx)
}

// RawExecute runs reqBytes (an EncodeRawRequest payload) as a literal SQL statement, bypassing
// IR compilation, and returns the hydrated result as an EncodeResultSet payload. Internally it
// is an ir.IR with Operation == OpRaw run through the exact same runStatement path Execute
// uses; raw_execute's only distinction from execute is that it's the sole entry point allowed
// to construct one.
func RawExecute(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		req, err := DecodeRawRequest(reqBytes)
		if err != nil {
			return nil, err
		}

		run, dialect, err := runnerFor(ir.Request{PoolName: req.PoolName, TransactionID: req.TransactionID})
		if err != nil {
			return nil, err
		}

		stmt := ir.IR{Operation: ir.OpRaw, Raw: req.SQL, RawArgs: req.Args}

		rs, err := runStatement(ctx, run, dialect, stmt)
		if err != nil {
			return nil, err
		}

		return EncodeResultSet(rs)
	})

	return fut.Await(ctx)
}

// runStatement runs stmt against run, hydrates any rows, and then runs stmt.Prefetches in
// sequence against the same runner (the parent keys a Prefetch needs only exist once the
// parent has fully returned; running several unrelated Prefetches of the same parent
// concurrently, when they're not pinned to one transaction connection, is still sound and
// lets their own round trips overlap).
func runStatement(ctx context.Context, run runner, dialect database.Dialect, stmt ir.IR) (ResultSet, error) {
	isSelect := stmt.Operation == ir.OpSelect || (stmt.Operation == ir.OpRaw && looksLikeSelect(stmt.Raw))

	var rs ResultSet

	// MySQL has no RETURNING clause (sqlbuilder.compileReturning silently omits it for that
	// dialect), so a statement that asked for Returning columns there still has to go through
	// Execute for LAST_INSERT_ID()/RowsAffected rather than Query, per the Open Question
	// decision to surface the gap as-is via ApproximateReturning instead of synthesizing rows.
	runsAsQuery := isSelect || (len(stmt.Returning) > 0 && dialect != database.MySQL)

	switch {
	case runsAsQuery:
		rows, err := run.Query(ctx, stmt)
		if err != nil {
			return ResultSet{}, err
		}
		defer rows.Close()

		hydrated, err := hydrate.All(rows, dialect)
		if err != nil {
			return ResultSet{}, err
		}

		rs.Columns = columnNames(hydrated)
		rs.Rows = valueRows(hydrated)
	default:
		result, err := run.Execute(ctx, stmt)
		if err != nil {
			return ResultSet{}, err
		}

		if affected, err := result.RowsAffected(); err == nil {
			rs.RowsAffected = affected
		}
		if id, err := result.LastInsertId(); err == nil {
			rs.LastInsertID = id
		}

		if len(stmt.Returning) > 0 && dialect == database.MySQL {
			rs.ApproximateReturning = true
		}
	}

	if len(stmt.Prefetches) == 0 {
		return rs, nil
	}

	prefetched, err := runPrefetches(ctx, run, dialect, stmt.Prefetches, rs.Columns, rs.Rows)
	if err != nil {
		return ResultSet{}, err
	}

	rs.Prefetches = prefetched

	return rs, nil
}

// runPrefetches builds and runs each Prefetch's child query against the keys collected from
// the parent's already-hydrated rows, exactly as the engine's async fan-out requires: the
// child IR is only ever built once the parent's keys are known.
func runPrefetches(ctx context.Context, run runner, dialect database.Dialect, prefetches []ir.Prefetch, parentColumns []string, parentRows [][]ir.Value) (map[string]ResultSet, error) {
	keyIndex := make(map[string]int, len(parentColumns))
	for i, name := range parentColumns {
		keyIndex[name] = i
	}

	results := make(map[string]ResultSet, len(prefetches))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if _, pinned := run.(*txn.Handle); pinned {
		g.SetLimit(1)
	}
	for _, p := range prefetches {
		p := p

		idx, ok := keyIndex[p.ParentKey]
		if !ok {
			return nil, ir.Errorf(ir.USAGE, "prefetch %q references unknown parent key %q", p.Name, p.ParentKey)
		}

		keys := make([]ir.Value, 0, len(parentRows))
		for _, row := range parentRows {
			keys = append(keys, row[idx])
		}

		g.Go(func() error {
			if len(keys) == 0 {
				mu.Lock()
				results[p.Name] = ResultSet{}
				mu.Unlock()
				return nil
			}

			child := p.Query
			inFilter := ir.Cond(ir.Bin(ir.OpIn, ir.Col(p.ChildKey), inListExpr(keys)))
			if isEmptyFilter(child.Filter) {
				child.Filter = inFilter
			} else {
				child.Filter = ir.And(child.Filter, inFilter)
			}

			sub, err := runStatement(ctx, run, dialect, child)
			if err != nil {
				return err
			}

			mu.Lock()
			results[p.Name] = sub
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// isEmptyFilter mirrors the SQL Builder's own "does this IR carry a WHERE at all" check so a
// Prefetch's child query only grows an AND when it already had a filter of its own.
func isEmptyFilter(f ir.FilterNode) bool {
	return f.Kind == 0 && f.Children == nil && f.Condition == nil && f.Operand == nil
}

// inListExpr builds the "(?, ?, ?)" raw fragment an IN/NOT IN right-hand side compiles to.
func inListExpr(values []ir.Value) ir.Expression {
	placeholders := strings.Repeat("?, ", len(values))
	placeholders = strings.TrimSuffix(placeholders, ", ")

	return ir.RawExpr("("+placeholders+")", values...)
}

func looksLikeSelect(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "select")
}

func columnNames(rows []hydrate.Row) []string {
	if len(rows) == 0 {
		return nil
	}

	names := make([]string, len(rows[0]))
	for i, nv := range rows[0] {
		names[i] = nv.Name
	}

	return names
}

func valueRows(rows []hydrate.Row) [][]ir.Value {
	out := make([][]ir.Value, len(rows))
	for i, row := range rows {
		vals := make([]ir.Value, len(row))
		for j, nv := range row {
			vals[j] = nv.Value
		}
		out[i] = vals
	}

	return out
}
