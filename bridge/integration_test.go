package bridge

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// getTestPool mirrors database.GetTestDB/txn's own getTestPool (each package that needs a live
// test pool carries its own copy, since a _test.go symbol can't be imported across packages):
// it opens a Pool from envPrefix-scoped environment variables, skipping the test entirely if
// envPrefix+"_TESTS_DB_TYPE" isn't set.
func getTestPool(ctx context.Context, t *testing.T, envPrefix string) *database.Pool {
	c := &database.Config{}
	require.NoError(t, defaults.Set(c), "applying config defaults should not fail")

	v, ok := os.LookupEnv(envPrefix + "_TESTS_DB_TYPE")
	if !ok {
		t.Skipf("Environment %q not set, skipping test!", envPrefix+"_TESTS_DB_TYPE")
	}
	c.Type = strings.ToLower(v)

	if v, ok := os.LookupEnv(envPrefix + "_TESTS_DB"); ok {
		c.Database = v
	}
	if v, ok := os.LookupEnv(envPrefix + "_TESTS_DB_USER"); ok {
		c.User = v
	}
	if v, ok := os.LookupEnv(envPrefix + "_TESTS_DB_PASSWORD"); ok {
		c.Password = v
	}
	if v, ok := os.LookupEnv(envPrefix + "_TESTS_DB_HOST"); ok {
		c.Host = v
	}
	if v, ok := os.LookupEnv(envPrefix + "_TESTS_DB_PORT"); ok {
		port, err := strconv.Atoi(v)
		require.NoError(t, err, "invalid port provided")
		c.Port = port
	}

	require.NoError(t, c.Validate(), "database config validation should not fail")

	reg := &database.PoolRegistry{}
	pool, err := database.NewPoolFromConfig(reg, envPrefix, c, logging.NewLogger(zaptest.NewLogger(t).Sugar(), time.Hour))
	require.NoError(t, err, "connecting to database should not fail")
	require.NoError(t, pool.PingContext(ctx), "pinging the database should not fail")

	return pool
}

// registerTestPool wraps getTestPool, additionally making the pool reachable through the
// Bridge's own package-level registry under its own name, the way InitPool would.
func registerTestPool(ctx context.Context, t *testing.T) string {
	pool := getTestPool(ctx, t, "SQLCORE")

	require.NoError(t, registry.Register(pool.Name, pool))
	t.Cleanup(func() { _ = registry.ClosePool(pool.Name) })

	return pool.Name
}

func TestBridge_ExecuteQueryAndRawExecuteRoundTrip(t *testing.T) {
	ctx := context.Background()
	poolName := registerTestPool(ctx, t)

	_, err := RawExecute(ctx, must(EncodeRawRequest(RawRequest{
		PoolName: poolName,
		SQL:      `CREATE TABLE bridge_it_host (id INTEGER PRIMARY KEY, name TEXT)`,
	})))
	require.NoError(t, err)

	insertIR := ir.IR{
		Operation: ir.OpInsert,
		Table:     "bridge_it_host",
		Values: []map[string]ir.Value{
			{"id": ir.Int64(1), "name": ir.Text("router1")},
			{"id": ir.Int64(2), "name": ir.Text("router2")},
		},
	}
	_, err = Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, Statement: insertIR})))
	require.NoError(t, err)

	selectIR := ir.IR{
		Operation: ir.OpSelect,
		Table:     "bridge_it_host",
		Columns:   []ir.Expression{ir.Col("id"), ir.Col("name")},
		OrderBy:   []ir.OrderTerm{{Expr: ir.Col("id")}},
	}
	respBytes, err := Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, Statement: selectIR})))
	require.NoError(t, err)

	rs, err := DecodeResultSet(respBytes)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, ir.Text("router1"), rs.Rows[0][1])
}

func TestBridge_TransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	poolName := registerTestPool(ctx, t)

	_, err := RawExecute(ctx, must(EncodeRawRequest(RawRequest{
		PoolName: poolName,
		SQL:      `CREATE TABLE bridge_it_tx (id INTEGER PRIMARY KEY, name TEXT)`,
	})))
	require.NoError(t, err)

	txIDBytes, err := BeginTransaction(ctx, []byte(poolName))
	require.NoError(t, err)
	txID := string(txIDBytes)

	insertIR := ir.IR{
		Operation: ir.OpInsert,
		Table:     "bridge_it_tx",
		Values:    []map[string]ir.Value{{"id": ir.Int64(1), "name": ir.Text("in-flight")}},
	}
	_, err = Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, TransactionID: txID, Statement: insertIR})))
	require.NoError(t, err)

	_, err = RollbackTransaction(ctx, []byte(txID))
	require.NoError(t, err)

	selectIR := ir.IR{Operation: ir.OpSelect, Table: "bridge_it_tx"}
	respBytes, err := Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, Statement: selectIR})))
	require.NoError(t, err)

	rs, err := DecodeResultSet(respBytes)
	require.NoError(t, err)
	assert.Empty(t, rs.Rows, "rolled back insert must not be visible")
}

func TestBridge_ExecuteRejectsRawOperation(t *testing.T) {
	ctx := context.Background()
	poolName := registerTestPool(ctx, t)

	rawIR := ir.IR{Operation: ir.OpRaw, Raw: "SELECT 1"}
	_, err := Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, Statement: rawIR})))
	require.Error(t, err)
}

func TestBridge_PrefetchJoinsOnParentKeys(t *testing.T) {
	ctx := context.Background()
	poolName := registerTestPool(ctx, t)

	for _, stmt := range []string{
		`CREATE TABLE bridge_it_parent (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE bridge_it_child (parent_id INTEGER, tag TEXT)`,
	} {
		_, err := RawExecute(ctx, must(EncodeRawRequest(RawRequest{PoolName: poolName, SQL: stmt})))
		require.NoError(t, err)
	}

	_, err := Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, Statement: ir.IR{
		Operation: ir.OpInsert,
		Table:     "bridge_it_parent",
		Values:    []map[string]ir.Value{{"id": ir.Int64(1), "name": ir.Text("host1")}},
	}})))
	require.NoError(t, err)

	_, err = Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, Statement: ir.IR{
		Operation: ir.OpInsert,
		Table:     "bridge_it_child",
		Values:    []map[string]ir.Value{{"parent_id": ir.Int64(1), "tag": ir.Text("prod")}},
	}})))
	require.NoError(t, err)

	parentIR := ir.IR{
		Operation: ir.OpSelect,
		Table:     "bridge_it_parent",
		Columns:   []ir.Expression{ir.Col("id"), ir.Col("name")},
		Prefetches: []ir.Prefetch{{
			Name:      "tags",
			ParentKey: "id",
			ChildKey:  "parent_id",
			Query: ir.IR{
				Operation: ir.OpSelect,
				Table:     "bridge_it_child",
				Columns:   []ir.Expression{ir.Col("parent_id"), ir.Col("tag")},
			},
		}},
	}

	respBytes, err := Execute(ctx, must(ir.EncodeRequest(ir.Request{PoolName: poolName, Statement: parentIR})))
	require.NoError(t, err)

	rs, err := DecodeResultSet(respBytes)
	require.NoError(t, err)
	require.Contains(t, rs.Prefetches, "tags")
	require.Len(t, rs.Prefetches["tags"].Rows, 1)
	assert.Equal(t, ir.Text("prod"), rs.Prefetches["tags"].Rows[0][1])
}

func must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}

	return b
}
