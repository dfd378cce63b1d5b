package txn

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/logging"
	"github.com/icinga/sqlcore/periodic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", Idle.String())
	assert.Equal(t, "ACTIVE", Active.String())
	assert.Equal(t, "POISONED", Poisoned.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}

func TestHandle_ConcurrentUseIsRejected(t *testing.T) {
	h := &Handle{ID: "concurrent-test"}

	h.mu.Lock() // simulate another goroutine already operating on the handle
	defer h.mu.Unlock()

	err := h.Begin(context.Background())
	require.Error(t, err)

	var irErr *ir.Error
	require.ErrorAs(t, err, &irErr)
	assert.Equal(t, ir.USAGE, irErr.Kind)
}

func TestHandle_FinalizedHandleRejectsFurtherUse(t *testing.T) {
	h := &Handle{ID: "finalized-test"}
	h.finalized.Store(true)

	for _, op := range []func() error{
		func() error { return h.Begin(context.Background()) },
		func() error { return h.Commit(context.Background()) },
		func() error { return h.Rollback(context.Background()) },
	} {
		err := op()
		require.Error(t, err)

		var irErr *ir.Error
		require.ErrorAs(t, err, &irErr)
		assert.Equal(t, ir.TRANSACTION_POISONED, irErr.Kind)
	}
}

func TestHandle_ExitWithoutActiveTransactionIsUsageError(t *testing.T) {
	h := &Handle{ID: "idle-test"}

	err := h.Commit(context.Background())
	require.Error(t, err)

	var irErr *ir.Error
	require.ErrorAs(t, err, &irErr)
	assert.Equal(t, ir.USAGE, irErr.Kind)
}

func TestHandle_SetRollbackOnly(t *testing.T) {
	h := &Handle{ID: "rollback-flag-test"}
	assert.False(t, h.rollbackFlag)

	h.SetRollbackOnly()
	assert.True(t, h.rollbackFlag)
}

func TestSqliteAdvisoryMutex_SameNameReturnsSameMutex(t *testing.T) {
	// Reset package state so this test doesn't depend on execution order.
	sqliteLocksMu.Lock()
	sqliteLocks = map[string]*sync.Mutex{}
	sqliteLocksMu.Unlock()

	m1 := sqliteAdvisoryMutex("main")
	m2 := sqliteAdvisoryMutex("main")
	require.Same(t, m1, m2)

	m3 := sqliteAdvisoryMutex("secondary")
	require.NotSame(t, m1, m3)
}

func TestEnsureReaper_StartsOncePerPool(t *testing.T) {
	reapersMu.Lock()
	reapers = map[string]periodic.Stopper{}
	reapersMu.Unlock()

	pool := &database.Pool{Name: "reaper-test-pool", Options: &database.Options{TransactionCleanupInterval: time.Hour}}

	ensureReaper(pool)
	ensureReaper(pool)

	reapersMu.Lock()
	count := len(reapers)
	reapersMu.Unlock()

	assert.Equal(t, 1, count, "a second ensureReaper call must not start a duplicate reaper")

	StopReaper(pool.Name)

	reapersMu.Lock()
	_, stillRunning := reapers[pool.Name]
	reapersMu.Unlock()
	assert.False(t, stillRunning)
}

// TestHandle_NestedSavepoints exercises the S4 scenario end to end against a real database:
// begin (depth 1), insert a row, begin again (depth 2, savepoint), insert a second row,
// roll back the inner scope, commit the outer scope, and confirm only the first row survived.
func TestHandle_NestedSavepoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := getTestPool(ctx, t, "ICINGASQLCORE_TXN")

	_, err := pool.ExecContext(ctx, "CREATE TABLE igl_txn_test_nested (id INT PRIMARY KEY)")
	require.NoError(t, err)
	defer func() {
		_, _ = pool.ExecContext(ctx, "DROP TABLE IF EXISTS igl_txn_test_nested")
	}()

	h, err := Begin(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Depth())

	_, err = h.tx.ExecContext(ctx, "INSERT INTO igl_txn_test_nested (id) VALUES (1)")
	require.NoError(t, err)

	require.NoError(t, h.Begin(ctx))
	assert.Equal(t, 2, h.Depth())

	_, err = h.tx.ExecContext(ctx, "INSERT INTO igl_txn_test_nested (id) VALUES (2)")
	require.NoError(t, err)

	require.NoError(t, h.Rollback(ctx))
	assert.Equal(t, 1, h.Depth())

	require.NoError(t, h.Commit(ctx))
	assert.Equal(t, 0, h.Depth())

	_, ok := Get(h.ID)
	assert.False(t, ok, "a committed handle must be removed from the handle table")

	var count int
	require.NoError(t, pool.GetContext(ctx, &count, "SELECT COUNT(*) FROM igl_txn_test_nested"))
	assert.Equal(t, 1, count, "only the outer scope's insert should have survived the inner rollback")
}

// TestHandle_TransactionTimeout exercises S5: a transaction whose deadline has already
// elapsed is rolled back by the reaper, and the handle is absent afterward.
func TestHandle_TransactionTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := getTestPool(ctx, t, "ICINGASQLCORE_TXN")

	h, err := Begin(ctx, pool)
	require.NoError(t, err)

	h.Deadline = time.Now().Add(-time.Minute)
	h.reapTimeout(ctx)

	_, ok := Get(h.ID)
	assert.False(t, ok, "a timed out handle must be removed from the handle table")

	err = h.Commit(ctx)
	require.Error(t, err)

	var irErr *ir.Error
	require.ErrorAs(t, err, &irErr)
	assert.Equal(t, ir.TRANSACTION_POISONED, irErr.Kind)
}

// getTestPool mirrors database.GetTestDB: it opens a Pool from envPrefix-scoped environment
// variables, skipping the test entirely if envPrefix+"_TESTS_DB_TYPE" isn't set.
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
