package txn

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sync"

	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/ir"
)

// WithAdvisoryLock pins a connection from pool via the Transaction Manager, acquires a
// named advisory lock on it before the first DDL, runs fn inside a transaction on that same
// Handle, and releases the lock in the outermost finaliser - guaranteeing lock and unlock
// always run on the same connection, per rule 4. SQLite has no advisory lock primitive and
// falls back to an in-process sync.Mutex keyed by pool name, consistent with SQLite's
// database-level locking model used elsewhere for FOR UPDATE/FOR SHARE.
func WithAdvisoryLock(ctx context.Context, pool *database.Pool, key string, fn func(ctx context.Context, h *Handle) error) error {
	switch pool.Dialect {
	case database.SQLite:
		return withSqliteAdvisoryLock(ctx, pool, fn)
	case database.PostgreSQL:
		id := fnv.New64a()
		_, _ = id.Write([]byte(key))
		n := int64(id.Sum64())

		return withConnAdvisoryLock(ctx, pool,
			func(ctx context.Context, conn connExecutor) error {
				_, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", n)
				return err
			},
			func(ctx context.Context, conn connExecutor) error {
				_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", n)
				return err
			},
			fn,
		)
	case database.MySQL:
		return withConnAdvisoryLock(ctx, pool,
			func(ctx context.Context, conn connExecutor) error {
				_, err := conn.ExecContext(ctx, "SELECT GET_LOCK(?, -1)", key)
				return err
			},
			func(ctx context.Context, conn connExecutor) error {
				_, err := conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", key)
				return err
			},
			fn,
		)
	default:
		return ir.Errorf(ir.CONFIG, "advisory locking is not supported for dialect %q", pool.Dialect)
	}
}

// connExecutor is the minimal surface withConnAdvisoryLock needs from the pinned *sqlx.Conn
// to run the lock/unlock statements, independent of the Handle's own sqlbuilder-driven path.
type connExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var sqliteLocksMu sync.Mutex
var sqliteLocks = map[string]*sync.Mutex{}

func sqliteAdvisoryMutex(poolName string) *sync.Mutex {
	sqliteLocksMu.Lock()
	defer sqliteLocksMu.Unlock()

	m, ok := sqliteLocks[poolName]
	if !ok {
		m = &sync.Mutex{}
		sqliteLocks[poolName] = m
	}

	return m
}

func withSqliteAdvisoryLock(ctx context.Context, pool *database.Pool, fn func(ctx context.Context, h *Handle) error) error {
	m := sqliteAdvisoryMutex(pool.Name)
	m.Lock()
	defer m.Unlock()

	h, err := Begin(ctx, pool)
	if err != nil {
		return err
	}

	return runAndFinalize(ctx, h, fn)
}

func withConnAdvisoryLock(
	ctx context.Context, pool *database.Pool,
	lock, unlock func(ctx context.Context, conn connExecutor) error,
	fn func(ctx context.Context, h *Handle) error,
) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}

	if err := lock(ctx, conn); err != nil {
		_ = conn.Close()
		return ir.Wrap(ir.BACKEND, err, "can't acquire advisory lock")
	}

	h := newHandle(pool, conn)
	h.onRelease = func(ctx context.Context) {
		if err := unlock(ctx, conn); err != nil {
			if logger := pool.Logger(); logger != nil {
				logger.Warnw("Can't release advisory lock", "pool", pool.Name, "error", err)
			}
		}
	}

	if err := h.Begin(ctx); err != nil {
		h.onRelease(ctx)
		_ = conn.Close()
		return err
	}

	handles.Store(h.ID, h)
	ensureReaper(pool)

	return runAndFinalize(ctx, h, fn)
}

func runAndFinalize(ctx context.Context, h *Handle, fn func(ctx context.Context, h *Handle) error) error {
	fnErr := fn(ctx, h)
	if fnErr != nil {
		h.SetRollbackOnly()
	}

	if exitErr := h.Commit(ctx); exitErr != nil && fnErr == nil {
		return exitErr
	}

	return fnErr
}
