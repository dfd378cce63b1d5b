// Package txn implements the Transaction Manager: a process-wide table of pinned-connection
// transaction handles layered on top of database.Pool, generalising the teacher's single
// BeginTxx-fn-Commit helper (database.(*Pool).ExecTx) into the nested-savepoint state machine,
// reaper and advisory-locking facilities an embedder needs.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/icinga/sqlcore/com"
	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// State is a transaction handle's position in the IDLE/ACTIVE/POISONED state machine.
type State int32

const (
	// Idle means depth 0: no BEGIN has been issued on the handle's pinned connection yet.
	Idle State = iota
	// Active means depth >= 1: a BEGIN (depth 1) or SAVEPOINT (depth > 1) stack is open.
	Active
	// Poisoned means a prior statement error or cancellation tainted the handle; every
	// operation until the outermost exit reports TRANSACTION_POISONED.
	Poisoned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Active:
		return "ACTIVE"
	case Poisoned:
		return "POISONED"
	default:
		return "UNKNOWN"
	}
}

// Handle is a single in-flight transaction: `{id, pool_name, dialect, pinned_connection,
// depth, rollback_flag, created_at, deadline}` exactly as spec'd, pinned to one *sqlx.Conn
// for its entire lifetime so BEGIN/SAVEPOINT/COMMIT/ROLLBACK always run on the same session.
type Handle struct {
	ID        string
	PoolName  string
	Dialect   database.Dialect
	CreatedAt time.Time
	Deadline  time.Time

	pool *database.Pool

	// mu is deliberately non-reentrant: TryLock failing means another goroutine is already
	// using this handle, which spec §5 calls out as a USAGE error rather than something to
	// wait out.
	mu    sync.Mutex
	state State
	depth int

	// rollbackFlag forces the outermost commit path to roll back instead (rule 2); inner
	// savepoint commits are unaffected.
	rollbackFlag bool

	conn *sqlx.Conn
	tx   *sqlx.Tx

	// onRelease, if set, runs once right before the pinned connection is closed and the
	// handle is unregistered - used by WithAdvisoryLock to release the session lock on the
	// same connection that acquired it, before that connection goes back to the pool.
	onRelease func(ctx context.Context)

	finalized com.Atomic[bool]
}

var handles sync.Map // string (Handle.ID) -> *Handle

// Begin opens a new top-level Handle against pool: it acquires a pinned connection and
// immediately issues the first BEGIN, starting the reaper for pool if it isn't running yet.
func Begin(ctx context.Context, pool *database.Pool) (*Handle, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	h := newHandle(pool, conn)

	if err := h.Begin(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	handles.Store(h.ID, h)
	ensureReaper(pool)

	return h, nil
}

func newHandle(pool *database.Pool, conn *sqlx.Conn) *Handle {
	now := time.Now()

	return &Handle{
		ID:        uuid.NewString(),
		PoolName:  pool.Name,
		Dialect:   pool.Dialect,
		CreatedAt: now,
		Deadline:  now.Add(pool.Options.TransactionTimeout),
		pool:      pool,
		conn:      conn,
	}
}

// Get returns the handle registered under id, or (nil, false) if none is active.
func Get(id string) (*Handle, bool) {
	v, ok := handles.Load(id)
	if !ok {
		return nil, false
	}

	return v.(*Handle), true
}

// Depth returns the handle's current nesting depth (0 means no open transaction).
func (h *Handle) Depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.depth
}

// GetState returns the handle's current position in the state machine.
func (h *Handle) GetState() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// SetRollbackOnly marks the handle so that its outermost Commit executes ROLLBACK instead,
// per rule 2: inner savepoint commits still behave normally.
func (h *Handle) SetRollbackOnly() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rollbackFlag = true
}

// Begin pushes a new transaction level: BEGIN at depth 0, SAVEPOINT at depth >= 1.
func (h *Handle) Begin(ctx context.Context) error {
	if !h.mu.TryLock() {
		return concurrentUseError(h.ID)
	}
	defer h.mu.Unlock()

	if fin, _ := h.finalized.Load(); fin {
		return finalizedError(h.ID)
	}
	if h.state == Poisoned {
		return poisonedError(h.ID)
	}

	if h.depth == 0 {
		tx, err := h.conn.BeginTxx(ctx, nil)
		if err != nil {
			return ir.Wrap(ir.BACKEND, err, "can't begin transaction")
		}

		h.tx = tx
		h.depth = 1
		h.state = Active

		return nil
	}

	// Rule 1: depth is incremented strictly after the SAVEPOINT succeeds, so a failed
	// savepoint leaves the outer transaction at its previous depth, still usable.
	savepoint := fmt.Sprintf("sp%d", h.depth)
	if _, err := h.tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return ir.Wrap(ir.BACKEND, err, "can't create savepoint "+savepoint)
	}

	h.depth++

	return nil
}

// Commit closes the current transaction level: COMMIT at depth 1 (or ROLLBACK if
// SetRollbackOnly was called), RELEASE SAVEPOINT at depth > 1.
func (h *Handle) Commit(ctx context.Context) error {
	return h.exit(ctx, false)
}

// Rollback aborts the current transaction level: ROLLBACK at depth 1, ROLLBACK TO SAVEPOINT
// at depth > 1. Rule 3: rolling back an inner scope taints only its own savepoint.
func (h *Handle) Rollback(ctx context.Context) error {
	return h.exit(ctx, true)
}

func (h *Handle) exit(ctx context.Context, forceRollback bool) error {
	if !h.mu.TryLock() {
		return concurrentUseError(h.ID)
	}
	defer h.mu.Unlock()

	if fin, _ := h.finalized.Load(); fin {
		return finalizedError(h.ID)
	}
	if h.depth == 0 {
		return ir.Errorf(ir.USAGE, "transaction handle %s has no active transaction to exit", h.ID)
	}

	wasPoisoned := h.state == Poisoned
	outermost := h.depth == 1
	rollback := forceRollback || wasPoisoned || (outermost && h.rollbackFlag)

	var sqlErr error
	if outermost {
		if rollback {
			sqlErr = h.tx.Rollback()
		} else {
			sqlErr = h.tx.Commit()
		}

		h.depth = 0
		if sqlErr != nil {
			h.state = Poisoned
		} else {
			h.state = Idle
		}

		h.finalizeLocked(ctx)
	} else {
		savepoint := fmt.Sprintf("sp%d", h.depth-1)
		if rollback {
			_, sqlErr = h.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint)
		} else {
			_, sqlErr = h.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint)
		}

		h.depth--
		if sqlErr != nil {
			h.state = Poisoned
		}
	}

	if wasPoisoned {
		return poisonedError(h.ID)
	}
	if sqlErr != nil {
		return ir.Wrap(ir.BACKEND, sqlErr, "can't finalize transaction level")
	}

	return nil
}

// Execute compiles v via sqlbuilder and runs it on the handle's pinned transaction
// connection, poisoning the handle on a connection-level failure or cancellation.
func (h *Handle) Execute(ctx context.Context, v ir.IR) (sql.Result, error) {
	if !h.mu.TryLock() {
		return nil, concurrentUseError(h.ID)
	}
	defer h.mu.Unlock()

	if err := h.checkActiveLocked(); err != nil {
		return nil, err
	}

	query, args, err := sqlbuilder.Build(v, database.ToSqlbuilderDialect(h.Dialect))
	if err != nil {
		return nil, ir.Wrap(ir.BUILD, err, "can't compile statement")
	}

	result, err := h.tx.ExecContext(ctx, query, database.BindArgs(args)...)
	if err != nil {
		return nil, h.poisonLocked(ctx, err, query)
	}

	return result, nil
}

// Query compiles v via sqlbuilder and streams the resulting rows from the handle's pinned
// transaction connection.
func (h *Handle) Query(ctx context.Context, v ir.IR) (*sqlx.Rows, error) {
	if !h.mu.TryLock() {
		return nil, concurrentUseError(h.ID)
	}
	defer h.mu.Unlock()

	if err := h.checkActiveLocked(); err != nil {
		return nil, err
	}

	query, args, err := sqlbuilder.Build(v, database.ToSqlbuilderDialect(h.Dialect))
	if err != nil {
		return nil, ir.Wrap(ir.BUILD, err, "can't compile statement")
	}

	rows, err := h.tx.QueryxContext(ctx, query, database.BindArgs(args)...)
	if err != nil {
		return nil, h.poisonLocked(ctx, err, query)
	}

	return rows, nil
}

func (h *Handle) checkActiveLocked() error {
	if fin, _ := h.finalized.Load(); fin {
		return finalizedError(h.ID)
	}
	if h.state != Active {
		return poisonedError(h.ID)
	}

	return nil
}

// poisonLocked classifies err, transitions the handle to POISONED on a cancellation or
// connection-level failure (testable property #7), and returns the classified error. Caller
// must already hold h.mu.
func (h *Handle) poisonLocked(ctx context.Context, err error, query string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		h.state = Poisoned
		return ir.Wrap(ir.TRANSACTION_POISONED, err, "execute canceled, transaction poisoned")
	}

	classified := database.ClassifyExecError(err, query)
	if irErr, ok := classified.(*ir.Error); ok && irErr.Kind == ir.CONNECTION {
		h.state = Poisoned
	}

	return classified
}

// finalizeLocked releases the pinned connection back to the pool and removes h from the
// handle table. Caller must already hold h.mu and have set h.depth to 0.
func (h *Handle) finalizeLocked(ctx context.Context) {
	if h.onRelease != nil {
		h.onRelease(ctx)
	}

	_ = h.conn.Close()
	handles.Delete(h.ID)
	h.finalized.Store(true)
}

func concurrentUseError(id string) error {
	return ir.Errorf(ir.USAGE, "concurrent use of transaction handle %s", id)
}

func poisonedError(id string) error {
	return ir.Errorf(ir.TRANSACTION_POISONED, "transaction handle %s is poisoned", id)
}

func finalizedError(id string) error {
	return ir.Errorf(ir.TRANSACTION_POISONED, "transaction handle %s is already finalized", id)
}

// reapTimeout forcibly rolls back h if it's past its deadline, tolerant of a concurrent
// owner-driven finalisation (double-finalisation is a no-op, and an owner actively holding
// the handle is left alone until the next sweep).
func (h *Handle) reapTimeout(ctx context.Context) {
	if !h.mu.TryLock() {
		return
	}
	defer h.mu.Unlock()

	if fin, _ := h.finalized.Load(); fin {
		return
	}
	if time.Now().Before(h.Deadline) {
		return
	}
	if h.depth == 0 {
		return
	}

	if logger := h.pool.Logger(); logger != nil {
		logger.Warnw("Rolling back timed out transaction",
			"pool", h.PoolName, "transaction", h.ID, "deadline", h.Deadline)
	}

	_ = h.tx.Rollback()
	h.depth = 0
	h.state = Idle
	h.finalizeLocked(ctx)
}
