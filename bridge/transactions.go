package bridge

import (
	"context"

	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/txn"
)

// BeginTransaction opens a new top-level transaction handle against the pool named by
// reqBytes (its name, as plain UTF-8 bytes) and returns the new handle's id, also as plain
// UTF-8 bytes. Nested transactions never go through the Bridge: execute with a TransactionID
// runs the statement on that handle's pinned connection at its current depth, and no Bridge
// entry point opens a savepoint; savepoints are opened by txn.(*Handle).Begin under the
// Transaction Manager's own Begin/Commit/Rollback rules (rules 1-3).
func BeginTransaction(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		poolName := string(reqBytes)

		pool, err := poolByName(poolName)
		if err != nil {
			return nil, err
		}

		handle, err := txn.Begin(ctx, pool)
		if err != nil {
			return nil, err
		}

		return []byte(handle.ID), nil
	})

	return fut.Await(ctx)
}

// CommitTransaction commits the transaction handle named by reqBytes (its id, as plain UTF-8
// bytes). Committing a handle that has accumulated SetRollbackOnly (rule 2) rolls it back
// instead; the caller learns which happened only by any returned error, per the Transaction
// Manager's own Commit semantics.
func CommitTransaction(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		handle, err := handleByID(string(reqBytes))
		if err != nil {
			return nil, err
		}

		return nil, handle.Commit(ctx)
	})

	return fut.Await(ctx)
}

// RollbackTransaction rolls back the transaction handle named by reqBytes (its id).
func RollbackTransaction(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		handle, err := handleByID(string(reqBytes))
		if err != nil {
			return nil, err
		}

		return nil, handle.Rollback(ctx)
	})

	return fut.Await(ctx)
}

func handleByID(id string) (*txn.Handle, error) {
	handle, ok := txn.Get(id)
	if !ok {
		return nil, ir.Errorf(ir.CONFIG, "no transaction registered under id %q", id)
	}

	return handle, nil
}
