package txn

import (
	"context"
	"sync"

	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/periodic"
)

var (
	reapersMu sync.Mutex
	reapers   = map[string]periodic.Stopper{}
)

// ensureReaper lazily starts a background sweep for pool, waking every
// pool.Options.TransactionCleanupInterval to forcibly roll back any handle whose deadline has
// passed - built directly on the teacher's periodic.Start helper, the same shape
// database.(*Pool).Log already uses. One reaper runs per pool name, regardless of how many
// Handles are opened against it.
func ensureReaper(pool *database.Pool) {
	reapersMu.Lock()
	defer reapersMu.Unlock()

	if _, ok := reapers[pool.Name]; ok {
		return
	}

	reapers[pool.Name] = periodic.Start(context.Background(), pool.Options.TransactionCleanupInterval, func(periodic.Tick) {
		sweep(pool.Name)
	})
}

// StopReaper stops the background reaper for poolName, if one is running. Embedders should
// call this when closing a pool so the reaper goroutine doesn't outlive it.
func StopReaper(poolName string) {
	reapersMu.Lock()
	defer reapersMu.Unlock()

	if stopper, ok := reapers[poolName]; ok {
		stopper.Stop()
		delete(reapers, poolName)
	}
}

func sweep(poolName string) {
	ctx := context.Background()

	handles.Range(func(_, value any) bool {
		h := value.(*Handle)
		if h.PoolName == poolName {
			h.reapTimeout(ctx)
		}

		return true
	})
}
