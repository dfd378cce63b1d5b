package bridge

import (
	"context"
	"time"

	"github.com/icinga/sqlcore/database"
	"github.com/icinga/sqlcore/ir"
	"github.com/icinga/sqlcore/logging"
	"github.com/icinga/sqlcore/txn"
	"go.uber.org/zap"
)

// registry is the process-wide named pool table every Bridge entry point dispatches against,
// mirroring the "global registries" design SPEC_FULL.md §5.3 describes: an embedder only ever
// sees pool names (strings) across the Bridge boundary, never a live *database.Pool value.
var registry = &database.PoolRegistry{}

// InitPool opens and registers a named pool from reqBytes (an EncodeInitPoolRequest payload),
// returning an empty success payload. Calling it twice for the same name without an
// intervening ClosePool is a USAGE error, per database.PoolRegistry.Register.
func InitPool(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		req, err := DecodeInitPoolRequest(reqBytes)
		if err != nil {
			return nil, err
		}

		if err := req.Config.Validate(); err != nil {
			return nil, ir.Wrap(ir.CONFIG, err, "invalid pool configuration")
		}

		// The Bridge runs headless behind an embedder, so periodic progress logging (the
		// interval database.(*Pool).Log uses for long-running queries) has nowhere useful to
		// go; pass a fixed hour so it effectively never fires instead of inventing a config
		// knob SPEC_FULL.md never asked for.
		logger := logging.NewLogger(zap.NewNop().Sugar(), time.Hour)

		if _, err := database.NewPoolFromConfig(registry, req.Name, &req.Config, logger); err != nil {
			return nil, err
		}

		return nil, nil
	})

	return fut.Await(ctx)
}

// ClosePool closes and unregisters the pool named by reqBytes (its name, as plain UTF-8
// bytes), also stopping its Transaction Manager reaper so no goroutine outlives the pool.
func ClosePool(ctx context.Context, reqBytes []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		name := string(reqBytes)

		txn.StopReaper(name)

		return nil, registry.ClosePool(name)
	})

	return fut.Await(ctx)
}

// CloseAll closes and unregisters every pool known to the Bridge. reqBytes is ignored; it
// exists only so CloseAll matches every other entry point's ([]byte, error) shape.
func CloseAll(ctx context.Context, _ []byte) ([]byte, error) {
	fut := Go(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, registry.CloseAll()
	})

	return fut.Await(ctx)
}

func poolByName(name string) (*database.Pool, error) {
	pool, ok := registry.Get(name)
	if !ok {
		return nil, ir.Errorf(ir.CONFIG, "no pool registered under name %q", name)
	}

	return pool, nil
}
