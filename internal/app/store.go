package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/docstore/memstore"
	"github.com/penbosso/IntLearn-sub000/internal/docstore/pgstore"
	"github.com/penbosso/IntLearn-sub000/internal/platform/cache"
	"github.com/penbosso/IntLearn-sub000/internal/platform/db"
)

// StoreParams selects and tunes the document store backend.
type StoreParams struct {
	Config *Config
	Logger *slog.Logger
	// Redis, when set, carries change notifications between processes.
	Redis *redis.Client
	// OnConflict observes every conflicting commit attempt.
	OnConflict func(attempt int)
}

// OpenStore builds the configured store. The returned closer releases its
// connections.
func OpenStore(ctx context.Context, p StoreParams) (docstore.Store, func(), error) {
	opts := docstore.DefaultOptions()
	if p.Config.StoreMaxAttempts > 0 {
		opts.MaxAttempts = p.Config.StoreMaxAttempts
	}
	opts.OnConflict = p.OnConflict

	var feed docstore.Feed = docstore.NewLocalFeed()
	if p.Redis != nil {
		feed = cache.NewFeed(p.Redis, "")
	}

	switch p.Config.StoreBackend {
	case StoreMemory:
		if p.Logger != nil {
			p.Logger.Warn("using in-memory document store; data is lost on restart")
		}
		return memstore.New(memstore.WithOptions(opts), memstore.WithFeed(feed), memstore.WithLogger(p.Logger)), func() {}, nil
	case StorePostgres:
		pool, err := db.New(ctx, p.Config.PGDSN, p.Config.PGMaxConns)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool, feed, opts).WithLogger(p.Logger)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", p.Config.StoreBackend)
	}
}
