package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lookalike/internal/db"
	"github.com/sells-group/lookalike/internal/features"
	"github.com/sells-group/lookalike/internal/finalize"
	"github.com/sells-group/lookalike/internal/identity"
	"github.com/sells-group/lookalike/internal/lease"
	"github.com/sells-group/lookalike/internal/matcher"
	"github.com/sells-group/lookalike/internal/metrics"
	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/pipeline"
	"github.com/sells-group/lookalike/internal/regress"
	"github.com/sells-group/lookalike/internal/store"
	"github.com/sells-group/lookalike/internal/streamscore"
)

// graphStore is an identity graph that can also be migrated and loaded.
type graphStore interface {
	identity.Graph
	identity.Writer
	Migrate(ctx context.Context) error
}

// appEnv holds the store, the identity graph and, once initRunner has been
// called, the pipeline runner.
type appEnv struct {
	Store   store.Store
	Graph   graphStore
	Runner  *pipeline.Runner
	Metrics *metrics.Metrics

	closers []func()
}

// Close releases everything the environment opened, newest first.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// initEnv validates the config for mode and opens the store and graph.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, func() { _ = st.Close() })

	g, err := initGraph(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Graph = g
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "lookalike.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initGraph opens the identity graph. Without a dedicated database_url the
// graph shares the store's connection.
func initGraph(ctx context.Context, env *appEnv) (graphStore, error) {
	driver := cfg.Graph.Driver
	if driver == "" {
		driver = cfg.Store.Driver
	}
	shared := cfg.Graph.DatabaseURL == "" && driver == cfg.Store.Driver

	switch driver {
	case "sqlite":
		if shared {
			ss, ok := env.Store.(*store.SQLiteStore)
			if !ok {
				return nil, eris.New("graph: shared sqlite graph requires the sqlite store")
			}
			return identity.NewSQLiteGraph(ss.DB(), cfg.Graph.Table), nil
		}
		gdb, err := store.OpenSQLite(cfg.Graph.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "graph: open sqlite")
		}
		env.closers = append(env.closers, func() { _ = gdb.Close() })
		return identity.NewSQLiteGraph(gdb, cfg.Graph.Table), nil
	case "postgres":
		if shared {
			ps, ok := env.Store.(*store.PostgresStore)
			if !ok {
				return nil, eris.New("graph: shared postgres graph requires the postgres store")
			}
			return identity.NewPostgresGraph(ps.Pool(), cfg.Graph.Table), nil
		}
		if cfg.Graph.DatabaseURL == "" {
			return nil, eris.New("graph: graph.database_url is required for postgres")
		}
		pool, err := db.Open(ctx, cfg.Graph.DatabaseURL, cfg.Store.Pool)
		if err != nil {
			return nil, eris.Wrap(err, "graph: open postgres")
		}
		env.closers = append(env.closers, pool.Close)
		return identity.NewPostgresGraph(pool, cfg.Graph.Table), nil
	default:
		return nil, eris.Errorf("unsupported graph driver: %s", driver)
	}
}

// initRunner builds the pipeline runner. reg receives the pipeline metrics;
// a nil reg uses the default Prometheus registerer.
func (e *appEnv) initRunner(ctx context.Context, reg prometheus.Registerer) error {
	fields := map[model.Domain]model.SignificantFields{}
	if cfg.FeaturesFile != "" {
		f, err := features.LoadDefaults(cfg.FeaturesFile)
		if err != nil {
			return err
		}
		fields = f
	}

	m := metrics.New(reg)
	e.Metrics = m

	locker, err := initLocker(ctx, e)
	if err != nil {
		return err
	}

	retry := cfg.Scoring.Retry()
	deps := pipeline.Deps{
		Store: e.Store,
		Graph: e.Graph,
		Matcher: matcher.New(e.Graph, matcher.Config{
			Weights: cfg.ValueScore,
			Retry:   cfg.Matcher.Retry(),
			Breaker: cfg.Matcher.Breaker(),
		}),
		Trainer:   regress.NewTrainer(cfg.Training),
		Scorer:    streamscore.New(e.Graph, e.Store, cfg.Scoring.Streamscore(), m),
		Finalizer: finalize.New(e.Store, cfg.Tiers, retry),
		Fields:    fields,
		Metrics:   m,
	}
	if locker != nil {
		deps.Locker = locker
	}
	e.Runner = pipeline.New(deps)
	return nil
}

// initLocker returns nil when no redis address is configured.
func initLocker(ctx context.Context, e *appEnv) (*lease.Locker, error) {
	if cfg.Redis.Addr == "" {
		zap.L().Debug("redis not configured, per-job lease disabled")
		return nil, nil
	}
	rc, err := lease.NewClient(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() { _ = rc.Close() })
	zap.L().Info("per-job lease enabled", zap.String("redis", cfg.Redis.Addr))
	return lease.New(rc, cfg.Redis.LeaseTTL()), nil
}
