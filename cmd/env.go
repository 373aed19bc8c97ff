package main

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mapgen/internal/config"
	"github.com/sells-group/mapgen/internal/cost"
	"github.com/sells-group/mapgen/internal/generation"
	"github.com/sells-group/mapgen/internal/jobstore"
	"github.com/sells-group/mapgen/internal/provider"
	"github.com/sells-group/mapgen/internal/resilience"
	"github.com/sells-group/mapgen/internal/scheduler"
	"github.com/sells-group/mapgen/internal/snapshot"
	"github.com/sells-group/mapgen/internal/store"
)

// genEnv holds everything the serve and generate commands run on.
type genEnv struct {
	Store      store.Store // nil with the memory driver
	Jobs       *jobstore.Store
	Scheduler  *scheduler.Scheduler
	Aggregator *snapshot.Aggregator
	Gate       *snapshot.Gate
	Breakers   *resilience.Breakers
	Costs      *cost.Calculator
}

// Close stops the workers and releases the store. ctx bounds how long
// in-flight jobs get to record their cancellation.
func (e *genEnv) Close(ctx context.Context) {
	if e.Scheduler != nil {
		if err := e.Scheduler.Shutdown(ctx); err != nil {
			zap.L().Warn("scheduler shutdown incomplete", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured persistence backend. The memory driver
// returns a nil store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return nil, nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "mapgen.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("postgres store requires store.database_url (MAPGEN_STORE_DATABASE_URL)")
		}
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens and migrates the store, and
// wires the configured provider into a ready scheduler.
func initEnv(ctx context.Context, mode string) (*genEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	costs := cost.NewCalculator(cfg.Pricing)
	collab, err := provider.New(providerConfig(cfg.Provider), costs)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}
	zap.L().Info("provider configured",
		zap.String("provider", collab.Name),
		zap.Float64("requests_per_second", float64(collab.Limiter.Limit())),
	)

	env, err := buildEnv(ctx, st, collab.Generator, collab.Validator)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}
	env.Costs = costs
	return env, nil
}

// buildEnv hydrates the job store from st and assembles the controller,
// scheduler, aggregator and gate around the given collaborators.
func buildEnv(ctx context.Context, st store.Store, gen generation.Generator, val generation.Validator) (*genEnv, error) {
	jobs := jobstore.New(st)
	if err := jobs.Hydrate(ctx); err != nil {
		return nil, err
	}

	g := cfg.Generation
	breakers := newBreakers(cfg.Circuit)
	ctrl := generation.NewController(jobs, gen, val, breakers, generation.Policy{
		MaxAttempts: g.MaxAttempts,
		CallTimeout: g.CallTimeout(),
		Backoff:     g.Backoff(),
		ValidateAll: g.ValidateAll,
	})
	sched := scheduler.New(jobs, ctrl, scheduler.Config{
		Workers:            g.Workers,
		DefaultK:           g.DefaultK,
		DefaultStrategy:    g.DefaultStrategy,
		DefaultMaxAttempts: g.MaxAttempts,
		MaxK:               g.MaxK,
		MaxAttemptsLimit:   g.MaxAttemptsLimit,
	})
	agg := snapshot.NewAggregator(jobs)

	return &genEnv{
		Store:      st,
		Jobs:       jobs,
		Scheduler:  sched,
		Aggregator: agg,
		Gate:       snapshot.NewGate(agg, cfg.Promotion.MinSuccessFraction),
		Breakers:   breakers,
	}, nil
}

func providerConfig(p config.ProviderConfig) provider.Config {
	return provider.Config{
		Name:              p.Name,
		APIKey:            p.APIKey(),
		BaseURL:           p.BaseURL,
		GeneratorModel:    p.GeneratorModel,
		ValidatorModel:    p.ValidatorModel,
		MaxTokens:         p.MaxTokens,
		Temperature:       p.Temperature,
		RequestsPerSecond: p.RequestsPerSecond,
		Burst:             p.Burst,
		MinConfidence:     p.MinConfidence,
	}
}

// newBreakers builds the per-collaborator circuit breakers. Only failures
// that say something about provider health count toward tripping.
func newBreakers(c config.CircuitConfig) *resilience.Breakers {
	bc := resilience.FromCircuitConfig(c.FailureThreshold, c.ResetTimeoutSecs)
	bc.ShouldTrip = shouldTrip
	bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("collaborator", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return resilience.NewBreakers(bc)
}

func shouldTrip(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch generation.Classify(err) {
	case generation.ErrorTypeEmptyResponse, generation.ErrorTypeMalformedResponse:
		return false
	default:
		return true
	}
}
