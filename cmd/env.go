package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/cost"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/progress"
	"github.com/sells-group/lead-pipeline/internal/scheduler"
	"github.com/sells-group/lead-pipeline/internal/search"
	"github.com/sells-group/lead-pipeline/internal/store"
	anthropicpkg "github.com/sells-group/lead-pipeline/pkg/anthropic"
	"github.com/sells-group/lead-pipeline/pkg/perplexity"
)

// appEnv holds the store, the shared call queue, the search client and the
// pipeline used by the run, stage and serve commands.
type appEnv struct {
	Store    store.Store
	Sched    *scheduler.Scheduler
	Search   *search.Client
	Pipeline *pipeline.Pipeline
	Tracker  *progress.Tracker

	redis *redis.Client
}

// Close stops the queue and releases connections.
func (e *appEnv) Close() {
	if e.Sched != nil {
		e.Sched.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "memory":
		st = store.NewMemory()
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv builds everything a pipeline run needs. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Tracker: progress.NewTracker()}

	cache, err := initCache(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	calc := cost.NewCalculator(cfg.Pricing)
	perplexityClient := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
	)
	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	basic := search.NewPerplexityModel(perplexityClient, cfg.Perplexity.Model, cfg.Search.TopP, cfg.Search.MaxTokens, calc)
	pro := search.NewAnthropicModel(anthropicClient, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, cfg.Anthropic.PromptCacheTTL, calc)

	env.Sched = scheduler.New(time.Duration(cfg.Scheduler.MinSpacingMS) * time.Millisecond)
	env.Search = search.New(env.Sched, basic, pro, cache, st, searchConfig())
	env.Pipeline = pipeline.New(cfg, st, env.Search, progress.Multi{progress.Log{}, env.Tracker})

	zap.L().Debug("pipeline environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Search.CacheBackend),
		zap.String("basic_model", basic.Name()),
		zap.String("pro_model", pro.Name()),
	)
	return env, nil
}

// initCache returns the response cache selected by search.cache_backend.
func initCache(ctx context.Context, env *appEnv) (search.Cache, error) {
	if cfg.Search.CacheBackend != "redis" {
		return search.NewStoreCache(env.Store), nil
	}
	rdb, err := search.NewRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	env.redis = rdb
	zap.L().Info("redis response cache enabled")
	return search.NewRedisCache(rdb, cfg.Redis.KeyPrefix), nil
}

func searchConfig() search.Config {
	return search.Config{
		MaxRetries:   cfg.Search.MaxRetries,
		RetryDelay:   time.Duration(cfg.Search.RetryDelayMS) * time.Millisecond,
		MaxBackoff:   time.Duration(cfg.Search.MaxBackoffMS) * time.Millisecond,
		Timeout:      time.Duration(cfg.Search.TimeoutSecs) * time.Second,
		RateLimitRPM: cfg.Search.RateLimitRPM,
	}
}
