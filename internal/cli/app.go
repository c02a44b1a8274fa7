package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fathomlabs/verdict/pkg/cache"
	"github.com/fathomlabs/verdict/pkg/config"
	"github.com/fathomlabs/verdict/pkg/domainpack"
	"github.com/fathomlabs/verdict/pkg/events"
	"github.com/fathomlabs/verdict/pkg/insight"
	"github.com/fathomlabs/verdict/pkg/knowledge"
	"github.com/fathomlabs/verdict/pkg/pipeline"
	"github.com/fathomlabs/verdict/pkg/sandbox"
	"github.com/fathomlabs/verdict/pkg/scoring"
	"github.com/fathomlabs/verdict/pkg/storage"
	"github.com/fathomlabs/verdict/pkg/storage/neo4jstore"
	"github.com/fathomlabs/verdict/pkg/validators"
)

// app holds the wired service graph for one command invocation. All
// dependencies are injected through constructors; nothing is global.
type app struct {
	logger       *zap.Logger
	config       *config.Config
	loader       *domainpack.Loader
	store        storage.Store
	orchestrator *pipeline.Orchestrator

	closers []func(context.Context) error
}

// newApp builds the full component graph from configuration
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, config: cfg}

	packCache, err := a.buildCache(ctx)
	if err != nil {
		return nil, err
	}

	a.loader = domainpack.NewLoader(logger, packCache, domainpack.LoaderConfig{
		Root:           cfg.Packs.Root,
		FallbackPackID: cfg.Packs.FallbackPack,
		CacheTTL:       time.Duration(cfg.Packs.CacheTTLMinutes) * time.Minute,
	})

	if a.store, err = a.buildStore(ctx); err != nil {
		return nil, err
	}
	bus, err := a.buildBus()
	if err != nil {
		return nil, err
	}

	registry := sandbox.NewRegistry()
	validators.RegisterAll(registry)
	sb := sandbox.New(logger, sandbox.Config{
		Workers:        cfg.Sandbox.Workers,
		DefaultTimeout: cfg.SandboxTimeout(),
	})

	provider := knowledge.NewPackProvider(a.loader)

	scorer := scoring.New(logger, a.loader, sb, registry, provider, scoring.Config{
		SLAHighMultiplier: cfg.Scoring.SLAHighMultiplier,
		KnowledgeLimit:    cfg.Scoring.KnowledgeLimit,
		ParallelCustom:    cfg.Scoring.ParallelCustom,
		FindingTTL:        cfg.FindingTTL(),
	})

	engine := insight.New(logger, a.store, a.loader, bus, provider, insight.Config{
		Window:         time.Duration(cfg.Clustering.WindowMinutes) * time.Minute,
		MinClusterSize: cfg.Clustering.MinClusterSize,
		MergeProximity: time.Duration(cfg.Clustering.MergeProximityMinutes) * time.Minute,
		Severity: insight.SeverityConfig{
			HighAvgScore: cfg.Clustering.HighAvgScore,
			HighShare:    cfg.Clustering.HighShare,
			MedAvgScore:  cfg.Clustering.MedAvgScore,
			MedShare:     cfg.Clustering.MedShare,
			HardHighSize: cfg.Clustering.HardHighSize,
		},
	})

	a.orchestrator = pipeline.New(logger, scorer, engine, a.store, bus, sb, pipeline.DefaultConfig())
	return a, nil
}

// close releases backend connections in reverse construction order
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown error", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *app) buildCache(ctx context.Context) (cache.Cache, error) {
	if a.config.Cache.Backend != config.CacheRedis {
		return cache.NewMemory(a.logger), nil
	}

	redisCfg := cache.DefaultRedisConfig()
	redisCfg.Addr = a.config.Cache.Redis.Addr
	redisCfg.Password = a.config.Cache.Redis.Password
	redisCfg.DB = a.config.Cache.Redis.DB

	r, err := cache.NewRedis(ctx, redisCfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return r.Close() })
	return r, nil
}

func (a *app) buildStore(ctx context.Context) (storage.Store, error) {
	if a.config.Storage.Backend != config.StorageNeo4j {
		return storage.NewMemory(a.logger), nil
	}

	neoCfg := neo4jstore.DefaultConfig()
	neoCfg.URI = a.config.Storage.Neo4j.URI
	neoCfg.Username = a.config.Storage.Neo4j.Username
	neoCfg.Password = a.config.Storage.Neo4j.Password
	neoCfg.Database = a.config.Storage.Neo4j.Database

	store, err := neo4jstore.New(ctx, neoCfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect neo4j: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) buildBus() (events.Bus, error) {
	if a.config.Events.Backend != config.EventsNATS {
		return events.NewMemoryBus(), nil
	}

	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = a.config.Events.NATS.URL
	natsCfg.StreamName = a.config.Events.NATS.StreamName

	bus, err := events.NewNATSBus(natsCfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { bus.Close(); return nil })
	return bus, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	if verbose {
		parsed = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
