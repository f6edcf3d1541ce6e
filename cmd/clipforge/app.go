package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/llm"
	"github.com/jo-hoe/clipforge/internal/llm/aiproxy"
	llmmock "github.com/jo-hoe/clipforge/internal/llm/mock"
	"github.com/jo-hoe/clipforge/internal/orchestrator"
	"github.com/jo-hoe/clipforge/internal/provider"
	"github.com/jo-hoe/clipforge/internal/provider/kling"
	providermock "github.com/jo-hoe/clipforge/internal/provider/mock"
	"github.com/jo-hoe/clipforge/internal/reconcile"
	"github.com/jo-hoe/clipforge/internal/recovery"
	"github.com/jo-hoe/clipforge/internal/storage"
	"github.com/jo-hoe/clipforge/internal/stream"
)

// app holds the components shared by all commands.
type app struct {
	log      *slog.Logger
	cfg      *config.Config
	store    jobs.Store
	ledger   *jobs.Ledger
	rdb      *redis.Client
	mirror   *storage.Mirror
	orch     *orchestrator.Orchestrator
	engine   *reconcile.Engine
	sweeper  *recovery.Sweeper
	streamer *stream.Streamer
}

func openStore(ctx context.Context, cfg *config.Config) (jobs.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return jobs.NewPostgresStore(ctx, cfg.Database.DSN)
	default:
		return jobs.NewSQLiteStore(cfg.Database.Path)
	}
}

func newProvider(name string, cfg *config.Config) (provider.Provider, error) {
	switch name {
	case common.ProviderKling:
		return kling.New(cfg.Provider.Kling, cfg.Provider.RequestTimeout), nil
	case common.ProviderMock:
		return providermock.New(cfg.Provider.Mock), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

func newLLM(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "mock":
		return llmmock.New(cfg.LLM.Mock), nil
	case "aiproxy":
		return aiproxy.New(cfg.LLM.AIProxy), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{log: logger, cfg: cfg}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	a.store = store
	a.ledger = jobs.NewLedger(store, logger)

	var blocks provider.BlockStore
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		blocks = provider.NewRedisBlockStore(a.rdb)
	}

	reg := provider.NewRegistry()
	for _, name := range append([]string{cfg.Provider.Primary}, cfg.Provider.Fallbacks...) {
		if _, ok := reg.Get(name); ok {
			continue
		}
		p, err := newProvider(name, cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		reg.Add(p)
	}
	router := provider.NewRouter(cfg.Provider.Primary, cfg.Provider.Fallbacks, blocks, logger)

	client, err := newLLM(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	var mirror reconcile.Mirrorer
	if cfg.Storage.MirrorEnabled {
		a.mirror = storage.NewMirror(cfg.Server.StorageDir, cfg.Storage.PublicBaseURL,
			int64(cfg.Storage.MaxAssetSize), cfg.Storage.DownloadTimeout) // #nosec G115 - asset sizes are far below MaxInt64
		mirror = a.mirror
	}

	a.orch = orchestrator.New(logger, a.ledger, client, router, reg, orchestrator.Settings{
		CallbackURL:   cfg.Server.PublicURL + common.PathProviderHook,
		QuotaCooldown: cfg.Provider.QuotaCooldown,
		Actors:        cfg.Actors,
	})
	a.engine = reconcile.New(logger, a.ledger, reg, mirror)
	a.sweeper = recovery.NewSweeper(logger, store, a.engine, cfg.Recovery.StaleAfter, cfg.Recovery.Concurrency)
	a.streamer = stream.New(logger, store, cfg.Stream)
	logger.Debug("components ready",
		"database", cfg.Database.Driver, "providers", reg.Names(), "llm", cfg.LLM.Provider,
		"redis", a.rdb != nil, "mirror", cfg.Storage.MirrorEnabled)
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", "err", err)
		}
	}
}
