package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/cable-ledger/cache"
	"github.com/warp/cable-ledger/config"
	"github.com/warp/cable-ledger/store"
	"github.com/warp/cable-ledger/store/sqlite"
)

// app is the wiring shared by every command.
type app struct {
	loader    *store.Loader
	persister *store.Persister
	cache     *cache.Cache
	journal   *sqlite.Store
	registry  *prometheus.Registry
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	if _, err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	paths := cfg.Paths()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	persister := store.NewPersister(paths.Results, logger.Named("store"))
	loader := store.NewLoader(paths, persister, logger.Named("store"))
	c := cache.New(loader, persister,
		cache.WithTTL(cfg.GetCacheTTL()),
		cache.WithLogger(logger.Named("cache")),
		cache.WithRegisterer(registry),
	)

	journal, err := sqlite.New(cfg.JournalPath())
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", cfg.JournalPath(), err)
	}

	logger.Info("ledgers configured",
		zap.String("dir", cfg.DataDir()),
		zap.Strings("files", paths.Files()),
		zap.String("journal", cfg.JournalPath()))

	return &app{
		loader:    loader,
		persister: persister,
		cache:     c,
		journal:   journal,
		registry:  registry,
	}, nil
}

func (a *app) Close() error {
	return a.journal.Close()
}
