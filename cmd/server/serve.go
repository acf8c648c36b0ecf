package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/cable-ledger/api"
	"github.com/warp/cable-ledger/cache"
	"github.com/warp/cable-ledger/config"
	"github.com/warp/cable-ledger/store"
	"github.com/warp/cable-ledger/watch"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Starts the HTTP API. On start an empty results ledger is initialized from
PMS and SSCM; missing or unmatched sources are logged and the server still
comes up so the data location can be fixed through /api/settings.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the server stops accepting connections, waits up to 30s
  for active requests, then stops the scheduler and watcher and closes the
  journal.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := api.NewSyncScheduler(a.cache, a.journal, cfg.GetSyncInterval(), logger)
	if _, err := scheduler.Startup(ctx); err != nil {
		logger.Error("startup initialization failed", zap.Error(err))
	}

	settings := api.NewSettings(configPath, cfg, a.loader, a.cache, logger)

	if cfg.Watch.Enabled {
		sw := &sourceWatcher{cache: a.cache, logger: logger.Named("watch")}
		sw.restart(ctx, cfg.Paths())
		defer sw.stop()
		settings.OnChange(func(c config.Config) { sw.restart(ctx, c.Paths()) })
	}

	handler := api.NewHandler(a.cache, a.journal, settings, scheduler, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       a.registry,
	})

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // exports of large projects
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}

// sourceWatcher keeps one watch.Watcher on the current source workbooks
// and replaces it when the data location changes.
type sourceWatcher struct {
	mu     sync.Mutex
	w      *watch.Watcher
	cache  *cache.Cache
	logger *zap.Logger
}

func (s *sourceWatcher) restart(ctx context.Context, paths store.Paths) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w != nil {
		s.w.Stop()
		s.w = nil
	}

	// The parquet copies are written by the loader itself, only workbook
	// exports count as changes.
	w, err := watch.New([]string{paths.PMS.Row, paths.SSCM.Row}, s.cache, s.logger)
	if err != nil {
		s.logger.Warn("source watcher unavailable", zap.Error(err))
		return
	}
	w.SetTwins(map[string]string{
		paths.PMS.Row:  paths.PMS.Columnar,
		paths.SSCM.Row: paths.SSCM.Columnar,
	})
	if err := w.Start(ctx); err != nil {
		s.logger.Warn("source watcher unavailable", zap.Error(err))
		w.Stop()
		return
	}
	s.w = w
}

func (s *sourceWatcher) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		s.w.Stop()
		s.w = nil
	}
}
