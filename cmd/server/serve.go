package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vecmap-tiles/server/internal/api"
	"github.com/vecmap-tiles/server/internal/cache"
	"github.com/vecmap-tiles/server/internal/config"
	"github.com/vecmap-tiles/server/internal/fetch"
	"github.com/vecmap-tiles/server/internal/logger"
	"github.com/vecmap-tiles/server/internal/query"
	"github.com/vecmap-tiles/server/internal/querystore"
	"github.com/vecmap-tiles/server/internal/render"
	"github.com/vecmap-tiles/server/internal/service"
	"github.com/vecmap-tiles/server/internal/session"
	"github.com/vecmap-tiles/server/internal/signer"
)

var activateDefault bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&activateDefault, "activate", true, "Activate the default projection on startup")
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	log, err := logger.New(logger.Config{
		Level: cfg.Log.Level,
		Path:  cfg.Log.Path,
		Mode:  cfg.Log.Mode,
		JSON:  cfg.Log.JSON,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer log.Sync()

	log.Info("starting server",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("bucket", cfg.Storage.Bucket))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize cache manager (shared across sessions)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	}, reg)
	if err != nil {
		return errors.Wrap(err, "failed to initialize cache")
	}
	defer cacheManager.Close()
	log.Info("tile byte cache", zap.String("size", humanize.IBytes(uint64(cfg.Cache.TileSizeMB)<<20)))

	resolver, err := signer.New(ctx, signer.Options{
		Backend:   cfg.Storage.Backend,
		LocalDir:  cfg.Storage.LocalDir,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Expiry:    cfg.Storage.URLExpiry(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize url signer")
	}

	fetcher := fetch.New(fetch.Options{
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		Burst:             cfg.Fetch.Concurrency,
		MaxRetries:        cfg.Fetch.MaxRetries,
		Timeout:           time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		Logger:            log,
		Registerer:        reg,
	})

	sessions := session.NewManager(session.Options{
		Bucket:           cfg.Storage.Bucket,
		Resolver:         resolver,
		Fetcher:          fetcher,
		Bytes:            cacheManager,
		RefreshInterval:  cfg.Storage.RefreshInterval(),
		Concurrency:      cfg.Fetch.Concurrency,
		MaxOverlayHashes: cfg.Overlay.MaxHashes,
		ZoomOffset:       cfg.Render.ZoomOffset,
		Logger:           log,
		Metrics:          session.NewMetrics(reg),
	})
	defer sessions.Close()

	var queries query.Source
	if cfg.Query.DSN != "" {
		src, err := query.OpenSQLite(cfg.Query.DSN, query.SQLOptions{
			Name:    cfg.Query.DSN,
			MaxRows: cfg.Query.MaxRows,
			Cache:   cacheManager,
			Logger:  log,
		})
		if err != nil {
			return errors.Wrap(err, "failed to open query database")
		}
		defer src.Close()
		queries = src
		log.Info("query database", zap.String("dsn", cfg.Query.DSN))
	} else {
		log.Warn("no query database configured, live queries are disabled")
	}

	history, err := querystore.NewStore(cfg.Query.HistoryPath)
	if err != nil {
		return errors.Wrap(err, "failed to open query history")
	}
	defer history.Close()

	svc := service.NewProjectionService(service.ProjectionServiceConfig{
		Sessions: sessions,
		Renderer: render.NewRenderer(render.Config{Width: cfg.Render.Width, Height: cfg.Render.Height}),
		Queries:  queries,
		History:  history,
		Logger:   log,
	})

	registry := api.NewProjectionRegistry(cfg.Projections, cfg.Server.Title)
	log.Info("projections configured",
		zap.Strings("projections", registry.ProjectionIDs()),
		zap.String("default", registry.DefaultProjectionID()))
	if id := registry.DefaultProjectionID(); activateDefault && id != "" {
		if _, err := svc.Activate(ctx, id); err != nil {
			log.Error("default projection not activated", zap.String("projection", id), zap.Error(err))
		}
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Service:     svc,
		CORSOrigins: cfg.Server.CORSOrigins,
		Gatherer:    reg,
		Logger:      log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
