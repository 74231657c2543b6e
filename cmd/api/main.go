package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tetoegen/api/db/migrations"
	"tetoegen/api/internal/app"
	"tetoegen/api/internal/cache"
	"tetoegen/api/internal/classify"
	"tetoegen/api/internal/config"
	"tetoegen/api/internal/identity"
	"tetoegen/api/internal/identity/local"
	"tetoegen/api/internal/identity/remote"
	"tetoegen/api/internal/kv"
	"tetoegen/api/internal/logger"
	"tetoegen/api/internal/metrics"
	"tetoegen/api/internal/session"
	"tetoegen/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tetoegen api: %v\n", err)
		os.Exit(1)
	}
}

// backend is the shared key-value state and the way other processes'
// writes reach this one.
type backend struct {
	store   kv.Store
	watcher kv.Watcher
	checks  map[string]app.Check
	close   func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kvBackend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer kvBackend.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	provider := newProvider(cfg, kvBackend, log)
	usage := cache.NewUsageCounter(kvBackend.store, time.Now, cfg.Location())
	manager := cache.NewManager(kvBackend.store, usage, log.Named("cache"), collector)
	events := app.NewEvents(log.Named("events"))
	reconciler := session.New(provider, manager, usage, session.Options{
		PollInterval: cfg.PollInterval,
		ReloadAfter:  cfg.ReloadAfter,
		Reloader:     events,
		Recorder:     collector,
		Logger:       log.Named("session"),
	})
	defer reconciler.Subscribe(events.PublishSnapshot)()

	var classifier classify.Classifier = classify.Static{}
	if strings.TrimSpace(cfg.ClassifierURL) != "" {
		classifier = classify.NewHTTPClient(cfg.ClassifierURL, nil)
	} else {
		log.Info("no classifier configured, using the offline classifier")
	}

	service := app.NewService(provider, reconciler, usage, classifier, app.ServiceOptions{
		DailyLimit: cfg.DailyLimit,
		Logger:     log.Named("service"),
	})
	httpServer := app.NewHTTPServer(service, events, app.ServerOptions{
		CORSOrigin: cfg.CORSOrigin,
		Logger:     log.Named("http"),
		Metrics:    collector,
		Gatherer:   registry,
		Checks:     kvBackend.checks,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reconciler.Run(gctx)
	})
	g.Go(func() error {
		log.Info("tetoegen api listening", zap.String("addr", cfg.Addr), zap.String("kv_backend", cfg.KVBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.KVBackend {
	case config.BackendRedis:
		rs, err := kv.NewRedisStore(cfg.RedisURL, cfg.KVPrefix, log.Named("kv"))
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		if err := rs.Listen(ctx); err != nil {
			_ = rs.Close()
			return nil, err
		}
		return &backend{
			store:   rs,
			watcher: rs,
			checks:  map[string]app.Check{"redis": rs.Ping},
			close:   func() { _ = rs.Close() },
		}, nil

	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, migrationFiles(cfg.MigrationsDir)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		pg := store.NewKV(db, log.Named("kv"))
		if err := pg.Listen(ctx, cfg.DatabaseURL); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{
			store:   pg,
			watcher: pg,
			checks:  map[string]app.Check{"database": db.PingContext},
			close: func() {
				pg.Close()
				_ = db.Close()
			},
		}, nil

	default:
		tab := kv.NewProfile().OpenTab()
		return &backend{store: tab, watcher: tab, close: tab.Close}, nil
	}
}

// migrationFiles prefers an on-disk migrations directory so deployments can
// ship newer files, falling back to the embedded copies.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return os.DirFS(dir)
		}
	}
	return migrations.FS
}

func newProvider(cfg config.Config, b *backend, log *zap.Logger) identity.Provider {
	if remote.Configured(cfg.SupabaseURL, cfg.SupabaseAnonKey) {
		log.Info("using remote identity provider", zap.String("url", cfg.SupabaseURL))
		return remote.New(b.store, remote.Config{
			URL:         cfg.SupabaseURL,
			AnonKey:     cfg.SupabaseAnonKey,
			RedirectURL: cfg.AuthRedirectURL,
			Logger:      log.Named("identity"),
			Watcher:     b.watcher,
		})
	}
	log.Info("using local identity simulator")
	return local.New(b.store, local.Options{
		Secret:     []byte(cfg.TokenSecret),
		SessionTTL: cfg.SessionTTL,
		Latency:    cfg.MockLatency,
		Logger:     log.Named("identity"),
		Watcher:    b.watcher,
	})
}
