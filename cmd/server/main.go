package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"communityhub/internal/cache"
	"communityhub/internal/config"
	"communityhub/internal/handler"
	"communityhub/internal/hub"
	"communityhub/internal/logging"
	"communityhub/internal/metrics"
	"communityhub/internal/repository"
	"communityhub/internal/repository/sqlite"
	"communityhub/internal/service"
	"communityhub/internal/watcher"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: search standard locations)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "communityhub: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func run(configPath, addr string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting community hub", zap.String("config", path))
	if path == "" {
		logger.Info("no config file found, using defaults", zap.String("suggested_path", config.DefaultConfigPath()))
	}
	for _, line := range strings.Split(cfg.Summary(), "\n") {
		logger.Info(line)
	}

	collector := metrics.NewCollector("communityhub")

	// Initialize persistent cache layer
	var store repository.CacheStore
	if cfg.Database.Path != "" {
		repo, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer repo.Close()
		store = repo
		logger.Info("database opened", zap.String("path", cfg.Database.Path))
	} else {
		logger.Warn("no database configured, cache is volatile-only")
	}

	cacheOpts := cfg.CacheOptions()
	cacheOpts.Logger = logger.Named("cache")
	cacheOpts.Metrics = collector
	tier := cache.New(store, cacheOpts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect event bus to SSE hub
	eventBus := service.NewEventBus()
	sseHub := hub.New(hub.Options{Logger: logger.Named("hub")})
	go sseHub.Run(ctx)

	eventChan := make(chan service.Event, 100)
	unsubscribe := eventBus.Subscribe(eventChan)
	defer unsubscribe()
	go func() {
		for {
			select {
			case event := <-eventChan:
				sseHub.Broadcast(event)
			case <-ctx.Done():
				return
			}
		}
	}()

	svc := service.NewCommunityService(tier, eventBus, service.Options{
		Logger:  logger,
		Metrics: collector,
	})
	defer svc.Close()

	if err := svc.Start(ctx, cfg); err != nil {
		return err
	}

	if path != "" && cfg.Server.WatchConfig {
		w := watcher.New([]string{path}, func(string) {
			reload(ctx, svc, eventBus, path, logger)
		}, watcher.Options{Logger: logger.Named("watcher")})
		go func() {
			if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	router := handler.NewRouter(handler.NewCommunityHandler(svc, logger.Named("http")), handler.RouterOptions{
		Logger:      logger.Named("http"),
		Events:      sseHub,
		Metrics:     collector.Handler(),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
		// no WriteTimeout: /events streams indefinitely
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// reload restarts discovery with the changed config file. An invalid file
// leaves the running session untouched.
func reload(ctx context.Context, svc *service.CommunityService, bus *service.EventBus, path string, logger *zap.Logger) {
	cfg, _, err := config.LoadFromPath(path)
	if err != nil {
		logger.Warn("ignoring invalid config change", zap.Error(err))
		return
	}
	if err := svc.Reload(ctx, cfg); err != nil {
		logger.Error("config reload failed", zap.Error(err))
		return
	}
	logger.Info("config reloaded", zap.String("path", path))
	bus.Publish(service.Event{Type: service.EventConfigReloaded, Payload: map[string]any{
		"path":   path,
		"relays": cfg.Relays,
		"seeds":  len(cfg.Seeds),
		"tag":    cfg.Feed.Tag,
	}})
}
