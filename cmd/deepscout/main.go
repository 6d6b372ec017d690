// Command deepscout runs the research pipeline service: HTTP API, progress
// streams, Prometheus metrics, and SQLite persistence around the pipeline
// orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deepscout/deepscout/internal/config"
	"github.com/deepscout/deepscout/internal/db"
	"github.com/deepscout/deepscout/internal/events"
	"github.com/deepscout/deepscout/internal/gateway"
	"github.com/deepscout/deepscout/internal/httpapi"
	"github.com/deepscout/deepscout/internal/knowledge"
	"github.com/deepscout/deepscout/internal/orchestrator"
	"github.com/deepscout/deepscout/internal/ratecontrol"
	"github.com/deepscout/deepscout/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panicLogger().Fatal("Failed to load config", zap.Error(err))
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		panicLogger().Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	dbc, err := db.Open(cfg.Server.DBPath, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.String("path", cfg.Server.DBPath), zap.Error(err))
	}
	defer dbc.Close()

	bus := events.NewBus(cfg.EventBuffer)
	bus.SetSink(dbc)

	registry := gateway.NewRegistry()
	registerTools(registry, logger)

	limiter := ratecontrol.NewLimiter(cfg.Gateway.DefaultRPS, cfg.Gateway.DefaultBurst)
	if cfg.Gateway.LimitsFile != "" {
		if err := limiter.LoadLimits(cfg.Gateway.LimitsFile); err != nil {
			logger.Warn("Failed to load rate limits, using defaults", zap.Error(err))
		}
		go watchLimits(cfg.Gateway.LimitsFile, limiter, logger)
	}

	var cache *knowledge.Cache
	if cfg.Knowledge.Enabled {
		embedder, err := knowledge.NewOpenAIEmbedder(
			os.Getenv("OPENAI_API_KEY"),
			os.Getenv("OPENAI_BASE_URL"),
			os.Getenv("DEEPSCOUT_EMBED_MODEL"),
		)
		if err != nil {
			logger.Warn("Knowledge cache unavailable, continuing without it", zap.Error(err))
		} else if cache, err = knowledge.NewCache(cfg.Knowledge, embedder, logger); err != nil {
			logger.Warn("Knowledge cache unavailable, continuing without it", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	orch := orchestrator.New(
		cfg, registry, limiter, bus, cache, dbc,
		orchestrator.Hooks{}, tools.NewToolkitBuilder(), logger,
	)

	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("Metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	api := httpapi.NewServer(orch, bus, dbc, logger)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown incomplete", zap.Error(err))
	}
}

func registerTools(registry *gateway.Registry, logger *zap.Logger) {
	searxURL := os.Getenv("DEEPSCOUT_SEARX_URL")
	if searxURL == "" {
		searxURL = "http://localhost:8888"
	}
	must := func(err error) {
		if err != nil {
			logger.Fatal("Failed to register capability", zap.Error(err))
		}
	}
	must(registry.Register(tools.NewWebSearch(searxURL, 10)))
	must(registry.Register(tools.NewWebScrape("")))
	must(registry.Register(tools.NewAcademicLookup(os.Getenv("DEEPSCOUT_CROSSREF_MAILTO"), 5)))
	must(registry.Register(tools.NewGenerator(
		os.Getenv("OPENAI_API_KEY"),
		os.Getenv("OPENAI_BASE_URL"),
		os.Getenv("DEEPSCOUT_MODEL"),
	)))
}

// watchLimits hot-reloads the per-tool rate limits when the file changes.
func watchLimits(path string, limiter *ratecontrol.Limiter, logger *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Rate limit watcher unavailable", zap.Error(err))
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.Warn("Cannot watch limits file", zap.String("path", path), zap.Error(err))
		return
	}
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := limiter.LoadLimits(path); err != nil {
				logger.Warn("Rate limit reload failed", zap.Error(err))
				continue
			}
			logger.Info("Rate limits reloaded", zap.String("path", path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Rate limit watcher error", zap.Error(err))
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// panicLogger is the fallback for failures before the real logger exists.
func panicLogger() *zap.Logger {
	l, _ := zap.NewProduction()
	return l
}
