package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zigbee-arbiter/internal/arbiter"
	"zigbee-arbiter/internal/coordinator"
	"zigbee-arbiter/internal/dedup"
	"zigbee-arbiter/internal/history"
	"zigbee-arbiter/internal/knowledge"
	"zigbee-arbiter/internal/metrics"
	"zigbee-arbiter/internal/normalize"
	"zigbee-arbiter/internal/retry"
	"zigbee-arbiter/internal/store"
	"zigbee-arbiter/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-arbiter starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	kb, err := buildKnowledge(cfg, db, logger)
	if err != nil {
		logger.Error("load knowledge base", "err", err)
		os.Exit(1)
	}
	exact, patterns, learned, defs := kb.Len()
	logger.Info("knowledge base ready", "exact", exact, "patterns", patterns, "learned", learned, "definitions", defs)

	transforms := normalize.NewTransformer()
	defer transforms.Close()

	m := metrics.New()
	events := coordinator.NewEventBus(logger)
	tr := initGateway(cfg, logger)
	coord := coordinator.New(tr, db, kb, normalize.New(kb, transforms, logger), events, m, coordinator.Config{
		Arbiter: arbiter.Config{
			LearningWindow:     cfg.Arbiter.LearningWindow,
			ReevaluateInterval: cfg.Arbiter.ReevaluateInterval,
		},
		Dedup: dedup.Config{
			Window:         cfg.Dedup.Window,
			SweepThreshold: cfg.Dedup.SweepThreshold,
		},
		Retry: retry.Plan{
			Attempts:       cfg.Retry.Attempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			AttemptTimeout: cfg.Retry.AttemptTimeout,
		},
		QueueSize: cfg.QueueSize,
	}, logger)
	m.WatchClassifications(coord.Arbiter().Counts)

	var hist *history.Writer
	if cfg.History.Enabled() {
		hist, err = history.Connect(context.Background(), cfg.History, logger)
		if err != nil {
			logger.Error("history disabled", "err", err)
		} else {
			hist.Subscribe(events)
			logger.Info("history enabled", "url", cfg.History.URL, "bucket", cfg.History.Bucket)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(m.Handler()),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()
	if hist != nil {
		hist.Close()
	}

	logger.Info("goodbye")
}

// buildKnowledge combines the built-in tables, the definitions directory
// and classifications learned in earlier runs.
func buildKnowledge(cfg *Config, db store.Store, logger *slog.Logger) (*knowledge.Base, error) {
	bl := knowledge.Builtin()
	if err := bl.LoadDir(cfg.KnowledgeDir, logger); err != nil {
		return nil, err
	}
	learned, err := db.ListClassifications()
	if err != nil {
		return nil, err
	}
	for _, l := range learned {
		if !l.Classification.Settled() {
			continue
		}
		bl.AddLearned(knowledge.Learned{
			Vendor:         l.Vendor,
			Model:          l.Model,
			Classification: l.Classification,
			Methods:        l.Methods,
		})
	}
	return bl.Build(), nil
}
