package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/docket/internal/api"
	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/dispatch"
	"github.com/antigravity-dev/docket/internal/extract"
	"github.com/antigravity-dev/docket/internal/health"
	"github.com/antigravity-dev/docket/internal/monitoring"
	"github.com/antigravity-dev/docket/internal/outputs"
	"github.com/antigravity-dev/docket/internal/pipeline"
	"github.com/antigravity-dev/docket/internal/review"
	"github.com/antigravity-dev/docket/internal/store"
	"github.com/antigravity-dev/docket/internal/temporal"
	"github.com/antigravity-dev/docket/internal/validate"
)

const defaultConfigPath = "docket.toml"

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}

	oldDB := strings.TrimSpace(oldCfg.Database.Path)
	newDB := strings.TrimSpace(newCfg.Database.Path)
	if oldDB != newDB {
		return fmt.Errorf("database.path changed (%q -> %q) and requires restart", oldDB, newDB)
	}

	oldBind := strings.TrimSpace(oldCfg.Server.Bind)
	newBind := strings.TrimSpace(newCfg.Server.Bind)
	if oldBind != newBind {
		return fmt.Errorf("server.bind changed (%q -> %q) and requires restart", oldBind, newBind)
	}
	return nil
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	noBroker := flag.Bool("no-broker", false, "run jobs in-process instead of through Temporal")
	stubProviders := flag.Bool("stub-providers", false, "use canned OCR/LLM providers (no external calls)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("docket starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		if *configPath == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file found, using defaults")
			cfgManager = config.NewManager(config.Default())
		} else {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	// Acquire single-instance lock
	lockPath := config.ExpandHome(cfg.General.LockFile)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		logger.Error("failed to create lock directory", "error", err)
		os.Exit(1)
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	dbPath := config.ExpandHome(cfg.Database.Path)
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			logger.Error("failed to create database directory", "error", err)
			os.Exit(1)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	metrics := monitoring.NewMetrics()
	queue := review.New(st, logger.With("component", "review"))

	var text extract.TextExtractor
	switch {
	case *stubProviders:
		text = extract.StubTextExtractor{}
	case cfg.OCR.Endpoint == "":
		logger.Warn("ocr.endpoint not configured, using stub text extractor")
		text = extract.StubTextExtractor{}
	default:
		text = extract.NewTextractClient(cfg.OCR, logger.With("component", "ocr"))
	}

	llmCfg := cfg.LLM
	if *stubProviders {
		llmCfg.Provider = "stub"
	}
	structured, err := extract.NewStructuredExtractor(llmCfg, logger.With("component", "llm"))
	if err != nil {
		logger.Error("failed to build llm extractor", "error", err)
		os.Exit(1)
	}

	registry, err := pipeline.NewDefaultRegistry(pipeline.StepDeps{
		Text:             text,
		Structured:       structured,
		Writer:           outputs.NewWriter(config.ExpandHome(cfg.Outputs.Dir)),
		Store:            st,
		Queue:            queue,
		Rules:            validate.RulesFromConfig(cfg.Validation),
		ReviewSLAMinutes: cfg.Review.SLAMinutes,
	})
	if err != nil {
		logger.Error("failed to register pipeline steps", "error", err)
		os.Exit(1)
	}

	runner, err := pipeline.NewRunner(cfg.Pipeline.Steps, registry, logger.With("component", "pipeline"))
	if err != nil {
		logger.Error("invalid pipeline configuration", "error", err)
		os.Exit(1)
	}

	processor := dispatch.NewProcessor(st, runner, metrics, logger.With("component", "worker"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP config reload. The step DAG, SLA targets and providers are wired
	// at startup; a reload refreshes everything else and the log level.
	applyReload := func() error {
		updated, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(cfg, updated); err != nil {
			return err
		}
		cfgManager.Set(updated)
		cfg = updated
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	var broker dispatch.Broker
	var inline *dispatch.Inline
	if *noBroker {
		logger.Info("running without task broker, jobs execute in-process")
		inline = dispatch.NewInline(processor, logger.With("component", "broker"))
		broker = inline
	} else {
		tc, err := temporal.Dial(cfg.Temporal, logger.With("component", "temporal"))
		if err != nil {
			logger.Error("failed to connect to temporal", "host_port", cfg.Temporal.HostPort, "error", err)
			os.Exit(1)
		}
		defer tc.Close()
		broker = temporal.NewBroker(tc, cfg.Temporal, logger.With("component", "broker"))

		acts := &temporal.Activities{Processor: processor}
		go func() {
			if err := temporal.RunWorker(ctx, tc, cfg.Temporal, acts, logger.With("component", "worker")); err != nil {
				logger.Error("temporal worker error", "error", err)
			}
		}()
	}

	evaluator, err := monitoring.NewEvaluator(st, queue, cfg.SLA, metrics, logger.With("component", "sla"))
	if err != nil {
		logger.Error("invalid sla configuration", "error", err)
		os.Exit(1)
	}
	go evaluator.Run(ctx)

	monitor := health.NewMonitor(cfg.Health, st, logger.With("component", "health"))
	go monitor.Start(ctx)

	apiSrv, err := api.NewServer(cfg, st, queue, broker, metrics, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("docket running",
		"bind", cfg.Server.Bind,
		"db", dbPath,
		"broker", brokerName(*noBroker),
		"steps", len(cfg.Pipeline.Steps),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded", "note", "pipeline, sla and provider changes apply on restart")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			if inline != nil {
				inline.Wait()
			}
			logger.Info("docket stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			shutdownStart := time.Now()
			logger.Info("received unexpected signal, shutting down", "signal", sig)
			cancel()
			logger.Info("docket stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}

func brokerName(noBroker bool) string {
	if noBroker {
		return "inline"
	}
	return "temporal"
}
