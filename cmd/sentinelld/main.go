package main

// Package main is the entry point for the sentinelld agent daemon.
//
// Responsibilities:
//   - Load and validate configuration from YAML and SENTINELL_* env vars
//   - Open the SQLite incident store and run migrations
//   - Wire the reasoning engine, executor, hydrator, delivery hub and
//     loop runner together
//   - Start the worker pool, the optional repo health poller, and the
//     HTTP/WebSocket API server
//   - Implement graceful shutdown: in-flight runs requeue their
//     incidents, the audit log is flushed, listeners close

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sentinell/sentinell/internal/audit"
	"github.com/sentinell/sentinell/internal/config"
	"github.com/sentinell/sentinell/internal/delivery"
	"github.com/sentinell/sentinell/internal/executor"
	"github.com/sentinell/sentinell/internal/hydrator"
	"github.com/sentinell/sentinell/internal/llm"
	"github.com/sentinell/sentinell/internal/loop"
	"github.com/sentinell/sentinell/internal/poller"
	"github.com/sentinell/sentinell/internal/reasoning"
	"github.com/sentinell/sentinell/internal/server"
	"github.com/sentinell/sentinell/internal/store"
	"github.com/sentinell/sentinell/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sentinelld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager := config.NewManager(configPath)
	cfg, err := manager.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rotation := &audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
	}

	logger, err := audit.NewAppLogger(cfg.Logging.Level, cfg.Logging.AppLogPath, rotation)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	auditLog, err := audit.NewLogger(rotation, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	st, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open incident store: %w", err)
	}
	defer st.Close()

	engine, err := buildEngine(cfg.LLM, logger)
	if err != nil {
		return err
	}
	exec, err := executor.New(cfg.Executor, logger)
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}

	hub := delivery.NewHub(cfg.Delivery.ReplayBufferSize, cfg.Delivery.SubscriberBufferSize, logger)
	defer hub.Close()
	hyd := hydrator.New(st, logger)
	health := poller.NewRepoHealth(st, logger, time.Duration(cfg.Poller.CheckTimeoutSeconds)*time.Second)

	runner, err := loop.NewRunner(loop.Options{
		Store:    st,
		Engine:   engine,
		Executor: exec,
		Hydrator: hyd,
		Hub:      hub,
		Health:   health,
		Audit:    auditLog,
		Logger:   logger,
		Config:   cfg.Loop,
		Lease:    time.Duration(cfg.Worker.LeaseMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to build loop runner: %w", err)
	}

	pool := worker.NewPool(st, runner, auditLog, logger, cfg.Worker)
	srv, err := server.New(cfg.Server, st, hub, hyd, auditLog, logger)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog.Log(audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("sentinelld listening on %s:%d", cfg.Server.Host, cfg.Server.Port)).
		WithResult(audit.ResultSuccess))
	logger.Info("sentinelld starting",
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("executor_mode", exec.Mode()),
		zap.Int("workers", cfg.Worker.Count))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return pool.Start(ctx) })
	// Most settings bind at startup; accepted reloads are logged so an
	// operator can confirm the file edit was picked up before restarting.
	updates := manager.Watch()
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-updates:
				logger.Info("configuration file reloaded",
					zap.Int("loop_max_iterations", next.Loop.MaxIterations),
					zap.Int("worker_count", next.Worker.Count),
					zap.String("log_level", next.Logging.Level))
			}
		}
	})
	if cfg.Poller.Enabled {
		p := poller.New(st, auditLog, logger, cfg.Poller)
		g.Go(func() error { return p.Start(ctx) })
	}

	err = g.Wait()
	auditLog.Log(audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	logger.Info("sentinelld stopped")
	return err
}

// buildEngine selects the reasoning backend. The stub provider needs no
// API key and resolves deterministically, for demos and local work.
func buildEngine(cfg config.LLM, logger *zap.Logger) (reasoning.Engine, error) {
	if cfg.Provider == "stub" {
		return reasoning.NewStubEngine(), nil
	}
	client, err := llm.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build llm client: %w", err)
	}
	return reasoning.NewEngine(client, logger), nil
}
