package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/health"
	"github.com/agentmux/agentmux/internal/kanban"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/pipeline"
	"github.com/agentmux/agentmux/internal/reconcile"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/rpc/handlers"
	"github.com/agentmux/agentmux/internal/runtime"
	"github.com/agentmux/agentmux/internal/runtime/factory"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/tracing"
	"github.com/agentmux/agentmux/internal/transport"
)

const (
	rpcTimeout     = 30 * time.Second
	autoCloseGrace = time.Hour
	sweepInterval  = time.Minute
	shutdownGrace  = 10 * time.Second
)

// runWorker is the daemon composition root. It assembles every component,
// reconciles persisted agents against the runtimes, then brings the
// transports up and serves until a shutdown signal or daemon.shutdown.
func runWorker(cfg *config.Config, cfgPath string) error {
	// 1. Logger
	log, err := newDaemonLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log.Info("worker starting", zap.Int("pid", os.Getpid()))

	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startedAt := time.Now()

	// 2. Store
	dbCfg := cfg.Database
	if (dbCfg.Driver == "sqlite3" || dbCfg.Driver == "") && dbCfg.DSN == "" {
		dbCfg.DSN = cfg.Daemon.DBFile
	}
	st, err := store.NewSQLStore(dbCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// 3. Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. Runtime manager
	runtimes := runtime.NewManager(
		cfg.Daemon.DefaultRuntime,
		cfg.Daemon.HealthCheckIntervalDuration(),
		factory.New,
		eventBus,
		log,
	)
	for id, rtCfg := range cfg.Runtimes {
		if err := runtimes.Add(ctx, rtCfg.ToAPI(id)); err != nil {
			log.Warn("runtime unavailable", zap.String("runtime", id), zap.Error(err))
		}
	}
	runtimes.Start(ctx)
	defer runtimes.Stop()

	// 5. Orchestrator
	orch := orchestrator.New(st, eventBus, runtimes, log)
	orch.Start(ctx)
	defer orch.Stop()

	// 6. Kanban board and auto-close sweeper
	board := kanban.New(st, eventBus, orch, log)
	sweeper := kanban.NewSweeper(board, autoCloseGrace, sweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 7. Pipeline engine
	pipelines := pipeline.New(st, eventBus, board, orch, log)
	if err := pipelines.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline engine: %w", err)
	}
	defer pipelines.Stop()

	// 8. Reconcile persisted agents before anything external can reach us.
	reconciler := reconcile.New(st, runtimes, orch, eventBus, log)
	if cfg.Daemon.ReconcileOnStart {
		summary, err := reconciler.Run(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		log.Info("reconciliation finished",
			zap.Int("total", summary.Total),
			zap.Int("reconnected", summary.Reconnected),
			zap.Int("lost", summary.Lost))
	}

	// 9. RPC router and method handlers
	checker := health.NewChecker(st, eventBus, runtimes, startedAt)
	router := rpc.NewRouter(rpcTimeout, log)

	shutdownCh := make(chan struct{})
	var server *transport.Server

	handlers.RegisterAll(router, handlers.Deps{
		Orchestrator: orch,
		Kanban:       board,
		Pipelines:    pipelines,
		Runtimes:     runtimes,
		Config:       cfg,
		Health:       checker.Report,
		Reload: func(ctx context.Context) error {
			if err := reloadRuntimes(ctx, cfgPath, runtimes, log); err != nil {
				return err
			}
			publishDaemonEvent(ctx, eventBus, events.DaemonReloaded, log)
			return nil
		},
		Shutdown: func() {
			// Let the reply flush before the teardown starts.
			go func() {
				time.Sleep(100 * time.Millisecond)
				close(shutdownCh)
			}()
		},
		Subscribers: func() int {
			if server == nil {
				return 0
			}
			return server.Subscribers()
		},
	})

	// 10. Transports
	server = transport.NewServer(cfg.Server, cfg.Daemon.SocketPath, router, eventBus, checker.Report, log)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	log.Info("worker ready",
		zap.String("socket", cfg.Daemon.SocketPath),
		zap.Int("httpPort", cfg.Server.HTTPPort))
	publishDaemonEvent(ctx, eventBus, events.DaemonReady, log)

	// 11. Serve until a signal or daemon.shutdown arrives.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info("reload requested")
				if err := reloadRuntimes(ctx, cfgPath, runtimes, log); err != nil {
					log.Error("reload failed", zap.Error(err))
				}
				continue
			}
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
		case <-shutdownCh:
			log.Info("shutdown requested over rpc")
		}
		break
	}

	// 12. Teardown: transports first so no new work arrives, then the
	// deferred component stops run in reverse construction order.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()
	publishDaemonEvent(stopCtx, eventBus, events.DaemonStopping, log)
	server.Stop(stopCtx)
	tracing.Shutdown(stopCtx)
	log.Info("worker stopped")
	return nil
}

func publishDaemonEvent(ctx context.Context, eventBus bus.EventBus, name string, log *logger.Logger) {
	event := bus.NewEvent(name, "daemon", nil)
	if err := eventBus.Publish(ctx, name, event); err != nil {
		log.Warn("daemon event publish failed", zap.String("event", name), zap.Error(err))
	}
}

// reloadRuntimes re-reads the config file and registers any runtimes added
// since startup. Removing or editing live runtimes requires a restart.
func reloadRuntimes(ctx context.Context, cfgPath string, runtimes *runtime.Manager, log *logger.Logger) error {
	fresh, err := config.LoadWithPath(cfgPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	known := make(map[string]bool)
	for _, rt := range runtimes.List() {
		known[rt.ID] = true
	}
	for id, rtCfg := range fresh.Runtimes {
		if known[id] {
			continue
		}
		if err := runtimes.Add(ctx, rtCfg.ToAPI(id)); err != nil {
			log.Warn("reload: runtime unavailable", zap.String("runtime", id), zap.Error(err))
			continue
		}
		log.Info("reload: runtime added", zap.String("runtime", id))
	}
	return nil
}
