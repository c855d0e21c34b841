// Package main is the AgentCom hub entry point. One binary runs every
// subsystem over a shared event bus and storage engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/classifier"
	"github.com/agentcom/hub/internal/common/config"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/costs"
	"github.com/agentcom/hub/internal/dashboard"
	"github.com/agentcom/hub/internal/endpoint"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
	"github.com/agentcom/hub/internal/gateway"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/hubfsm"
	"github.com/agentcom/hub/internal/router"
	"github.com/agentcom/hub/internal/server"
	"github.com/agentcom/hub/internal/storage"
	"github.com/agentcom/hub/internal/taskqueue"
	"github.com/agentcom/hub/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting AgentCom hub...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime := config.NewRuntime()
	telemetry := events.NewTelemetry()

	// Event bus: in-memory by default, NATS when configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		memBus := bus.NewMemoryEventBus(log)
		memBus.SetDropCounter(telemetry)
		eventBus = memBus
	}
	defer eventBus.Close()

	// Storage engine underpins every durable component; it starts first and
	// stops last.
	engine, err := storage.NewEngine(cfg.Storage, runtime, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize storage engine", zap.Error(err))
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start storage engine", zap.Error(err))
	}
	defer engine.Stop()

	queue, err := taskqueue.NewService(engine, classifier.New(), eventBus, telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize task queue", zap.Error(err))
	}
	if err := queue.Start(ctx); err != nil {
		log.Fatal("Failed to start task queue", zap.Error(err))
	}
	defer queue.Stop()

	endpoints, err := endpoint.NewRegistry(engine, eventBus, cfg.Routing.ProbeIntervalDuration(), nil, log)
	if err != nil {
		log.Fatal("Failed to initialize endpoint registry", zap.Error(err))
	}
	if err := endpoints.Start(ctx); err != nil {
		log.Fatal("Failed to start endpoint registry", zap.Error(err))
	}
	defer endpoints.Stop()

	tokens, err := token.NewStore(engine, log)
	if err != nil {
		log.Fatal("Failed to initialize token store", zap.Error(err))
	}

	limiter := agent.NewRateLimiter()
	agents := agent.NewManager(queue, eventBus, runtime, cfg.Agents, limiter, log)
	if err := agents.Start(ctx); err != nil {
		log.Fatal("Failed to start agent manager", zap.Error(err))
	}
	defer agents.Stop()

	// Assignments that survived a restart reference agents the fresh registry
	// has never seen; the overdue sweep uses this probe to reclaim them.
	queue.SetAgentLiveness(func(agentID string) bool {
		_, err := agents.Get(agentID)
		return err == nil
	})

	scheduler := router.NewScheduler(queue, agents, endpoints, runtime, eventBus, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	ledger, err := costs.NewLedger(engine, cfg.Budgets, log)
	if err != nil {
		log.Fatal("Failed to initialize cost ledger", zap.Error(err))
	}

	backlog, err := goals.NewBacklog(engine, log)
	if err != nil {
		log.Fatal("Failed to initialize goal backlog", zap.Error(err))
	}
	orchestrator := goals.NewOrchestrator(backlog, queue, ledger, log)

	fsm := hubfsm.New(ledger, eventBus, hubfsm.Hooks{
		PendingGoals: backlog.PendingCount,
		ActiveGoals:  backlog.ActiveCount,
		Executing:    orchestrator.RunCycle,
		Healing: func(ctx context.Context) error {
			// Critical health means storage trouble: compact whatever is
			// fragmented and surface the per-table verdicts.
			for _, res := range engine.CompactAll() {
				if res.Err != nil {
					log.Warn("healing compaction failed",
						zap.String("table", res.Table),
						zap.Error(res.Err))
				}
			}
			return nil
		},
	}, log)
	if err := fsm.Start(ctx); err != nil {
		log.Fatal("Failed to start hub FSM", zap.Error(err))
	}
	defer fsm.Shutdown()

	gw := gateway.New(agents, tokens, endpoints, telemetry, log)

	snapshotter := dashboard.NewSnapshotter(queue, agents, endpoints, fsm, ledger, backlog, engine, telemetry, log)
	dashboardHub := dashboard.NewHub(eventBus, log)
	if err := dashboardHub.Start(ctx); err != nil {
		log.Fatal("Failed to start dashboard hub", zap.Error(err))
	}
	defer dashboardHub.Stop()

	httpServer := server.New(cfg.Server, server.Deps{
		Queue:       queue,
		Agents:      agents,
		Limiter:     limiter,
		Endpoints:   endpoints,
		Backlog:     backlog,
		FSM:         fsm,
		Ledger:      ledger,
		Tokens:      tokens,
		Gateway:     gw,
		Dashboard:   snapshotter,
		DashboardWS: dashboardHub,
		Runtime:     runtime,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info("AgentCom hub started",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	if err := g.Wait(); err != nil {
		log.Error("Hub terminated with error", zap.Error(err))
	}
	log.Info("AgentCom hub stopped")
}
