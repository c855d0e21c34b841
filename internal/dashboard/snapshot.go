// Package dashboard aggregates the hub's state into a single read-only
// snapshot and pushes live events to dashboard WebSocket clients.
package dashboard

import (
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/agent"
	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/costs"
	"github.com/agentcom/hub/internal/endpoint"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/goals"
	"github.com/agentcom/hub/internal/hubfsm"
	"github.com/agentcom/hub/internal/storage"
	"github.com/agentcom/hub/internal/taskqueue"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

// Snapshotter reads every component's public state. It never mutates
// anything.
type Snapshotter struct {
	queue     *taskqueue.Service
	agents    *agent.Manager
	endpoints *endpoint.Registry
	fsm       *hubfsm.FSM
	ledger    *costs.Ledger
	backlog   *goals.Backlog
	engine    *storage.Engine
	telemetry *events.Telemetry
	logger    *logger.Logger
}

// NewSnapshotter builds the snapshotter.
func NewSnapshotter(queue *taskqueue.Service, agents *agent.Manager, endpoints *endpoint.Registry, fsm *hubfsm.FSM, ledger *costs.Ledger, backlog *goals.Backlog, engine *storage.Engine, telemetry *events.Telemetry, log *logger.Logger) *Snapshotter {
	return &Snapshotter{
		queue:     queue,
		agents:    agents,
		endpoints: endpoints,
		fsm:       fsm,
		ledger:    ledger,
		backlog:   backlog,
		engine:    engine,
		telemetry: telemetry,
		logger:    log.WithComponent("dashboard"),
	}
}

// Snapshot assembles the full dashboard state. Partial failures degrade the
// affected section rather than failing the whole snapshot.
func (s *Snapshotter) Snapshot() v1.DashboardState {
	state := v1.DashboardState{
		GeneratedAt: time.Now(),
		Agents:      s.agents.List(),
		Endpoints:   s.endpoints.List(),
		Hub:         s.fsm.Status(),
		HubHistory:  s.fsm.History(),
		Costs:       s.ledger.Stats(),
		Storage:     s.engine.Health(),
		Telemetry:   s.telemetry.Snapshot(),
	}

	stats, err := s.queue.Stats()
	if err != nil {
		s.logger.Error("failed to read queue stats", zap.Error(err))
	} else {
		state.Tasks = stats
	}

	goalList, err := s.backlog.List()
	if err != nil {
		s.logger.Error("failed to list goals", zap.Error(err))
	} else {
		state.Goals = make([]v1.Goal, 0, len(goalList))
		for _, g := range goalList {
			state.Goals = append(state.Goals, *g)
		}
	}

	return state
}
