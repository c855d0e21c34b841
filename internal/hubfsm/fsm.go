// Package hubfsm drives the hub's autonomous behavior: a singleton state
// machine evaluated on a 1 Hz tick. Bus subscriptions only set flags; the
// tick is the sole transition driver.
package hubfsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/hub/internal/common/logger"
	"github.com/agentcom/hub/internal/costs"
	"github.com/agentcom/hub/internal/events"
	"github.com/agentcom/hub/internal/events/bus"
	v1 "github.com/agentcom/hub/pkg/api/v1"
)

const (
	tickInterval     = time.Second
	watchdogDeadline = 2 * time.Hour
	healingCooldown  = 5 * time.Minute
	healingWindow    = 10 * time.Minute
	maxHealingTries  = 3
	historySize      = 200
)

// ErrInvalidTransition is returned by ForceTransition for disallowed edges.
var ErrInvalidTransition = errors.New("invalid transition")

// allowedTransitions is the FSM's edge table. ForceTransition validates
// against it; the tick evaluator only ever follows these edges.
var allowedTransitions = map[v1.HubState][]v1.HubState{
	v1.HubStateResting:       {v1.HubStateExecuting, v1.HubStateImproving, v1.HubStateHealing},
	v1.HubStateExecuting:     {v1.HubStateResting, v1.HubStateHealing},
	v1.HubStateImproving:     {v1.HubStateResting, v1.HubStateExecuting, v1.HubStateContemplating},
	v1.HubStateContemplating: {v1.HubStateResting, v1.HubStateExecuting, v1.HubStateHealing},
	v1.HubStateHealing:       {v1.HubStateResting},
}

// CycleFunc is a one-shot cycle body run when the FSM enters a working
// state. The improving cycle reports whether it produced findings.
type CycleFunc func(ctx context.Context) error

// ImprovingFunc is the improving cycle body.
type ImprovingFunc func(ctx context.Context) (findings bool, err error)

// Hooks connects the FSM to the rest of the hub without import cycles.
// Unset hooks behave as no-ops.
type Hooks struct {
	PendingGoals func() int
	ActiveGoals  func() int

	Executing     CycleFunc
	Improving     ImprovingFunc
	Contemplating CycleFunc
	Healing       CycleFunc
}

// FSM is the singleton hub state machine.
type FSM struct {
	ledger *costs.Ledger
	bus    bus.EventBus
	hooks  Hooks
	logger *logger.Logger

	mu              sync.Mutex
	state           v1.HubState
	paused          bool
	cycleCount      int64
	transitionCount int64
	lastStateChange time.Time

	cycleRunning      bool
	cycleComplete     bool
	improvingFindings bool

	improvementSignal bool
	criticalHealth    bool

	healingAttempts []time.Time
	cooldownUntil   time.Time

	history []v1.HubTransition

	subs    []bus.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New builds the FSM in the resting state.
func New(ledger *costs.Ledger, eventBus bus.EventBus, hooks Hooks, log *logger.Logger) *FSM {
	return &FSM{
		ledger:          ledger,
		bus:             eventBus,
		hooks:           hooks,
		logger:          log.WithComponent("hubfsm"),
		state:           v1.HubStateResting,
		lastStateChange: time.Now(),
	}
}

// Start subscribes to signal topics and launches the tick loop.
func (f *FSM) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("hub fsm already running")
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.mu.Unlock()

	sub, err := f.bus.Subscribe(events.TopicHubImprovementSignal, func(ctx context.Context, ev *bus.Event) error {
		f.mu.Lock()
		f.improvementSignal = true
		f.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to improvement signals: %w", err)
	}
	f.subs = append(f.subs, sub)

	sub, err = f.bus.Subscribe(events.TopicHubHealthCritical, func(ctx context.Context, ev *bus.Event) error {
		f.mu.Lock()
		f.criticalHealth = true
		f.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to health signals: %w", err)
	}
	f.subs = append(f.subs, sub)

	f.wg.Add(1)
	go f.tickLoop(ctx)
	f.logger.Info("hub fsm started", zap.String("state", string(f.state)))
	return nil
}

// Shutdown terminates the tick loop.
func (f *FSM) Shutdown() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	f.mu.Unlock()

	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
	f.wg.Wait()
	f.logger.Info("hub fsm stopped")
}

func (f *FSM) tickLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Tick runs one evaluation. Exported so tests can drive the FSM without the
// wall clock.
func (f *FSM) Tick(ctx context.Context) {
	f.mu.Lock()

	// Watchdog overrides everything, paused or not.
	if time.Since(f.lastStateChange) >= watchdogDeadline && f.state != v1.HubStateResting {
		f.transitionLocked(ctx, v1.HubStateResting, "watchdog")
		f.mu.Unlock()
		return
	}

	if f.paused {
		f.mu.Unlock()
		return
	}

	switch f.state {
	case v1.HubStateResting:
		f.evaluateRestingLocked(ctx)
	case v1.HubStateExecuting:
		f.evaluateExecutingLocked(ctx)
	case v1.HubStateImproving:
		f.evaluateImprovingLocked(ctx)
	case v1.HubStateContemplating:
		f.evaluateContemplatingLocked(ctx)
	case v1.HubStateHealing:
		f.evaluateHealingLocked(ctx)
	}
	f.mu.Unlock()
}

func (f *FSM) evaluateRestingLocked(ctx context.Context) {
	if f.criticalHealth && f.canHealLocked() {
		f.recordHealingAttemptLocked()
		f.transitionLocked(ctx, v1.HubStateHealing, "critical health")
		return
	}
	if f.pendingGoals() > 0 && f.budgetOK(v1.CategoryExecuting) {
		f.transitionLocked(ctx, v1.HubStateExecuting, "pending goals")
		return
	}
	if f.improvementSignal && f.budgetOK(v1.CategoryImproving) {
		f.improvementSignal = false
		f.transitionLocked(ctx, v1.HubStateImproving, "improvement signal")
	}
}

func (f *FSM) evaluateExecutingLocked(ctx context.Context) {
	if f.criticalHealth && f.canHealLocked() {
		f.recordHealingAttemptLocked()
		f.transitionLocked(ctx, v1.HubStateHealing, "critical health")
		return
	}
	if !f.budgetOK(v1.CategoryExecuting) {
		f.transitionLocked(ctx, v1.HubStateResting, "executing budget exhausted")
		return
	}
	if f.pendingGoals() == 0 && f.activeGoals() == 0 {
		f.transitionLocked(ctx, v1.HubStateResting, "no goals")
		return
	}
	if !f.cycleRunning {
		f.startCycleLocked(ctx)
	}
}

func (f *FSM) evaluateImprovingLocked(ctx context.Context) {
	if !f.cycleRunning && !f.cycleComplete {
		f.startCycleLocked(ctx)
		return
	}
	if !f.cycleComplete {
		return
	}
	if f.pendingGoals() > 0 {
		f.transitionLocked(ctx, v1.HubStateExecuting, "goals appeared during improvement")
		return
	}
	if !f.improvingFindings && f.budgetOK(v1.CategoryContemplating) {
		f.transitionLocked(ctx, v1.HubStateContemplating, "no findings")
		return
	}
	f.transitionLocked(ctx, v1.HubStateResting, "improvement cycle complete")
}

func (f *FSM) evaluateContemplatingLocked(ctx context.Context) {
	if f.criticalHealth && f.canHealLocked() {
		f.recordHealingAttemptLocked()
		f.transitionLocked(ctx, v1.HubStateHealing, "critical health")
		return
	}
	if !f.cycleRunning && !f.cycleComplete {
		f.startCycleLocked(ctx)
		return
	}
	if !f.cycleComplete {
		return
	}
	if f.pendingGoals() > 0 {
		f.transitionLocked(ctx, v1.HubStateExecuting, "contemplation complete, goals pending")
		return
	}
	f.transitionLocked(ctx, v1.HubStateResting, "contemplation complete")
}

func (f *FSM) evaluateHealingLocked(ctx context.Context) {
	if !f.cycleRunning && !f.cycleComplete {
		f.startCycleLocked(ctx)
		return
	}
	if !f.cycleComplete {
		return
	}
	f.criticalHealth = false
	f.cooldownUntil = time.Now().Add(healingCooldown)
	f.transitionLocked(ctx, v1.HubStateResting, "healing cycle complete")
}

// startCycleLocked spawns the one-shot cycle body for the current state and
// charges the ledger.
func (f *FSM) startCycleLocked(ctx context.Context) {
	state := f.state
	f.cycleRunning = true
	f.cycleComplete = false
	f.improvingFindings = false

	// Executing cycles are charged by the orchestrator per decomposed goal,
	// not per tick.
	if cat, ok := categoryFor(state); ok && cat != v1.CategoryExecuting {
		if _, err := f.ledger.Record(cat, costs.RecordParams{}); err != nil {
			f.logger.Error("failed to record invocation", zap.Error(err))
		}
	}

	go func() {
		var findings bool
		var err error
		switch state {
		case v1.HubStateExecuting:
			if f.hooks.Executing != nil {
				err = f.hooks.Executing(ctx)
			}
		case v1.HubStateImproving:
			if f.hooks.Improving != nil {
				findings, err = f.hooks.Improving(ctx)
			}
		case v1.HubStateContemplating:
			if f.hooks.Contemplating != nil {
				err = f.hooks.Contemplating(ctx)
			}
		case v1.HubStateHealing:
			if f.hooks.Healing != nil {
				err = f.hooks.Healing(ctx)
			}
		}
		if err != nil {
			f.logger.Error("cycle failed", zap.String("state", string(state)), zap.Error(err))
		}

		f.mu.Lock()
		f.cycleRunning = false
		f.cycleComplete = true
		f.improvingFindings = findings
		f.cycleCount++
		count := f.cycleCount
		f.mu.Unlock()

		_ = f.bus.Publish(ctx, events.TopicHubCycleComplete,
			bus.NewEvent(events.TopicHubCycleComplete, "hubfsm", map[string]interface{}{
				"state":       string(state),
				"cycle_count": count,
			}))
	}()
}

// Pause halts autonomous transitions; ticks keep firing.
// Returns false when already paused.
func (f *FSM) Pause() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		return false
	}
	f.paused = true
	f.logger.Info("hub fsm paused")
	return true
}

// Resume restores autonomous transitions. Returns false when not paused.
func (f *FSM) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused {
		return false
	}
	f.paused = false
	f.logger.Info("hub fsm resumed")
	return true
}

// Stop pauses the FSM and forces it to resting.
func (f *FSM) Stop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	if f.state != v1.HubStateResting {
		f.transitionLocked(ctx, v1.HubStateResting, "stop requested")
	}
}

// ForceTransition moves the FSM along an allowed edge on operator request.
func (f *FSM) ForceTransition(ctx context.Context, to v1.HubState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if to == f.state {
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, to)
	}
	if !transitionAllowed(f.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.state, to)
	}
	if reason == "" {
		reason = "forced"
	}
	f.transitionLocked(ctx, to, reason)
	return nil
}

// Status returns the externally visible FSM state.
func (f *FSM) Status() v1.HubStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := v1.HubStatus{
		State:           f.state,
		Paused:          f.paused,
		CycleCount:      f.cycleCount,
		TransitionCount: f.transitionCount,
		LastStateChange: f.lastStateChange,
		HealingAttempts: len(f.recentHealingLocked()),
	}
	if f.cooldownUntil.After(time.Now()) {
		until := f.cooldownUntil
		status.HealingCooldown = &until
	}
	return status
}

// History returns the recorded transitions, oldest first.
func (f *FSM) History() []v1.HubTransition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]v1.HubTransition(nil), f.history...)
}

// transitionLocked performs a state change: stamps, ring buffer, event.
func (f *FSM) transitionLocked(ctx context.Context, to v1.HubState, reason string) {
	from := f.state
	f.state = to
	f.transitionCount++
	f.lastStateChange = time.Now()
	f.cycleRunning = false
	f.cycleComplete = false

	entry := v1.HubTransition{
		From:      from,
		To:        to,
		Reason:    reason,
		Count:     f.transitionCount,
		Timestamp: f.lastStateChange,
	}
	f.history = append(f.history, entry)
	if len(f.history) > historySize {
		f.history = f.history[len(f.history)-historySize:]
	}

	f.logger.Info("hub state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	_ = f.bus.Publish(ctx, events.TopicHubStateChanged,
		bus.NewEvent(events.TopicHubStateChanged, "hubfsm", map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
			"count":  f.transitionCount,
		}))
}

func (f *FSM) canHealLocked() bool {
	if time.Now().Before(f.cooldownUntil) {
		return false
	}
	return len(f.recentHealingLocked()) < maxHealingTries
}

func (f *FSM) recentHealingLocked() []time.Time {
	cutoff := time.Now().Add(-healingWindow)
	recent := f.healingAttempts[:0]
	for _, t := range f.healingAttempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	f.healingAttempts = recent
	return recent
}

func (f *FSM) recordHealingAttemptLocked() {
	f.healingAttempts = append(f.healingAttempts, time.Now())
}

func (f *FSM) pendingGoals() int {
	if f.hooks.PendingGoals == nil {
		return 0
	}
	return f.hooks.PendingGoals()
}

func (f *FSM) activeGoals() int {
	if f.hooks.ActiveGoals == nil {
		return 0
	}
	return f.hooks.ActiveGoals()
}

func (f *FSM) budgetOK(category v1.InvocationCategory) bool {
	return f.ledger.CheckBudget(category) == nil
}

func transitionAllowed(from, to v1.HubState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func categoryFor(state v1.HubState) (v1.InvocationCategory, bool) {
	switch state {
	case v1.HubStateExecuting:
		return v1.CategoryExecuting, true
	case v1.HubStateImproving:
		return v1.CategoryImproving, true
	case v1.HubStateContemplating:
		return v1.CategoryContemplating, true
	default:
		return "", false
	}
}
