// Package orchestrator implements the Master Orchestrator: the per-session
// coordinator that turns a Planner's Plan into running Workers, merges their
// events for streaming to clients, and folds their results into one
// integrated report.
//
// Grounded on _examples/original_source/backend/core/master_agent.py's
// MasterAgent (execute_task / _emerge_roles / _spawn_subagents /
// _execute_subagents_parallel / _integrate_results), re-expressed over
// internal/worker.Worker and internal/relay.Coordinator instead of Python
// asyncio tasks and callback dicts.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/planner"
	"github.com/agentswarm/orchestrator/internal/provider"
	"github.com/agentswarm/orchestrator/internal/relay"
	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/internal/tool"
	"github.com/agentswarm/orchestrator/internal/worker"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// Config tunes a Master's worker and integration behavior, sourced from the
// Orchestration config block (internal/config / pkg/types.OrchestrationConfig).
type Config struct {
	Worker             worker.Config
	IntegrationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IntegrationTimeout <= 0 {
		c.IntegrationTimeout = 2 * time.Minute
	}
	return c
}

// Master runs one session's emergent multi-agent plan: role emergence,
// concurrent worker execution, and result integration. One Master belongs to
// exactly one swarmsession.Session.
type Master struct {
	sessionID   string
	bus         *swarmevent.Bus
	coordinator *relay.Coordinator
	plan        *planner.Planner
	prov        provider.Provider
	modelID     string
	tools       *tool.Registry
	cfg         Config

	mu      sync.RWMutex
	workers map[string]*worker.Worker
	current *swarmtypes.Plan
}

// New creates a Master for one session. prov/modelID are used both for the
// Planner's role-emergence call and for every spawned worker, matching the
// teacher's single-provider-per-session design; callers that want per-role
// model overrides can wrap prov.
func New(sessionID string, bus *swarmevent.Bus, prov provider.Provider, modelID string, tools *tool.Registry, cfg Config) *Master {
	return &Master{
		sessionID:   sessionID,
		bus:         bus,
		coordinator: relay.New(sessionID, bus),
		plan:        planner.New(prov, modelID),
		prov:        prov,
		modelID:     modelID,
		tools:       tools,
		cfg:         cfg.withDefaults(),
		workers:     make(map[string]*worker.Worker),
	}
}

// Coordinator exposes the session's relay coordinator, e.g. for server
// handlers that serve /relay/{session_id}/* routes directly.
func (m *Master) Coordinator() *relay.Coordinator { return m.coordinator }

// Plan returns the most recently generated plan, or nil before Run completes
// role emergence.
func (m *Master) Plan() *swarmtypes.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Workers returns a snapshot of every spawned worker's state, keyed by
// worker ID.
func (m *Master) Workers() map[string]swarmtypes.WorkerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]swarmtypes.WorkerState, len(m.workers))
	for id, w := range m.workers {
		out[id] = w.State()
	}
	return out
}

// Result is what Run returns: the generated plan, each role's final result,
// and the integrated report.
type Result struct {
	Plan         *swarmtypes.Plan
	RoleResults  map[string]string // role name -> final result
	FinalReport  string
	FailedRoles  []string
}

// Run performs role emergence for task, spawns one Worker per emerged role,
// runs them concurrently, and integrates their results. It blocks until
// every worker has finished (completed, failed, or was cancelled) or ctx is
// done.
func (m *Master) Run(ctx context.Context, task string) (*Result, error) {
	m.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RunStarted,
		Timestamp: time.Now().UnixMilli(),
		SessionID: m.sessionID,
		Data:      swarmevent.RunStartedData{ThreadID: m.sessionID, RunID: m.sessionID},
	})

	p, err := m.plan.Plan(ctx, task)
	if err != nil {
		m.bus.Publish(swarmevent.Event{
			Type:      swarmevent.RunError,
			Timestamp: time.Now().UnixMilli(),
			SessionID: m.sessionID,
			Data:      swarmevent.RunErrorData{Message: err.Error(), Code: "plan_failed"},
		})
		return nil, fmt.Errorf("orchestrator: role emergence failed: %w", err)
	}

	m.mu.Lock()
	m.current = p
	m.mu.Unlock()

	m.bus.Publish(swarmevent.Event{
		Type:      swarmevent.PlanGenerated,
		Timestamp: time.Now().UnixMilli(),
		SessionID: m.sessionID,
		Data:      swarmevent.PlanGeneratedData{TotalAgents: len(p.Roles)},
	})
	for _, r := range p.Roles {
		m.bus.Publish(swarmevent.Event{
			Type:      swarmevent.RoleEmerged,
			Timestamp: time.Now().UnixMilli(),
			SessionID: m.sessionID,
			Data:      swarmevent.RoleEmergedData{RoleName: r.Name, RoleInfo: r},
		})
	}

	station := m.coordinator.CreateStation("phase-1", 1, roleNames(p.Roles))

	workers := m.spawnWorkers(p)

	var wg sync.WaitGroup
	results := make(map[string]string, len(workers))
	var failed []string
	var resMu sync.Mutex

	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			err := w.Run(ctx)
			st := w.State()
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil || st.Status == swarmtypes.WorkerFailed {
				failed = append(failed, w.Role.Name)
				return
			}
			results[w.Role.Name] = st.FinalResult
		}(w)
	}
	wg.Wait()

	if _, err := m.coordinator.CloseStation(station.ID); err != nil {
		logging.Logger.Warn().Err(err).Str("sessionID", m.sessionID).Msg("failed to close relay station")
	}

	report, err := m.integrate(ctx, p, results)
	if err != nil {
		logging.Logger.Warn().Err(err).Str("sessionID", m.sessionID).Msg("result integration failed, falling back to concatenation")
		report = fallbackIntegration(p, results)
	}

	m.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RunFinished,
		Timestamp: time.Now().UnixMilli(),
		SessionID: m.sessionID,
		Data:      swarmevent.RunFinishedData{RunID: m.sessionID},
	})

	return &Result{Plan: p, RoleResults: results, FinalReport: report, FailedRoles: failed}, nil
}

func (m *Master) spawnWorkers(p *swarmtypes.Plan) []*worker.Worker {
	trigger := relay.NewAdaptiveTrigger()
	out := make([]*worker.Worker, 0, len(p.Roles))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range p.Roles {
		segment := role.TaskSegment
		if segment == "" {
			segment = p.Task
		}
		w := worker.New(m.sessionID, role, segment, m.prov, m.modelID, m.tools, m.coordinator, m.bus, trigger, m.cfg.Worker)
		m.workers[w.ID] = w
		out = append(out, w)
	}
	return out
}

func roleNames(roles []swarmtypes.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = r.Name
	}
	return out
}

func fallbackIntegration(p *swarmtypes.Plan, results map[string]string) string {
	var b []byte
	b = append(b, fmt.Sprintf("Task: %s\n\n", p.Task)...)
	for _, r := range p.Roles {
		res, ok := results[r.Name]
		if !ok {
			continue
		}
		b = append(b, fmt.Sprintf("## %s\n%s\n\n", r.Name, res)...)
	}
	return string(b)
}
