package swarmsession

import (
	"context"
	"fmt"
	"time"

	"github.com/agentswarm/orchestrator/internal/direct"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/orchestrator"
	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// RunTask starts a session's task in the background and returns immediately;
// progress and completion are observed through Events. A session created
// with mode "emergent" runs on its orchestrator.Master (plan, worker fleet,
// relay); one created with mode "direct" runs a single turn on its
// direct.Agent. Calling RunTask on a session while a run is already in
// flight returns an error and leaves the running task alone, matching the
// single-agent-per-session invariant session_manager.py enforces via
// get_or_create_agent.
func (m *Manager) RunTask(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if e.running {
		m.mu.Unlock()
		return fmt.Errorf("swarmsession: session %s already has a task running", sessionID)
	}
	e.running = true
	mode := e.session.Mode
	task := e.session.Task
	m.mu.Unlock()

	if mode == swarmtypes.ModeDirect {
		agent, err := m.DirectAgent(sessionID)
		if err != nil {
			m.markFailed(sessionID, err)
			return err
		}
		go m.runDirectAndRecord(ctx, sessionID, agent, task)
		return nil
	}

	master, err := m.Master(sessionID)
	if err != nil {
		m.markFailed(sessionID, err)
		return err
	}
	go m.runEmergentAndRecord(ctx, sessionID, master, task)
	return nil
}

func (m *Manager) runEmergentAndRecord(ctx context.Context, sessionID string, master masterRunner, task string) {
	result, err := master.Run(ctx, task)

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.running = false
	if err != nil {
		e.session.Status = swarmtypes.SessionError
		m.mu.Unlock()
		logging.Logger.Error().Err(err).Str("sessionID", sessionID).Msg("task run failed")
		e.bus.Publish(swarmevent.Event{
			Type:      swarmevent.SessionStateChanged,
			Timestamp: time.Now().UnixMilli(),
			SessionID: sessionID,
			Data:      swarmevent.SessionStateChangedData{ChangeType: "error", Summary: err.Error()},
		})
		return
	}

	e.session.Status = swarmtypes.SessionCompleted
	e.session.Plan = result.Plan
	e.session.FinalReport = result.FinalReport
	e.session.LastActiveAt = time.Now().UnixMilli()
	bus := e.bus
	m.mu.Unlock()

	roleNames := make([]string, 0, len(result.Plan.Roles))
	for _, r := range result.Plan.Roles {
		roleNames = append(roleNames, r.Name)
	}
	_ = m.SaveTaskCompletion(sessionID, result.FinalReport, result.Plan, "", roleNames)

	bus.Publish(swarmevent.Event{
		Type:      swarmevent.SessionStateChanged,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
		Data:      swarmevent.SessionStateChangedData{ChangeType: "completed", Summary: len(result.FailedRoles)},
	})
}

func (m *Manager) runDirectAndRecord(ctx context.Context, sessionID string, agent directRunner, task string) {
	result, err := agent.RunTurn(ctx, task)

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.running = false
	if err != nil {
		e.session.Status = swarmtypes.SessionError
		m.mu.Unlock()
		logging.Logger.Error().Err(err).Str("sessionID", sessionID).Msg("direct task run failed")
		e.bus.Publish(swarmevent.Event{
			Type:      swarmevent.SessionStateChanged,
			Timestamp: time.Now().UnixMilli(),
			SessionID: sessionID,
			Data:      swarmevent.SessionStateChangedData{ChangeType: "error", Summary: err.Error()},
		})
		return
	}

	e.session.Status = swarmtypes.SessionCompleted
	e.session.FinalReport = result.Text
	e.session.LastActiveAt = time.Now().UnixMilli()
	bus := e.bus
	m.mu.Unlock()

	// Direct mode has no Plan or role fleet, so the followup snapshot carries
	// only the final answer text.
	_ = m.SaveTaskCompletion(sessionID, result.Text, nil, "", nil)

	bus.Publish(swarmevent.Event{
		Type:      swarmevent.SessionStateChanged,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
		Data:      swarmevent.SessionStateChangedData{ChangeType: "completed", Summary: 0},
	})
}

func (m *Manager) markFailed(sessionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	e.running = false
	e.session.Status = swarmtypes.SessionError
	logging.Logger.Error().Err(err).Str("sessionID", sessionID).Msg("failed to start task")
}

// masterRunner is the subset of orchestrator.Master used by
// runEmergentAndRecord, narrowed so tests can substitute a fake without
// spinning up a real Planner/Worker chain.
type masterRunner interface {
	Run(ctx context.Context, task string) (*orchestrator.Result, error)
}

// directRunner is the subset of direct.Agent used by runDirectAndRecord,
// narrowed for the same reason.
type directRunner interface {
	RunTurn(ctx context.Context, task string) (*direct.Result, error)
}
