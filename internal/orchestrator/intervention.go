package orchestrator

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/internal/worker"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// ErrWorkerNotFound is returned by the single-agent intervention helpers
// when agentID names no currently-running worker.
var ErrWorkerNotFound = fmt.Errorf("orchestrator: worker not found")

func (m *Master) worker(agentID string) (*worker.Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[agentID]
	return w, ok
}

// PauseAgent pauses one worker's cooperative loop and, when broadcast is
// true, also sends that worker a SINGLE-scope pause intervention through the
// relay station. Grounded on
// master_agent.py's pause_agent (priority 7, SINGLE scope).
func (m *Master) PauseAgent(agentID, reason string, broadcast bool) error {
	w, ok := m.worker(agentID)
	if !ok {
		return ErrWorkerNotFound
	}
	w.Pause()
	if broadcast {
		m.broadcastIntervention(swarmtypes.Intervention{
			ID: ulid.Make().String(), Kind: swarmtypes.InterventionPause,
			Scope: swarmtypes.ScopeSingle, TargetID: agentID,
			Reason: defaultReason(reason, "operator paused this agent"), Priority: 7,
		})
	}
	return nil
}

// ResumeAgent resumes a paused worker. Grounded on master_agent.py's
// resume_agent (priority 6, SINGLE scope).
func (m *Master) ResumeAgent(agentID, reason string, broadcast bool) error {
	w, ok := m.worker(agentID)
	if !ok {
		return ErrWorkerNotFound
	}
	w.Resume()
	if broadcast {
		m.broadcastIntervention(swarmtypes.Intervention{
			ID: ulid.Make().String(), Kind: swarmtypes.InterventionResume,
			Scope: swarmtypes.ScopeSingle, TargetID: agentID,
			Reason: defaultReason(reason, "operator resumed this agent"), Priority: 6,
		})
	}
	return nil
}

// CancelAgent cancels a worker at its next checkpoint. Grounded on
// master_agent.py's cancel_agent (priority 8, SINGLE scope).
func (m *Master) CancelAgent(agentID, reason string, broadcast bool) error {
	w, ok := m.worker(agentID)
	if !ok {
		return ErrWorkerNotFound
	}
	w.Cancel()
	if broadcast {
		m.broadcastIntervention(swarmtypes.Intervention{
			ID: ulid.Make().String(), Kind: swarmtypes.InterventionCancel,
			Scope: swarmtypes.ScopeSingle, TargetID: agentID,
			Reason: defaultReason(reason, "operator cancelled this agent's task"), Priority: 8,
		})
	}
	return nil
}

// InjectToAgent delivers information directly into one worker's relay inbox
// and, when broadcast is true, also sends a notice of it to every registered
// worker (scope BROADCAST: advisory only, never force-applied). Grounded on
// master_agent.py's inject_to_agent.
func (m *Master) InjectToAgent(agentID, information string, broadcast bool, priority int) error {
	if _, ok := m.worker(agentID); !ok {
		return ErrWorkerNotFound
	}
	if priority <= 0 {
		priority = 5
	}
	m.broadcastIntervention(swarmtypes.Intervention{
		ID: ulid.Make().String(), Kind: swarmtypes.InterventionInject,
		Scope: swarmtypes.ScopeSingle, TargetID: agentID,
		Payload:  map[string]any{"information": information},
		Reason:   defaultReason("", "operator injected information"),
		Priority: priority,
	})
	if broadcast {
		m.broadcastIntervention(swarmtypes.Intervention{
			ID: ulid.Make().String(), Kind: swarmtypes.InterventionInject,
			Scope: swarmtypes.ScopeBroadcast, TargetID: agentID,
			Payload:  map[string]any{"information": information},
			Reason:   defaultReason("", "operator injected information"),
			Priority: priority,
		})
	}
	return nil
}

// BroadcastToAllAgents delivers message to every running worker. When
// forceAction is true, scope is ALL (every worker must act on it, not just
// see it); otherwise scope is BROADCAST (advisory). Grounded on
// master_agent.py's broadcast_to_all_agents.
func (m *Master) BroadcastToAllAgents(message, reason string, priority int, forceAction bool) error {
	m.mu.RLock()
	empty := len(m.workers) == 0
	m.mu.RUnlock()
	if empty {
		return fmt.Errorf("orchestrator: no active workers to broadcast to")
	}
	if priority <= 0 {
		priority = 7
	}
	scope := swarmtypes.ScopeBroadcast
	if forceAction {
		scope = swarmtypes.ScopeAll
	}
	m.broadcastIntervention(swarmtypes.Intervention{
		ID: ulid.Make().String(), Kind: swarmtypes.InterventionInject,
		Scope:    scope,
		Payload:  map[string]any{"information": message},
		Reason:   defaultReason(reason, "operator broadcast a message"),
		Priority: priority,
	})
	return nil
}

// AdjustAgent rewords adjustments into an injected instruction and delivers
// it to one worker and, when broadcast is true, also sends the structured
// adjustment payload to every registered worker (scope BROADCAST). Grounded
// on master_agent.py's adjust_agent.
func (m *Master) AdjustAgent(agentID string, adjustments map[string]any, reason string, broadcast bool) error {
	if _, ok := m.worker(agentID); !ok {
		return ErrWorkerNotFound
	}
	m.broadcastIntervention(swarmtypes.Intervention{
		ID: ulid.Make().String(), Kind: swarmtypes.InterventionAdjust,
		Scope: swarmtypes.ScopeSingle, TargetID: agentID,
		Payload:  map[string]any{"adjustments": adjustments},
		Reason:   defaultReason(reason, "operator adjusted this agent's work direction"),
		Priority: 6,
	})
	if broadcast {
		m.broadcastIntervention(swarmtypes.Intervention{
			ID: ulid.Make().String(), Kind: swarmtypes.InterventionAdjust,
			Scope: swarmtypes.ScopeBroadcast, TargetID: agentID,
			Payload:  map[string]any{"adjustments": adjustments},
			Reason:   defaultReason(reason, "operator adjusted this agent's work direction"),
			Priority: 6,
		})
	}
	return nil
}

// ApplyIntervention is the general-purpose intervention entry point: the
// caller builds the Intervention directly (any Kind/Scope); Master applies
// pause/resume/cancel kinds directly to the targeted worker(s), then, when
// BroadcastToRelay is true, broadcasts it through the relay station (which
// hands it to each target's receiveIntervention). Other kinds reach workers
// only through that broadcast. Returns the RelayMessage the
// broadcast generated (nil when BroadcastToRelay is false), so an HTTP caller
// can return it directly. Grounded on master_agent.py's apply_intervention.
func (m *Master) ApplyIntervention(iv swarmtypes.Intervention) (*swarmtypes.RelayMessage, error) {
	if iv.ID == "" {
		iv.ID = ulid.Make().String()
	}
	if iv.Timestamp == 0 {
		iv.Timestamp = time.Now().UnixMilli()
	}

	var targets []string
	switch iv.Scope {
	case swarmtypes.ScopeSingle:
		if iv.TargetID != "" {
			targets = []string{iv.TargetID}
		}
	case swarmtypes.ScopeSelected:
		targets = iv.TargetIDs
	default:
		m.mu.RLock()
		for id := range m.workers {
			targets = append(targets, id)
		}
		m.mu.RUnlock()
	}

	for _, id := range targets {
		w, ok := m.worker(id)
		if !ok {
			continue
		}
		switch iv.Kind {
		case swarmtypes.InterventionPause:
			w.Pause()
		case swarmtypes.InterventionResume:
			w.Resume()
		case swarmtypes.InterventionCancel:
			w.Cancel()
		}
	}

	var msg *swarmtypes.RelayMessage
	if iv.BroadcastToRelay {
		sent := m.broadcastIntervention(iv)
		msg = &sent
	}
	m.bus.Publish(swarmevent.Event{
		Type:      swarmevent.InterventionApplied,
		Timestamp: iv.Timestamp,
		SessionID: m.sessionID,
		Data:      swarmevent.InterventionAppliedData{InterventionID: iv.ID, WorkerID: iv.TargetID},
	})
	return msg, nil
}

func (m *Master) broadcastIntervention(iv swarmtypes.Intervention) swarmtypes.RelayMessage {
	iv.Timestamp = time.Now().UnixMilli()
	m.bus.Publish(swarmevent.Event{
		Type:      swarmevent.InterventionRequested,
		Timestamp: iv.Timestamp,
		SessionID: m.sessionID,
		Data:      swarmevent.InterventionRequestedData{InterventionID: iv.ID, Kind: string(iv.Kind), Scope: string(iv.Scope)},
	})
	return m.coordinator.BroadcastIntervention(iv, "")
}

func defaultReason(given, fallback string) string {
	if given != "" {
		return given
	}
	return fallback
}
