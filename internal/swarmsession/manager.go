// Package swarmsession manages the lifecycle of orchestration sessions: one
// Session per in-flight (or recently-finished) task, each wrapping its own
// swarmevent.Bus and orchestrator.Master so that concurrent sessions never
// share state.
//
// Grounded on _examples/original_source/backend/core/session_manager.py's
// SessionManager/SessionInfo, re-expressed over Go's sync primitives instead
// of a Python asyncio singleton, and on internal/session/service.go's
// Service for the in-memory active-session bookkeeping idiom.
package swarmsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentswarm/orchestrator/internal/direct"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/orchestrator"
	"github.com/agentswarm/orchestrator/internal/project"
	"github.com/agentswarm/orchestrator/internal/provider"
	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/internal/tool"
	"github.com/agentswarm/orchestrator/internal/vcs"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
	"github.com/agentswarm/orchestrator/pkg/types"
)

// ErrSessionNotFound is returned when a session ID names nothing Manager
// currently tracks.
var ErrSessionNotFound = fmt.Errorf("swarmsession: session not found")

// ErrMaxSessionsReached mirrors session_manager.py's max_sessions guard.
var ErrMaxSessionsReached = fmt.Errorf("swarmsession: maximum sessions reached")

// Config tunes Manager's capacity and expiry behavior, sourced from
// pkg/types.OrchestrationConfig.
type Config struct {
	MaxSessions     int
	SessionTTL      time.Duration
	CleanupInterval time.Duration
	Master          orchestrator.Config
	Direct          direct.Config
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 60 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	return c
}

// FromOrchestrationConfig builds a Config from the loaded Orchestration
// config block, falling back to defaults for a nil/zero block.
func FromOrchestrationConfig(oc *types.OrchestrationConfig) Config {
	var cfg Config
	if oc == nil {
		return cfg.withDefaults()
	}
	if oc.SessionTTLMinutes > 0 {
		cfg.SessionTTL = time.Duration(oc.SessionTTLMinutes) * time.Minute
	}
	cfg.Master.Worker.MaxIterations = oc.MaxIterations
	cfg.Master.Worker.MaxToolRounds = oc.MaxToolRounds
	cfg.Direct.MaxToolRounds = oc.MaxToolRounds
	if oc.ToolTimeoutSeconds > 0 {
		cfg.Master.Worker.ToolTimeout = time.Duration(oc.ToolTimeoutSeconds) * time.Second
		cfg.Direct.ToolTimeout = time.Duration(oc.ToolTimeoutSeconds) * time.Second
	}
	return cfg.withDefaults()
}

// entry is one tracked session: its public Session record plus the private
// runtime state (bus, Master) needed to drive it. Every mutable field is
// guarded by Manager.mu, matching internal/session.Service's single-lock
// design rather than one lock per entry, since sessions are looked up and
// mutated together during cleanup sweeps.
type entry struct {
	session *swarmtypes.Session
	bus     *swarmevent.Bus
	master  *orchestrator.Master // emergent-mode sessions only
	direct  *direct.Agent        // direct-mode sessions only
	running bool
	vcs     *vcs.Watcher // nil unless session.WorkDir is a git checkout

	// providerID/modelID are the session's resolved provider choice, kept
	// here rather than on swarmtypes.Session since they are Manager-internal
	// wiring, not part of the session's public wire shape.
	providerID string
	modelID    string
}

// Manager tracks every active (and recently-completed) Session in memory.
// There is no package-level singleton, unlike session_manager.py's
// get_session_manager(): callers construct and own one Manager, which keeps
// it free of global state when a process hosts more than one independent
// deployment (tests, in particular).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cfg       Config
	providers *provider.Registry
	tools     *tool.Registry

	cleanupCancel context.CancelFunc

	subscriberCount map[string]int
}

// New creates a Manager. providers resolves a session's configured provider
// ID to a provider.Provider at task-start time; tools is shared across every
// session's workers.
func New(providers *provider.Registry, tools *tool.Registry, cfg Config) *Manager {
	return &Manager{
		sessions:        make(map[string]*entry),
		cfg:             cfg.withDefaults(),
		providers:       providers,
		tools:           tools,
		subscriberCount: make(map[string]int),
	}
}

// Create registers a new session and returns its record. The caller starts
// the task with RunTask once the client has subscribed to Events, so no
// worker activity is lost to a slow first subscriber. workDir, if set, is
// resolved to a stable ProjectID and, when it is a git checkout, gets a
// branch watcher that republishes SessionStateChanged if the branch moves
// out from under the workers mid-task.
func (m *Manager) Create(task, mode, providerID, modelID, userID, workDir string) (*swarmtypes.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.evictExpiredLocked()
		if len(m.sessions) >= m.cfg.MaxSessions {
			return nil, ErrMaxSessionsReached
		}
	}

	now := time.Now().UnixMilli()
	sessMode := swarmtypes.ModeEmergent
	if mode == string(swarmtypes.ModeDirect) {
		sessMode = swarmtypes.ModeDirect
	}

	sess := &swarmtypes.Session{
		ID:           ulid.Make().String(),
		Task:         task,
		Mode:         sessMode,
		Status:       swarmtypes.SessionActive,
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
		WorkDir:      workDir,
	}

	if workDir != "" {
		if info, err := project.FromDirectory(workDir); err == nil {
			sess.ProjectID = info.ID
		} else {
			logging.Logger.Warn().Err(err).Str("workDir", workDir).Msg("project detection failed")
		}
	}

	bus := swarmevent.New()
	e := &entry{session: sess, bus: bus, providerID: providerID, modelID: modelID}

	if workDir != "" {
		sessionID := sess.ID
		watcher, err := vcs.NewWatcher(workDir, func(oldBranch, newBranch string) {
			bus.Publish(swarmevent.Event{
				Type:      swarmevent.SessionStateChanged,
				Timestamp: time.Now().UnixMilli(),
				SessionID: sessionID,
				Data: swarmevent.SessionStateChangedData{
					ChangeType: "vcs_branch_changed",
					Summary:    fmt.Sprintf("%s -> %s", oldBranch, newBranch),
				},
			})
		})
		if err != nil {
			logging.Logger.Warn().Err(err).Str("workDir", workDir).Msg("vcs watcher init failed")
		} else if watcher != nil {
			watcher.Start()
			e.vcs = watcher
		}
	}

	m.sessions[sess.ID] = e

	bus.Publish(swarmevent.Event{
		Type:      swarmevent.SessionCreated,
		Timestamp: now,
		SessionID: sess.ID,
		Data:      swarmevent.SessionCreatedData{SessionID: sess.ID},
	})

	logging.Logger.Info().Str("sessionID", sess.ID).Str("mode", string(sessMode)).Msg("session created")
	return sess, nil
}

// Get returns a copy of the session record and touches its activity clock.
func (m *Manager) Get(sessionID string) (*swarmtypes.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.session.LastActiveAt = time.Now().UnixMilli()
	sess := *e.session
	return &sess, nil
}

// List returns every session belonging to userID. An empty userID returns no
// sessions, mirroring session_manager.py's list_sessions data-isolation
// guard against returning another user's tasks to an unauthenticated caller.
func (m *Manager) List(userID string) []*swarmtypes.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if userID == "" {
		return nil
	}
	out := make([]*swarmtypes.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.session.UserID == userID {
			sess := *e.session
			out = append(out, &sess)
		}
	}
	return out
}

// Master returns the orchestrator.Master bound to a session, creating it on
// first use (analogous to session_manager.py's get_or_create_agent).
func (m *Manager) Master(sessionID string) (*orchestrator.Master, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if e.master != nil {
		return e.master, nil
	}

	prov, modelID, err := m.resolveModel(e)
	if err != nil {
		return nil, err
	}
	e.master = orchestrator.New(sessionID, e.bus, prov, modelID, m.tools, m.cfg.Master)
	return e.master, nil
}

// DirectAgent returns the direct.Agent bound to a session, creating it on
// first use. Only meaningful for sessions created with mode "direct"; callers
// branch on Session.Mode before calling this (see RunTask).
func (m *Manager) DirectAgent(sessionID string) (*direct.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if e.direct != nil {
		return e.direct, nil
	}

	prov, modelID, err := m.resolveModel(e)
	if err != nil {
		return nil, err
	}
	e.direct = direct.New(sessionID, prov, modelID, m.tools, e.bus, m.cfg.Direct)
	return e.direct, nil
}

func (m *Manager) resolveModel(e *entry) (provider.Provider, string, error) {
	prov, err := m.providers.Get(e.providerID)
	if err != nil {
		return nil, "", fmt.Errorf("swarmsession: resolve provider: %w", err)
	}
	modelID := e.modelID
	if modelID == "" {
		model, err := m.providers.DefaultModel()
		if err != nil {
			return nil, "", fmt.Errorf("swarmsession: resolve default model: %w", err)
		}
		modelID = model.ID
	}
	return prov, modelID, nil
}

// Events subscribes to a session's event bus, merging priority and normal
// events the same way orchestrator.Master.Events does. Returns
// ErrSessionNotFound if the session has since been closed.
func (m *Manager) Events(ctx context.Context, sessionID string, capacity int) (<-chan swarmevent.Event, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	m.addSubscriber(sessionID)
	if e.master != nil {
		events := e.master.Events(ctx, capacity)
		go func() {
			<-ctx.Done()
			m.removeSubscriber(sessionID)
		}()
		return events, nil
	}

	// No Master yet (task not started): subscribe directly to the bus so a
	// client connecting immediately after Create still sees session_created.
	out := make(chan swarmevent.Event, capacity)
	unsub := e.bus.SubscribeAll(func(ev swarmevent.Event) {
		select {
		case out <- ev:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		unsub()
		m.removeSubscriber(sessionID)
		close(out)
	}()
	return out, nil
}

func (m *Manager) addSubscriber(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriberCount[sessionID]++
}

func (m *Manager) removeSubscriber(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscriberCount[sessionID] > 0 {
		m.subscriberCount[sessionID]--
	}
	if m.subscriberCount[sessionID] == 0 {
		delete(m.subscriberCount, sessionID)
	}
}

// SubscriberCount reports how many live Events subscriptions a session
// currently has.
func (m *Manager) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriberCount[sessionID]
}

// TotalSubscribers reports the live Events subscription count across every
// session, for a process-wide /subscribers/stats endpoint.
func (m *Manager) TotalSubscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, n := range m.subscriberCount {
		total += n
	}
	return total
}

// Close marks a session completed, closes its event bus and VCS watcher, and
// removes it from the active set. It returns only an error; the session
// record and its FollowupSnapshot are dropped with it (Manager itself holds
// no database).
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	e.session.Status = swarmtypes.SessionCompleted
	e.bus.Close()
	if e.vcs != nil {
		_ = e.vcs.Stop()
	}
	delete(m.sessions, sessionID)
	logging.Logger.Info().Str("sessionID", sessionID).Msg("session closed")
	return nil
}

// PrepareFollowup mirrors session_manager.py's prepare_followup. For an
// emergent-mode session it drops the current Master so the next round gets a
// fresh plan; for a direct-mode session the Agent (and its accumulated
// conversation history) is kept, since direct_agent.py's followups are just
// the next turn of the same conversation. Either way the Session record, its
// FollowupSnapshot, and its event bus stay alive so a client watching the
// same subscription sees the next round.
func (m *Manager) PrepareFollowup(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !e.session.Status.IsTerminal() {
		return fmt.Errorf("swarmsession: session %s is not complete, cannot start a followup", sessionID)
	}
	if e.session.Mode == swarmtypes.ModeEmergent {
		e.master = nil
	}
	e.running = false
	e.session.Status = swarmtypes.SessionActive
	e.session.LastActiveAt = time.Now().UnixMilli()
	logging.Logger.Info().Str("sessionID", sessionID).Msg("prepared followup round")
	return nil
}

// SaveTaskCompletion records a finished round's FollowupSnapshot, appending
// to the bounded 3-entry TaskHistory. Grounded on session_manager.py's
// save_task_completion (500-char summary truncation, 3-round cap).
func (m *Manager) SaveTaskCompletion(sessionID, finalReport string, plan *swarmtypes.Plan, interventionSummary string, roleNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	e.session.FinalReport = finalReport
	if plan != nil {
		e.session.Plan = plan
	}

	summary := finalReport
	const summaryLimit = 500
	if len(summary) > summaryLimit {
		summary = summary[:summaryLimit]
	}

	history := []swarmtypes.TaskHistoryRow{}
	if e.session.Followup != nil {
		history = e.session.Followup.TaskHistory
	}
	history = append(history, swarmtypes.TaskHistoryRow{
		Task:      e.session.Task,
		Summary:   summary,
		RoleNames: roleNames,
		Timestamp: time.Now().UnixMilli(),
	})
	const maxRounds = 3
	if len(history) > maxRounds {
		history = history[len(history)-maxRounds:]
	}

	e.session.Followup = &swarmtypes.FollowupSnapshot{
		FinalReport:         finalReport,
		InterventionSummary: interventionSummary,
		Roles:               roleNames,
		TaskHistory:         history,
	}
	return nil
}

// SetTask updates a session's task text ahead of a followup RunTask call.
// Direct-mode followups are just the next user turn of the same Agent
// conversation, so there is no PrepareFollowup-style Master teardown — the
// caller only needs the session to be terminal and to supply the new task.
func (m *Manager) SetTask(sessionID, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	e.session.Task = task
	return nil
}

// Stats mirrors session_manager.py's get_stats.
type Stats struct {
	ActiveSessions int `json:"activeSessions"`
	MaxSessions    int `json:"maxSessions"`
	TimeoutMinutes int `json:"timeoutMinutes"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		ActiveSessions: len(m.sessions),
		MaxSessions:    m.cfg.MaxSessions,
		TimeoutMinutes: int(m.cfg.SessionTTL / time.Minute),
	}
}
