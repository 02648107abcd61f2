// Package swarmtypes provides the core data types for the multi-agent
// orchestration engine: roles, plans, workers, relay messages, stations,
// interventions and sessions.
package swarmtypes

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerPending     WorkerStatus = "pending"
	WorkerPlanning    WorkerStatus = "planning"
	WorkerRunning     WorkerStatus = "running"
	WorkerWaitRelay   WorkerStatus = "waiting_relay"
	WorkerRelaying    WorkerStatus = "relaying"
	WorkerCompleted   WorkerStatus = "completed"
	WorkerFailed      WorkerStatus = "failed"
	WorkerPaused      WorkerStatus = "paused"
	WorkerCancelled   WorkerStatus = "cancelled"
)

// RelayKind classifies a RelayMessage.
type RelayKind string

const (
	RelayDiscovery           RelayKind = "discovery"
	RelayInsight             RelayKind = "insight"
	RelayAlignmentRequest    RelayKind = "alignment_request"
	RelayAlignmentResponse   RelayKind = "alignment_response"
	RelayAlignment           RelayKind = "alignment"
	RelaySuggestion          RelayKind = "suggestion"
	RelayQuestion            RelayKind = "question"
	RelayConfirmation        RelayKind = "confirmation"
	RelayCheckpoint          RelayKind = "checkpoint"
	RelayCorrection          RelayKind = "correction"
	RelayCompletion          RelayKind = "completion"
	RelayHumanIntervention   RelayKind = "human_intervention"
)

// InterventionKind is the operator action applied to one or more workers.
type InterventionKind string

const (
	InterventionPause   InterventionKind = "pause"
	InterventionResume  InterventionKind = "resume"
	InterventionRestart InterventionKind = "restart"
	InterventionAdjust  InterventionKind = "adjust"
	InterventionInject  InterventionKind = "inject"
	InterventionCancel  InterventionKind = "cancel"
)

// InterventionScope selects which workers an Intervention targets.
type InterventionScope string

const (
	ScopeSingle    InterventionScope = "single"
	ScopeSelected  InterventionScope = "selected"
	ScopeAll       InterventionScope = "all"       // force-apply
	ScopeBroadcast InterventionScope = "broadcast" // notify only
)

// SessionMode selects the orchestration style for a session.
type SessionMode string

const (
	ModeEmergent SessionMode = "emergent"
	ModeDirect   SessionMode = "direct"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

// IsTerminal reports whether a session has finished (successfully,
// expired, or failed) and is therefore eligible for a followup round.
// Mirrors session_manager.py's SessionInfo.has_history status check.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionExpired, SessionError:
		return true
	default:
		return false
	}
}

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionError     SessionStatus = "error"
)

// Methodology describes how a Role approaches its work.
type Methodology struct {
	Approach        string   `json:"approach"`
	Steps           []string `json:"steps"`
	Frameworks      []string `json:"frameworks,omitempty"`
	SuccessCriteria []string `json:"successCriteria,omitempty"`
	QualityMetrics  []string `json:"qualityMetrics,omitempty"`
}

// SkillAssignment binds a skill name to the rationale for assigning it.
type SkillAssignment struct {
	SkillName string `json:"skillName"`
	Rationale string `json:"rationale,omitempty"`
}

// Role is an emergent specialist profile produced by the planner.
type Role struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Capabilities []string          `json:"capabilities,omitempty"`
	FocusAreas   []string          `json:"focusAreas,omitempty"`
	Deliverables []string          `json:"deliverables,omitempty"`
	Methodology  Methodology       `json:"methodology"`
	AssignedSkills []SkillAssignment `json:"assignedSkills,omitempty"`
	SystemPrompt string            `json:"systemPrompt"`

	// RelayTriggerHint is the single-sentence cue spec.md names; RelayTriggers
	// carries the fuller, possibly multi-condition list the planner may
	// produce (role_emergence.py's "relay_triggers" list). Both may be set;
	// RelayTriggerHint is the first entry of RelayTriggers when only one
	// condition was given.
	RelayTriggerHint string   `json:"relayTriggerHint,omitempty"`
	RelayTriggers    []string `json:"relayTriggers,omitempty"`

	// ExpertiseLevel, WorkObjective, TaskSegment, and EmergenceReasoning
	// are additional planner outputs present in the pre-distillation design;
	// all optional, none change spec.md's Role invariants.
	ExpertiseLevel     string `json:"expertiseLevel,omitempty"`
	WorkObjective      string `json:"workObjective,omitempty"`
	TaskSegment        string `json:"taskSegment,omitempty"`
	EmergenceReasoning string `json:"emergenceReasoning,omitempty"`
}

// Phase names the roles participating in one stage of a Plan.
type Phase struct {
	Index          int      `json:"index"`
	Name           string   `json:"name"`
	RoleRefs       []string `json:"roleRefs"`
	RelayStrategy  string   `json:"relayStrategy,omitempty"`
	ExpectedOutput string   `json:"expectedOutput,omitempty"`
}

// Plan is the planner's output: roles, phases, and supporting prose.
type Plan struct {
	ID                  string   `json:"id"`
	Task                string   `json:"task"`
	Analysis            string   `json:"analysis"`
	Roles               []Role   `json:"roles"`
	Phases              []Phase  `json:"phases"`
	EstimatedDurationS  int      `json:"estimatedDurationSeconds"`
	IntegrationStrategy string   `json:"integrationStrategy,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
}

// WorkerState is the mutable part of a Worker's lifecycle.
type WorkerState struct {
	Status               WorkerStatus `json:"status"`
	Progress             int          `json:"progress"` // 0..100
	Iteration            int          `json:"iteration"`
	AccumulatedThinking  string       `json:"accumulatedThinking,omitempty"`
	PartialResult        string       `json:"partialResult,omitempty"`
	FinalResult          string       `json:"finalResult,omitempty"`
	Error                string       `json:"error,omitempty"`
	InjectedFragments    int          `json:"injectedFragments"`
}

// Worker is a running instance of a Role executing a task segment.
type Worker struct {
	ID       string      `json:"id"`
	SessionID string     `json:"sessionID"`
	Role     Role        `json:"role"`
	State    WorkerState `json:"state"`
}

// RelayMessage is the unit of inter-worker communication.
type RelayMessage struct {
	ID               string            `json:"id"`
	Kind             RelayKind         `json:"kind"`
	SrcWorkerID      string            `json:"srcWorkerID"`
	SrcName          string            `json:"srcName"`
	TargetIDs        []string          `json:"targetIDs,omitempty"` // empty = broadcast
	Content          string            `json:"content"`
	Importance       float64           `json:"importance"` // 0..1
	Metadata         map[string]any    `json:"metadata,omitempty"`
	Timestamp        int64             `json:"timestamp"`
	ViewedBy         map[string]bool   `json:"viewedBy,omitempty"`
	AcknowledgedBy   map[string]bool   `json:"acknowledgedBy,omitempty"`
	ViewedTimestamps map[string]int64  `json:"viewedTimestamps,omitempty"`
}

// MarkViewed records that worker w has seen this message (monotonic).
func (m *RelayMessage) MarkViewed(workerID string, now int64) {
	if m.ViewedBy == nil {
		m.ViewedBy = make(map[string]bool)
	}
	if m.ViewedTimestamps == nil {
		m.ViewedTimestamps = make(map[string]int64)
	}
	if !m.ViewedBy[workerID] {
		m.ViewedBy[workerID] = true
		m.ViewedTimestamps[workerID] = now
	}
}

// Ack records that worker w has acknowledged this message (idempotent).
func (m *RelayMessage) Ack(workerID string) {
	if m.AcknowledgedBy == nil {
		m.AcknowledgedBy = make(map[string]bool)
	}
	m.AcknowledgedBy[workerID] = true
}

// RequiresAcknowledgement reports whether metadata marks this message as
// requiring an explicit acknowledgement before the target may complete.
func (m *RelayMessage) RequiresAcknowledgement() bool {
	if m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata["requires_acknowledgement"].(bool)
	return v
}

// RequiresResponse reports whether metadata marks this message as requiring
// a direct reply before completion is allowed.
func (m *RelayMessage) RequiresResponse() bool {
	if m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata["requires_response"].(bool)
	return v
}

// InterventionPriority reports the operator-assigned priority (1..10) this
// message carries, or 0 if it wasn't built from an Intervention.
func (m *RelayMessage) InterventionPriority() int {
	if m.Metadata == nil {
		return 0
	}
	switch v := m.Metadata["priority"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// InterventionKind reports the InterventionKind this message was built from,
// or "" if it wasn't built from an Intervention.
func (m *RelayMessage) InterventionKind() InterventionKind {
	if m.Metadata == nil {
		return ""
	}
	v, _ := m.Metadata["intervention_kind"].(string)
	return InterventionKind(v)
}

// Station is a phase-scoped container for relay messages.
type Station struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Phase        int            `json:"phase"`
	Participants []string       `json:"participants"`
	IsActive     bool           `json:"isActive"`
	StartedAt    int64          `json:"startedAt,omitempty"`
	CompletedAt  int64          `json:"completedAt,omitempty"`
	Messages     []RelayMessage `json:"messages"`
}

// Intervention is a human directive applied to one or more workers.
type Intervention struct {
	ID                string            `json:"id"`
	Kind              InterventionKind  `json:"kind"`
	Scope             InterventionScope `json:"scope"`
	TargetID          string            `json:"targetID,omitempty"`
	TargetIDs         []string          `json:"targetIDs,omitempty"`
	Payload           map[string]any    `json:"payload,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Priority          int               `json:"priority"` // 1..10
	Timestamp         int64             `json:"timestamp"`
	BroadcastToRelay  bool              `json:"broadcastToRelay"`
}

// FollowupSnapshot is captured when a task completes, to seed a later
// followup round on the same session.
type FollowupSnapshot struct {
	FinalReport         string           `json:"finalReport"`
	InterventionSummary string           `json:"interventionSummary"`
	Roles               []string         `json:"roles"`
	TaskHistory         []TaskHistoryRow `json:"taskHistory"` // <= 3 entries
}

// TaskHistoryRow is one remembered round in a FollowupSnapshot.
type TaskHistoryRow struct {
	Task      string   `json:"task"`
	Summary   string   `json:"summary"` // truncated
	RoleNames []string `json:"roleNames"`
	Timestamp int64    `json:"timestamp"`
}

// Session is the top-level orchestration scope.
type Session struct {
	ID             string          `json:"id"`
	Task           string          `json:"task"`
	Mode           SessionMode     `json:"mode"`
	Status         SessionStatus   `json:"status"`
	Plan           *Plan           `json:"plan,omitempty"`
	WorkerIDs      []string        `json:"workerIDs,omitempty"`
	UserID         string          `json:"userID,omitempty"`
	LastActiveAt   int64           `json:"lastActiveAt"`
	CreatedAt      int64           `json:"createdAt"`
	Followup       *FollowupSnapshot `json:"followup,omitempty"`
	FinalReport    string          `json:"finalReport,omitempty"`

	// WorkDir is the directory workers operate against; ProjectID identifies
	// that directory stably across restarts (derived from its git history
	// when it has one, "global" otherwise).
	WorkDir   string `json:"workDir,omitempty"`
	ProjectID string `json:"projectID,omitempty"`
}

// RoleCountValid reports whether a plan's role count is within [1,5],
// matching the invariant in spec.md §3. A plan with fewer than 2 roles is
// still valid but should carry a Warnings entry; callers truncate >5
// themselves via TruncateRoles.
func (p *Plan) RoleCountValid() bool {
	return len(p.Roles) >= 1 && len(p.Roles) <= 5
}

// TruncateRoles enforces the [2,5] role-count invariant: plans with more
// than 5 roles are truncated, plans with fewer than 2 gain a warning.
func (p *Plan) TruncateRoles() {
	const maxRoles = 5
	if len(p.Roles) > maxRoles {
		p.Roles = p.Roles[:maxRoles]
		p.Warnings = append(p.Warnings, "plan exceeded 5 roles; truncated")
	}
	if len(p.Roles) < 2 {
		p.Warnings = append(p.Warnings, "plan has fewer than 2 roles")
	}
}
