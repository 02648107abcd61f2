// Package swarmevent provides the tagged-union event model and per-session
// pub/sub bus used to stream orchestration lifecycle events to clients.
//
// It mirrors the shape of the teacher's internal/event package (watermill
// gochannel infrastructure wrapped by a direct-call subscriber list that
// preserves Go type information) but is scoped per-session rather than
// global, and carries the richer event vocabulary the orchestration engine
// needs: run/agent/relay/intervention/session lifecycle events in addition
// to the teacher's message/session CRUD events.
package swarmevent

// EventType identifies the kind of an Event.
type EventType string

const (
	RunStarted  EventType = "run_started"
	RunFinished EventType = "run_finished"
	RunError    EventType = "run_error"

	TextMessageStart   EventType = "text_message_start"
	TextMessageContent EventType = "text_message_content"
	TextMessageEnd     EventType = "text_message_end"

	ToolCallStart  EventType = "tool_call_start"
	ToolCallArgs   EventType = "tool_call_args"
	ToolCallEnd    EventType = "tool_call_end"
	ToolCallResult EventType = "tool_call_result"

	AgentSpawned       EventType = "agent_spawned"
	AgentStatusChanged EventType = "agent_status_changed"
	AgentProgress      EventType = "agent_progress"
	AgentThinking      EventType = "agent_thinking"

	RelayStationOpened  EventType = "relay_station_opened"
	RelayStationClosed  EventType = "relay_station_closed"
	RelayMessageSent    EventType = "relay_message_sent"

	PlanGenerated EventType = "plan_generated"
	RoleEmerged   EventType = "role_emerged"

	InterventionRequested EventType = "intervention_requested"
	InterventionApplied   EventType = "intervention_applied"
	InterventionBroadcast EventType = "intervention_broadcast"

	SessionCreated      EventType = "session_created"
	SessionStateChanged EventType = "session_state_changed"

	Heartbeat EventType = "heartbeat"
)

// Event is the tagged-union wire event. Data holds a kind-specific payload
// struct (see below); callers type-switch on Type to know which to expect.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	SessionID string    `json:"sessionID"`
	Data      any       `json:"data"`
}

// --- payload structs, one per EventType family ---

type RunStartedData struct {
	ThreadID string `json:"threadID"`
	RunID    string `json:"runID"`
}

type RunFinishedData struct {
	RunID string `json:"runID"`
}

type RunErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type TextMessageStartData struct {
	MessageID string `json:"messageID"`
	Role      string `json:"role"`
}

type TextMessageContentData struct {
	MessageID string `json:"messageID"`
	Delta     string `json:"delta"`
}

type TextMessageEndData struct {
	MessageID string `json:"messageID"`
}

type ToolCallStartData struct {
	WorkerID string `json:"workerID"`
	CallID   string `json:"callID"`
	ToolName string `json:"toolName"`
}

type ToolCallArgsData struct {
	WorkerID string `json:"workerID"`
	CallID   string `json:"callID"`
	Delta    string `json:"delta"`
}

type ToolCallEndData struct {
	WorkerID string `json:"workerID"`
	CallID   string `json:"callID"`
}

type ToolCallResultData struct {
	WorkerID      string `json:"workerID"`
	CallID        string `json:"callID"`
	Success       bool   `json:"success"`
	Summary       string `json:"summary"`
	ResultPreview string `json:"resultPreview"` // <= 500 chars
}

type AgentSpawnedData struct {
	WorkerID string `json:"workerID"`
	RoleName string `json:"roleName"`
	RoleInfo any    `json:"roleInfo"`
}

type AgentStatusChangedData struct {
	WorkerID string `json:"workerID"`
	Status   string `json:"status"`
}

type AgentProgressData struct {
	WorkerID string `json:"workerID"`
	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
}

type AgentThinkingData struct {
	WorkerID string `json:"workerID"`
	Delta    string `json:"delta"`
}

type RelayStationOpenedData struct {
	StationID string `json:"stationID"`
	Name      string `json:"name"`
	Phase     int    `json:"phase"`
}

type RelayStationClosedData struct {
	StationID string `json:"stationID"`
	Summary   string `json:"summary"`
}

type RelayMessageSentData struct {
	MessageID      string   `json:"messageID"`
	RelayType      string   `json:"relayType"`
	SrcWorkerID    string   `json:"srcWorkerID"`
	TargetAgentIDs []string `json:"targetAgentIDs,omitempty"`
	Importance     float64  `json:"importance"`
}

type PlanGeneratedData struct {
	TotalAgents int `json:"totalAgents"`
}

type RoleEmergedData struct {
	RoleName string `json:"roleName"`
	RoleInfo any    `json:"roleInfo"`
}

type InterventionRequestedData struct {
	InterventionID string `json:"interventionID"`
	Kind           string `json:"kind"`
	Scope          string `json:"scope"`
}

type InterventionAppliedData struct {
	InterventionID string `json:"interventionID"`
	WorkerID       string `json:"workerID"`
}

type InterventionBroadcastData struct {
	InterventionID string   `json:"interventionID"`
	TargetIDs      []string `json:"targetIDs,omitempty"`
}

type SessionCreatedData struct {
	SessionID string `json:"sessionID"`
}

type SessionStateChangedData struct {
	ChangeType string `json:"changeType"` // agent_added | agent_status_changed | plan_generated | completed | error
	Summary    any    `json:"summary"`
}

type HeartbeatData struct{}
