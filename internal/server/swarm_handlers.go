package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentswarm/orchestrator/internal/sharing"
	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/internal/swarmsession"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// swarmSDKEvent mirrors SDKEvent's {"type", "properties"} shape for the
// orchestration event stream, kept as its own type since swarmevent.Event's
// field is "data" rather than "properties".
type swarmSDKEvent struct {
	Type       swarmevent.EventType `json:"type"`
	Properties any                  `json:"properties"`
}

// startSwarmSSE writes the common SSE response headers and flushes them,
// shared by every streaming swarm endpoint.
func startSwarmSSE(w http.ResponseWriter) (*sseWriter, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		return nil, err
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()
	return sse, nil
}

func writeSwarmSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, swarmsession.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
}

type taskStreamRequest struct {
	Task      string `json:"task"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Context   string `json:"context"`
	UserID    string `json:"user_id"`
}

// swarmTaskStream implements POST /task/stream: creates a new session (or
// starts a followup round on a completed one) and streams its full event
// lifecycle. The first event is always session_created, matching spec.md's
// boundary contract, whether the session is brand new or a followup.
func (s *Server) swarmTaskStream(w http.ResponseWriter, r *http.Request) {
	var req taskStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "task is required")
		return
	}

	task := req.Task
	if req.Context != "" {
		task += "\n\n## Context\n" + req.Context
	}

	var sess *swarmtypes.Session
	if req.SessionID != "" {
		existing, err := s.swarm.Get(req.SessionID)
		if err != nil {
			writeSwarmSessionError(w, err)
			return
		}
		if !existing.Status.IsTerminal() {
			writeError(w, http.StatusConflict, ErrCodeInvalidRequest, "session already has a task running")
			return
		}
		if err := s.swarm.SetTask(existing.ID, task); err != nil {
			writeSwarmSessionError(w, err)
			return
		}
		if err := s.swarm.PrepareFollowup(existing.ID); err != nil {
			writeSwarmSessionError(w, err)
			return
		}
		existing.Task = task
		sess = existing
	} else {
		mode := req.Mode
		if mode == "" {
			mode = string(swarmtypes.ModeEmergent)
		}
		created, err := s.swarm.Create(task, mode, req.Provider, req.Model, req.UserID, getDirectory(r.Context()))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, swarmsession.ErrMaxSessionsReached) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, ErrCodeInternalError, err.Error())
			return
		}
		sess = created
	}

	ctx := r.Context()
	events, err := s.swarm.Events(ctx, sess.ID, 64)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}

	sse, err := startSwarmSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	if err := sse.writeEvent("message", swarmSDKEvent{
		Type:       swarmevent.SessionCreated,
		Properties: swarmevent.SessionCreatedData{SessionID: sess.ID},
	}); err != nil {
		return
	}

	if err := s.swarm.RunTask(ctx, sess.ID); err != nil {
		sse.writeEvent("message", swarmSDKEvent{
			Type:       swarmevent.RunError,
			Properties: swarmevent.RunErrorData{Message: err.Error(), Code: "start_failed"},
		})
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.writeEvent("message", swarmSDKEvent{Type: ev.Type, Properties: ev.Data}); err != nil {
				return
			}
			if ev.Type == swarmevent.SessionStateChanged {
				if d, ok := ev.Data.(swarmevent.SessionStateChangedData); ok &&
					(d.ChangeType == "completed" || d.ChangeType == "error") {
					return
				}
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// swarmTaskStateStream implements GET /task/{sessionID}/stream: one
// state-snapshot event, then the stream closes.
func (s *Server) swarmTaskStateStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}

	sse, err := startSwarmSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	sse.writeEvent("message", swarmSDKEvent{Type: "state_snapshot", Properties: sess})
}

// swarmTaskState implements GET /task/{sessionID}/state: one-shot JSON.
func (s *Server) swarmTaskState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// swarmListSessions implements GET /sessions?status=&limit=&offset=&user_id=.
// source=db is accepted but has no effect: Manager is memory-only (see
// DESIGN.md), so every query is served from memory regardless of the value.
func (s *Server) swarmListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions := s.swarm.List(q.Get("user_id"))

	if status := q.Get("status"); status != "" {
		filtered := make([]*swarmtypes.Session, 0, len(sessions))
		for _, sess := range sessions {
			if string(sess.Status) == status {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}

	total := len(sessions)
	offset := parseIntQuery(q.Get("offset"), 0)
	limit := parseIntQuery(q.Get("limit"), total)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total || limit <= 0 {
		end = total
	}
	sessions = sessions[offset:end]

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
}

func parseIntQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// swarmSessionAgents implements GET /session/{sessionID}/agents. Direct-mode
// sessions run no worker fleet, so they always report an empty list.
func (s *Server) swarmSessionAgents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	if sess.Mode == swarmtypes.ModeDirect {
		writeJSON(w, http.StatusOK, map[string]any{"agents": map[string]swarmtypes.WorkerState{}})
		return
	}
	master, err := s.swarm.Master(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": master.Workers()})
}

// swarmRelayHistory backs both GET /session/{sessionID}/relay-history and
// GET /relay/{sessionID}/history.
func (s *Server) swarmRelayHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	if sess.Mode == swarmtypes.ModeDirect {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []swarmtypes.RelayMessage{}})
		return
	}
	master, err := s.swarm.Master(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": master.Coordinator().History()})
}

// swarmRelayMessage implements GET /relay/{sessionID}/message/{messageID}.
func (s *Server) swarmRelayMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	if sess.Mode == swarmtypes.ModeDirect {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "relay message not found")
		return
	}
	master, err := s.swarm.Master(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	for _, msg := range master.Coordinator().History() {
		if msg.ID == messageID {
			writeJSON(w, http.StatusOK, msg)
			return
		}
	}
	writeError(w, http.StatusNotFound, ErrCodeNotFound, "relay message not found")
}

// swarmSessionInterventions backs both GET /session/{sessionID}/interventions
// and GET /relay/{sessionID}/interventions.
func (s *Server) swarmSessionInterventions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	if sess.Mode == swarmtypes.ModeDirect {
		writeJSON(w, http.StatusOK, map[string]any{"interventions": []swarmtypes.Intervention{}})
		return
	}
	master, err := s.swarm.Master(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interventions": master.Coordinator().InterventionHistory(0)})
}

// swarmSessionLiveState implements GET /session/{sessionID}/live-state:
// session record, plan, and current worker states in one read.
func (s *Server) swarmSessionLiveState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	resp := map[string]any{"session": sess}
	if sess.Mode == swarmtypes.ModeEmergent {
		if master, err := s.swarm.Master(sessionID); err == nil {
			resp["plan"] = master.Plan()
			resp["agents"] = master.Workers()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// swarmSessionSubscribe implements GET /session/{sessionID}/subscribe:
// STATE_SNAPSHOT followed by every subsequent event, with a heartbeat every
// 30s of inactivity (shared SSEHeartbeatInterval ticker).
func (s *Server) swarmSessionSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.swarm.Get(sessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}

	ctx := r.Context()
	events, err := s.swarm.Events(ctx, sessionID, 64)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}

	sse, err := startSwarmSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if err := sse.writeEvent("message", swarmSDKEvent{Type: "state_snapshot", Properties: sess}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.writeEvent("message", swarmSDKEvent{Type: ev.Type, Properties: ev.Data}); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// swarmSessionSubscribers implements GET /session/{sessionID}/subscribers.
func (s *Server) swarmSessionSubscribers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.swarm.Get(sessionID); err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": s.swarm.SubscriberCount(sessionID)})
}

// swarmSessionClose implements POST /session/{sessionID}/close (close +
// cleanup; named distinctly from DELETE /session/{sessionID} because that
// method+path already belongs to the chat-session API mounted on the same
// router node).
func (s *Server) swarmSessionClose(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.swarm.Close(sessionID); err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	writeSuccess(w)
}

type interventionRequest struct {
	SessionID        string         `json:"session_id"`
	InterventionType string         `json:"intervention_type"`
	AgentID          string         `json:"agent_id"`
	AgentIDs         []string       `json:"agent_ids"`
	Payload          map[string]any `json:"payload"`
	Reason           string         `json:"reason"`
	Priority         int            `json:"priority"`
	Scope            string         `json:"scope"`
	BroadcastToRelay *bool          `json:"broadcast_to_relay"`
}

// swarmIntervention implements POST /intervention.
func (s *Server) swarmIntervention(w http.ResponseWriter, r *http.Request) {
	var req interventionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.InterventionType == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id and intervention_type are required")
		return
	}

	master, err := s.swarm.Master(req.SessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}

	priority := req.Priority
	if priority <= 0 {
		priority = 5
	}
	broadcast := true
	if req.BroadcastToRelay != nil {
		broadcast = *req.BroadcastToRelay
	}
	scope := swarmtypes.InterventionScope(req.Scope)
	if scope == "" {
		scope = swarmtypes.ScopeSingle
	}

	iv := swarmtypes.Intervention{
		Kind:             swarmtypes.InterventionKind(req.InterventionType),
		Scope:            scope,
		TargetID:         req.AgentID,
		TargetIDs:        req.AgentIDs,
		Payload:          req.Payload,
		Reason:           req.Reason,
		Priority:         priority,
		BroadcastToRelay: broadcast,
	}

	msg, err := master.ApplyIntervention(iv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relayMessage": msg})
}

type interventionBroadcastRequest struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	Reason      string `json:"reason"`
	Priority    int    `json:"priority"`
	ForceAction bool   `json:"force_action"`
}

// swarmInterventionBroadcast implements POST /intervention/broadcast.
func (s *Server) swarmInterventionBroadcast(w http.ResponseWriter, r *http.Request) {
	var req interventionBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id and message are required")
		return
	}
	master, err := s.swarm.Master(req.SessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}
	if err := master.BroadcastToAllAgents(req.Message, req.Reason, req.Priority, req.ForceAction); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// swarmHealth implements GET /health.
func (s *Server) swarmHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// swarmStats implements GET /stats.
func (s *Server) swarmStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.swarm.Stats())
}

// swarmSubscriberStats implements GET /subscribers/stats.
func (s *Server) swarmSubscriberStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"totalSubscribers": s.swarm.TotalSubscribers()})
}

type shareRequest struct {
	ExpiresInSeconds int `json:"expires_in_seconds"`
	MaxViews         int `json:"max_views"`
}

// swarmSessionShare implements POST /session/{sessionID}/share: mints a
// read-only link to the session's final report. The session need not have
// finished yet; an in-progress session's report is simply empty until
// swarmSessionClose (or task completion) fills it in.
func (s *Server) swarmSessionShare(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.swarm.Get(sessionID); err != nil {
		writeSwarmSessionError(w, err)
		return
	}

	var req shareRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	opts := sharing.ShareOptions{MaxViews: req.MaxViews}
	if req.ExpiresInSeconds > 0 {
		opts.ExpiresIn = time.Duration(req.ExpiresInSeconds) * time.Second
	}

	share, err := s.reportShares.Share(sessionID, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, share)
}

// swarmSessionUnshare implements DELETE /session/{sessionID}/share.
func (s *Server) swarmSessionUnshare(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.reportShares.Unshare(sessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeSuccess(w)
}

// swarmShareResolve implements GET /share/{token}: the public, unauthenticated
// read of a shared session's final report.
func (s *Server) swarmShareResolve(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	share, err := s.reportShares.Resolve(token)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}

	sess, err := s.swarm.Get(share.SessionID)
	if err != nil {
		writeSwarmSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"share":       share,
		"sessionID":   sess.ID,
		"task":        sess.Task,
		"status":      sess.Status,
		"finalReport": sess.FinalReport,
	})
}
