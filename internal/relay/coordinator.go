// Package relay implements the Relay Coordinator: the per-session pub/sub
// hub that lets workers exchange RelayMessages through named stations and
// that turns operator Interventions into messages every affected worker can
// see, not just a single silently-patched worker.
//
// Grounded on _examples/original_source/backend/core/relay_station.py's
// RelayStationCoordinator, re-expressed over internal/swarmevent.Bus instead
// of Python callback dicts.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// ErrStationNotFound mirrors storage.ErrNotFound's sentinel-error style for
// the relay package's own not-found cases.
var ErrStationNotFound = errors.New("relay: station not found")

// Callback delivers a RelayMessage to a registered worker.
type Callback func(swarmtypes.RelayMessage)

// InterventionHandler delivers an Intervention (already folded into a
// RelayMessage) to a worker that wants intervention-specific handling
// instead of the generic Callback.
type InterventionHandler func(swarmtypes.RelayMessage, swarmtypes.Intervention)

// Coordinator is one session's relay station hub. Create one per
// swarmsession.Session; never share across sessions.
type Coordinator struct {
	sessionID string
	bus       *swarmevent.Bus

	mu                   sync.RWMutex
	callbacks            map[string]Callback
	interventionHandlers map[string]InterventionHandler
	stations             map[string]*swarmtypes.Station
	activeStationID      string
	messageHistory       []swarmtypes.RelayMessage
	interventionHistory  []swarmtypes.Intervention
}

// New creates a Coordinator for one session, publishing lifecycle and
// message events onto bus.
func New(sessionID string, bus *swarmevent.Bus) *Coordinator {
	return &Coordinator{
		sessionID:            sessionID,
		bus:                  bus,
		callbacks:            make(map[string]Callback),
		interventionHandlers: make(map[string]InterventionHandler),
		stations:             make(map[string]*swarmtypes.Station),
	}
}

// RegisterWorker wires a worker's inbox callback, and optionally a
// dedicated intervention handler, into the coordinator.
func (c *Coordinator) RegisterWorker(workerID string, cb Callback, interventionHandler InterventionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[workerID] = cb
	if interventionHandler != nil {
		c.interventionHandlers[workerID] = interventionHandler
	}
}

// UnregisterWorker removes a worker's inbox callback, used when a worker
// completes or is cancelled.
func (c *Coordinator) UnregisterWorker(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, workerID)
	delete(c.interventionHandlers, workerID)
}

// CreateStation opens a new named station for a plan phase and makes it the
// active station.
func (c *Coordinator) CreateStation(name string, phase int, participants []string) *swarmtypes.Station {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := &swarmtypes.Station{
		ID:           ulid.Make().String(),
		Name:         name,
		Phase:        phase,
		Participants: participants,
		IsActive:     true,
		StartedAt:    time.Now().UnixMilli(),
	}
	c.stations[st.ID] = st
	c.activeStationID = st.ID
	c.mu.Unlock()
	c.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RelayStationOpened,
		Timestamp: st.StartedAt,
		SessionID: c.sessionID,
		Data:      swarmevent.RelayStationOpenedData{StationID: st.ID, Name: st.Name, Phase: st.Phase},
	})
	c.mu.Lock()
	return st
}

// CloseStation marks a station inactive and returns its summary text.
func (c *Coordinator) CloseStation(stationID string) (string, error) {
	c.mu.Lock()
	st, ok := c.stations[stationID]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("close station %s: %w", stationID, ErrStationNotFound)
	}
	st.IsActive = false
	st.CompletedAt = time.Now().UnixMilli()
	summary := stationSummary(st)
	if c.activeStationID == stationID {
		c.activeStationID = ""
	}
	c.mu.Unlock()

	logging.Logger.Debug().Str("sessionID", c.sessionID).Str("stationID", stationID).Msg("relay station closed")
	c.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RelayStationClosed,
		Timestamp: st.CompletedAt,
		SessionID: c.sessionID,
		Data:      swarmevent.RelayStationClosedData{StationID: stationID, Summary: summary},
	})
	return summary, nil
}

func stationSummary(st *swarmtypes.Station) string {
	return fmt.Sprintf("station %q (phase %d): %d messages across %d participants", st.Name, st.Phase, len(st.Messages), len(st.Participants))
}

// BroadcastMessage records msg in the target station (stationID, falling
// back to the active station, falling back to any existing station — same
// precedence as the original's broadcast_message) and delivers it to every
// targeted worker, or every registered worker other than the sender when
// TargetIDs is empty.
func (c *Coordinator) BroadcastMessage(msg swarmtypes.RelayMessage, stationID string) {
	c.mu.Lock()
	target := resolveStationID(c, stationID)
	if target != "" {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any)
		}
		msg.Metadata["station_id"] = target
		if st, ok := c.stations[target]; ok {
			st.Messages = append(st.Messages, msg)
		}
	}
	c.messageHistory = append(c.messageHistory, msg)

	targets := msg.TargetIDs
	if len(targets) == 0 {
		for id := range c.callbacks {
			if id != msg.SrcWorkerID {
				targets = append(targets, id)
			}
		}
	}
	callbacks := make([]Callback, 0, len(targets))
	for _, id := range targets {
		if cb, ok := c.callbacks[id]; ok {
			callbacks = append(callbacks, cb)
		}
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		safeDeliver(cb, msg)
	}

	c.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RelayMessageSent,
		Timestamp: msg.Timestamp,
		SessionID: c.sessionID,
		Data: swarmevent.RelayMessageSentData{
			MessageID:      msg.ID,
			RelayType:      string(msg.Kind),
			SrcWorkerID:    msg.SrcWorkerID,
			TargetAgentIDs: targets,
			Importance:     msg.Importance,
		},
	})
}

// resolveStationID implements the "explicit > active > any existing"
// fallback from the original. Caller must hold c.mu.
func resolveStationID(c *Coordinator, stationID string) string {
	if stationID != "" {
		return stationID
	}
	if c.activeStationID != "" {
		return c.activeStationID
	}
	for id, st := range c.stations {
		if st.IsActive {
			return id
		}
	}
	for id := range c.stations {
		return id
	}
	return ""
}

// BroadcastIntervention turns an operator Intervention into a RelayMessage
// (always requires_acknowledgement, importance min(1, priority/10+0.3) as
// the original does) and delivers it either through a worker's dedicated
// InterventionHandler, or its plain Callback when no handler was
// registered.
func (c *Coordinator) BroadcastIntervention(iv swarmtypes.Intervention, stationID string) swarmtypes.RelayMessage {
	c.mu.Lock()
	c.interventionHistory = append(c.interventionHistory, iv)
	target := resolveStationID(c, stationID)

	importance := float64(iv.Priority)/10.0 + 0.3
	if importance > 1.0 {
		importance = 1.0
	}

	msg := swarmtypes.RelayMessage{
		ID:          ulid.Make().String(),
		Kind:        swarmtypes.RelayHumanIntervention,
		SrcWorkerID: "human",
		SrcName:     "operator",
		Content:     interventionNarrative(iv),
		Importance:  importance,
		Timestamp:   iv.Timestamp,
		Metadata: map[string]any{
			"intervention_id":          iv.ID,
			"intervention_kind":        string(iv.Kind),
			"scope":                    string(iv.Scope),
			"priority":                 iv.Priority,
			"payload":                  iv.Payload,
			"requires_acknowledgement": true,
			"station_id":               target,
		},
	}

	switch iv.Scope {
	case swarmtypes.ScopeSingle:
		if iv.TargetID != "" {
			msg.TargetIDs = []string{iv.TargetID}
		}
	case swarmtypes.ScopeSelected:
		msg.TargetIDs = iv.TargetIDs
	case swarmtypes.ScopeAll, swarmtypes.ScopeBroadcast:
		msg.TargetIDs = nil // empty means every registered worker
	}

	if target != "" {
		if st, ok := c.stations[target]; ok {
			st.Messages = append(st.Messages, msg)
		}
	}
	c.messageHistory = append(c.messageHistory, msg)

	actual := msg.TargetIDs
	if len(actual) == 0 {
		for id := range c.callbacks {
			actual = append(actual, id)
		}
	}

	type delivery struct {
		handler InterventionHandler
		cb      Callback
	}
	deliveries := make(map[string]delivery, len(actual))
	for _, id := range actual {
		d := delivery{}
		if h, ok := c.interventionHandlers[id]; ok {
			d.handler = h
		} else if cb, ok := c.callbacks[id]; ok {
			d.cb = cb
		}
		deliveries[id] = d
	}
	c.mu.Unlock()

	for _, d := range deliveries {
		if d.handler != nil {
			safeDeliverIntervention(d.handler, msg, iv)
		} else if d.cb != nil {
			safeDeliver(d.cb, msg)
		}
	}

	c.bus.Publish(swarmevent.Event{
		Type:      swarmevent.InterventionBroadcast,
		Timestamp: iv.Timestamp,
		SessionID: c.sessionID,
		Data:      swarmevent.InterventionBroadcastData{InterventionID: iv.ID, TargetIDs: actual},
	})
	return msg
}

func interventionNarrative(iv swarmtypes.Intervention) string {
	s := fmt.Sprintf("Operator intervention\nkind: %s\nscope: %s\npriority: %d/10", iv.Kind, iv.Scope, iv.Priority)
	if iv.Reason != "" {
		s += fmt.Sprintf("\nreason: %s", iv.Reason)
	}
	switch iv.Kind {
	case swarmtypes.InterventionInject:
		if info, _ := iv.Payload["information"].(string); info != "" {
			s += "\ninjected information:\n" + info
		}
	case swarmtypes.InterventionAdjust:
		s += "\nadjustments:"
		for k, v := range iv.Payload {
			s += fmt.Sprintf("\n- %s: %v", k, v)
		}
	case swarmtypes.InterventionPause:
		s += "\ninstruction: pause current work and wait for further instructions"
	case swarmtypes.InterventionResume:
		s += "\ninstruction: resume work from where you left off"
	case swarmtypes.InterventionCancel:
		s += "\ninstruction: cancel the current task"
	case swarmtypes.InterventionRestart:
		s += "\ninstruction: restart the task"
	}
	return s
}

func safeDeliver(cb Callback, msg swarmtypes.RelayMessage) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Warn().Interface("panic", r).Msg("relay callback panicked")
		}
	}()
	cb(msg)
}

func safeDeliverIntervention(h InterventionHandler, msg swarmtypes.RelayMessage, iv swarmtypes.Intervention) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Warn().Interface("panic", r).Msg("relay intervention handler panicked")
		}
	}()
	h(msg, iv)
}

// History returns the full relay message history, newest last.
func (c *Coordinator) History() []swarmtypes.RelayMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]swarmtypes.RelayMessage, len(c.messageHistory))
	copy(out, c.messageHistory)
	return out
}

// InterventionHistory returns the most recent interventions, most recent
// last, capped to limit (0 means no cap).
func (c *Coordinator) InterventionHistory(limit int) []swarmtypes.Intervention {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.interventionHistory
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]swarmtypes.Intervention, len(h))
	copy(out, h)
	return out
}

// Station looks up a station by ID.
func (c *Coordinator) Station(id string) (*swarmtypes.Station, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.stations[id]
	if !ok {
		return nil, fmt.Errorf("station %s: %w", id, ErrStationNotFound)
	}
	return st, nil
}

// ActiveStationID returns the currently active station, or "" if none.
func (c *Coordinator) ActiveStationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeStationID
}
