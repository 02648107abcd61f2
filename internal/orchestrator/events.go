package orchestrator

import (
	"context"

	"github.com/agentswarm/orchestrator/internal/swarmevent"
)

// priorityEventTypes mirrors the split master_agent.py's
// _execute_subagents_parallel draws between its priority_queue (status
// changes, errors, completion-relevant events) and normal_queue (thinking,
// progress ticks): status/error/result events take precedence so an SSE
// client degrading under load still sees state transitions before the next
// batch of thinking deltas.
var priorityEventTypes = map[swarmevent.EventType]bool{
	swarmevent.RunStarted:            true,
	swarmevent.RunFinished:           true,
	swarmevent.RunError:              true,
	swarmevent.AgentSpawned:          true,
	swarmevent.AgentStatusChanged:    true,
	swarmevent.ToolCallResult:        true,
	swarmevent.RelayStationOpened:    true,
	swarmevent.RelayStationClosed:    true,
	swarmevent.RelayMessageSent:      true,
	swarmevent.PlanGenerated:         true,
	swarmevent.RoleEmerged:           true,
	swarmevent.InterventionRequested: true,
	swarmevent.InterventionApplied:   true,
	swarmevent.InterventionBroadcast: true,
	swarmevent.SessionCreated:        true,
	swarmevent.SessionStateChanged:   true,
}

// Events subscribes to the session's bus and returns a single merged channel
// that always prefers delivering a queued priority event over a queued
// normal one, closing when ctx is done. capacity bounds each internal queue
// (0 uses swarmevent's default of 100, the subscriber_queue_capacity
// default).
func (m *Master) Events(ctx context.Context, capacity int) <-chan swarmevent.Event {
	priority := swarmevent.NewQueue(capacity)
	normal := swarmevent.NewQueue(capacity)

	unsub := m.bus.SubscribeAll(func(ev swarmevent.Event) {
		if priorityEventTypes[ev.Type] {
			priority.Offer(ev)
		} else {
			normal.Offer(ev)
		}
	})

	out := make(chan swarmevent.Event)
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case ev := <-priority.C():
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				continue
			default:
			}

			select {
			case ev := <-priority.C():
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case ev := <-normal.C():
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
