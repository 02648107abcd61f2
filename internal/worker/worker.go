// Package worker implements the Worker Runtime: the cooperative loop that
// drives one Role's LLM conversation through iterations of inbox-drain,
// LLM call, tool-call subloop, completion check, and relay emission.
//
// Grounded on internal/session/loop.go's runLoop (streaming-call retry
// shape, backoff constants, finish-reason switch) generalized per
// _examples/original_source/backend/core/subagent.py's SubagentRuntime: a
// relay inbox instead of a single conversation, pause/cancel control flags,
// and a stricter completion check that looks at both the response text and
// any relay messages still waiting to be acknowledged.
package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/provider"
	"github.com/agentswarm/orchestrator/internal/relay"
	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/internal/tool"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// Retry and iteration constants, matching internal/session/loop.go's
// newRetryBackoff so the LLM-call retry policy is identical across the
// single-conversation processor and the multi-agent worker runtime.
const (
	DefaultMaxIterations = 30
	DefaultMaxToolRounds = 5
	RetryInitialInterval = time.Second
	RetryMaxInterval      = 30 * time.Second
	RetryMaxElapsedTime   = 2 * time.Minute
	RetryMaxRetries       = 3
)

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, RetryMaxRetries), ctx)
}

// Config tunes one Worker's execution limits, sourced from the
// Orchestration config block (internal/config).
type Config struct {
	MaxIterations int
	MaxToolRounds int
	ToolTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	return c
}

// Worker is a running instance of a Role executing its assigned task
// segment. One Worker belongs to exactly one session and is registered with
// that session's relay.Coordinator.
type Worker struct {
	ID        string
	SessionID string
	Role      swarmtypes.Role
	Task      string

	cfg         Config
	prov        provider.Provider
	modelID     string
	tools       *tool.Registry
	coordinator *relay.Coordinator
	bus         *swarmevent.Bus
	trigger     *relay.AdaptiveTrigger

	mu          sync.Mutex
	state       swarmtypes.WorkerState
	history     []*schema.Message
	inbox       chan swarmtypes.RelayMessage
	forceQueue  []*schema.Message
	pendingAcks map[string]swarmtypes.RelayMessage
	paused      bool
	pauseCh     chan struct{}
	cancelled   bool
}

// New creates a Worker for the given Role, registering it with coordinator
// so it can send and receive relay messages immediately.
func New(sessionID string, role swarmtypes.Role, task string, prov provider.Provider, modelID string, tools *tool.Registry, coordinator *relay.Coordinator, bus *swarmevent.Bus, trigger *relay.AdaptiveTrigger, cfg Config) *Worker {
	w := &Worker{
		ID:          ulid.Make().String(),
		SessionID:   sessionID,
		Role:        role,
		Task:        task,
		cfg:         cfg.withDefaults(),
		prov:        prov,
		modelID:     modelID,
		tools:       tools,
		coordinator: coordinator,
		bus:         bus,
		trigger:     trigger,
		state:       swarmtypes.WorkerState{Status: swarmtypes.WorkerPending},
		inbox:       make(chan swarmtypes.RelayMessage, 64),
		pendingAcks: make(map[string]swarmtypes.RelayMessage),
		pauseCh:     make(chan struct{}),
	}
	coordinator.RegisterWorker(w.ID, w.receiveRelay, w.receiveIntervention)
	return w
}

// State returns a snapshot of the worker's current state.
func (w *Worker) State() swarmtypes.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setStatus(status swarmtypes.WorkerStatus) {
	w.mu.Lock()
	w.state.Status = status
	w.mu.Unlock()
	w.bus.Publish(swarmevent.Event{
		Type:      swarmevent.AgentStatusChanged,
		Timestamp: time.Now().UnixMilli(),
		SessionID: w.SessionID,
		Data:      swarmevent.AgentStatusChangedData{WorkerID: w.ID, Status: string(status)},
	})
}

func (w *Worker) setProgress(progress int, step string) {
	w.mu.Lock()
	w.state.Progress = progress
	w.mu.Unlock()
	w.bus.Publish(swarmevent.Event{
		Type:      swarmevent.AgentProgress,
		Timestamp: time.Now().UnixMilli(),
		SessionID: w.SessionID,
		Data:      swarmevent.AgentProgressData{WorkerID: w.ID, Progress: progress, Step: step},
	})
}

// receiveRelay is the Callback registered with the Coordinator: it queues a
// relay message for this worker's next inbox-drain, never blocking the
// sender (dropping only if the inbox is completely saturated, which would
// mean this worker has stopped consuming).
func (w *Worker) receiveRelay(msg swarmtypes.RelayMessage) {
	w.mu.Lock()
	if msg.RequiresAcknowledgement() {
		w.pendingAcks[msg.ID] = msg
	}
	w.mu.Unlock()
	select {
	case w.inbox <- msg:
	default:
		logging.Logger.Warn().Str("workerID", w.ID).Msg("relay inbox full, dropping message")
	}
}

// receiveIntervention applies an operator Intervention synchronously,
// regardless of what iteration the worker is in.
func (w *Worker) receiveIntervention(msg swarmtypes.RelayMessage, iv swarmtypes.Intervention) {
	switch iv.Kind {
	case swarmtypes.InterventionPause:
		w.Pause()
	case swarmtypes.InterventionResume:
		w.Resume()
	case swarmtypes.InterventionCancel:
		w.Cancel()
	case swarmtypes.InterventionAdjust:
		// An adjustment always outranks whatever importance the relay
		// message was constructed with, so it can't be missed among
		// lower-priority inbox traffic.
		if msg.Importance < 0.9 {
			msg.Importance = 0.9
		}
		w.deliverIntervention(msg, iv)
		return
	case swarmtypes.InterventionInject, swarmtypes.InterventionRestart:
		w.deliverIntervention(msg, iv)
		return
	}
	w.deliverIntervention(msg, iv)
}

// deliverIntervention routes msg according to the intervention's scope.
// Scope "all" force-applies: the worker must directly ingest the payload
// into its conversation history, bypassing the inbox channel (which can
// silently drop messages when saturated). Every other scope — including
// "broadcast", which only notifies — rides the regular relay inbox.
func (w *Worker) deliverIntervention(msg swarmtypes.RelayMessage, iv swarmtypes.Intervention) {
	if iv.Scope == swarmtypes.ScopeAll {
		w.ForceIngest(msg)
		return
	}
	w.receiveRelay(msg)
}

// ForceIngest queues msg for direct inclusion in this worker's conversation
// history on its next iteration, bypassing the inbox channel entirely. The
// owning Run goroutine drains forceQueue into history so history itself
// stays single-writer.
func (w *Worker) ForceIngest(msg swarmtypes.RelayMessage) {
	now := time.Now().UnixMilli()
	msg.MarkViewed(w.ID, now)
	w.mu.Lock()
	w.forceQueue = append(w.forceQueue, &schema.Message{
		Role:    schema.User,
		Content: formatRelayForPrompt(msg),
	})
	if msg.RequiresAcknowledgement() {
		w.pendingAcks[msg.ID] = msg
	}
	w.mu.Unlock()
}

// Pause suspends the worker before its next iteration begins.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		w.paused = true
		w.setStatusLocked(swarmtypes.WorkerPaused)
	}
}

// Resume releases a paused worker.
func (w *Worker) Resume() {
	w.mu.Lock()
	wasPaused := w.paused
	w.paused = false
	w.mu.Unlock()
	if wasPaused {
		close(w.pauseCh)
		w.pauseCh = make(chan struct{})
		w.setStatus(swarmtypes.WorkerRunning)
	}
}

// Cancel stops the worker at its next checkpoint.
func (w *Worker) Cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
}

func (w *Worker) setStatusLocked(status swarmtypes.WorkerStatus) {
	w.state.Status = status
}

func (w *Worker) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *Worker) waitWhilePaused(ctx context.Context) error {
	for {
		w.mu.Lock()
		paused := w.paused
		ch := w.pauseCh
		w.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Run drives the worker's cooperative loop to completion, failure, or
// cancellation. It unregisters the worker from the Coordinator on return.
func (w *Worker) Run(ctx context.Context) error {
	defer w.coordinator.UnregisterWorker(w.ID)

	w.setStatus(swarmtypes.WorkerRunning)
	w.bus.Publish(swarmevent.Event{
		Type:      swarmevent.AgentSpawned,
		Timestamp: time.Now().UnixMilli(),
		SessionID: w.SessionID,
		Data:      swarmevent.AgentSpawnedData{WorkerID: w.ID, RoleName: w.Role.Name, RoleInfo: w.Role},
	})

	w.history = []*schema.Message{
		{Role: schema.System, Content: w.systemPrompt()},
		{Role: schema.User, Content: w.Task},
	}

	retryBO := newRetryBackoff(ctx)

	for iteration := 0; iteration < w.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			w.fail(err)
			return err
		}
		if w.isCancelled() {
			w.setStatus(swarmtypes.WorkerCancelled)
			return nil
		}
		if err := w.waitWhilePaused(ctx); err != nil {
			w.fail(err)
			return err
		}

		w.mu.Lock()
		w.state.Iteration = iteration
		w.mu.Unlock()

		w.drainForceQueue()
		injected := w.drainInbox()
		w.setProgress(progressForIteration(iteration, w.cfg.MaxIterations), "thinking")

		req := &provider.CompletionRequest{
			Model:    w.modelID,
			Messages: w.history,
			Tools:    w.toolInfos(),
		}

		resp, err := w.callWithRetry(ctx, req, retryBO)
		if err != nil {
			w.fail(err)
			return err
		}
		retryBO.Reset()

		w.history = append(w.history, resp)

		if len(resp.ToolCalls) > 0 {
			if err := w.runToolSubloop(ctx, resp); err != nil {
				logging.Logger.Warn().Err(err).Str("workerID", w.ID).Msg("tool subloop error")
			}
			continue
		}

		w.mu.Lock()
		w.state.AccumulatedThinking += resp.Content + "\n"
		w.state.PartialResult = resp.Content
		w.mu.Unlock()

		complete, reason := w.isTaskComplete(resp.Content, iteration)
		if complete {
			return w.completeWith(resp.Content, reason)
		}

		if w.trigger != nil {
			progress := w.State().Progress
			if ok, kind, cause := w.trigger.ShouldTrigger(w.ID, progress, resp.Content); ok {
				w.emitRelay(kind, resp.Content, cause)
			}
		}

		_ = injected
	}

	return w.completeWith(w.State().PartialResult, "max iterations reached")
}

func progressForIteration(iteration, max int) int {
	if max <= 0 {
		return 0
	}
	p := (iteration + 1) * 100 / max
	if p > 99 {
		p = 99
	}
	return p
}

func (w *Worker) callWithRetry(ctx context.Context, req *provider.CompletionRequest, bo backoff.BackOff) (*schema.Message, error) {
	for {
		stream, err := w.prov.CreateCompletion(ctx, req)
		if err == nil {
			msg, recvErr := collectStream(stream)
			stream.Close()
			if recvErr == nil {
				return msg, nil
			}
			err = recvErr
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("worker %s: llm call failed after retries: %w", w.ID, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(next):
		}
	}
}

func collectStream(stream *provider.CompletionStream) (*schema.Message, error) {
	var content strings.Builder
	var toolCalls []schema.ToolCall
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		content.WriteString(chunk.Content)
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
	}
	return &schema.Message{Role: schema.Assistant, Content: content.String(), ToolCalls: toolCalls}, nil
}

func (w *Worker) toolInfos() []*schema.ToolInfo {
	if w.tools == nil {
		return nil
	}
	infos, err := w.tools.ToolInfos()
	if err != nil {
		return nil
	}
	return infos
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.state.Status = swarmtypes.WorkerFailed
	w.state.Error = err.Error()
	w.mu.Unlock()
	w.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RunError,
		Timestamp: time.Now().UnixMilli(),
		SessionID: w.SessionID,
		Data:      swarmevent.RunErrorData{Message: err.Error(), Code: "worker_error"},
	})
}

func (w *Worker) completeWith(result, reason string) error {
	w.mu.Lock()
	w.state.Status = swarmtypes.WorkerCompleted
	w.state.Progress = 100
	w.state.FinalResult = extractFinalResult(result)
	w.mu.Unlock()
	logging.Logger.Debug().Str("workerID", w.ID).Str("reason", reason).Msg("worker completed")
	w.emitRelay(swarmtypes.RelayCompletion, w.State().FinalResult, reason)
	w.setStatus(swarmtypes.WorkerCompleted)
	return nil
}

func (w *Worker) emitRelay(kind swarmtypes.RelayKind, content, reason string) {
	msg := swarmtypes.RelayMessage{
		ID:          ulid.Make().String(),
		Kind:        kind,
		SrcWorkerID: w.ID,
		SrcName:     w.Role.Name,
		Content:     content,
		Importance:  importanceFor(kind),
		Timestamp:   time.Now().UnixMilli(),
		Metadata:    map[string]any{"reason": reason},
	}
	w.coordinator.BroadcastMessage(msg, "")
}

func importanceFor(kind swarmtypes.RelayKind) float64 {
	switch kind {
	case swarmtypes.RelayCompletion, swarmtypes.RelayHumanIntervention:
		return 0.9
	case swarmtypes.RelayDiscovery, swarmtypes.RelayCorrection:
		return 0.8
	case swarmtypes.RelayCheckpoint:
		return 0.4
	default:
		return 0.6
	}
}

// drainForceQueue appends any force-ingested messages queued by ForceIngest
// directly onto history, ahead of the regular inbox drain, so a scope-"all"
// intervention lands in this worker's log before the normal broadcast path
// would otherwise deliver it.
func (w *Worker) drainForceQueue() {
	w.mu.Lock()
	forced := w.forceQueue
	w.forceQueue = nil
	w.mu.Unlock()
	w.history = append(w.history, forced...)
}

// drainInbox pulls every relay message currently queued, appends them to
// the conversation as user-role context so the LLM sees them on its next
// call, and acknowledges any that required it.
func (w *Worker) drainInbox() []swarmtypes.RelayMessage {
	var drained []swarmtypes.RelayMessage
	for {
		select {
		case msg := <-w.inbox:
			now := time.Now().UnixMilli()
			msg.MarkViewed(w.ID, now)
			drained = append(drained, msg)
			w.history = append(w.history, &schema.Message{
				Role:    schema.User,
				Content: formatRelayForPrompt(msg),
			})
			if msg.RequiresAcknowledgement() {
				msg.Ack(w.ID)
				w.mu.Lock()
				delete(w.pendingAcks, msg.ID)
				w.mu.Unlock()
			}
		default:
			return drained
		}
	}
}

func formatRelayForPrompt(msg swarmtypes.RelayMessage) string {
	return fmt.Sprintf("[relay from %s, kind=%s]\n%s", msg.SrcName, msg.Kind, msg.Content)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
