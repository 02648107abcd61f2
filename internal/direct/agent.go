// Package direct implements the non-emergent conversation path: one Agent,
// one LLM, a bounded tool-calling subloop, and a streamed final answer — no
// role emergence, no worker fleet, no relay station. Session-scoped and
// reusable across followup turns via its own in-memory conversation
// history.
//
// Grounded on _examples/original_source/backend/core/direct_agent.py's
// DirectAgent.execute_task, re-expressed over internal/provider.Provider and
// internal/tool.Registry instead of the Python LLMProviderFactory/
// SkillExecutor pair, and reusing internal/worker's retry/stream-collection
// idiom (same backoff constants, same io.EOF stream-drain).
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/provider"
	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/internal/tool"
)

const (
	defaultMaxToolRounds = 5
	defaultToolTimeout   = 60 * time.Second
	maxHistoryRounds     = 6
	maxHistoryChars      = 24000
	maxToolResultChars   = 1500
)

// Config tunes one Agent's tool-round and history limits.
type Config struct {
	MaxToolRounds int
	ToolTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = defaultMaxToolRounds
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	return c
}

// Agent drives a single ungoverned conversation for one session: every
// RunTurn call appends to the same conversation history, so a followup
// turn sees everything the prior turn said and did.
type Agent struct {
	sessionID string
	prov      provider.Provider
	modelID   string
	tools     *tool.Registry
	bus       *swarmevent.Bus
	cfg       Config

	mu      sync.Mutex
	history []*schema.Message
}

// New creates a direct Agent bound to one session's provider, model, tool
// registry, and event bus.
func New(sessionID string, prov provider.Provider, modelID string, tools *tool.Registry, bus *swarmevent.Bus, cfg Config) *Agent {
	return &Agent{
		sessionID: sessionID,
		prov:      prov,
		modelID:   modelID,
		tools:     tools,
		bus:       bus,
		cfg:       cfg.withDefaults(),
	}
}

// Result is one turn's outcome.
type Result struct {
	Text string
}

// RunTurn executes one user turn: a bounded tool-calling subloop (each round
// a non-streaming completion checked for tool calls) followed by one
// streamed final answer, matching direct_agent.py's two-phase shape.
func (a *Agent) RunTurn(ctx context.Context, task string) (*Result, error) {
	runID := fmt.Sprintf("%s-%d", a.sessionID, time.Now().UnixNano())

	a.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RunStarted,
		Timestamp: time.Now().UnixMilli(),
		SessionID: a.sessionID,
		Data:      swarmevent.RunStartedData{ThreadID: a.sessionID, RunID: runID},
	})

	a.mu.Lock()
	messages := make([]*schema.Message, 0, len(a.history)+2)
	messages = append(messages, &schema.Message{Role: schema.System, Content: buildSystemPrompt()})
	messages = append(messages, a.history...)
	messages = append(messages, &schema.Message{Role: schema.User, Content: task})
	a.mu.Unlock()

	historyStart := len(messages) - 1 // the user message just appended

	toolInfos := a.toolInfos()
	if len(toolInfos) > 0 {
		for round := 0; round < a.cfg.MaxToolRounds; round++ {
			resp, err := a.callNonStreaming(ctx, messages, toolInfos)
			if err != nil {
				a.fail(err)
				return nil, err
			}
			if len(resp.ToolCalls) == 0 {
				break
			}

			if resp.Content != "" {
				a.bus.Publish(swarmevent.Event{
					Type:      swarmevent.AgentThinking,
					Timestamp: time.Now().UnixMilli(),
					SessionID: a.sessionID,
					Data:      swarmevent.AgentThinkingData{WorkerID: "direct", Delta: resp.Content},
				})
			}
			messages = append(messages, resp)
			a.runToolCalls(ctx, resp, &messages)
		}
	}

	text, err := a.streamFinalAnswer(ctx, messages, runID)
	if err != nil {
		a.fail(err)
		return nil, err
	}

	a.appendHistory(messages[historyStart:], text)

	a.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RunFinished,
		Timestamp: time.Now().UnixMilli(),
		SessionID: a.sessionID,
		Data:      swarmevent.RunFinishedData{RunID: runID},
	})

	return &Result{Text: text}, nil
}

func (a *Agent) callNonStreaming(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout)
	defer cancel()

	bo := newRetryBackoff(ctx)
	for {
		stream, err := a.prov.CreateCompletion(ctx, &provider.CompletionRequest{
			Model:    a.modelID,
			Messages: messages,
			Tools:    tools,
		})
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
			return nil, fmt.Errorf("direct: tool-detection call failed after retries: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(next):
		}
	}
}

func (a *Agent) streamFinalAnswer(ctx context.Context, messages []*schema.Message, runID string) (string, error) {
	messageID := "direct-" + runID

	stream, err := a.prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:    a.modelID,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("direct: final completion failed: %w", err)
	}
	defer stream.Close()

	a.bus.Publish(swarmevent.Event{
		Type:      swarmevent.TextMessageStart,
		Timestamp: time.Now().UnixMilli(),
		SessionID: a.sessionID,
		Data:      swarmevent.TextMessageStartData{MessageID: messageID, Role: "assistant"},
	})

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("direct: final stream failed: %w", err)
		}
		b.WriteString(chunk.Content)
		a.bus.Publish(swarmevent.Event{
			Type:      swarmevent.TextMessageContent,
			Timestamp: time.Now().UnixMilli(),
			SessionID: a.sessionID,
			Data:      swarmevent.TextMessageContentData{MessageID: messageID, Delta: chunk.Content},
		})
	}

	a.bus.Publish(swarmevent.Event{
		Type:      swarmevent.TextMessageEnd,
		Timestamp: time.Now().UnixMilli(),
		SessionID: a.sessionID,
		Data:      swarmevent.TextMessageEndData{MessageID: messageID},
	})

	return b.String(), nil
}

func (a *Agent) runToolCalls(ctx context.Context, resp *schema.Message, messages *[]*schema.Message) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout)
	defer cancel()

	for _, call := range resp.ToolCalls {
		result, err := a.invokeTool(ctx, call)
		*messages = append(*messages, &schema.Message{
			Role:       schema.Tool,
			Content:    truncateString(result, maxToolResultChars),
			ToolCallID: call.ID,
		})
		if err != nil {
			logging.Logger.Warn().Err(err).Str("sessionID", a.sessionID).Str("tool", call.Function.Name).Msg("direct agent tool call failed")
		}
	}
}

func (a *Agent) invokeTool(ctx context.Context, call schema.ToolCall) (string, error) {
	t, ok := a.tools.Get(call.Function.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name), nil
	}

	a.bus.Publish(swarmevent.Event{
		Type:      swarmevent.ToolCallStart,
		Timestamp: time.Now().UnixMilli(),
		SessionID: a.sessionID,
		Data:      swarmevent.ToolCallStartData{WorkerID: "direct", CallID: call.ID, ToolName: call.Function.Name},
	})

	toolCtx := &tool.Context{SessionID: a.sessionID, CallID: call.ID, Agent: "direct"}
	result, err := t.Execute(ctx, json.RawMessage(call.Function.Arguments), toolCtx)

	success := err == nil && (result == nil || result.Error == nil)
	summary, preview := "", ""
	if result != nil {
		summary = result.Title
		preview = truncateString(result.Output, 500)
	}
	if err != nil {
		preview = truncateString(err.Error(), 500)
	}

	a.bus.Publish(swarmevent.Event{
		Type:      swarmevent.ToolCallResult,
		Timestamp: time.Now().UnixMilli(),
		SessionID: a.sessionID,
		Data: swarmevent.ToolCallResultData{
			WorkerID: "direct", CallID: call.ID,
			Success: success, Summary: summary, ResultPreview: preview,
		},
	})

	if err != nil {
		return fmt.Sprintf("error: %s", err.Error()), err
	}
	return result.Output, nil
}

func (a *Agent) appendHistory(turnMessages []*schema.Message, finalText string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, turnMessages...)
	if finalText != "" {
		a.history = append(a.history, &schema.Message{Role: schema.Assistant, Content: finalText})
	}
	a.history = trimConversationHistory(a.history, maxHistoryRounds, maxHistoryChars)
}

func (a *Agent) toolInfos() []*schema.ToolInfo {
	if a.tools == nil {
		return nil
	}
	infos, err := a.tools.ToolInfos()
	if err != nil {
		return nil
	}
	return infos
}

func (a *Agent) fail(err error) {
	a.bus.Publish(swarmevent.Event{
		Type:      swarmevent.RunError,
		Timestamp: time.Now().UnixMilli(),
		SessionID: a.sessionID,
		Data:      swarmevent.RunErrorData{Message: err.Error(), Code: "direct_agent_failed"},
	})
}

// History returns a copy of the accumulated conversation, used by
// swarmsession to extract a followup summary when no FinalReport exists
// (direct mode keeps no Plan, only this history).
func (a *Agent) History() []*schema.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*schema.Message, len(a.history))
	copy(out, a.history)
	return out
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
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

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
