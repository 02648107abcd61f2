package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/agentswarm/orchestrator/internal/swarmevent"
	"github.com/agentswarm/orchestrator/internal/tool"
)

// runToolSubloop executes every tool call the assistant requested in resp,
// appends a tool-role message per result, and (per
// tool_calling_mixin.py's _execute_with_tools) lets the conversation
// re-enter the main loop afterward rather than looping again here — the
// bound on consecutive tool rounds is enforced by the caller's iteration
// budget, not a separate counter, since a worker that only ever calls tools
// is indistinguishable from one that's stuck and should hit MaxIterations
// the same way.
func (w *Worker) runToolSubloop(ctx context.Context, resp *schema.Message) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ToolTimeout)
	defer cancel()

	for _, call := range resp.ToolCalls {
		result, err := w.invokeTool(ctx, call)
		w.history = append(w.history, &schema.Message{
			Role:       schema.Tool,
			Content:    result,
			ToolCallID: call.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) invokeTool(ctx context.Context, call schema.ToolCall) (string, error) {
	t, ok := w.tools.Get(call.Function.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name), nil
	}

	w.bus.Publish(swarmevent.Event{
		Type:      swarmevent.ToolCallStart,
		Timestamp: nowMillis(),
		SessionID: w.SessionID,
		Data:      swarmevent.ToolCallStartData{WorkerID: w.ID, CallID: call.ID, ToolName: call.Function.Name},
	})

	toolCtx := &tool.Context{
		SessionID: w.SessionID,
		CallID:    call.ID,
		Agent:     w.Role.Name,
	}

	result, err := t.Execute(ctx, json.RawMessage(call.Function.Arguments), toolCtx)

	success := err == nil && (result == nil || result.Error == nil)
	summary := ""
	preview := ""
	if result != nil {
		summary = result.Title
		preview = truncate(result.Output, 500)
	}
	if err != nil {
		preview = truncate(err.Error(), 500)
	}

	w.bus.Publish(swarmevent.Event{
		Type:      swarmevent.ToolCallResult,
		Timestamp: nowMillis(),
		SessionID: w.SessionID,
		Data: swarmevent.ToolCallResultData{
			WorkerID:      w.ID,
			CallID:        call.ID,
			Success:       success,
			Summary:       summary,
			ResultPreview: preview,
		},
	})

	if err != nil {
		return fmt.Sprintf("error: %s", err.Error()), err
	}
	return result.Output, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
