package worker

import (
	"strings"

	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// strictCompletionMarkers and looseConclusionPhrases mirror
// _examples/original_source/backend/core/subagent.py's _is_task_complete:
// an explicit marker always ends the iteration loop; absent one, a
// sufficiently long response containing a conclusion-style phrase after at
// least 3 iterations also counts, so a role isn't stuck rambling forever
// without ever emitting the exact marker text.
var (
	strictCompletionMarkers = []string{
		"[task complete]", "[TASK_COMPLETE]", "**task complete**", "## task complete",
	}
	looseConclusionPhrases = []string{
		"in summary", "to summarize", "final conclusion", "final analysis", "complete analysis",
	}
	minIterationsForLooseComplete = 3
	minLengthForLooseComplete     = 800

	acknowledgementPhrases = []string{
		"received the relay message", "incorporated the relay information",
		"considered the intervention", "adjusted per the intervention",
		"acknowledged the notice", "confirmed receipt",
	}
)

// isTaskComplete decides whether resp ends this worker's run. It first
// checks whether any relay messages are still pending acknowledgement or
// response — if so, completion is blocked unless the response text itself
// demonstrates the worker has accounted for them.
func (w *Worker) isTaskComplete(resp string, iteration int) (bool, string) {
	if blocked, why := w.pendingMessagesBlockCompletion(resp); blocked {
		return false, why
	}

	lower := strings.ToLower(resp)
	for _, marker := range strictCompletionMarkers {
		if strings.Contains(resp, marker) || strings.Contains(lower, strings.ToLower(marker)) {
			return true, "explicit completion marker"
		}
	}

	if iteration+1 >= minIterationsForLooseComplete {
		hasConclusion := false
		for _, phrase := range looseConclusionPhrases {
			if strings.Contains(lower, phrase) {
				hasConclusion = true
				break
			}
		}
		if hasConclusion && len(resp) > minLengthForLooseComplete {
			return true, "substantial conclusion after minimum iterations"
		}
	}

	return false, ""
}

// pendingMessagesBlockCompletion implements
// _check_pending_relay_messages/_can_complete_with_pending_messages: a
// worker can't declare itself done while any message in pendingAcks (every
// relay message that requires acknowledgement, which includes every
// operator intervention) is still waiting, unless the response text
// contains an acknowledgement phrase. The returned reason only labels the
// block (high-priority, response-requiring, or inject/adjust). drainInbox
// acknowledges and removes a message once it has been taken from the inbox;
// force-ingested messages stay in pendingAcks, so for those the
// acknowledgement-phrase check is what lifts the block.
func (w *Worker) pendingMessagesBlockCompletion(resp string) (bool, string) {
	w.mu.Lock()
	pending := make([]swarmtypes.RelayMessage, 0, len(w.pendingAcks))
	for _, msg := range w.pendingAcks {
		pending = append(pending, msg)
	}
	w.mu.Unlock()

	if len(pending) == 0 {
		return false, ""
	}

	lower := strings.ToLower(resp)
	for _, phrase := range acknowledgementPhrases {
		if strings.Contains(lower, phrase) {
			return false, ""
		}
	}

	reason := "pending relay messages not yet addressed"
	for _, msg := range pending {
		switch {
		case msg.InterventionPriority() >= 7:
			reason = "unresolved high-priority relay message"
		case msg.RequiresResponse():
			reason = "relay message awaiting a direct reply"
		case msg.InterventionKind() == swarmtypes.InterventionInject || msg.InterventionKind() == swarmtypes.InterventionAdjust:
			reason = "unintegrated inject/adjust intervention"
		}
	}
	return true, reason
}

// extractFinalResult trims the explicit marker prefix off a response so the
// final result a worker reports doesn't repeat its own completion tag.
func extractFinalResult(resp string) string {
	for _, marker := range strictCompletionMarkers {
		if idx := strings.Index(resp, marker); idx >= 0 {
			rest := strings.TrimSpace(resp[idx+len(marker):])
			if rest != "" {
				return rest
			}
			return strings.TrimSpace(resp[:idx])
		}
	}
	return strings.TrimSpace(resp)
}
