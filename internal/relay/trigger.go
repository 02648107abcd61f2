package relay

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// explicitRelayTag, criticalFindTag, crossDomainPhrases and
// uncertaintyPhrases are the literal cue phrases the
// original backend/core/relay_station.py's AdaptiveRelayTrigger looks for in
// a worker's response text before falling back to progress checkpoints.
// Kept in English here since this repo's worker prompts are English; the
// detection rule itself — not the language — is what's grounded on the
// original.
var (
	explicitRelayTag  = "[relay_requested]"
	criticalFindTag   = "[key_finding]"
	crossDomainPhrases = []string{
		"this relates to", "may relate to", "needs confirmation",
		"is connected to", "suggest", "assuming", "speculating", "may affect",
	}
	uncertaintyPhrases = []string{
		"uncertain", "might", "perhaps", "needs verification", "needs more information",
	}
	progressCheckpoints = []int{25, 50, 75}
)

// AdaptiveTrigger decides, after each worker iteration, whether the worker's
// output should be relayed to its peers rather than kept to itself. Workers
// don't relay on a fixed schedule; they relay when the content looks like it
// matters to someone else.
type AdaptiveTrigger struct {
	mu       sync.Mutex
	fired    map[string]map[int]bool // workerID -> checkpoint -> fired
}

// NewAdaptiveTrigger creates a trigger tracker for one session.
func NewAdaptiveTrigger() *AdaptiveTrigger {
	return &AdaptiveTrigger{fired: make(map[string]map[int]bool)}
}

// ShouldTrigger inspects a worker's latest response text and progress and
// returns whether to relay it, and if so, with which RelayKind and why.
func (t *AdaptiveTrigger) ShouldTrigger(workerID string, progress int, content string) (bool, swarmtypes.RelayKind, string) {
	lower := strings.ToLower(content)

	if strings.Contains(content, explicitRelayTag) {
		return true, swarmtypes.RelayAlignmentRequest, "explicit relay request"
	}
	if strings.Contains(content, criticalFindTag) {
		return true, swarmtypes.RelayDiscovery, "critical finding flagged"
	}
	for _, kw := range crossDomainPhrases {
		if strings.Contains(lower, kw) {
			return true, swarmtypes.RelayAlignment, fmt.Sprintf("cross-domain cue detected: %q", kw)
		}
	}
	uncertain := 0
	for _, kw := range uncertaintyPhrases {
		if strings.Contains(lower, kw) {
			uncertain++
		}
	}
	if uncertain >= 2 {
		return true, swarmtypes.RelayAlignment, "high uncertainty detected"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cp := range progressCheckpoints {
		if progress >= cp && !t.hasFiredLocked(workerID, cp) {
			t.markFiredLocked(workerID, cp)
			return true, swarmtypes.RelayCheckpoint, fmt.Sprintf("reached %d%% progress checkpoint", cp)
		}
	}
	return false, "", ""
}

func (t *AdaptiveTrigger) hasFiredLocked(workerID string, checkpoint int) bool {
	return t.fired[workerID][checkpoint]
}

func (t *AdaptiveTrigger) markFiredLocked(workerID string, checkpoint int) {
	if t.fired[workerID] == nil {
		t.fired[workerID] = make(map[int]bool)
	}
	t.fired[workerID][checkpoint] = true
}
