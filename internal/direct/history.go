package direct

import (
	"github.com/cloudwego/eino/schema"
)

// trimConversationHistory mirrors direct_agent.py's
// _trim_conversation_history: a "round" starts at a user message and runs
// through every assistant/tool message up to (not including) the next user
// message. Keep at most maxRounds rounds, then additionally drop whole
// rounds from the oldest end while the remaining character budget exceeds
// maxChars (always leaving at least 2 rounds so a followup still has
// context).
func trimConversationHistory(history []*schema.Message, maxRounds, maxChars int) []*schema.Message {
	roundStarts := userMessageIndices(history)
	if len(roundStarts) > maxRounds {
		history = history[roundStarts[len(roundStarts)-maxRounds]:]
		roundStarts = userMessageIndices(history)
	}

	total := totalChars(history)
	for total > maxChars && len(roundStarts) > 2 {
		next := roundStarts[1]
		total -= totalChars(history[:next])
		history = history[next:]
		roundStarts = userMessageIndices(history)
	}
	return history
}

func userMessageIndices(history []*schema.Message) []int {
	var idx []int
	for i, m := range history {
		if m.Role == schema.User {
			idx = append(idx, i)
		}
	}
	return idx
}

func totalChars(history []*schema.Message) int {
	n := 0
	for _, m := range history {
		n += len(m.Content)
	}
	return n
}
