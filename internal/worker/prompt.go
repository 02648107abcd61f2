package worker

import (
	"fmt"
	"strings"
)

// systemPrompt builds the worker's system message from its Role, following
// the shape role_emergence.py's planner asks the LLM to produce per role
// ("system_prompt" already authored by the planner) plus the operating
// rules a worker needs regardless of role: completion markers, relay
// etiquette, and the explicit/keyword triggers the AdaptiveTrigger reacts
// to, so the LLM's own text is what drives relay decisions.
func (w *Worker) systemPrompt() string {
	var b strings.Builder

	if w.Role.SystemPrompt != "" {
		b.WriteString(w.Role.SystemPrompt)
		b.WriteString("\n\n")
	} else {
		fmt.Fprintf(&b, "You are %s. %s\n\n", w.Role.Name, w.Role.Description)
	}

	if len(w.Role.FocusAreas) > 0 {
		fmt.Fprintf(&b, "Focus areas: %s\n", strings.Join(w.Role.FocusAreas, ", "))
	}
	if len(w.Role.Deliverables) > 0 {
		fmt.Fprintf(&b, "Deliverables: %s\n", strings.Join(w.Role.Deliverables, ", "))
	}
	if w.Role.Methodology.Approach != "" {
		fmt.Fprintf(&b, "Approach: %s\n", w.Role.Methodology.Approach)
	}

	b.WriteString("\nWhen you have fully completed your task segment, end your response with exactly one of: [task complete] or [TASK_COMPLETE].\n")
	b.WriteString("When you discover something other roles should know, want to check alignment with another role, or have low confidence in a conclusion, say so plainly in your response — it will be relayed automatically.\n")
	b.WriteString("To request a relay explicitly, include [relay_requested]; to flag a critical finding, include [key_finding].\n")
	b.WriteString("If you receive a relay message prefixed `[relay from ...]`, address it before declaring completion.\n")

	return b.String()
}
