package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/agentswarm/orchestrator/internal/provider"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

const integrationSystemPrompt = `You are a senior analyst who synthesizes multiple specialists' work into one coherent, professional report.

Integrate the role results below into a single report. If there is an operator intervention history, your report must explicitly acknowledge how it was addressed. Reconcile disagreements between roles instead of reporting them side by side, surface the shared conclusions, and end with concrete, actionable recommendations.`

// integrate runs one non-streaming LLM call that folds every role's final
// result, the session's intervention history, and recent relay traffic into
// a single report, mirroring
// _examples/original_source/backend/core/master_agent.py's
// _integrate_results/_build_integration_prompt.
func (m *Master) integrate(ctx context.Context, p *swarmtypes.Plan, results map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.IntegrationTimeout)
	defer cancel()

	prompt := m.buildIntegrationPrompt(p, results)

	stream, err := m.prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: m.modelID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: integrationSystemPrompt},
			{Role: schema.User, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: integration call failed: %w", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("orchestrator: integration stream failed: %w", err)
		}
		b.WriteString(chunk.Content)
	}
	return b.String(), nil
}

func (m *Master) buildIntegrationPrompt(p *swarmtypes.Plan, results map[string]string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Original task\n%s\n\n", p.Task)
	fmt.Fprintf(&b, "## Task analysis\n%s\n\n", p.Analysis)

	interventions := m.coordinator.InterventionHistory(0)
	if len(interventions) > 0 {
		b.WriteString("## Operator intervention history (must be addressed)\n")
		b.WriteString("The operator issued the following directives during execution; the report must explicitly respond to each:\n\n")
		for i, iv := range interventions {
			fmt.Fprintf(&b, "### Intervention #%d\n", i+1)
			fmt.Fprintf(&b, "- kind: %s\n- priority: %d/10\n- scope: %s\n", iv.Kind, iv.Priority, iv.Scope)
			if iv.Reason != "" {
				fmt.Fprintf(&b, "- reason: %s\n", iv.Reason)
			}
			switch iv.Kind {
			case swarmtypes.InterventionInject:
				if info, _ := iv.Payload["information"].(string); info != "" {
					fmt.Fprintf(&b, "- injected information: %s\n", info)
				}
			case swarmtypes.InterventionAdjust:
				if adj, ok := iv.Payload["adjustments"].(map[string]any); ok {
					b.WriteString("- adjustments:\n")
					for k, v := range adj {
						fmt.Fprintf(&b, "  - %s: %v\n", k, v)
					}
				}
			}
			b.WriteString("\n")
		}
		b.WriteString("The integrated report must show how each intervention above was taken into account.\n\n")
	}

	b.WriteString("## Results per role\n\n")
	for _, r := range p.Roles {
		res, ok := results[r.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", r.Name, res)
	}

	history := m.coordinator.History()
	var regular []swarmtypes.RelayMessage
	for _, msg := range history {
		if msg.Kind != swarmtypes.RelayHumanIntervention {
			regular = append(regular, msg)
		}
	}
	if len(regular) > 0 {
		b.WriteString("## Inter-role relay exchanges\n")
		start := 0
		if len(regular) > 15 {
			start = len(regular) - 15
		}
		for _, msg := range regular[start:] {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", msg.Kind, msg.SrcName, msg.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Integration requirements\n")
	b.WriteString("Based on everything above, produce one complete, professional, in-depth report. In particular:\n")
	b.WriteString("1. If there is an intervention history, explicitly show how each directive was addressed.\n")
	b.WriteString("2. Integrate every role's analysis, resolve contradictions, and surface consensus.\n")
	b.WriteString("3. Close with concrete, valuable recommendations.\n")

	return b.String()
}
