// Package planner implements Role Emergence: one non-streaming LLM call
// that analyzes a task and designs the roles, phases, and integration
// strategy needed to execute it, then extracts a strict JSON object from
// whatever prose the model wraps around it.
//
// Grounded on
// _examples/original_source/backend/core/role_emergence.py's
// RoleEmergenceEngine and its ROLE_EMERGENCE_SYSTEM_PROMPT, re-expressed in
// English and adapted to this repo's Role/Plan/Phase shape; the defensive
// JSON-from-LLM-output extraction follows the idiom the teacher already
// uses for title generation (internal/session/title.go), generalized from
// "grab the first line" to "grab the first balanced JSON object".
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/provider"
	"github.com/agentswarm/orchestrator/pkg/swarmtypes"
)

// BuiltinSkills lists the general-purpose skills every plan may draw from,
// plus the video/content-production specialist skills role_emergence.py
// prefers for creative-production tasks.
var BuiltinSkills = []string{
	"web_search", "data_analysis", "code_execution", "document_summary", "reasoning",
	"director", "screenwriter", "visual_designer",
}

// Planner performs role emergence for one task.
type Planner struct {
	prov    provider.Provider
	modelID string
}

// New creates a Planner that calls prov/modelID for its single analysis
// completion.
func New(prov provider.Provider, modelID string) *Planner {
	return &Planner{prov: prov, modelID: modelID}
}

// Plan analyzes task and returns a validated Plan with at most 5 roles;
// TruncateRoles drops any beyond 5 and adds a warning when fewer than 2 remain.
func (p *Planner) Plan(ctx context.Context, task string) (*swarmtypes.Plan, error) {
	raw, err := p.callLLM(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("planner: llm call failed: %w", err)
	}

	parsed, err := extractPlanJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("planner: could not extract plan JSON: %w", err)
	}

	plan := parsed.toPlan(task)
	dedupeRoleNames(plan)
	plan.TruncateRoles()

	logging.Logger.Info().Str("planID", plan.ID).Int("roles", len(plan.Roles)).Msg("plan generated")
	return plan, nil
}

func (p *Planner) callLLM(ctx context.Context, task string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2.0
	bo.Reset()
	retry := backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)

	for {
		stream, err := p.prov.CreateCompletion(ctx, &provider.CompletionRequest{
			Model: p.modelID,
			Messages: []*schema.Message{
				{Role: schema.System, Content: roleEmergenceSystemPrompt},
				{Role: schema.User, Content: task},
			},
			Temperature: 0.7, // role emergence benefits from some creativity, per the original
		})
		if err == nil {
			content, recvErr := collectText(stream)
			stream.Close()
			if recvErr == nil {
				return content, nil
			}
			err = recvErr
		}
		next := retry.NextBackOff()
		if next == backoff.Stop {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(next):
		}
	}
}

func collectText(stream *provider.CompletionStream) (string, error) {
	var b strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		b.WriteString(msg.Content)
	}
	return b.String(), nil
}

// dedupeRoleNames folds roles whose names are near-duplicates (edit
// distance <= 2, case-insensitive) into one, keeping the first and merging
// the second's capabilities/deliverables in — the planner occasionally
// emits "Data Analyst" and "Data Analysts" for what is really one role.
func dedupeRoleNames(plan *swarmtypes.Plan) {
	kept := make([]swarmtypes.Role, 0, len(plan.Roles))
	for _, r := range plan.Roles {
		merged := false
		for i := range kept {
			if isNearDuplicate(kept[i].Name, r.Name) {
				kept[i].Capabilities = mergeUnique(kept[i].Capabilities, r.Capabilities)
				kept[i].Deliverables = mergeUnique(kept[i].Deliverables, r.Deliverables)
				merged = true
				break
			}
		}
		if !merged {
			kept = append(kept, r)
		}
	}
	plan.Roles = kept
}

func isNearDuplicate(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	return levenshtein.ComputeDistance(a, b) <= 2
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// planJSON is the wire shape the LLM is asked to produce; field names match
// role_emergence.py's schema (snake_case in the prompt, parsed here).
type planJSON struct {
	Analysis string `json:"analysis"`
	Roles    []struct {
		Name            string   `json:"name"`
		Description     string   `json:"description"`
		Capabilities    []string `json:"capabilities"`
		FocusAreas      []string `json:"focus_areas"`
		ExpertiseLevel  string   `json:"expertise_level"`
		WorkObjective   string   `json:"work_objective"`
		Deliverables    []string `json:"deliverables"`
		Methodology     struct {
			Approach        string   `json:"approach"`
			Steps           []string `json:"steps"`
			ToolsFrameworks []string `json:"tools_and_frameworks"`
			SuccessCriteria []string `json:"success_criteria"`
			QualityMetrics  []string `json:"quality_metrics"`
		} `json:"methodology"`
		AssignedSkills []struct {
			SkillName string `json:"skill_name"`
			Reason    string `json:"reason"`
		} `json:"assigned_skills"`
		SystemPrompt       string   `json:"system_prompt"`
		RelayTriggers      []string `json:"relay_triggers"`
		TaskSegment        string   `json:"task_segment"`
		EmergenceReasoning string   `json:"emergence_reasoning"`
	} `json:"roles"`
	Phases []struct {
		PhaseNumber      int      `json:"phase_number"`
		Name             string   `json:"name"`
		ParticipatingRoles []string `json:"participating_roles"`
		RelayStrategy    string   `json:"relay_strategy"`
		ExpectedOutput   string   `json:"expected_output"`
	} `json:"phases"`
	EstimatedDurationSeconds int    `json:"estimated_duration_seconds"`
	IntegrationStrategy      string `json:"integration_strategy"`
}

func (pj *planJSON) toPlan(task string) *swarmtypes.Plan {
	plan := &swarmtypes.Plan{
		ID:                  ulid.Make().String(),
		Task:                task,
		Analysis:            pj.Analysis,
		EstimatedDurationS:  pj.EstimatedDurationSeconds,
		IntegrationStrategy: pj.IntegrationStrategy,
	}

	for _, r := range pj.Roles {
		role := swarmtypes.Role{
			Name:               r.Name,
			Description:        r.Description,
			Capabilities:       r.Capabilities,
			FocusAreas:         r.FocusAreas,
			Deliverables:       r.Deliverables,
			SystemPrompt:       r.SystemPrompt,
			RelayTriggers:      r.RelayTriggers,
			ExpertiseLevel:     r.ExpertiseLevel,
			WorkObjective:      r.WorkObjective,
			TaskSegment:        r.TaskSegment,
			EmergenceReasoning: r.EmergenceReasoning,
			Methodology: swarmtypes.Methodology{
				Approach:        r.Methodology.Approach,
				Steps:           r.Methodology.Steps,
				Frameworks:      r.Methodology.ToolsFrameworks,
				SuccessCriteria: r.Methodology.SuccessCriteria,
				QualityMetrics:  r.Methodology.QualityMetrics,
			},
		}
		if len(r.RelayTriggers) > 0 {
			role.RelayTriggerHint = r.RelayTriggers[0]
		}
		for _, sk := range r.AssignedSkills {
			role.AssignedSkills = append(role.AssignedSkills, swarmtypes.SkillAssignment{
				SkillName: sk.SkillName,
				Rationale: sk.Reason,
			})
		}
		plan.Roles = append(plan.Roles, role)
	}

	for _, ph := range pj.Phases {
		plan.Phases = append(plan.Phases, swarmtypes.Phase{
			Index:          ph.PhaseNumber,
			Name:           ph.Name,
			RoleRefs:       ph.ParticipatingRoles,
			RelayStrategy:  ph.RelayStrategy,
			ExpectedOutput: ph.ExpectedOutput,
		})
	}

	return plan
}

// extractPlanJSON runs the fenced-block -> any-fenced-block ->
// brace-balanced-scan -> raw cascade against free-form LLM output.
func extractPlanJSON(raw string) (*planJSON, error) {
	candidates := []string{
		extractFencedBlock(raw, "```json"),
		extractFencedBlock(raw, "```"),
		extractBraceBalanced(raw),
		raw,
	}
	var lastErr error
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		var pj planJSON
		if err := json.Unmarshal([]byte(c), &pj); err == nil && len(pj.Roles) > 0 {
			return &pj, nil
		} else if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON object with a non-empty roles array found")
	}
	return nil, lastErr
}

func extractFencedBlock(s, fence string) string {
	start := strings.Index(s, fence)
	if start < 0 {
		return ""
	}
	rest := s[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// extractBraceBalanced scans for the first top-level balanced {...} span,
// tolerating braces inside string literals.
func extractBraceBalanced(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
