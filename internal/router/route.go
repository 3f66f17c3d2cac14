package router

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/zulandar/agentbus/internal/observability"
	"github.com/zulandar/agentbus/internal/protocol"
	"github.com/zulandar/agentbus/internal/registry"
	"go.opentelemetry.io/otel/attribute"
)

// Result is the outcome of one routing attempt. Its durable trace is the
// Decision message, a routing.decision or routing.failure.
type Result struct {
	Success       bool
	SelectedAgent string
	Candidates    []string
	Scores        map[string]float64
	Reason        string
	Decision      *protocol.Message
}

// DecisionPayload is the payload of a routing.decision message.
type DecisionPayload struct {
	Selected   string             `json:"selected"`
	Candidates []string           `json:"candidates"`
	Reason     string             `json:"reason"`
	Scores     map[string]float64 `json:"scores"`
}

// FailurePayload is the payload of a routing.failure message.
type FailurePayload struct {
	OriginalMessageID string   `json:"original_message_id"`
	Requires          []string `json:"requires"`
	Prefers           []string `json:"prefers"`
	Reason            string   `json:"reason"`
}

// exclusions counts candidates dropped by each hard filter.
type exclusions struct {
	unavailable  int
	notSandboxed int
	missingTools int
}

// Route picks the best eligible agent for msg and appends a
// routing.decision addressed to it. When no agent is eligible it appends
// a routing.failure and returns Success=false with a nil error; only
// storage errors are returned as errors.
func (r *Router) Route(ctx context.Context, msg *protocol.Message) (*Result, error) {
	start := r.now()
	ctx, span := observability.StartSpan(ctx, "router.route",
		attribute.String("message.id", msg.ID),
		attribute.StringSlice("requires", msg.Requires),
	)
	defer span.End()

	candidates := r.reg.FindByCapabilities(msg.Requires, msg.Prefers)
	eligible, ex := r.filter(candidates, msg)

	if len(eligible) == 0 {
		reason := failureReason(msg.Requires, len(candidates), ex, msg.ToolAllowlist())
		res, err := r.fail(ctx, msg, reason)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		r.metrics.RoutingDecision("failed", r.now().Sub(start))
		r.logger.Warn("routing failed", "message_id", msg.ID, "run_id", msg.RunID, "reason", reason)
		return res, nil
	}

	best := eligible[0]
	ids := make([]string, len(eligible))
	scores := make(map[string]float64, len(eligible))
	for i, c := range eligible {
		ids[i] = c.Agent.ID
		scores[c.Agent.ID] = c.Score
	}
	reason := successReason(best, msg.Requires, msg.Prefers)

	decision, err := r.audit(ctx, msg, protocol.TypeRoutingDecision, []string{best.Agent.ID}, DecisionPayload{
		Selected:   best.Agent.ID,
		Candidates: ids,
		Reason:     reason,
		Scores:     scores,
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("selected", best.Agent.ID))
	r.metrics.RoutingDecision("selected", r.now().Sub(start))
	r.logger.Info("message routed", "message_id", msg.ID, "run_id", msg.RunID, "agent_id", best.Agent.ID, "reason", reason)

	return &Result{
		Success:       true,
		SelectedAgent: best.Agent.ID,
		Candidates:    ids,
		Scores:        scores,
		Reason:        reason,
		Decision:      decision,
	}, nil
}

// filter applies the hard filters, keeping candidate order.
func (r *Router) filter(candidates []registry.Candidate, msg *protocol.Message) ([]registry.Candidate, exclusions) {
	var ex exclusions
	sandbox := msg.RequiresSandbox()
	allow := msg.ToolAllowlist()

	out := make([]registry.Candidate, 0, len(candidates))
	for _, c := range candidates {
		switch {
		case !r.reg.IsAvailable(c.Agent.ID):
			ex.unavailable++
		case sandbox && !c.Agent.Security.Sandbox:
			ex.notSandboxed++
		case len(allow) > 0 && !coversTools(c.Agent, allow):
			ex.missingTools++
		default:
			out = append(out, c)
		}
	}
	return out, ex
}

func coversTools(card registry.AgentCard, allow []string) bool {
	have := card.Tools()
	for _, t := range allow {
		if !have[t] {
			return false
		}
	}
	return true
}

func (r *Router) fail(ctx context.Context, msg *protocol.Message, reason string) (*Result, error) {
	failure, err := r.audit(ctx, msg, protocol.TypeRoutingFailure, nil, FailurePayload{
		OriginalMessageID: msg.ID,
		Requires:          nonNil(msg.Requires),
		Prefers:           nonNil(msg.Prefers),
		Reason:            reason,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Success: false, Candidates: []string{}, Scores: map[string]float64{}, Reason: reason, Decision: failure}, nil
}

// audit builds and appends a routing message about msg.
func (r *Router) audit(ctx context.Context, msg *protocol.Message, t protocol.MessageType, to []string, payload any) (*protocol.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("router: encode %s payload: %w", t, err)
	}
	out, err := protocol.CreateMessage(protocol.Input{
		ThreadID:     msg.ThreadID,
		RunID:        msg.RunID,
		TaskID:       msg.TaskID,
		ParentTaskID: msg.ParentTaskID,
		Trace:        msg.Trace,
		From:         AgentID,
		To:           to,
		Type:         t,
		Domain:       msg.Domain,
		PayloadType:  string(t),
		Payload:      body,
	})
	if err != nil {
		return nil, fmt.Errorf("router: build %s: %w", t, err)
	}
	if _, err := r.store.Append(ctx, out); err != nil {
		return nil, fmt.Errorf("router: record %s for %s: %w", t, msg.ID, err)
	}
	return out, nil
}

// successReason lists the matched requires, the overlapping prefers and a
// coarse load bucket.
func successReason(c registry.Candidate, requires, prefers []string) string {
	var parts []string
	if len(requires) > 0 {
		parts = append(parts, "matched requires: "+strings.Join(requires, ", "))
	}
	var overlap []string
	for _, p := range prefers {
		if slices.Contains(c.MatchedCapabilities, p) {
			overlap = append(overlap, p)
		}
	}
	if len(overlap) > 0 {
		parts = append(parts, "prefers overlap: "+strings.Join(overlap, ", "))
	}
	switch {
	case c.Load < 0.5:
		parts = append(parts, "lowest load")
	case c.Load < 0.8:
		parts = append(parts, "moderate load")
	}
	if len(parts) == 0 {
		return "selected highest-scored available agent"
	}
	return strings.Join(parts, "; ")
}

func failureReason(requires []string, matched int, ex exclusions, tools []string) string {
	if matched == 0 {
		if len(requires) == 0 {
			return "no registered agents"
		}
		return "no registered agent has required capabilities: " + strings.Join(requires, ", ")
	}
	var parts []string
	if ex.unavailable > 0 {
		parts = append(parts, fmt.Sprintf("%d unavailable", ex.unavailable))
	}
	if ex.notSandboxed > 0 {
		parts = append(parts, fmt.Sprintf("%d not sandboxed", ex.notSandboxed))
	}
	if ex.missingTools > 0 {
		parts = append(parts, fmt.Sprintf("%d missing tools (%s)", ex.missingTools, strings.Join(tools, ", ")))
	}
	return fmt.Sprintf("all %d capable agents excluded: %s", matched, strings.Join(parts, ", "))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
