// Package policy implements the two request gates consulted around the LLM:
// the policy gateway (budget, rate, tenant, and intent allowlists) and the
// content guardrails. Both produce allow/block decisions with a reason; the
// pipeline turns a pre-LLM block into a fixed safe reply, never a failed run.
package policy

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/pkg/provider/llm"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// Checkpoint identifies where in the run a gate was consulted.
type Checkpoint string

const (
	CheckpointPreLLM     Checkpoint = "pre_llm"
	CheckpointPreAction  Checkpoint = "pre_action"
	CheckpointPostAction Checkpoint = "post_action"
)

// Decision is the outcome of one gate evaluation.
type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
)

// SafeReply is the assistant message substituted when policy blocks a turn
// at pre_llm. The turn still completes normally from the client's view.
const SafeReply = "Sorry — I can't help with that."

// Result is one gate decision with its context.
type Result struct {
	Checkpoint Checkpoint
	Decision   Decision
	Reason     string
	Intent     string
}

// Allowed reports whether the decision permits the operation.
func (r Result) Allowed() bool { return r.Decision == Allow }

// EventEmitter receives policy.decision and guardrails.decision events.
type EventEmitter interface {
	Emit(eventType string, data map[string]any)
}

// intentRule is one entry of the per-intent allowlist configuration.
type intentRule struct {
	Actions   []string `json:"actions"`
	Artifacts []string `json:"artifacts"`
}

// Gateway evaluates budget, rate, tenant, and intent rules. All methods are
// safe for concurrent use; rate state is process-global per session.
type Gateway struct {
	cfg         config.PolicyConfig
	intentRules map[string]intentRule

	mu      sync.Mutex
	windows map[string]*rateWindow
}

// NewGateway builds a Gateway from configuration. Malformed IntentRulesJSON
// is rejected so a typo cannot silently disable intent rules.
func NewGateway(cfg config.PolicyConfig) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		windows: make(map[string]*rateWindow),
	}
	if cfg.IntentRulesJSON != "" {
		if err := json.Unmarshal([]byte(cfg.IntentRulesJSON), &g.intentRules); err != nil {
			return nil, fmt.Errorf("policy: parse intent rules: %w", err)
		}
	}
	return g, nil
}

// CheckPreLLM runs the pre-LLM checks in order: tenant, rate, then prompt
// budget. The first failing check decides; every call emits exactly one
// policy.decision event.
func (g *Gateway) CheckPreLLM(id types.Identity, messages []types.Message, em EventEmitter) Result {
	res := g.preLLM(id, messages)
	emitDecision(em, "policy.decision", res)
	if em != nil && !res.Allowed() {
		switch {
		case strings.HasPrefix(res.Reason, "budget."):
			em.Emit("policy.budget.exceeded", map[string]any{"reason": res.Reason})
		case strings.HasPrefix(res.Reason, "tenant."):
			em.Emit("policy.tenant.denied", map[string]any{"reason": res.Reason, "org_id": id.OrgID})
		}
	}
	return res
}

func (g *Gateway) preLLM(id types.Identity, messages []types.Message) Result {
	if !g.cfg.GatewayEnabled {
		return Result{Checkpoint: CheckpointPreLLM, Decision: Allow, Reason: "gateway_disabled"}
	}

	if g.cfg.RequireOrg && id.OrgID == "" {
		return Result{Checkpoint: CheckpointPreLLM, Decision: Block, Reason: "tenant.missing_org"}
	}
	if len(g.cfg.AllowedOrgs) > 0 && !slices.Contains(g.cfg.AllowedOrgs, id.OrgID) {
		return Result{Checkpoint: CheckpointPreLLM, Decision: Block, Reason: "tenant.org_not_allowed"}
	}

	if g.cfg.MaxRunsPerMinute > 0 && !g.admitRun(id.SessionID, time.Now()) {
		return Result{Checkpoint: CheckpointPreLLM, Decision: Block, Reason: "rate.runs_per_minute_exceeded"}
	}

	if g.cfg.LLMMaxTokens > 0 {
		if est := llm.EstimateTokens(messages); est > g.cfg.LLMMaxTokens {
			return Result{
				Checkpoint: CheckpointPreLLM,
				Decision:   Block,
				Reason:     fmt.Sprintf("budget.prompt_tokens_exceeded: %d > %d", est, g.cfg.LLMMaxTokens),
			}
		}
	}

	return Result{Checkpoint: CheckpointPreLLM, Decision: Allow, Reason: "ok"}
}

// CheckAction gates one agent-emitted action type at pre_action or
// post_action. Intent-specific rules take precedence over the global
// allowlist.
func (g *Gateway) CheckAction(checkpoint Checkpoint, intent, actionType string, em EventEmitter) Result {
	res := g.checkAllowlist(checkpoint, intent, actionType, g.cfg.AllowlistActions, func(r intentRule) []string { return r.Actions })
	emitDecision(em, "policy.decision", res)
	return res
}

// CheckArtifact gates one agent-emitted artifact type.
func (g *Gateway) CheckArtifact(checkpoint Checkpoint, intent, artifactType string, em EventEmitter) Result {
	res := g.checkAllowlist(checkpoint, intent, artifactType, g.cfg.AllowlistArtifacts, func(r intentRule) []string { return r.Artifacts })
	emitDecision(em, "policy.decision", res)
	return res
}

func (g *Gateway) checkAllowlist(checkpoint Checkpoint, intent, typ string, global []string, pick func(intentRule) []string) Result {
	res := Result{Checkpoint: checkpoint, Decision: Allow, Reason: "ok", Intent: intent}
	if !g.cfg.GatewayEnabled {
		res.Reason = "gateway_disabled"
		return res
	}

	if rule, ok := g.intentRules[intent]; ok {
		if allowed := pick(rule); len(allowed) > 0 && !slices.Contains(allowed, typ) {
			res.Decision = Block
			res.Reason = fmt.Sprintf("type %q not allowed for intent %q", typ, intent)
			return res
		}
	}
	if len(global) > 0 && !slices.Contains(global, typ) {
		res.Decision = Block
		res.Reason = fmt.Sprintf("type %q not in allowlist", typ)
	}
	return res
}

// rateWindow is a fixed one-minute window counter.
type rateWindow struct {
	start time.Time
	count int
}

// admitRun counts one run against the session's window and reports whether
// it fits under the cap.
func (g *Gateway) admitRun(sessionID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.windows[sessionID]
	if w == nil || now.Sub(w.start) >= time.Minute {
		w = &rateWindow{start: now}
		g.windows[sessionID] = w
	}
	if w.count >= g.cfg.MaxRunsPerMinute {
		return false
	}
	w.count++
	return true
}

func emitDecision(em EventEmitter, eventType string, res Result) {
	if em == nil {
		return
	}
	data := map[string]any{
		"checkpoint": string(res.Checkpoint),
		"decision":   string(res.Decision),
		"reason":     res.Reason,
	}
	if res.Intent != "" {
		data["intent"] = res.Intent
	}
	em.Emit(eventType, data)
}
