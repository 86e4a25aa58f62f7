// Package policy decides what happens when the agent asks to use a tool:
// auto-allow, auto-deny, or surface the decision to the client as an OpenAI
// function tool call (passthrough).
package policy

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/guibros/companion-bridge/internal/common/logger"
)

// Action is the outcome of a policy decision.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionDeny        Action = "deny"
	ActionPassthrough Action = "passthrough"
)

// Rule matches a tool-use request. Tool "*" matches any tool; the optional
// InputContains constraint matches against the JSON serialization of the
// tool input.
type Rule struct {
	Tool          string `json:"tool"`
	Action        Action `json:"action"`
	InputContains string `json:"input_contains,omitempty"`
}

// Engine evaluates an ordered rule list, first match wins.
type Engine struct {
	rules  []Rule
	logger *logger.Logger
}

// defaultRules returns the built-in rule list. Read-only tools are always
// allowed; the catch-all depends on the global tool mode.
func defaultRules(mode string) []Rule {
	catchAll := ActionAllow
	if strings.EqualFold(mode, "passthrough") {
		catchAll = ActionPassthrough
	}
	return []Rule{
		{Tool: "Read", Action: ActionAllow},
		{Tool: "Glob", Action: ActionAllow},
		{Tool: "Grep", Action: ActionAllow},
		{Tool: "WebSearch", Action: ActionAllow},
		{Tool: "Task", Action: ActionAllow},
		{Tool: "*", Action: catchAll},
	}
}

// NewEngine builds an engine from the TOOL_POLICY JSON override, falling back
// to the defaults for the given tool mode when the override is empty or
// malformed.
func NewEngine(policyJSON, mode string, log *logger.Logger) *Engine {
	e := &Engine{
		rules:  defaultRules(mode),
		logger: log.WithFields(zap.String("component", "tool-policy")),
	}

	if policyJSON == "" {
		return e
	}

	var rules []Rule
	if err := json.Unmarshal([]byte(policyJSON), &rules); err != nil {
		e.logger.Warn("malformed tool policy, using defaults", zap.Error(err))
		return e
	}
	if !validRules(rules) {
		e.logger.Warn("invalid tool policy rules, using defaults")
		return e
	}

	e.rules = rules
	e.logger.Info("loaded tool policy override", zap.Int("rules", len(rules)))
	return e
}

func validRules(rules []Rule) bool {
	if len(rules) == 0 {
		return false
	}
	for _, r := range rules {
		if r.Tool == "" {
			return false
		}
		switch r.Action {
		case ActionAllow, ActionDeny, ActionPassthrough:
		default:
			return false
		}
	}
	return true
}

// Decide evaluates the rule list top to bottom and returns the first match.
// With no matching rule the decision is allow.
func (e *Engine) Decide(toolName string, input map[string]interface{}) Action {
	var serialized string
	for _, r := range e.rules {
		if r.Tool != "*" && !strings.EqualFold(r.Tool, toolName) {
			continue
		}
		if r.InputContains != "" {
			if serialized == "" {
				raw, err := json.Marshal(input)
				if err != nil {
					continue
				}
				serialized = string(raw)
			}
			if !strings.Contains(serialized, r.InputContains) {
				continue
			}
		}
		return r.Action
	}
	return ActionAllow
}

// Rules returns a copy of the active rule list for diagnostics.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}
