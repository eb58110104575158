// Package policy evaluates tool-permission requests against user-defined
// rules. Rules are CEL expressions over the requesting tool and its input;
// the first matching rule decides. Anything no rule matches is escalated to
// a human.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// Action is what a matched rule does with a permission request.
type Action string

const (
	// ActionAllow approves the request without asking anyone.
	ActionAllow Action = "allow"
	// ActionDeny rejects the request without asking anyone.
	ActionDeny Action = "deny"
	// ActionAsk escalates the request to an interactive consumer.
	ActionAsk Action = "ask"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return true
	}
	return false
}

// Rule pairs a CEL condition with the action taken when it holds. The
// expression sees two variables: `tool` (string) and `input` (map).
type Rule struct {
	// Name identifies the rule in logs.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Expr is the CEL condition, e.g. `tool == "Bash" && input.command.startsWith("git ")`.
	Expr string `yaml:"expr" json:"expr"`
	// Action taken when Expr evaluates to true.
	Action Action `yaml:"action" json:"action"`
	// Message is attached to denials so the agent learns why.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Verdict is the outcome of evaluating one permission request.
type Verdict struct {
	Action  Action
	Message string
	// Rule names the deciding rule, empty for the default.
	Rule string
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Engine holds compiled rules. Safe for concurrent use.
type Engine struct {
	rules  []compiledRule
	logger *slog.Logger
}

// New compiles the rule set. Rules keep their order; the first match wins.
func New(rules []Rule, logger *slog.Logger) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Expr == "" {
			return nil, fmt.Errorf("rule %d (%s): expression is required", i, r.Name)
		}
		if !r.Action.Valid() {
			return nil, fmt.Errorf("rule %d (%s): unknown action %q", i, r.Name, r.Action)
		}

		ast, iss := env.Compile(r.Expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %d (%s): expression must be boolean, got %s", i, r.Name, ast.OutputType())
		}

		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: r, program: prg})
	}

	return &Engine{rules: compiled, logger: logger}, nil
}

// Evaluate runs the rules against one permission request. A rule whose
// evaluation errors (a missing field, a type mismatch) is skipped, so a
// brittle rule can never silently approve or reject. With no match the
// verdict is ActionAsk.
func (e *Engine) Evaluate(tool string, input json.RawMessage) Verdict {
	inputMap := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inputMap); err != nil && e.logger != nil {
			e.logger.Warn("tool input is not a JSON object, rules see an empty input",
				"tool", tool,
				"error", err)
		}
	}

	activation := map[string]any{
		"tool":  tool,
		"input": inputMap,
	}

	for _, cr := range e.rules {
		out, _, err := cr.program.Eval(activation)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("rule evaluation failed, skipping",
					"rule", cr.rule.Name,
					"tool", tool,
					"error", err)
			}
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}

		if e.logger != nil {
			e.logger.Debug("rule matched",
				"rule", cr.rule.Name,
				"tool", tool,
				"action", cr.rule.Action)
		}
		return Verdict{Action: cr.rule.Action, Message: cr.rule.Message, Rule: cr.rule.Name}
	}

	return Verdict{Action: ActionAsk}
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int {
	return len(e.rules)
}
