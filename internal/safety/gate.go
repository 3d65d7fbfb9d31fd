// Package safety decides Allow, Deny or AskPermission for every proposed
// action before it runs. Rules are data: a JSON profile whose conditions are
// CEL expressions compiled once at load time.
package safety

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/nidhogg/copartner/internal/config"
)

var (
	// ErrSafetyDenied is terminal for the session that proposed the action.
	ErrSafetyDenied = errors.New("safety denied")
	// ErrPermissionPending is a suspension signal, not a failure.
	ErrPermissionPending = errors.New("permission pending")
)

// Verdict is the outcome of one evaluation.
type Verdict string

const (
	Allow         Verdict = "allow"
	Deny          Verdict = "deny"
	AskPermission Verdict = "ask"
)

func (v Verdict) valid() bool {
	return v == Allow || v == Deny || v == AskPermission
}

// Action is one proposed plan step as the gate sees it.
type Action struct {
	Kind        string            `json:"kind"`
	Description string            `json:"description"`
	Target      string            `json:"target,omitempty"`
	SideEffect  bool              `json:"side_effect"`
	Network     bool              `json:"network"`
	Params      map[string]string `json:"params,omitempty"`
}

func (a Action) activation(mode config.Mode) map[string]any {
	params := make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		params[k] = v
	}
	return map[string]any{
		"action": map[string]any{
			"kind":        a.Kind,
			"description": a.Description,
			"target":      a.Target,
			"side_effect": a.SideEffect,
			"network":     a.Network,
			"params":      params,
		},
		"mode": string(mode),
	}
}

// Decision is a verdict with the reason and the rule that produced it.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
	Rule    string  `json:"rule,omitempty"`
}

// Err maps the decision onto the error taxonomy. Allow yields nil.
func (d Decision) Err() error {
	switch d.Verdict {
	case Deny:
		return fmt.Errorf("%w: %s", ErrSafetyDenied, d.Reason)
	case AskPermission:
		return fmt.Errorf("%w: %s", ErrPermissionPending, d.Reason)
	}
	return nil
}

// Rule matches actions by kind and an optional CEL condition over
// `action` and `mode`.
type Rule struct {
	Name   string   `json:"name"`
	Kinds  []string `json:"kinds,omitempty"`
	When   string   `json:"when,omitempty"`
	Effect Verdict  `json:"effect"`
	Reason string   `json:"reason"`

	prg cel.Program
}

func (r *Rule) matchesKind(kind string) bool {
	if len(r.Kinds) == 0 {
		return true
	}
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
		if strings.HasSuffix(k, ".*") && strings.HasPrefix(kind, strings.TrimSuffix(k, "*")) {
			return true
		}
	}
	return false
}

// RuleSet is one named profile.
type RuleSet struct {
	Profile string  `json:"profile"`
	Rules   []Rule  `json:"rules"`
	Default Verdict `json:"default"`
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("mode", cel.StringType),
	)
}

// Compile checks every rule and prepares its condition. It must be called
// before Evaluate; Load and Parse do it for you.
func (rs *RuleSet) Compile() error {
	if rs.Default == "" {
		rs.Default = Allow
	}
	if !rs.Default.valid() {
		return fmt.Errorf("profile %s: invalid default %q", rs.Profile, rs.Default)
	}
	env, err := newEnv()
	if err != nil {
		return fmt.Errorf("create CEL environment: %w", err)
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule_%d", i)
		}
		if !r.Effect.valid() {
			return fmt.Errorf("profile %s rule %s: invalid effect %q", rs.Profile, r.Name, r.Effect)
		}
		if r.When == "" {
			continue
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("profile %s rule %s: invalid condition: %w", rs.Profile, r.Name, issues.Err())
		}
		if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
			return fmt.Errorf("profile %s rule %s: condition must be boolean, got %s", rs.Profile, r.Name, ot)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("profile %s rule %s: %w", rs.Profile, r.Name, err)
		}
		r.prg = prg
	}
	return nil
}

// Evaluate is the gate. It is pure: the same action, mode and rule set
// always give the same decision, and nothing is cached between calls.
//
// Built-in guards run first and cannot be overridden by a profile.
func Evaluate(a Action, mode config.Mode, rs *RuleSet) Decision {
	if a.Network && mode == config.ModeOfflineOnly {
		return Decision{Verdict: Deny, Reason: "network access is not allowed in offline_only mode", Rule: "builtin.offline_network"}
	}
	if p := firstDangerous(a); p != "" {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("action contains blocked pattern %q", p), Rule: "builtin.firewall"}
	}
	if rs == nil {
		return Decision{Verdict: Deny, Reason: "no safety rules loaded", Rule: "builtin.no_rules"}
	}

	var vars map[string]any
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.matchesKind(a.Kind) {
			continue
		}
		if r.prg != nil {
			if vars == nil {
				vars = a.activation(mode)
			}
			out, _, err := r.prg.Eval(vars)
			if err != nil {
				// a condition that cannot be evaluated fails closed
				return Decision{Verdict: Deny, Reason: fmt.Sprintf("rule %s failed to evaluate: %v", r.Name, err), Rule: r.Name}
			}
			if matched, ok := out.Value().(bool); !ok || !matched {
				continue
			}
		}
		return Decision{Verdict: r.Effect, Reason: r.Reason, Rule: r.Name}
	}
	return Decision{Verdict: rs.Default, Rule: "default"}
}

func firstDangerous(a Action) string {
	if p := Dangerous(a.Description); p != "" {
		return p
	}
	if p := Dangerous(a.Target); p != "" {
		return p
	}
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if p := Dangerous(a.Params[k]); p != "" {
			return p
		}
	}
	return ""
}
