package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/skill"
)

const (
	minSteps = 3
	maxSteps = 7
)

type stepTemplate struct {
	action      string
	description string
	params      map[string]string
}

var templates = map[intent.Kind][]stepTemplate{
	intent.Converse: {
		{action: "memory.recall", description: "recall related memory"},
		{action: "reply.draft", description: "draft a reply"},
		{action: "reply.verify", description: "verify the draft"},
		{action: "reply.deliver", description: "deliver the reply"},
	},
	intent.Recall: {
		{action: "memory.recall", description: "search memory"},
		{action: "recall.compose", description: "compose the answer"},
		{action: "reply.deliver", description: "deliver the reply"},
	},
	intent.StoreFact: {
		{action: "fact.normalize", description: "normalize the fact"},
		{action: "memory.dedup_check", description: "check long-term memory for the fact"},
		{action: "memory.stage", description: "write long_term fact", params: map[string]string{"tier": "long_term"}},
		{action: "reply.deliver", description: "confirm"},
	},
	intent.SwitchMode: {
		{action: "mode.check", description: "check the requested mode"},
		{action: "mode.switch", description: "switch mode"},
		{action: "reply.deliver", description: "confirm"},
	},
	intent.CreateTopic: {
		{action: "topic.check", description: "look up the topic"},
		{action: "topic.create", description: "create the topic vault"},
		{action: "topic.open", description: "open the topic"},
		{action: "reply.deliver", description: "confirm"},
	},
	intent.OpenTopic: {
		{action: "topic.check", description: "look up the topic"},
		{action: "topic.open", description: "open the topic"},
		{action: "reply.deliver", description: "confirm"},
	},
	intent.ArchiveTopic: {
		{action: "topic.check", description: "look up the topic"},
		{action: "topic.archive", description: "archive the topic"},
		{action: "reply.deliver", description: "confirm"},
	},
	intent.PurgeMemory: {
		{action: "memory.lookup", description: "find the record"},
		{action: "memory.purge", description: "purge the record"},
		{action: "reply.deliver", description: "confirm"},
	},
	intent.SwitchProfile: {
		{action: "profile.check", description: "check the requested profile"},
		{action: "safety.profile", description: "switch the safety profile"},
		{action: "reply.deliver", description: "confirm"},
	},
	intent.ClarificationNeeded: {
		{action: "clarify.analyze", description: "work out what is unclear"},
		{action: "clarify.ask", description: "ask for clarification"},
		{action: "reply.deliver", description: "deliver the question"},
	},
}

// skillActions are the only actions an inferred skill plan may use.
var skillActions = map[string]bool{
	"memory.recall": true, "skill.invoke": true, "reply.draft": true,
	"reply.verify": true, "reply.deliver": true,
}

// Planner turns an intent into 3 to 7 steps.
type Planner struct {
	actions *ActionRegistry
	skills  *skill.Manager
	infer   func(ctx context.Context, system, prompt string) (string, error)
}

// Plan builds the steps for in. adjust carries the reason a previous
// attempt failed its check, or "".
func (p *Planner) Plan(ctx context.Context, in intent.Intent, mode config.Mode, adjust string) ([]Step, error) {
	var tmpl []stepTemplate
	if in.Kind == intent.RunSkill {
		var err error
		if tmpl, err = p.skillPlan(ctx, in, mode); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if tmpl, ok = templates[in.Kind]; !ok {
			return nil, fmt.Errorf("%w: no plan for intent %q", ErrPlanGenerationFailed, in.Kind)
		}
	}
	return p.build(tmpl, in, adjust)
}

func (p *Planner) build(tmpl []stepTemplate, in intent.Intent, adjust string) ([]Step, error) {
	if len(tmpl) < minSteps || len(tmpl) > maxSteps {
		return nil, fmt.Errorf("%w: plan has %d steps", ErrPlanGenerationFailed, len(tmpl))
	}
	steps := make([]Step, 0, len(tmpl))
	for i, t := range tmpl {
		def, _, ok := p.actions.Lookup(t.action)
		if !ok {
			return nil, fmt.Errorf("%w: unknown action %q", ErrPlanGenerationFailed, t.action)
		}
		params := make(map[string]string, len(t.params)+2)
		for k, v := range t.params {
			params[k] = v
		}
		st := Step{
			Index:       i,
			Action:      t.action,
			Description: t.description,
			Params:      params,
			SideEffect:  def.SideEffect,
			Network:     def.Network,
		}
		switch t.action {
		case "mode.switch":
			params["mode"] = in.Slot("mode")
		case "topic.create", "topic.open", "topic.archive":
			params["target"] = in.Slot("title")
		case "memory.purge":
			params["target"] = in.Slot("target")
		case "safety.profile":
			params["target"] = in.Slot("profile")
		case "skill.invoke":
			if params["skill"] == "" {
				params["skill"] = in.Slot("skill")
			}
			if p.skills != nil {
				if s := p.skills.Get(params["skill"]); s != nil {
					st.SideEffect = st.SideEffect || s.SideEffect
					st.Network = st.Network || s.Network
				}
			}
		case "reply.draft":
			if adjust != "" {
				params["adjust"] = adjust
			}
		}
		if st.Description == "" {
			st.Description = def.Description
		}
		steps = append(steps, st)
	}
	return steps, nil
}

type inferredStep struct {
	Action      string            `json:"action"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params"`
}

func (p *Planner) skillPlan(ctx context.Context, in intent.Intent, mode config.Mode) ([]stepTemplate, error) {
	if p.skills == nil {
		return nil, fmt.Errorf("%w: no skills loaded", ErrPlanGenerationFailed)
	}
	s := p.skills.Get(in.Slot("skill"))
	if s == nil {
		return nil, fmt.Errorf("%w: unknown skill %q", ErrPlanGenerationFailed, in.Slot("skill"))
	}

	system := "You plan the steps of an assistant task. Respond with a JSON array only. " +
		"Each element is {\"action\": ..., \"description\": ..., \"params\": {...}}. " +
		fmt.Sprintf("Use between %d and %d steps. Allowed actions: memory.recall, skill.invoke, "+
			"reply.draft, reply.verify, reply.deliver. The last step must be reply.deliver. ", minSteps, maxSteps) +
		fmt.Sprintf("The operating mode is %s.\n\n", mode) +
		skill.FormatSkillPrompt([]*skill.Skill{s})
	raw, err := p.infer(ctx, system, fmt.Sprintf("Skill: %s\nRequest: %s", s.ID, in.Text))
	if err != nil {
		var capErr *provider.CapabilityError
		if errors.As(err, &capErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPlanGenerationFailed, err)
	}

	var inferred []inferredStep
	if err := json.Unmarshal([]byte(extractJSON(raw)), &inferred); err != nil {
		return nil, fmt.Errorf("%w: unparseable plan: %v", ErrPlanGenerationFailed, err)
	}
	if len(inferred) == 0 || inferred[len(inferred)-1].Action != "reply.deliver" {
		return nil, fmt.Errorf("%w: plan does not end with reply.deliver", ErrPlanGenerationFailed)
	}
	out := make([]stepTemplate, 0, len(inferred))
	for _, st := range inferred {
		if !skillActions[st.Action] {
			return nil, fmt.Errorf("%w: action %q not allowed in a skill plan", ErrPlanGenerationFailed, st.Action)
		}
		params := st.Params
		if st.Action == "skill.invoke" {
			// the model cannot redirect a step to another skill
			params = map[string]string{"skill": s.ID}
		}
		out = append(out, stepTemplate{action: st.Action, description: st.Description, params: params})
	}
	return out, nil
}

// extractJSON strips markdown fences and leading prose around a JSON array.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
