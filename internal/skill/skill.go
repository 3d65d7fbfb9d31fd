package skill

// Skill is a prompt-driven capability the reasoning loop can plan around.
// Skills never run code: they contribute a prompt fragment to plan
// generation and to the skill.invoke action.
type Skill struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	PromptFragment string   `json:"prompt_fragment"`
	Triggers       []string `json:"triggers,omitempty"`
	// SideEffect marks skills whose output changes something outside the
	// conversation; the safety gate sees it on every skill.invoke step.
	SideEffect bool   `json:"side_effect,omitempty"`
	Network    bool   `json:"network,omitempty"`
	Source     string `json:"source"` // "builtin", "plugin"
}
