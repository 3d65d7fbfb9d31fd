package skill

// RegisterBuiltins adds the default built-in skills to the manager.
func RegisterBuiltins(mgr *Manager) {
	builtins := []*Skill{
		{
			ID:          "summarize_topic",
			Name:        "summarize_topic",
			Description: "Summarize what the active topic vault knows",
			PromptFragment: "Summarize the notes, research findings and build configs you are given. " +
				"Group related items, keep concrete values verbatim and flag contradictions.",
			Triggers: []string{"summarize this topic", "summarise this topic", "topic summary"},
			Source:   "builtin",
		},
		{
			ID:          "research_note",
			Name:        "research_note",
			Description: "Turn a finding into a structured research note",
			PromptFragment: "Rewrite the user's finding as a short research note: one-line claim, " +
				"supporting detail, and open questions. Do not invent sources.",
			Triggers: []string{"log this finding", "research note"},
			Source:   "builtin",
		},
		{
			ID:          "study_plan",
			Name:        "study_plan",
			Description: "Break a learning goal into practice sessions",
			PromptFragment: "Break the goal into three to five practice sessions with a concrete " +
				"exercise each. Prefer material already in memory.",
			Triggers: []string{"make a study plan", "plan my practice"},
			Source:   "builtin",
		},
		{
			ID:          "web_lookup",
			Name:        "web_lookup",
			Description: "Look something up on the internet",
			PromptFragment: "Answer using current information from the web and say which parts " +
				"you could not verify.",
			Triggers: []string{"look up", "search the web"},
			Network:  true,
			Source:   "builtin",
		},
	}
	for _, s := range builtins {
		mgr.Add(s)
	}
}
