package skill

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Manager holds the skill pool.
// All operations are thread-safe.
type Manager struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewManager creates an empty Manager ready for use.
func NewManager() *Manager {
	return &Manager{
		skills: make(map[string]*Skill),
	}
}

// Add registers a skill in the pool, replacing one with the same ID.
func (m *Manager) Add(s *Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills[s.ID] = s
}

// Get returns a skill by ID, or nil if not found.
func (m *Manager) Get(id string) *Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skills[id]
}

// All returns every skill sorted by ID.
func (m *Manager) All() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns the skill whose trigger phrase appears in text. The longest
// trigger wins so "summarize this topic" beats a shorter overlapping phrase.
func (m *Manager) Match(text string) (*Skill, string) {
	lowered := strings.ToLower(text)
	var best *Skill
	var bestTrigger string
	for _, s := range m.All() {
		for _, t := range s.Triggers {
			if strings.Contains(lowered, strings.ToLower(t)) && len(t) > len(bestTrigger) {
				best, bestTrigger = s, t
			}
		}
	}
	return best, bestTrigger
}

// FormatSkillPrompt formats a slice of skills into a markdown block suitable
// for injection into a planning prompt.
func FormatSkillPrompt(skills []*Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available Skills\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "\n### %s\n%s\n", s.Name, s.Description)
		if s.PromptFragment != "" {
			fmt.Fprintf(&b, "\n%s\n", s.PromptFragment)
		}
	}
	return b.String()
}
