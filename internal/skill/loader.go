package skill

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidSkill marks a plugin definition the pool refuses.
var ErrInvalidSkill = errors.New("invalid skill")

var skillID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// LoadFromDir scans dir for plugin subdirectories holding a skill.json and
// an optional prompt.md that replaces prompt_fragment. Invalid or duplicate
// definitions are skipped and reported in the joined error; the valid ones
// are still returned. A missing dir loads nothing.
func LoadFromDir(dir string) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skill directory %s: %w", dir, err)
	}

	var (
		skills []*Skill
		errs   []error
		seen   = make(map[string]string)
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := loadSkillFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("skill %s: %w", entry.Name(), err))
			continue
		}
		if s == nil {
			continue
		}
		if first, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("skill %s: %w: id %q already defined by %s", entry.Name(), ErrInvalidSkill, s.ID, first))
			continue
		}
		seen[s.ID] = entry.Name()
		skills = append(skills, s)
	}
	return skills, errors.Join(errs...)
}

func loadSkillFromSubdir(dir string) (*Skill, error) {
	data, err := os.ReadFile(filepath.Join(dir, "skill.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skill.json: %w", err)
	}

	var s Skill
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse skill.json: %w", err)
	}
	s.Source = "plugin"
	if prompt, err := os.ReadFile(filepath.Join(dir, "prompt.md")); err == nil {
		s.PromptFragment = strings.TrimSpace(string(prompt))
	}
	if err := normalize(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// normalize trims the definition and checks it can be routed and gated.
func normalize(s *Skill) error {
	s.ID = strings.TrimSpace(s.ID)
	if !skillID.MatchString(s.ID) {
		return fmt.Errorf("%w: id %q must be lowercase letters, digits, _ or -", ErrInvalidSkill, s.ID)
	}
	if s.Name = strings.TrimSpace(s.Name); s.Name == "" {
		s.Name = s.ID
	}
	s.Description = strings.TrimSpace(s.Description)

	triggers := make([]string, 0, len(s.Triggers))
	for _, t := range s.Triggers {
		t = strings.ToLower(strings.Join(strings.Fields(t), " "))
		if t != "" && !slices.Contains(triggers, t) {
			triggers = append(triggers, t)
		}
	}
	if len(triggers) == 0 {
		return fmt.Errorf("%w: %s has no triggers", ErrInvalidSkill, s.ID)
	}
	s.Triggers = triggers

	// The approval prompt and the offline refusal name the skill by its
	// description.
	if (s.SideEffect || s.Network) && s.Description == "" {
		return fmt.Errorf("%w: %s reaches outside the conversation but has no description", ErrInvalidSkill, s.ID)
	}
	return nil
}

// LoadDir adds the plugins under dir to the pool. A plugin whose id is
// already taken, by a built-in or an earlier load, is skipped with an
// error. It returns the ids added.
func (m *Manager) LoadDir(dir string) ([]string, error) {
	skills, err := LoadFromDir(dir)
	errs := []error{err}

	m.mu.Lock()
	defer m.mu.Unlock()
	var added []string
	for _, s := range skills {
		if prev, ok := m.skills[s.ID]; ok {
			errs = append(errs, fmt.Errorf("skill %s: %w: id taken by a %s skill", s.ID, ErrInvalidSkill, prev.Source))
			continue
		}
		m.skills[s.ID] = s
		added = append(added, s.ID)
	}
	slices.Sort(added)
	return added, errors.Join(errs...)
}
