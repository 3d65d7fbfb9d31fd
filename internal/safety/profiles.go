package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Profiles maps a profile name to its compiled rule set.
type Profiles map[string]*RuleSet

type profilesFile struct {
	Profiles map[string]*RuleSet `json:"profiles"`
}

// Load reads a rules file. Every profile is compiled before returning.
func Load(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read safety rules %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and compiles a rules document.
func Parse(data []byte) (Profiles, error) {
	var f profilesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse safety rules: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("parse safety rules: no profiles")
	}
	out := make(Profiles, len(f.Profiles))
	for name, rs := range f.Profiles {
		if rs == nil {
			return nil, fmt.Errorf("profile %s is empty", name)
		}
		rs.Profile = name
		if err := rs.Compile(); err != nil {
			return nil, err
		}
		out[name] = rs
	}
	return out, nil
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builtin returns the profiles used when no rules file is configured.
func Builtin() Profiles {
	p, err := Parse([]byte(builtinRules))
	if err != nil {
		panic(fmt.Sprintf("builtin safety rules: %v", err))
	}
	return p
}

const builtinRules = `{
  "profiles": {
    "default": {
      "default": "allow",
      "rules": [
        {"name": "confirm_destructive_memory", "kinds": ["memory.purge", "topic.archive"], "effect": "ask",
         "reason": "this removes saved knowledge"},
        {"name": "confirm_mode_escalation", "kinds": ["mode.switch"], "when": "'mode' in action.params && action.params.mode == 'hybrid'",
         "effect": "ask", "reason": "switching to hybrid allows cloud backends"},
        {"name": "confirm_skills_with_side_effects", "kinds": ["skill.invoke"], "when": "action.side_effect",
         "effect": "ask", "reason": "this skill changes something outside the assistant"},
        {"name": "confirm_profile_switch", "kinds": ["safety.profile"], "effect": "ask",
         "reason": "this changes which safety rules apply"}
      ]
    },
    "engineer_mode": {
      "default": "allow",
      "rules": [
        {"name": "confirm_purge", "kinds": ["memory.purge"], "effect": "ask", "reason": "this removes saved knowledge"},
        {"name": "confirm_profile_switch", "kinds": ["safety.profile"], "effect": "ask",
         "reason": "this changes which safety rules apply"}
      ]
    },
    "locked": {
      "default": "deny",
      "rules": [
        {"name": "read_only", "when": "!action.side_effect", "effect": "allow"},
        {"name": "confirm_profile_switch", "kinds": ["safety.profile"], "effect": "ask",
         "reason": "this changes which safety rules apply"},
        {"name": "stage_memory", "kinds": ["memory.stage"], "effect": "allow"}
      ]
    }
  }
}`

// RuleSource holds the active profile. Swapping profiles is safe while
// sessions are running; the next gate evaluation sees the new rules.
type RuleSource struct {
	mu       sync.RWMutex
	profiles Profiles
	active   string
	logger   *zap.Logger
}

// NewRuleSource selects profile from profiles.
func NewRuleSource(profiles Profiles, profile string, logger *zap.Logger) (*RuleSource, error) {
	if _, ok := profiles[profile]; !ok {
		return nil, fmt.Errorf("unknown safety profile %q (have %v)", profile, profiles.Names())
	}
	return &RuleSource{profiles: profiles, active: profile, logger: logger}, nil
}

// Current returns the active rule set.
func (s *RuleSource) Current() *RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[s.active]
}

// Active returns the active profile name.
func (s *RuleSource) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Names lists the loaded profiles.
func (s *RuleSource) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles.Names()
}

// Use switches the active profile.
func (s *RuleSource) Use(profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile]; !ok {
		return fmt.Errorf("unknown safety profile %q", profile)
	}
	s.logger.Info("safety profile switched", zap.String("from", s.active), zap.String("to", profile))
	s.active = profile
	return nil
}

// Replace installs a freshly loaded set of profiles, keeping the active
// name if it still exists.
func (s *RuleSource) Replace(profiles Profiles) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := profiles[s.active]; !ok {
		return fmt.Errorf("reloaded rules lack active profile %q", s.active)
	}
	s.profiles = profiles
	return nil
}
