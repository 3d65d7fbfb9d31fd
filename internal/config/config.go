package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Mode controls whether cloud backends may be used at all.
type Mode string

const (
	ModeOfflineOnly Mode = "offline_only"
	ModeHybrid      Mode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeOfflineOnly || m == ModeHybrid
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig          `json:"server"`
	Mode        Mode                  `json:"mode"`
	MachineRole string                `json:"machine_role"`
	Providers   []ProviderConfig      `json:"providers"`
	Preferences map[string][]string   `json:"preferences"`
	Pools       map[string]PoolConfig `json:"pools"`
	Bus         BusConfig             `json:"bus"`
	Memory      MemoryConfig          `json:"memory"`
	Reasoning   ReasoningConfig       `json:"reasoning"`
	Safety      SafetyConfig          `json:"safety"`
	Chat        ChatConfig            `json:"chat"`
	Commands    CommandsConfig        `json:"commands"`
	Redis       RedisConfig           `json:"redis"`
	Health      HealthConfig          `json:"health"`
	Metrics     MetricsConfig         `json:"metrics"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	APIKey         string            `json:"api_key"`
	Models         []string          `json:"models,omitempty"`
	Capabilities   []string          `json:"capabilities"`
	OfflineCapable bool              `json:"offline_capable"`
	TimeoutMS      int               `json:"timeout_ms"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Timeout returns the per-call timeout, defaulting to 60s.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

type PoolConfig struct {
	Workers int `json:"workers"`
	Queue   int `json:"queue"`
}

type BusConfig struct {
	QueueSize int    `json:"queue_size"`
	Overflow  string `json:"overflow"` // drop_oldest|block
}

type MemoryConfig struct {
	Path                string  `json:"path"`
	ImportanceThreshold float64 `json:"importance_threshold"`
}

type ReasoningConfig struct {
	ConfidenceFloor       float64 `json:"confidence_floor"`
	ApprovalIdleTimeoutMS int     `json:"approval_idle_timeout_ms"`
	MaxSessions           int     `json:"max_sessions"`
}

// ApprovalIdleTimeout is zero when pending approvals never expire.
func (r ReasoningConfig) ApprovalIdleTimeout() time.Duration {
	return time.Duration(r.ApprovalIdleTimeoutMS) * time.Millisecond
}

type SafetyConfig struct {
	RulesPath string `json:"rules_path"`
	Profile   string `json:"profile"`
}

// ChatConfig gates answers to audience chat. Input from any other source
// is always answered.
type ChatConfig struct {
	AutoReply bool `json:"auto_reply"`
	// GatedSources are the TextInput sources treated as audience chat.
	GatedSources []string `json:"gated_sources"`
	// DraftSuggestions drafts an answer for held chat so the operator
	// can release it with /respond.
	DraftSuggestions bool `json:"draft_suggestions"`
}

type CommandsConfig struct {
	// Path of the custom chat commands file; a missing file is fine.
	Path string `json:"path"`
}

type RedisConfig struct {
	URL           string `json:"url"`
	Stream        string `json:"stream"`
	InboundStream string `json:"inbound_stream"`
}

type HealthConfig struct {
	IntervalMS int `json:"interval_ms"`
}

// Interval returns the provider health-check interval.
func (h HealthConfig) Interval() time.Duration {
	if h.IntervalMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(h.IntervalMS) * time.Millisecond
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// Default returns a configuration usable without any file: offline-only,
// no providers, SQLite memory under ./data.
func Default() *Config {
	mode := ModeOfflineOnly
	if os.Getenv("COPARTNER_OFFLINE_ONLY") == "0" {
		mode = ModeHybrid
	}
	role := os.Getenv("COPARTNER_MACHINE_ROLE")
	if role == "" {
		role = "main"
	}
	return &Config{
		Server:      ServerConfig{Port: 3210, LogLevel: "info"},
		Mode:        mode,
		MachineRole: role,
		Preferences: map[string][]string{},
		Pools: map[string]PoolConfig{
			"inference": {Workers: 2, Queue: 8},
			"stt":       {Workers: 1, Queue: 4},
			"tts":       {Workers: 1, Queue: 4},
		},
		Bus:       BusConfig{QueueSize: 256, Overflow: "drop_oldest"},
		Memory:    MemoryConfig{Path: "data/memory.db", ImportanceThreshold: 0.7},
		Reasoning: ReasoningConfig{ConfidenceFloor: 0.45, MaxSessions: 32},
		Safety:    SafetyConfig{Profile: "default"},
		Redis:     RedisConfig{Stream: "copartner:events", InboundStream: "copartner:inbound"},
		Health:    HealthConfig{IntervalMS: 30000},
		Metrics:   MetricsConfig{Enabled: true},
		Commands:  CommandsConfig{Path: "configs/commands.json"},
		Chat: ChatConfig{
			GatedSources:     []string{"chat", "twitch", "youtube", "discord", "slack"},
			DraftSuggestions: true,
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file on top of Default and substitutes
// environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw JSON config bytes.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and provider ids.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	switch c.Bus.Overflow {
	case "", "drop_oldest", "block":
	default:
		return fmt.Errorf("invalid bus overflow policy %q", c.Bus.Overflow)
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for capability, ids := range c.Preferences {
		for _, id := range ids {
			if !seen[id] {
				return fmt.Errorf("preference %s references unknown provider %q", capability, id)
			}
		}
	}
	return nil
}
