package main

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/safety"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COPARTNER_CONFIG", "")
	configPath, logLevel = "", "warn"
	defer func() { logLevel = "" }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("missing default config: %v", err)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("log level %q", cfg.Server.LogLevel)
	}

	configPath = "nope.json"
	defer func() { configPath = "" }()
	if _, err := loadConfig(); err == nil {
		t.Error("missing explicit config accepted")
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "copartner.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Providers) != 4 || cfg.Preferences["inference"][0] != "ollama" {
		t.Errorf("unexpected providers %+v", cfg.Providers)
	}
}

func TestLoadRules(t *testing.T) {
	rs, err := loadRules(config.SafetyConfig{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if rs.Active() != "default" {
		t.Errorf("active %q", rs.Active())
	}

	rs, err = loadRules(config.SafetyConfig{
		RulesPath: filepath.Join("..", "..", "configs", "safety_rules.json"),
		Profile:   "locked",
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	d := safety.Evaluate(safety.Action{Kind: "memory.purge", SideEffect: true}, config.ModeOfflineOnly, rs.Current())
	if d.Verdict != safety.Deny {
		t.Errorf("locked profile let a purge through: %+v", d)
	}

	if _, err := loadRules(config.SafetyConfig{Profile: "nope"}, zap.NewNop()); err == nil {
		t.Error("unknown profile accepted")
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "error", "bogus"} {
		l, err := newLogger(level)
		if err != nil {
			t.Fatalf("%s: %v", level, err)
		}
		l.Sync()
	}
}
