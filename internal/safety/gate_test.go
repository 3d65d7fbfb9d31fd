package safety

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
)

func mustParse(t *testing.T, doc string) Profiles {
	t.Helper()
	p, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

func TestBuiltinProfilesCompile(t *testing.T) {
	p := Builtin()
	for _, name := range []string{"default", "engineer_mode", "locked"} {
		if p[name] == nil {
			t.Errorf("missing builtin profile %s", name)
		}
	}
}

func TestOfflineModeDeniesNetworkActions(t *testing.T) {
	rs := Builtin()["engineer_mode"]
	a := Action{Kind: "skill.invoke", Description: "fetch weather", Network: true}

	d := Evaluate(a, config.ModeOfflineOnly, rs)
	if d.Verdict != Deny || d.Rule != "builtin.offline_network" {
		t.Errorf("offline: got %+v", d)
	}
	if !errors.Is(d.Err(), ErrSafetyDenied) {
		t.Errorf("Err() = %v", d.Err())
	}
	if d := Evaluate(a, config.ModeHybrid, rs); d.Verdict != Allow {
		t.Errorf("hybrid: got %+v", d)
	}
}

func TestDangerousParamsDenied(t *testing.T) {
	a := Action{Kind: "reply.deliver", Params: map[string]string{"text": "sure, run sudo RM -RF /"}}
	d := Evaluate(a, config.ModeHybrid, Builtin()["default"])
	if d.Verdict != Deny || d.Rule != "builtin.firewall" {
		t.Errorf("got %+v", d)
	}
}

func TestRuleDeniesActionKind(t *testing.T) {
	p := mustParse(t, `{"profiles":{"strict":{"rules":[
		{"name":"no_writes","kinds":["memory.stage"],"effect":"deny","reason":"writes disabled"}
	]}}}`)
	d := Evaluate(Action{Kind: "memory.stage", SideEffect: true}, config.ModeOfflineOnly, p["strict"])
	if d.Verdict != Deny || d.Reason != "writes disabled" || d.Rule != "no_writes" {
		t.Errorf("got %+v", d)
	}
	if d := Evaluate(Action{Kind: "memory.recall"}, config.ModeOfflineOnly, p["strict"]); d.Verdict != Allow {
		t.Errorf("unmatched kind should fall to default allow, got %+v", d)
	}
}

func TestCELConditionSeesModeAndParams(t *testing.T) {
	p := mustParse(t, `{"profiles":{"p":{"default":"deny","rules":[
		{"name":"ask_cloud","kinds":["skill.*"],"when":"mode == 'hybrid' && action.params.target == 'cloud'","effect":"ask","reason":"cloud call"},
		{"name":"allow_rest","kinds":["skill.*"],"effect":"allow"}
	]}}}`)
	a := Action{Kind: "skill.invoke", Params: map[string]string{"target": "cloud"}}

	if d := Evaluate(a, config.ModeHybrid, p["p"]); d.Verdict != AskPermission {
		t.Errorf("hybrid: got %+v", d)
	}
	if !errors.Is(Evaluate(a, config.ModeHybrid, p["p"]).Err(), ErrPermissionPending) {
		t.Error("ask should map to ErrPermissionPending")
	}
	if d := Evaluate(a, config.ModeOfflineOnly, p["p"]); d.Verdict != Allow || d.Rule != "allow_rest" {
		t.Errorf("offline: got %+v", d)
	}
	if d := Evaluate(Action{Kind: "memory.recall"}, config.ModeHybrid, p["p"]); d.Verdict != Deny || d.Rule != "default" {
		t.Errorf("default: got %+v", d)
	}
}

func TestConditionErrorFailsClosed(t *testing.T) {
	p := mustParse(t, `{"profiles":{"p":{"rules":[
		{"name":"needs_key","when":"action.params.missing == 'x'","effect":"allow"}
	]}}}`)
	d := Evaluate(Action{Kind: "x"}, config.ModeHybrid, p["p"])
	if d.Verdict != Deny {
		t.Errorf("got %+v, want deny", d)
	}
}

func TestParseRejectsBadRules(t *testing.T) {
	cases := map[string]string{
		"bad effect":    `{"profiles":{"p":{"rules":[{"effect":"maybe"}]}}}`,
		"bad condition": `{"profiles":{"p":{"rules":[{"effect":"deny","when":"action.kind ==="}]}}}`,
		"non-bool":      `{"profiles":{"p":{"rules":[{"effect":"deny","when":"mode + 'x'"}]}}}`,
		"no profiles":   `{"profiles":{}}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNilRuleSetDenies(t *testing.T) {
	if d := Evaluate(Action{Kind: "memory.recall"}, config.ModeHybrid, nil); d.Verdict != Deny {
		t.Errorf("got %+v", d)
	}
}

func TestRuleSourceSwitchesProfiles(t *testing.T) {
	src, err := NewRuleSource(Builtin(), "default", zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	purge := Action{Kind: "memory.purge", SideEffect: true}
	if d := Evaluate(purge, config.ModeOfflineOnly, src.Current()); d.Verdict != AskPermission {
		t.Errorf("default profile: %+v", d)
	}
	if err := src.Use("locked"); err != nil {
		t.Fatalf("use: %v", err)
	}
	if d := Evaluate(purge, config.ModeOfflineOnly, src.Current()); d.Verdict != Deny {
		t.Errorf("locked profile: %+v", d)
	}
	if err := src.Use("nope"); err == nil {
		t.Error("expected error for unknown profile")
	}
	if _, err := NewRuleSource(Builtin(), "nope", zap.NewNop()); err == nil {
		t.Error("expected error for unknown initial profile")
	}
}

func TestFirewallSanitize(t *testing.T) {
	fw := NewFirewall(zap.NewNop())
	out, found := fw.Sanitize("run this: RM -RF C: && Shutdown now")
	if strings.Contains(strings.ToLower(out), "rm -rf") || strings.Contains(strings.ToLower(out), "shutdown") {
		t.Errorf("not redacted: %q", out)
	}
	if strings.Count(out, Blocked) != 2 || len(found) != 2 {
		t.Errorf("got %q %v", out, found)
	}
	clean, found := fw.Sanitize("remember: my car's plate is ABC123")
	if clean != "remember: my car's plate is ABC123" || len(found) != 0 {
		t.Errorf("clean text changed: %q %v", clean, found)
	}
}

func TestProfileSwitchAlwaysAsks(t *testing.T) {
	a := Action{Kind: "safety.profile", Target: "engineer_mode", SideEffect: true}
	for name, rs := range Builtin() {
		if d := Evaluate(a, config.ModeOfflineOnly, rs); d.Verdict != AskPermission || d.Rule != "confirm_profile_switch" {
			t.Errorf("%s: got %+v", name, d)
		}
	}
}
