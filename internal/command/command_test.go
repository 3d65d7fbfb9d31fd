package command

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/provider"
)

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Command{
		Name:        "echo",
		Description: "Echo test",
		Usage:       "/echo",
		Handler: func(ctx context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			return &CommandResult{Content: "echo: " + args}, nil
		},
	})

	ctx := context.Background()
	cc := &CommandContext{Source: "test"}

	// Test known command
	result, err := reg.Dispatch(ctx, "/echo hello", cc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "echo: hello" {
		t.Errorf("got %q, want %q", result.Content, "echo: hello")
	}

	// Test unknown command
	result, err = reg.Dispatch(ctx, "/unknown", cc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Content, "/help") {
		t.Errorf("unknown command reply %q", result.Content)
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Command{Name: "beta"})
	reg.Register(&Command{Name: "alpha"})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("got %d commands, want 2", len(list))
	}
	if list[0].Name != "alpha" {
		t.Errorf("got %q first, want %q", list[0].Name, "alpha")
	}
}

func TestIsCommand(t *testing.T) {
	for in, want := range map[string]bool{
		"/ping":          true,
		"  /mode hybrid": true,
		"/":              false,
		"// comment":     false,
		"/ spaced":       false,
		"remember: /x":   false,
		"!so streamer":   true,
		"!!":             false,
		"! hello":        false,
	} {
		if got := IsCommand(in); got != want {
			t.Errorf("IsCommand(%q) = %v", in, got)
		}
	}
}

type fakeMode struct {
	mode config.Mode
}

func (f *fakeMode) Mode() config.Mode { return f.mode }

type clearRecorder []string

func (c *clearRecorder) ClearSession(key string) { *c = append(*c, key) }

type statusList []ComponentStatus

func (s statusList) StatusAll() []ComponentStatus { return s }

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	mode := &fakeMode{mode: config.ModeOfflineOnly}
	cleared := &clearRecorder{}
	mem := memory.NewManager(memory.NewMemLog(), nil, zap.NewNop())
	if _, err := mem.CreateVault(ctx, "hobby", "Garage Build"); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	RegisterBuiltins(reg, Deps{
		Status:   statusList{{Name: "inference", Status: "down", Reason: "no backend"}},
		Mode:     mode,
		Topics:   mem,
		Sessions: cleared,
	})

	run := func(input string) string {
		t.Helper()
		res, err := reg.Dispatch(ctx, input, &CommandContext{SessionID: "s1", Role: RoleBroadcaster})
		if err != nil {
			t.Fatalf("%s: %v", input, err)
		}
		return res.Content
	}

	if got := run("/ping"); got != "pong" {
		t.Errorf("/ping = %q", got)
	}
	if got := run("/help"); !strings.Contains(got, "/mode") || strings.Contains(got, "/skills") {
		t.Errorf("/help = %q", got)
	}
	if got := run("/status"); !strings.Contains(got, "inference: down (no backend)") {
		t.Errorf("/status = %q", got)
	}
	res, _ := reg.Dispatch(ctx, "/mode online", &CommandContext{Role: RoleBroadcaster})
	if res.Intent == nil || res.Intent.Kind != intent.SwitchMode || res.Intent.Slot("mode") != "hybrid" {
		t.Errorf("/mode online = %+v", res)
	}
	if mode.mode != config.ModeOfflineOnly {
		t.Errorf("/mode changed the mode itself: %s", mode.mode)
	}
	res, _ = reg.Dispatch(ctx, "/archive Garage Build", &CommandContext{Role: RoleBroadcaster})
	if res.Intent == nil || res.Intent.Kind != intent.ArchiveTopic || res.Intent.Slot("title") != "Garage Build" {
		t.Errorf("/archive = %+v", res)
	}
	if !mem.ActiveVault("garage-build") {
		t.Error("/archive archived the vault itself")
	}
	if got := run("/mode sideways"); !strings.HasPrefix(got, "Usage") {
		t.Errorf("/mode sideways = %q", got)
	}
	if got := run("/topics"); !strings.Contains(got, "garage-build") {
		t.Errorf("/topics = %q", got)
	}
	run("/clear")
	if len(*cleared) != 1 || (*cleared)[0] != "s1" {
		t.Errorf("cleared %v", *cleared)
	}
}

func TestMemoryCommands(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewManager(memory.NewMemLog(), nil, zap.NewNop())
	rec, err := mem.Write(ctx, memory.Record{Tier: memory.TierLongTerm, Kind: memory.KindFact, Content: "car plate ABC123"})
	if err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	RegisterMemoryCommands(reg, mem)

	res, _ := reg.Dispatch(ctx, "/memory", nil)
	if !strings.Contains(res.Content, "car plate ABC123") {
		t.Errorf("/memory = %q", res.Content)
	}
	res, _ = reg.Dispatch(ctx, "/forget "+rec.ID, nil)
	if res.Status != StatusBlocked || res.Intent != nil {
		t.Errorf("/forget from everyone = %+v", res)
	}
	res, _ = reg.Dispatch(ctx, "/forget "+rec.ID, &CommandContext{Role: RoleBroadcaster})
	if res.Intent == nil || res.Intent.Kind != intent.PurgeMemory || res.Intent.Slot("target") != rec.ID {
		t.Fatalf("/forget = %+v", res)
	}
	if _, err := mem.Get(rec.ID); err != nil {
		t.Errorf("/forget purged without the reasoning loop: %v", err)
	}
}

func TestPreferCommand(t *testing.T) {
	reg := NewRegistry()
	providers := provider.NewRegistry(zap.NewNop())
	RegisterProviderCommands(reg, providers)

	owner := &CommandContext{Role: RoleBroadcaster}
	res, _ := reg.Dispatch(context.Background(), "/prefer inference local cloud", owner)
	if !strings.Contains(res.Content, "local > cloud") {
		t.Errorf("/prefer = %q", res.Content)
	}
	if got := providers.Preference(provider.CapInference); len(got) != 2 || got[0] != "local" {
		t.Errorf("preference %v", got)
	}
	res, _ = reg.Dispatch(context.Background(), "/prefer vision cam", owner)
	if !strings.Contains(res.Content, "Unknown capability") {
		t.Errorf("/prefer vision = %q", res.Content)
	}
}

func TestRolesAndCooldowns(t *testing.T) {
	reg := NewRegistry()
	clock := time.Unix(1000, 0)
	reg.now = func() time.Time { return clock }
	reg.Register(&Command{
		Name:         "so",
		Permission:   RoleModerator,
		Cooldown:     3 * time.Second,
		UserCooldown: 10 * time.Second,
		Handler: func(_ context.Context, args string, cc *CommandContext) (*CommandResult, error) {
			return &CommandResult{Content: "shoutout " + args}, nil
		},
	})
	reg.Register(&Command{Name: "off", Disabled: true, Handler: func(context.Context, string, *CommandContext) (*CommandResult, error) {
		t.Error("disabled command ran")
		return &CommandResult{}, nil
	}})
	ctx := context.Background()
	mod := func(user string) *CommandContext { return &CommandContext{User: user, Role: RoleModerator} }

	steps := []struct {
		advance time.Duration
		input   string
		cc      *CommandContext
		status  string
	}{
		{0, "!so bob", &CommandContext{User: "viewer", Role: RoleVIP}, StatusBlocked},
		{0, "!so bob", mod("ann"), StatusOK},
		{time.Second, "!so bob", mod("cat"), StatusCooldown}, // global
		{3 * time.Second, "!so bob", mod("cat"), StatusOK},
		{time.Second, "!so bob", mod("ann"), StatusCooldown},     // global again
		{3 * time.Second, "!so bob", mod("ann"), StatusCooldown}, // ann's own
		{2 * time.Second, "!so bob", mod("ann"), StatusOK},
		{0, "!off", mod("ann"), StatusDisabled},
		{0, "!nope", mod("ann"), StatusUnknown},
	}
	for i, st := range steps {
		clock = clock.Add(st.advance)
		res, err := reg.Dispatch(ctx, st.input, st.cc)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Status != st.status {
			t.Errorf("step %d %s as %s: status %s (%s)", i, st.input, st.cc.User, res.Status, res.Content)
		}
	}
	if n := len(reg.until); n > 3 {
		t.Errorf("%d cooldown entries kept", n)
	}
}

func TestLoadCustom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.json")
	if err := os.WriteFile(path, []byte(`{
		"!hello": {"response": "Hi {{user}}!"},
		"so": {"response": "Go follow {{args}}", "permission": "moderator", "cooldown_seconds": 0.5},
		"old": {"response": "gone", "enabled": false},
		"empty": {"response": "  "}
	}`), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry()
	RegisterBuiltins(reg, Deps{})
	names, err := LoadCustom(reg, path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "hello,old,so" {
		t.Fatalf("loaded %v", names)
	}
	so, _ := reg.Get("so")
	if so.Permission != RoleModerator || so.Cooldown != 500*time.Millisecond || so.UserCooldown != DefaultUserCooldown {
		t.Errorf("so = %+v", so)
	}

	ctx := context.Background()
	res, _ := reg.Dispatch(ctx, "!hello", &CommandContext{User: "viewer1"})
	if res.Content != "Hi viewer1!" || res.Status != StatusOK {
		t.Errorf("!hello = %+v", res)
	}
	res, _ = reg.Dispatch(ctx, "!so @ann", &CommandContext{User: "mod", Role: RoleModerator})
	if res.Content != "Go follow @ann" {
		t.Errorf("!so = %+v", res)
	}
	if res, _ := reg.Dispatch(ctx, "!old", nil); res.Status != StatusDisabled {
		t.Errorf("!old = %+v", res)
	}

	if names, err := LoadCustom(reg, filepath.Join(dir, "missing.json")); err != nil || names != nil {
		t.Errorf("missing file: %v %v", names, err)
	}
	if err := os.WriteFile(path, []byte(`{"ping": {"response": "not pong"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCustom(reg, path); err == nil {
		t.Error("custom command replaced /ping")
	}
}

func TestChatCommands(t *testing.T) {
	gate := intent.NewChatGate(nil, false)
	reg := NewRegistry()
	RegisterBuiltins(reg, Deps{Chat: gate})
	ctx := context.Background()
	owner := &CommandContext{Role: RoleBroadcaster}

	res, _ := reg.Dispatch(ctx, "/respond", owner)
	if res.Intent != nil {
		t.Errorf("/respond with nothing held = %+v", res)
	}
	gate.Admit("chat", "viewer1", intent.Intent{ID: "i1", Kind: intent.Converse, Text: "hi there"})
	gate.SetDraft("i1", "Hello viewer1!")
	if res, _ := reg.Dispatch(ctx, "/suggestion", owner); !strings.Contains(res.Content, "Hello viewer1!") {
		t.Errorf("/suggestion = %q", res.Content)
	}
	res, _ = reg.Dispatch(ctx, "/respond", owner)
	if res.Intent == nil || res.Intent.ID != "i1" || res.Intent.Slot("draft") != "Hello viewer1!" {
		t.Fatalf("/respond = %+v", res)
	}

	res, _ = reg.Dispatch(ctx, "/respondnow", owner)
	if res.Intent != nil {
		t.Errorf("/respondnow with nothing held = %+v", res)
	}
	if !gate.Admit("chat", "viewer2", intent.Intent{ID: "i2"}) {
		t.Error("armed respond-now held the next message")
	}

	if res, _ := reg.Dispatch(ctx, "/autoreply on", owner); res.Content != "Auto-reply is on." || !gate.AutoReply() {
		t.Errorf("/autoreply on = %q", res.Content)
	}
	if res, _ := reg.Dispatch(ctx, "/autoreply on", &CommandContext{Role: RoleModerator}); res.Status != StatusBlocked {
		t.Errorf("moderator toggled auto-reply: %+v", res)
	}
}
