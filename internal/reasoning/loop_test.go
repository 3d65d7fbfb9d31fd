package reasoning

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/safety"
	"github.com/nidhogg/copartner/internal/skill"
)

type fakeCaps struct {
	calls atomic.Int32
	fn    func(req *provider.InferRequest) (string, error)
}

func (f *fakeCaps) Infer(_ context.Context, req *provider.InferRequest) (string, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return "ok", nil
	}
	return f.fn(req)
}

type fakeMode struct {
	mu   sync.Mutex
	mode config.Mode
}

func (m *fakeMode) Mode() config.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *fakeMode) SetMode(mode config.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

type staticRules struct{ rs *safety.RuleSet }

func (s staticRules) Current() *safety.RuleSet { return s.rs }

func rulesFrom(t *testing.T, profile string) staticRules {
	t.Helper()
	p, err := safety.Parse([]byte(`{"profiles":{"test":` + profile + `}}`))
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return staticRules{p["test"]}
}

type topicRecorder struct {
	mu     sync.Mutex
	active map[string]string
}

func (r *topicRecorder) SetActiveTopic(key, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = map[string]string{}
	}
	r.active[key] = slug
}

type harness struct {
	loop   *Loop
	rules  Rules
	caps   *fakeCaps
	mode   *fakeMode
	mem    *memory.Manager
	bus    *event.Bus
	topics *topicRecorder
}

func newHarness(t *testing.T, rules Rules, opts Options) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		caps:   &fakeCaps{},
		mode:   &fakeMode{mode: config.ModeOfflineOnly},
		mem:    memory.NewManager(memory.NewMemLog(), nil, logger),
		bus:    event.NewBus(event.Config{QueueSize: 512}, logger),
		topics: &topicRecorder{},
	}
	var profiles Profiles
	if rules == nil {
		src, err := safety.NewRuleSource(safety.Builtin(), "default", logger)
		if err != nil {
			t.Fatal(err)
		}
		rules, profiles = src, src
	}
	skills := skill.NewManager()
	skill.RegisterBuiltins(skills)
	h.rules = rules
	h.loop = New(Deps{
		Capabilities: h.caps,
		Mode:         h.mode,
		Rules:        rules,
		Memory:       h.mem,
		Bus:          h.bus,
		Skills:       skills,
		Topics:       h.topics,
		Profiles:     profiles,
	}, opts, logger)
	h.loop.Start()
	t.Cleanup(func() {
		h.loop.Close()
		h.bus.Close()
	})
	return h
}

func collect(sub *event.Subscription, wait time.Duration) []event.Event {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	var out []event.Event
	for {
		e, ok := sub.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func storeFact(cid, text string) intent.Intent {
	return intent.Intent{
		ID:            "i-" + cid,
		Kind:          intent.StoreFact,
		Confidence:    1,
		CorrelationID: cid,
		Text:          text,
		Slots:         map[string]string{"fact": text},
		Explicit:      true,
	}
}

func TestStoreFactScenario(t *testing.T) {
	h := newHarness(t, nil, Options{})
	replies := h.bus.Subscribe("replies", event.Kinds(event.KindReply))

	s, err := h.loop.Run(context.Background(), storeFact("c1", "remember: my car's plate is ABC123"))
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateCompleted {
		t.Fatalf("state %s (%s: %s)", s.State, s.Reason, s.Error)
	}
	lt, _ := h.mem.Read(memory.Query{Tier: memory.TierLongTerm})
	if len(lt) != 1 || lt[0].Content != "car plate ABC123" {
		t.Fatalf("long-term = %+v", lt)
	}
	var staged bool
	for _, a := range s.ActionLog {
		if a.Description == "write long_term fact" {
			staged = a.Status == StatusExecuted && a.Decision.Verdict == safety.Allow
		}
	}
	if !staged {
		t.Errorf("write step not approved and executed: %+v", s.ActionLog)
	}
	got := collect(replies, 100*time.Millisecond)
	if len(got) != 1 || got[0].Payload.(event.Reply).Text != "Got it — saved." {
		t.Errorf("replies = %+v", got)
	}
	if h.caps.calls.Load() != 0 {
		t.Errorf("store_fact called inference %d times", h.caps.calls.Load())
	}

	again, _ := h.loop.Run(context.Background(), storeFact("c2", "remember: my car's plate is ABC123"))
	if again.Reply != "I already have that saved." {
		t.Errorf("duplicate reply %q", again.Reply)
	}
}

func TestNormalizeFact(t *testing.T) {
	cases := map[string]string{
		"remember: my car's plate is ABC123":         "car plate ABC123",
		"Remember that my wife's birthday is May 3.": "wife birthday May 3",
		"wifi password is hunter2":                   "wifi password hunter2",
	}
	for in, want := range cases {
		if got := NormalizeFact(in); got != want {
			t.Errorf("NormalizeFact(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSafetyDenialFailsWithoutExecuting(t *testing.T) {
	rules := rulesFrom(t, `{"default":"allow","rules":[{"name":"no_writes","kinds":["memory.stage"],"effect":"deny","reason":"writes are disabled"}]}`)
	h := newHarness(t, rules, Options{})
	replies := h.bus.Subscribe("replies", event.Kinds(event.KindReply))

	s, _ := h.loop.Run(context.Background(), storeFact("c1", "remember: gate code 4411"))
	if s.State != StateFailed || s.Reason != "SafetyDenied" {
		t.Fatalf("state %s reason %s", s.State, s.Reason)
	}
	if !errors.Is(s.Err(), safety.ErrSafetyDenied) {
		t.Errorf("err = %v", s.Err())
	}
	for _, a := range s.Executed() {
		if a.Action == "memory.stage" {
			t.Errorf("denied step logged as executed: %+v", a)
		}
	}
	if n := h.mem.Counts()[memory.TierLongTerm]; n != 0 {
		t.Errorf("denied write reached memory: %d", n)
	}
	got := collect(replies, 100*time.Millisecond)
	if len(got) != 1 || !strings.Contains(got[0].Payload.(event.Reply).Text, "writes are disabled") {
		t.Errorf("replies = %+v", got)
	}
}

const askStage = `{"default":"allow","rules":[{"name":"confirm","kinds":["memory.stage"],"effect":"ask","reason":"confirm write"}]}`

func TestAskPermissionNeedsMatchingCorrelation(t *testing.T) {
	h := newHarness(t, rulesFrom(t, askStage), Options{})
	id, err := h.loop.Submit(storeFact("c-ask", "remember: locker 12"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })

	h.bus.Publish(event.Must(event.KindApproval, "someone-else", event.Approval{Approved: true}))
	time.Sleep(50 * time.Millisecond)
	if s, _ := h.loop.Session(id); s.State != StateActing {
		t.Fatalf("mismatched approval resumed the session: %s", s.State)
	}

	h.bus.Publish(event.Must(event.KindApproval, "c-ask", event.Approval{Approved: true}))
	waitFor(t, "completion", func() bool {
		s, _ := h.loop.Session(id)
		return s.State.Terminal()
	})
	s, _ := h.loop.Session(id)
	if s.State != StateCompleted {
		t.Fatalf("state %s (%s)", s.State, s.Error)
	}
	for _, a := range s.ActionLog {
		if a.Action == "memory.stage" && (!a.Approved || a.Status != StatusExecuted) {
			t.Errorf("stage entry %+v", a)
		}
	}
}

func TestDeclinedApprovalFails(t *testing.T) {
	h := newHarness(t, rulesFrom(t, askStage), Options{})
	id, _ := h.loop.Submit(storeFact("c-no", "remember: locker 12"))
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })

	if !h.loop.Approve("c-no", false, "not now") {
		t.Fatal("approval not delivered")
	}
	waitFor(t, "failure", func() bool {
		s, _ := h.loop.Session(id)
		return s.State.Terminal()
	})
	s, _ := h.loop.Session(id)
	if s.Reason != ReasonApprovalDeclined {
		t.Fatalf("reason %s", s.Reason)
	}
	if h.mem.Counts()[memory.TierLongTerm] != 0 {
		t.Error("declined write reached memory")
	}
}

func TestApprovalIdleTimeoutNeverApproves(t *testing.T) {
	h := newHarness(t, rulesFrom(t, askStage), Options{ApprovalIdleTimeout: 30 * time.Millisecond})
	s, _ := h.loop.Run(context.Background(), storeFact("c-idle", "remember: locker 12"))
	if s.State != StateFailed || s.Reason != ReasonApprovalExpired {
		t.Fatalf("state %s reason %s", s.State, s.Reason)
	}
	if len(s.Executed()) != 2 {
		t.Errorf("executed %+v", s.Executed())
	}
}

func TestCancelTakesEffectBetweenSteps(t *testing.T) {
	h := newHarness(t, nil, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.loop.Actions().Register(ActionDef{Kind: "reply.draft"}, func(ctx context.Context, x *Exec) (string, error) {
		close(entered)
		<-release
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		x.SetVar("draft", "partial")
		return "drafted", nil
	})

	id, _ := h.loop.Submit(intent.Intent{Kind: intent.Converse, CorrelationID: "c-cancel", Text: "hello"})
	<-entered
	h.bus.Publish(event.Must(event.KindUserCancel, "c-cancel", event.UserCancel{Reason: "changed my mind"}))
	waitFor(t, "cancel signal", func() bool { return h.loop.Cancel("c-cancel", "again") == 0 })
	close(release)

	waitFor(t, "failure", func() bool {
		s, _ := h.loop.Session(id)
		return s.State.Terminal()
	})
	s, _ := h.loop.Session(id)
	if s.Reason != ReasonCancelled {
		t.Fatalf("reason %s", s.Reason)
	}
	var actions []string
	for _, a := range s.Executed() {
		actions = append(actions, a.Action)
	}
	if strings.Join(actions, ",") != "memory.recall,reply.draft" {
		t.Errorf("executed %v; the in-flight step must finish and nothing after it may start", actions)
	}
}

func TestOneActingSessionPerCorrelation(t *testing.T) {
	h := newHarness(t, nil, Options{MaxSessions: 64})
	var mu sync.Mutex
	inFlight := map[string]int{}
	maxSeen := map[string]int{}
	h.loop.Actions().Register(ActionDef{Kind: "memory.recall"}, func(_ context.Context, x *Exec) (string, error) {
		cid := x.Intent.CorrelationID
		mu.Lock()
		inFlight[cid]++
		if inFlight[cid] > maxSeen[cid] {
			maxSeen[cid] = inFlight[cid]
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight[cid]--
		mu.Unlock()
		return "", nil
	})

	var wg sync.WaitGroup
	for i := range 24 {
		cid := []string{"shared-a", "shared-b", "shared-c"}[i%3]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.loop.Run(context.Background(), intent.Intent{Kind: intent.Converse, CorrelationID: cid, Text: "hi"})
			if err != nil || s.State != StateCompleted {
				t.Errorf("run: %v %s %s", err, s.State, s.Error)
			}
		}()
	}
	wg.Wait()
	for cid, n := range maxSeen {
		if n != 1 {
			t.Errorf("%s had %d concurrent acting sessions", cid, n)
		}
	}
}

func TestCheckRetryIsBounded(t *testing.T) {
	h := newHarness(t, nil, Options{})
	states := h.bus.Subscribe("states", event.Kinds(event.KindStateChanged))
	h.loop.Actions().Register(ActionDef{Kind: "reply.deliver"}, func(_ context.Context, x *Exec) (string, error) {
		x.SetReply("")
		return "", nil
	})

	s, _ := h.loop.Run(context.Background(), intent.Intent{Kind: intent.Converse, CorrelationID: "c-retry", Text: "hi"})
	if s.State != StateFailed || s.Reason != ReasonRetryExhausted || s.Retries != 1 {
		t.Fatalf("state %s reason %s retries %d", s.State, s.Reason, s.Retries)
	}
	acting := 0
	for _, e := range collect(states, 100*time.Millisecond) {
		if p := e.Payload.(event.StateChanged); p.State == string(StateActing) && p.Detail == "" {
			acting++
		}
	}
	if acting != 2 {
		t.Errorf("entered Acting %d times, want 2", acting)
	}
}

func TestOfflineCapabilityLossFailsWithOneReply(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.caps.fn = func(*provider.InferRequest) (string, error) {
		return "", &provider.CapabilityError{Capability: provider.CapInference, Mode: "offline_only", Err: provider.ErrCapabilityUnavailable}
	}
	out := h.bus.Subscribe("out", event.Kinds(event.KindReply, event.KindDegraded))

	s, _ := h.loop.Run(context.Background(), intent.Intent{Kind: intent.Converse, CorrelationID: "c-off", Text: "what's the weather"})
	if s.Reason != "CapabilityUnavailable" || !errors.Is(s.Err(), provider.ErrCapabilityUnavailable) {
		t.Fatalf("reason %s err %v", s.Reason, s.Err())
	}
	got := collect(out, 100*time.Millisecond)
	if len(got) != 2 || got[0].Kind != event.KindReply || got[1].Kind != event.KindDegraded {
		t.Fatalf("events = %+v", got)
	}
	if text := got[0].Payload.(event.Reply).Text; strings.Count(text, ".") != 1 || !strings.Contains(text, "offline-only") {
		t.Errorf("reply %q", text)
	}
}

func TestConverseDraftsThenVerifies(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.caps.fn = func(req *provider.InferRequest) (string, error) {
		if strings.HasPrefix(req.Prompt, "Request:") {
			return "Paris is the capital of France.", nil
		}
		return "paris", nil
	}
	s, _ := h.loop.Run(context.Background(), intent.Intent{Kind: intent.Converse, CorrelationID: "c", SessionID: "s1", Text: "capital of france?"})
	if s.State != StateCompleted || s.Reply != "Paris is the capital of France." {
		t.Fatalf("state %s reply %q", s.State, s.Reply)
	}
	notes, _ := h.mem.Read(memory.Query{Tier: memory.TierSession, SessionID: "s1"})
	if len(notes) != 1 || !strings.Contains(notes[0].Content, "capital of france?") {
		t.Errorf("session notes %+v", notes)
	}
}

func TestCreateTopicOpensVault(t *testing.T) {
	h := newHarness(t, nil, Options{})
	s, _ := h.loop.Run(context.Background(), intent.Intent{
		Kind: intent.CreateTopic, CorrelationID: "c", SessionID: "s1",
		Text: "start a new game study", Slots: map[string]string{"title": "Game Study"},
	})
	if s.State != StateCompleted {
		t.Fatalf("state %s (%s)", s.State, s.Error)
	}
	if !h.mem.ActiveVault("game-study") || h.topics.active["s1"] != "game-study" {
		t.Errorf("vault not created and opened: %v", h.topics.active)
	}

	s, _ = h.loop.Run(context.Background(), intent.Intent{
		Kind: intent.StoreFact, CorrelationID: "c2", SessionID: "s1", Text: "remember: opening e4 c5",
		Slots: map[string]string{"fact": "opening e4 c5"}, RoutingHint: intent.RoutingHint{Topic: "game-study"},
	})
	if s.State != StateCompleted {
		t.Fatalf("state %s (%s)", s.State, s.Error)
	}
	topic, _ := h.mem.Read(memory.Query{Tier: memory.TierTopic, Topic: "game-study"})
	if len(topic) != 1 || topic[0].Content != "opening e4 c5" {
		t.Errorf("topic records %+v", topic)
	}
}

func TestSwitchToHybridAsksFirst(t *testing.T) {
	h := newHarness(t, nil, Options{})
	id, _ := h.loop.Submit(intent.Intent{Kind: intent.SwitchMode, CorrelationID: "c-mode", Slots: map[string]string{"mode": "hybrid"}})
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })
	if h.mode.Mode() != config.ModeOfflineOnly {
		t.Fatal("mode changed before approval")
	}
	h.loop.Approve("c-mode", true, "")
	waitFor(t, "completion", func() bool {
		s, _ := h.loop.Session(id)
		return s.State.Terminal()
	})
	if h.mode.Mode() != config.ModeHybrid {
		t.Errorf("mode = %s", h.mode.Mode())
	}
}

func TestSkillPlanIsValidated(t *testing.T) {
	h := newHarness(t, nil, Options{})
	in := intent.Intent{Kind: intent.RunSkill, CorrelationID: "c", Text: "summarize this topic", Slots: map[string]string{"skill": "summarize_topic"}}

	h.caps.fn = func(req *provider.InferRequest) (string, error) {
		if strings.Contains(req.SystemContext, "JSON array") {
			return "```json\n[{\"action\":\"memory.purge\"},{\"action\":\"reply.deliver\"}]\n```", nil
		}
		return "summary", nil
	}
	s, _ := h.loop.Run(context.Background(), in)
	if s.Reason != ReasonPlanFailed {
		t.Fatalf("reason %s", s.Reason)
	}

	h.caps.fn = func(req *provider.InferRequest) (string, error) {
		if strings.Contains(req.SystemContext, "JSON array") {
			return `[{"action":"memory.recall"},{"action":"skill.invoke","params":{"skill":"web_lookup"}},{"action":"reply.verify"},{"action":"reply.deliver"}]`, nil
		}
		return "summary", nil
	}
	s, _ = h.loop.Run(context.Background(), in)
	if s.State != StateCompleted || s.Plan[1].Params["skill"] != "summarize_topic" {
		t.Fatalf("state %s plan %+v", s.State, s.Plan)
	}
}

func TestDrainCancelsOnDeadline(t *testing.T) {
	h := newHarness(t, rulesFrom(t, askStage), Options{})
	id, _ := h.loop.Submit(storeFact("c-drain", "remember: locker 12"))
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.loop.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain: %v", err)
	}
	s, _ := h.loop.Session(id)
	if s.Reason != ReasonCancelled {
		t.Errorf("reason %s", s.Reason)
	}
	if _, err := h.loop.Submit(storeFact("late", "x")); !errors.Is(err, ErrLoopClosed) {
		t.Errorf("submit after drain: %v", err)
	}
}

// approveNext approves the single pending step of id and waits for the
// session to end.
func approveNext(t *testing.T, h *harness, id, cid string) Session {
	t.Helper()
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })
	h.loop.Approve(cid, true, "")
	waitFor(t, "completion", func() bool {
		s, _ := h.loop.Session(id)
		return s.State.Terminal()
	})
	s, _ := h.loop.Session(id)
	return s
}

func TestPurgeMemoryAsksThenRemoves(t *testing.T) {
	h := newHarness(t, nil, Options{})
	rec, err := h.mem.Write(context.Background(), memory.Record{Tier: memory.TierLongTerm, Kind: memory.KindFact, Content: "gate code 4411"})
	if err != nil {
		t.Fatal(err)
	}
	id, _ := h.loop.Submit(intent.Intent{Kind: intent.PurgeMemory, CorrelationID: "c-purge", Slots: map[string]string{"target": rec.ID}})
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })
	if _, err := h.mem.Get(rec.ID); err != nil {
		t.Fatalf("record purged before approval: %v", err)
	}
	s := approveNext(t, h, id, "c-purge")
	if s.State != StateCompleted || s.Reply != "Purged 1 record(s)." {
		t.Fatalf("state %s reply %q (%s)", s.State, s.Reply, s.Error)
	}
	if _, err := h.mem.Get(rec.ID); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}

	missing, _ := h.loop.Run(context.Background(), intent.Intent{Kind: intent.PurgeMemory, CorrelationID: "c-missing", Slots: map[string]string{"target": "nope"}})
	if missing.State != StateFailed || len(h.loop.Pending()) != 0 {
		t.Errorf("purge of unknown record: state %s", missing.State)
	}
}

func TestArchiveTopicAsksFirst(t *testing.T) {
	h := newHarness(t, nil, Options{})
	if _, err := h.mem.CreateVault(context.Background(), "", "Garage Build"); err != nil {
		t.Fatal(err)
	}
	id, _ := h.loop.Submit(intent.Intent{Kind: intent.ArchiveTopic, CorrelationID: "c-arch", Slots: map[string]string{"title": "garage build"}})
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })
	if !h.mem.ActiveVault("garage-build") {
		t.Fatal("vault archived before approval")
	}
	if s := approveNext(t, h, id, "c-arch"); s.State != StateCompleted {
		t.Fatalf("state %s (%s)", s.State, s.Error)
	}
	if v, _ := h.mem.Vault("garage-build"); v.Status != memory.VaultArchived {
		t.Errorf("vault %+v", v)
	}
}

func TestSwitchProfileAsksFirst(t *testing.T) {
	h := newHarness(t, nil, Options{})
	src := h.rules.(*safety.RuleSource)
	id, _ := h.loop.Submit(intent.Intent{Kind: intent.SwitchProfile, CorrelationID: "c-prof", Slots: map[string]string{"profile": "locked"}})
	waitFor(t, "pending approval", func() bool { return len(h.loop.Pending()) == 1 })
	if src.Active() != "default" {
		t.Fatal("profile switched before approval")
	}
	if s := approveNext(t, h, id, "c-prof"); s.State != StateCompleted {
		t.Fatalf("state %s (%s)", s.State, s.Error)
	}
	if src.Active() != "locked" {
		t.Errorf("active profile %s", src.Active())
	}

	bad, _ := h.loop.Run(context.Background(), intent.Intent{Kind: intent.SwitchProfile, CorrelationID: "c-bad", Slots: map[string]string{"profile": "yolo"}})
	if bad.State != StateFailed || src.Active() != "locked" {
		t.Errorf("unknown profile: state %s active %s", bad.State, src.Active())
	}
}

func TestCheckVerifiesIntentPostCondition(t *testing.T) {
	allow := rulesFrom(t, `{"default":"allow"}`)
	cases := []struct {
		name   string
		action string
		in     intent.Intent
		want   string
	}{
		{"mode", "mode.switch", intent.Intent{Kind: intent.SwitchMode, Slots: map[string]string{"mode": "hybrid"}}, "mode is offline_only"},
		{"topic", "topic.create", intent.Intent{Kind: intent.CreateTopic, Slots: map[string]string{"title": "Chess"}}, "topic chess is not active"},
		{"fact", "memory.stage", storeFact("", "remember: locker 12"), "fact was not staged"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, allow, Options{})
			h.loop.Actions().Register(ActionDef{Kind: tc.action, SideEffect: true}, func(_ context.Context, x *Exec) (string, error) {
				x.SetReply("Done.")
				return "pretended", nil
			})
			// topic.open would reject the missing vault before the check runs
			h.loop.Actions().Register(ActionDef{Kind: "topic.open"}, func(_ context.Context, x *Exec) (string, error) {
				return "skipped", nil
			})
			tc.in.CorrelationID = "c-" + tc.name
			s, _ := h.loop.Run(context.Background(), tc.in)
			if s.State != StateFailed || s.Reason != ReasonRetryExhausted {
				t.Fatalf("state %s reason %s", s.State, s.Reason)
			}
			if s.Check == nil || !strings.Contains(s.Check.Reason, tc.want) {
				t.Errorf("check %+v, want %q", s.Check, tc.want)
			}
		})
	}
}

func TestDraftNeitherDeliversNorSaves(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.caps.fn = func(*provider.InferRequest) (string, error) { return "  Hi chat!  ", nil }
	replies := h.bus.Subscribe("replies", event.Kinds(event.KindReply))

	draft, err := h.loop.Draft(context.Background(), intent.Intent{Kind: intent.Converse, CorrelationID: "c", SessionID: "chat", Text: "hello"})
	if err != nil || draft != "Hi chat!" {
		t.Fatalf("draft %q %v", draft, err)
	}
	if got := collect(replies, 50*time.Millisecond); len(got) != 0 {
		t.Errorf("draft was delivered: %+v", got)
	}
	if n := h.mem.Counts()[memory.TierSession]; n != 0 {
		t.Errorf("draft saved %d session records", n)
	}
}

func TestHeldDraftIsVerifiedNotRedrafted(t *testing.T) {
	h := newHarness(t, nil, Options{})
	var prompts []string
	var mu sync.Mutex
	h.caps.fn = func(req *provider.InferRequest) (string, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return "Hi viewer1, welcome in.", nil
	}
	s, _ := h.loop.Run(context.Background(), intent.Intent{
		Kind: intent.Converse, CorrelationID: "c-held", Text: "hi",
		Slots: map[string]string{"draft": "hey viewer1"},
	})
	if s.State != StateCompleted || s.Reply != "Hi viewer1, welcome in." {
		t.Fatalf("state %s reply %q", s.State, s.Reply)
	}
	if len(prompts) != 1 || !strings.Contains(prompts[0], "Draft answer: hey viewer1") {
		t.Errorf("inference prompts %q", prompts)
	}
}
