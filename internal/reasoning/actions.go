package reasoning

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
)

// ActionFunc executes one plan step and returns a short output for the
// action log.
type ActionFunc func(ctx context.Context, x *Exec) (string, error)

// ActionDef describes an action kind to the planner and the safety gate.
type ActionDef struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	SideEffect  bool   `json:"side_effect"`
	Network     bool   `json:"network"`
}

// ActionRegistry holds the known actions and their handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	defs     map[string]ActionDef
	handlers map[string]ActionFunc
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		defs:     make(map[string]ActionDef),
		handlers: make(map[string]ActionFunc),
	}
}

// Register adds an action definition and its handler, replacing any
// existing one of the same kind.
func (r *ActionRegistry) Register(def ActionDef, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Kind] = def
	r.handlers[def.Kind] = fn
}

// Lookup returns the definition and handler for kind.
func (r *ActionRegistry) Lookup(kind string) (ActionDef, ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	return r.defs[kind], fn, ok
}

// Definitions returns every action sorted by kind.
func (r *ActionRegistry) Definitions() []ActionDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionDef, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Exec is what an action sees of its session.
type Exec struct {
	Intent intent.Intent
	Step   Step
	Mode   config.Mode

	loop    *Loop
	scratch *scratch
	mu      *sync.Mutex
}

// SessionKey is the session-tier namespace of the run.
func (x *Exec) SessionKey() string { return sessionKey(x.Intent) }

func (x *Exec) Var(name string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.scratch.vars[name]
}

func (x *Exec) SetVar(name, value string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.scratch.vars[name] = value
}

// Stage queues a record for the Save phase. Nothing is written before Save.
func (x *Exec) Stage(r memory.Record) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.scratch.staged = append(x.scratch.staged, r)
}

func (x *Exec) SetReply(text string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.scratch.reply = text
}

func (x *Exec) Reply() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.scratch.reply
}

func (x *Exec) markDuplicate() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.scratch.duplicate = true
}

func (x *Exec) setRecalled(rs []memory.Record) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.scratch.recalled = rs
}

func (x *Exec) recalled() []memory.Record {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.scratch.recalled
}

func sessionKey(in intent.Intent) string {
	if in.SessionID != "" {
		return in.SessionID
	}
	return in.CorrelationID
}

// RegisterBuiltinActions adds the actions every plan template uses.
func RegisterBuiltinActions(r *ActionRegistry) {
	r.Register(ActionDef{Kind: "memory.recall", Description: "Recall related memory"}, recallAction)
	r.Register(ActionDef{Kind: "recall.compose", Description: "Compose an answer from memory"}, composeRecallAction)
	r.Register(ActionDef{Kind: "reply.draft", Description: "Draft a reply"}, draftAction)
	r.Register(ActionDef{Kind: "reply.verify", Description: "Check the draft against the request"}, verifyAction)
	r.Register(ActionDef{Kind: "reply.deliver", Description: "Finalize the reply"}, deliverAction)
	r.Register(ActionDef{Kind: "fact.normalize", Description: "Normalize the stated fact"}, normalizeFactAction)
	r.Register(ActionDef{Kind: "memory.dedup_check", Description: "Look for the fact in long-term memory"}, dedupAction)
	r.Register(ActionDef{Kind: "memory.stage", Description: "Stage a memory write", SideEffect: true}, stageAction)
	r.Register(ActionDef{Kind: "mode.check", Description: "Validate the requested mode"}, modeCheckAction)
	r.Register(ActionDef{Kind: "mode.switch", Description: "Switch operating mode", SideEffect: true}, modeSwitchAction)
	r.Register(ActionDef{Kind: "topic.check", Description: "Resolve the topic vault"}, topicCheckAction)
	r.Register(ActionDef{Kind: "topic.create", Description: "Create a topic vault", SideEffect: true}, topicCreateAction)
	r.Register(ActionDef{Kind: "topic.open", Description: "Make a topic vault active"}, topicOpenAction)
	r.Register(ActionDef{Kind: "topic.archive", Description: "Archive a topic vault", SideEffect: true}, topicArchiveAction)
	r.Register(ActionDef{Kind: "memory.lookup", Description: "Find the memory record to purge"}, memoryLookupAction)
	r.Register(ActionDef{Kind: "memory.purge", Description: "Purge a memory record and its history", SideEffect: true}, memoryPurgeAction)
	r.Register(ActionDef{Kind: "profile.check", Description: "Validate the requested safety profile"}, profileCheckAction)
	r.Register(ActionDef{Kind: "safety.profile", Description: "Switch the safety rule profile", SideEffect: true}, profileSwitchAction)
	r.Register(ActionDef{Kind: "skill.invoke", Description: "Run a skill prompt"}, skillAction)
	r.Register(ActionDef{Kind: "clarify.analyze", Description: "Work out what is ambiguous"}, clarifyAnalyzeAction)
	r.Register(ActionDef{Kind: "clarify.ask", Description: "Ask the user to clarify"}, clarifyAskAction)
}

const recallLimit = 10

var recallBudget = memory.ContextBudget{MaxTokens: 2000, MaxBlocks: 3 * recallLimit}

func recallAction(_ context.Context, x *Exec) (string, error) {
	mem := x.loop.deps.Memory
	var out []memory.Record
	add := func(q memory.Query) error {
		rs, err := mem.Read(q)
		if err != nil {
			return err
		}
		out = append(out, rs...)
		return nil
	}
	if err := add(memory.Query{Tier: memory.TierLongTerm, Limit: recallLimit}); err != nil {
		return "", err
	}
	if t := x.Intent.RoutingHint.Topic; t != "" && mem.ActiveVault(t) {
		if err := add(memory.Query{Tier: memory.TierTopic, Topic: t, Limit: recallLimit}); err != nil {
			return "", err
		}
	}
	if err := add(memory.Query{Tier: memory.TierSession, SessionID: x.SessionKey(), Limit: recallLimit}); err != nil {
		return "", err
	}
	var kws []string
	if x.Intent.Kind == intent.Recall {
		kws = keywords(x.Intent.Text)
	}
	blocks := memory.BuildContext(out, kws, recallBudget)
	x.setRecalled(memory.Records(blocks))
	x.SetVar("context", memory.FormatContext(blocks))
	return fmt.Sprintf("recalled %d records", len(blocks)), nil
}

var stopWords = map[string]bool{
	"what": true, "whats": true, "is": true, "my": true, "the": true, "do": true,
	"you": true, "remember": true, "about": true, "was": true, "are": true,
	"did": true, "tell": true, "me": true, "i": true, "a": true, "an": true,
	"of": true, "know": true, "recall": true, "which": true,
}

func keywords(text string) []string {
	var out []string
	for _, w := range strings.Fields(memory.Normalize(text)) {
		w = strings.TrimSuffix(w, "s")
		if len(w) < 2 || stopWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

func composeRecallAction(_ context.Context, x *Exec) (string, error) {
	rs := x.recalled()
	var facts []string
	for _, r := range rs {
		if r.Tier == memory.TierSession && r.Kind == memory.KindNote {
			continue
		}
		facts = append(facts, r.Content)
	}
	if len(facts) == 0 {
		x.SetReply("I don't have anything saved about that yet.")
		return "nothing found", nil
	}
	x.SetReply("Here's what I have: " + strings.Join(facts, "; ") + ".")
	return fmt.Sprintf("%d facts", len(facts)), nil
}

const persona = "You are Copartner, a local-first personal assistant. " +
	"Answer in one to three short sentences. Never claim to have done something you did not do."

func draftAction(ctx context.Context, x *Exec) (string, error) {
	if held := x.Intent.Slot("draft"); held != "" && x.Step.Params["adjust"] == "" {
		x.SetVar("draft", held)
		return "held draft", nil
	}
	system := persona
	if c := x.Var("context"); c != "" {
		system += "\n\nWhat you remember:\n" + c
	}
	if note := x.Step.Params["adjust"]; note != "" {
		system += "\n\nA previous answer was rejected: " + note
	}
	text, err := x.loop.infer(ctx, system, x.Intent.Text)
	if err != nil {
		return "", err
	}
	x.SetVar("draft", strings.TrimSpace(text))
	return "drafted", nil
}

func verifyAction(ctx context.Context, x *Exec) (string, error) {
	draft := x.Var("draft")
	if draft == "" {
		return "", fmt.Errorf("%w: nothing to verify", ErrActionFailed)
	}
	prompt := fmt.Sprintf("Request: %s\n\nDraft answer: %s\n\n"+
		"If the draft answers the request, repeat it unchanged. Otherwise write a corrected answer. "+
		"Output only the final answer.", x.Intent.Text, draft)
	text, err := x.loop.infer(ctx, persona, prompt)
	if err != nil {
		return "", err
	}
	final := strings.TrimSpace(text)
	if final == "" {
		final = draft
	}
	x.SetReply(final)
	return "verified", nil
}

func deliverAction(_ context.Context, x *Exec) (string, error) {
	reply := strings.TrimSpace(x.Reply())
	if reply == "" {
		reply = x.Var("draft")
		x.SetReply(reply)
	}
	return reply, nil
}

var factPrefixes = []string{"remember that", "remember:", "remember", "note that", "note:", "save:"}

var (
	factDrop = map[string]bool{"my": true, "our": true, "is": true, "are": true, "was": true, "am": true, "=": true}
)

// NormalizeFact rewrites a stated fact into its stored form:
// "remember: my car's plate is ABC123" becomes "car plate ABC123".
func NormalizeFact(text string) string {
	t := strings.TrimSpace(text)
	lowered := strings.ToLower(t)
	for _, p := range factPrefixes {
		if strings.HasPrefix(lowered, p) {
			t = strings.TrimSpace(t[len(p):])
			break
		}
	}
	var words []string
	for _, w := range strings.Fields(t) {
		w = strings.TrimRight(w, ".!,;")
		if w == "" || factDrop[strings.ToLower(w)] {
			continue
		}
		w = strings.TrimSuffix(strings.TrimSuffix(w, "'s"), "’s")
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func normalizeFactAction(_ context.Context, x *Exec) (string, error) {
	raw := x.Intent.Slot("fact")
	if raw == "" {
		raw = x.Intent.Text
	}
	fact := NormalizeFact(raw)
	if fact == "" {
		return "", fmt.Errorf("%w: no fact to store", memory.ErrInvalidRecord)
	}
	x.SetVar("fact", fact)
	return fact, nil
}

func dedupAction(_ context.Context, x *Exec) (string, error) {
	if r, ok := x.loop.deps.Memory.FindByHash(x.Var("fact")); ok {
		x.markDuplicate()
		x.SetVar("existing_id", r.ID)
		return "already stored as " + r.ID, nil
	}
	return "new fact", nil
}

func stageAction(_ context.Context, x *Exec) (string, error) {
	if x.Var("existing_id") != "" {
		x.SetReply("I already have that saved.")
		return "skipped duplicate", nil
	}
	kind := memory.RecordKind(x.Intent.Slot("kind"))
	if kind == "" {
		kind = memory.KindFact
	}
	x.Stage(memory.Record{Kind: kind, Content: x.Var("fact")})
	x.SetReply("Got it — saved.")
	return "staged", nil
}

func modeCheckAction(_ context.Context, x *Exec) (string, error) {
	target := config.Mode(x.Intent.Slot("mode"))
	if !target.Valid() {
		return "", fmt.Errorf("%w: unknown mode %q", ErrActionFailed, target)
	}
	x.SetVar("mode", string(target))
	if target == x.Mode {
		x.SetVar("mode_noop", "1")
	}
	return string(target), nil
}

func modeSwitchAction(_ context.Context, x *Exec) (string, error) {
	target := config.Mode(x.Var("mode"))
	if x.Var("mode_noop") != "" {
		x.SetReply(fmt.Sprintf("I'm already in %s mode.", modeLabel(target)))
		return "unchanged", nil
	}
	if err := x.loop.deps.Mode.SetMode(target); err != nil {
		return "", err
	}
	x.SetReply(fmt.Sprintf("Switched to %s mode.", modeLabel(target)))
	return string(target), nil
}

func modeLabel(m config.Mode) string {
	if m == config.ModeOfflineOnly {
		return "offline-only"
	}
	return string(m)
}

func topicCheckAction(_ context.Context, x *Exec) (string, error) {
	title := strings.TrimSpace(x.Intent.Slot("title"))
	if title == "" {
		title = x.Intent.RoutingHint.Topic
	}
	slug := memory.Slugify(title)
	if slug == "" {
		return "", fmt.Errorf("%w: no topic named", memory.ErrInvalidTopic)
	}
	x.SetVar("title", title)
	x.SetVar("slug", slug)
	v, ok := x.loop.deps.Memory.Vault(slug)
	switch {
	case !ok:
		return "new topic " + slug, nil
	case v.Status == memory.VaultArchived:
		x.SetVar("archived", "1")
		return "archived topic " + slug, nil
	default:
		x.SetVar("exists", "1")
		x.SetVar("title", v.Title)
		return "existing topic " + slug, nil
	}
}

func topicCreateAction(ctx context.Context, x *Exec) (string, error) {
	if x.Var("exists") != "" {
		return "already exists", nil
	}
	if x.Var("archived") != "" {
		return "", fmt.Errorf("%w: %s", memory.ErrVaultArchived, x.Var("slug"))
	}
	v, err := x.loop.deps.Memory.CreateVault(ctx, x.Intent.Slot("category"), x.Var("title"))
	if err != nil {
		return "", err
	}
	x.SetVar("created", "1")
	return "created " + v.Slug, nil
}

func topicOpenAction(_ context.Context, x *Exec) (string, error) {
	slug := x.Var("slug")
	if !x.loop.deps.Memory.ActiveVault(slug) {
		return "", fmt.Errorf("%w: %s is not an active topic", memory.ErrInvalidTopic, slug)
	}
	if x.loop.deps.Topics != nil {
		x.loop.deps.Topics.SetActiveTopic(x.SessionKey(), slug)
	}
	if x.Var("created") != "" {
		x.SetReply(fmt.Sprintf("Started a new topic: %s.", x.Var("title")))
	} else {
		x.SetReply(fmt.Sprintf("Opened topic %s.", x.Var("title")))
	}
	return slug, nil
}

func topicArchiveAction(ctx context.Context, x *Exec) (string, error) {
	slug := x.Var("slug")
	if x.Var("exists") == "" && x.Var("archived") == "" {
		return "", fmt.Errorf("%w: no topic %q", memory.ErrInvalidTopic, slug)
	}
	if x.Var("archived") != "" {
		x.SetReply(fmt.Sprintf("Topic %s is already archived.", x.Var("title")))
		return "already archived", nil
	}
	if _, err := x.loop.deps.Memory.ArchiveVault(ctx, slug); err != nil {
		return "", err
	}
	x.SetReply(fmt.Sprintf("Archived topic %s.", x.Var("title")))
	return "archived " + slug, nil
}

func memoryLookupAction(_ context.Context, x *Exec) (string, error) {
	id := strings.TrimSpace(x.Intent.Slot("target"))
	r, err := x.loop.deps.Memory.Get(id)
	if err != nil {
		return "", err
	}
	x.SetVar("record_id", r.ID)
	return fmt.Sprintf("%s %s: %s", r.Tier, r.ID, r.Content), nil
}

func memoryPurgeAction(ctx context.Context, x *Exec) (string, error) {
	ids, err := x.loop.deps.Memory.Purge(ctx, x.Var("record_id"))
	if err != nil {
		return "", err
	}
	x.SetReply(fmt.Sprintf("Purged %d record(s).", len(ids)))
	return strings.Join(ids, ","), nil
}

func profileCheckAction(_ context.Context, x *Exec) (string, error) {
	ps := x.loop.deps.Profiles
	if ps == nil {
		return "", fmt.Errorf("%w: safety profiles cannot be switched here", ErrActionFailed)
	}
	name := strings.TrimSpace(x.Intent.Slot("profile"))
	if !slices.Contains(ps.Names(), name) {
		return "", fmt.Errorf("%w: unknown safety profile %q", ErrActionFailed, name)
	}
	x.SetVar("profile", name)
	if ps.Active() == name {
		x.SetVar("profile_noop", "1")
	}
	return name, nil
}

func profileSwitchAction(_ context.Context, x *Exec) (string, error) {
	name := x.Var("profile")
	if x.Var("profile_noop") != "" {
		x.SetReply(fmt.Sprintf("The %s safety profile is already active.", name))
		return "unchanged", nil
	}
	if err := x.loop.deps.Profiles.Use(name); err != nil {
		return "", err
	}
	x.SetReply(fmt.Sprintf("Safety profile switched to %s.", name))
	return name, nil
}

func skillAction(ctx context.Context, x *Exec) (string, error) {
	id := x.Step.Params["skill"]
	if id == "" {
		id = x.Intent.Slot("skill")
	}
	if x.loop.deps.Skills == nil {
		return "", fmt.Errorf("%w: no skills loaded", ErrActionFailed)
	}
	s := x.loop.deps.Skills.Get(id)
	if s == nil {
		return "", fmt.Errorf("%w: unknown skill %q", ErrActionFailed, id)
	}
	system := persona + "\n\n" + s.PromptFragment
	if c := x.Var("context"); c != "" {
		system += "\n\nWhat you remember:\n" + c
	}
	text, err := x.loop.infer(ctx, system, x.Intent.Text)
	if err != nil {
		return "", err
	}
	x.SetVar("draft", strings.TrimSpace(text))
	return s.ID, nil
}

func clarifyAnalyzeAction(_ context.Context, x *Exec) (string, error) {
	cands := x.Intent.Slot("candidates")
	if cands == "" {
		cands = "none"
	}
	x.SetVar("candidates", cands)
	return cands, nil
}

func clarifyAskAction(_ context.Context, x *Exec) (string, error) {
	text := strings.TrimSpace(x.Intent.Text)
	var reply string
	switch {
	case text == "":
		reply = "I didn't catch that. Could you say it again?"
	case x.Var("candidates") != "none":
		reply = fmt.Sprintf("I'm not sure what you want me to do with %q. Did you mean one of: %s?",
			text, strings.ReplaceAll(x.Var("candidates"), ",", ", "))
	default:
		reply = fmt.Sprintf("I'm not sure what you want me to do with %q. Could you rephrase it?", text)
	}
	x.SetReply(reply)
	return "asked", nil
}
