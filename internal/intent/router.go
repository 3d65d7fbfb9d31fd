package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/safety"
	"github.com/nidhogg/copartner/internal/skill"
)

// DefaultSession is the session key for input that names none.
const DefaultSession = "default"

// Capabilities is what the router needs from the provider layer.
type Capabilities interface {
	Infer(ctx context.Context, req *provider.InferRequest) (string, error)
	Transcribe(ctx context.Context, audio provider.Audio) (string, error)
}

// Vaults reports which topic vaults can take writes.
type Vaults interface {
	ActiveVault(slug string) bool
}

// Router classifies inbound events. Explicit pattern rules win; free text
// falls back to an inference call.
type Router struct {
	caps     Capabilities
	firewall *safety.Firewall
	skills   *skill.Manager
	vaults   Vaults
	floor    float64
	logger   *zap.Logger

	mu       sync.Mutex
	lastKind map[string]Kind  // session key -> last routed kind
	chains   map[string]chain // correlation id -> last routed kind
	topics   map[string]string
}

type chain struct {
	session string
	kind    Kind
}

// NewRouter creates a router. Intents whose best confidence is below floor
// become clarification_needed.
func NewRouter(caps Capabilities, skills *skill.Manager, vaults Vaults, floor float64, logger *zap.Logger) *Router {
	return &Router{
		caps:     caps,
		firewall: safety.NewFirewall(logger),
		skills:   skills,
		vaults:   vaults,
		floor:    floor,
		logger:   logger,
		lastKind: make(map[string]Kind),
		chains:   make(map[string]chain),
		topics:   make(map[string]string),
	}
}

// SetActiveTopic makes slug the routing hint for later input on sessionKey.
func (r *Router) SetActiveTopic(sessionKey, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slug == "" {
		delete(r.topics, sessionKey)
		return
	}
	r.topics[sessionKey] = slug
}

// ActiveTopic returns the topic hint for sessionKey if its vault is still
// active.
func (r *Router) ActiveTopic(sessionKey string) string {
	r.mu.Lock()
	slug := r.topics[sessionKey]
	r.mu.Unlock()
	if slug == "" || r.vaults == nil || !r.vaults.ActiveVault(slug) {
		return ""
	}
	return slug
}

// Forget drops the routing state of a session, including every
// correlation chain started in it.
func (r *Router) Forget(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics, sessionKey)
	delete(r.lastKind, sessionKey)
	for cid, c := range r.chains {
		if c.session == sessionKey {
			delete(r.chains, cid)
		}
	}
}

// EndChain drops the tie-break state of a finished correlation chain. The
// session keeps its own last kind.
func (r *Router) EndChain(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chains, correlationID)
}

// Chains reports how many correlation chains the router is tracking.
func (r *Router) Chains() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chains)
}

// Route returns the intent for e, or nil when the event kind carries no
// user request.
func (r *Router) Route(ctx context.Context, e event.Event) (*Intent, error) {
	var text, session string
	switch p := e.Payload.(type) {
	case event.TextInput:
		text, session = p.Text, p.SessionID
	case event.VoiceInput:
		t, err := r.caps.Transcribe(ctx, provider.Audio{Data: p.Audio, Format: p.Format})
		if err != nil {
			return nil, fmt.Errorf("transcribe: %w", err)
		}
		text, session = t, p.SessionID
	default:
		return nil, nil
	}
	if session == "" {
		session = DefaultSession
	}

	clean, flagged := r.firewall.Sanitize(strings.TrimSpace(text))
	in := &Intent{
		ID:             uuid.New().String(),
		SourceEventIDs: []string{e.ID},
		CorrelationID:  e.CorrelationID,
		SessionID:      session,
		RoutingHint:    RoutingHint{Topic: r.ActiveTopic(session)},
		Text:           clean,
		Flagged:        flagged,
	}

	switch {
	case strings.TrimSpace(strings.ReplaceAll(clean, safety.Blocked, "")) == "":
		in.Kind, in.Rule = ClarificationNeeded, "empty"
	default:
		if m, ok := r.matchRules(clean); ok {
			in.Kind, in.Confidence, in.Slots, in.Explicit, in.Rule = m.kind, 1, m.slots, m.explicit, m.rule
		} else {
			r.classify(ctx, in, session)
		}
	}

	r.mu.Lock()
	if e.CorrelationID != "" {
		r.chains[e.CorrelationID] = chain{session: session, kind: in.Kind}
	}
	r.lastKind[session] = in.Kind
	r.mu.Unlock()

	r.logger.Debug("routed",
		zap.String("correlation_id", in.CorrelationID),
		zap.String("kind", string(in.Kind)),
		zap.Float64("confidence", in.Confidence),
		zap.String("rule", in.Rule),
		zap.Strings("flagged", flagged))
	return in, nil
}

type ruleMatch struct {
	kind     Kind
	slots    map[string]string
	explicit bool
	rule     string
}

var (
	rememberRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:remember|note|save)(?:\s+that|\s*:)?\s+(.+)$`)
	modeRe     = regexp.MustCompile(`(?i)^(?:please\s+)?(?:switch|go|change|set)\s+(?:to\s+|mode\s+to\s+)?(offline[\s_-]?only|offline|hybrid|online)(?:\s+mode)?[.!]?$`)
	createRe   = regexp.MustCompile(`(?i)^(?:let's\s+)?(?:start|begin|create)\s+(?:a\s+)?new\s+(?:topic\s*:?\s*)?(.+?)(?:\s+topic)?[.!]?$`)
	openRe     = regexp.MustCompile(`(?i)^(?:open|resume|continue|back\s+to)\s+(?:the\s+|my\s+)?(topic\s*:?\s*)?(.+?)(\s+topic)?[.!]?$`)
	recallRe   = regexp.MustCompile(`(?i)^(?:what(?:'s|\s+is|\s+was|\s+are|\s+were)\s+my\b|do\s+you\s+remember\b|recall\b|what\s+do\s+you\s+know\s+about\b)`)
)

func (r *Router) matchRules(text string) (ruleMatch, bool) {
	if m := modeRe.FindStringSubmatch(text); m != nil {
		mode := "hybrid"
		if strings.HasPrefix(strings.ToLower(m[1]), "offline") {
			mode = "offline_only"
		}
		return ruleMatch{kind: SwitchMode, slots: map[string]string{"mode": mode}, rule: "pattern.mode"}, true
	}
	if m := rememberRe.FindStringSubmatch(text); m != nil {
		return ruleMatch{kind: StoreFact, slots: map[string]string{"fact": m[1]}, explicit: true, rule: "pattern.remember"}, true
	}
	if m := createRe.FindStringSubmatch(text); m != nil {
		return ruleMatch{kind: CreateTopic, slots: map[string]string{"title": m[1]}, rule: "pattern.create_topic"}, true
	}
	if m := openRe.FindStringSubmatch(text); m != nil {
		// without the word "topic" only an existing vault name counts
		named := m[1] != "" || m[3] != ""
		if named || (r.vaults != nil && r.vaults.ActiveVault(memory.Slugify(m[2]))) {
			return ruleMatch{kind: OpenTopic, slots: map[string]string{"title": m[2]}, rule: "pattern.open_topic"}, true
		}
	}
	if recallRe.MatchString(text) {
		return ruleMatch{kind: Recall, slots: map[string]string{"query": text}, rule: "pattern.recall"}, true
	}
	if r.skills != nil {
		if s, trigger := r.skills.Match(text); s != nil {
			return ruleMatch{kind: RunSkill, slots: map[string]string{"skill": s.ID, "trigger": trigger}, rule: "pattern.skill"}, true
		}
	}
	return ruleMatch{}, false
}

type candidate struct {
	Kind       Kind              `json:"kind"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
}

const classifyPrompt = `Classify the user's message for a personal assistant.
Respond with JSON only: {"candidates":[{"kind":"...","confidence":0.0,"slots":{}}]}
Kinds:
- converse: general conversation or a question to answer
- recall: asks about something the user told the assistant before (slots: query)
- store_fact: the user states a fact to keep (slots: fact)
- run_skill: the user wants one of the skills below (slots: skill)
- switch_mode: change between offline_only and hybrid (slots: mode)
- create_topic: start a new focus area (slots: title)
- open_topic: return to an existing focus area (slots: title)
Give at most three candidates with confidence between 0 and 1.`

func (r *Router) classify(ctx context.Context, in *Intent, session string) {
	system := classifyPrompt
	if r.skills != nil {
		var names []string
		for _, s := range r.skills.All() {
			names = append(names, s.ID+": "+s.Description)
		}
		if len(names) > 0 {
			system += "\nSkills:\n- " + strings.Join(names, "\n- ")
		}
	}
	raw, err := r.caps.Infer(ctx, &provider.InferRequest{Prompt: in.Text, SystemContext: system})
	if err != nil {
		// no classifier available; plain conversation is the one kind that
		// cannot change anything
		r.logger.Warn("intent inference failed", zap.Error(err))
		in.Kind, in.Confidence, in.Rule = Converse, r.floor, "fallback.no_inference"
		if errors.Is(err, provider.ErrCapabilityUnavailable) {
			in.Rule = "fallback.capability_unavailable"
		}
		return
	}

	var parsed struct {
		Candidates []candidate `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(extractObject(raw)), &parsed); err != nil {
		r.logger.Warn("unparseable intent classification", zap.String("raw", raw), zap.Error(err))
	}

	r.mu.Lock()
	last := r.lastKind[session]
	if c, ok := r.chains[in.CorrelationID]; ok {
		last = c.kind
	}
	r.mu.Unlock()

	best, ok := r.pick(parsed.Candidates, last)
	if !ok || best.Confidence < r.floor {
		in.Kind, in.Rule = ClarificationNeeded, "inferred.below_floor"
		in.Confidence = best.Confidence
		in.Slots = map[string]string{"candidates": candidateKinds(parsed.Candidates)}
		return
	}
	in.Kind, in.Confidence, in.Slots, in.Rule = best.Kind, best.Confidence, best.Slots, "inferred"
}

// pick returns the usable candidate with the highest confidence, preferring
// last on a tie.
func (r *Router) pick(cands []candidate, last Kind) (candidate, bool) {
	var usable []candidate
	for _, c := range cands {
		if c.Kind == ClarificationNeeded || !c.Kind.Valid() || c.Kind.CommandOnly() || !r.complete(c) {
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return candidate{}, false
	}
	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].Confidence != usable[j].Confidence {
			return usable[i].Confidence > usable[j].Confidence
		}
		return usable[i].Kind == last && usable[j].Kind != last
	})
	return usable[0], true
}

// complete reports whether an inferred candidate carries the slots its kind
// needs.
func (r *Router) complete(c candidate) bool {
	slot := func(name string) string { return strings.TrimSpace(c.Slots[name]) }
	switch c.Kind {
	case SwitchMode:
		m := slot("mode")
		return m == "offline_only" || m == "hybrid"
	case CreateTopic, OpenTopic:
		return slot("title") != ""
	case RunSkill:
		return r.skills != nil && r.skills.Get(slot("skill")) != nil
	}
	return true
}

func candidateKinds(cands []candidate) string {
	var kinds []string
	for _, c := range cands {
		if c.Kind.Valid() && c.Kind != ClarificationNeeded && !c.Kind.CommandOnly() {
			kinds = append(kinds, string(c.Kind))
		}
	}
	return strings.Join(kinds, ",")
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
