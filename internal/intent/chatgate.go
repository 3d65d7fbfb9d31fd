package intent

import (
	"strings"
	"sync"
	"time"
)

// DefaultGatedSources are the input sources treated as audience chat.
var DefaultGatedSources = []string{"chat", "twitch", "youtube", "discord", "slack"}

// Suggestion is a chat request held back from speaking.
type Suggestion struct {
	Intent Intent    `json:"intent"`
	User   string    `json:"user,omitempty"`
	Source string    `json:"source"`
	Draft  string    `json:"draft,omitempty"`
	HeldAt time.Time `json:"held_at"`
}

// ChatGate decides whether a request gets answered out loud. Anything not
// from a gated source (voice, console, api) always is. Chat is answered
// when auto-reply is on or a one-shot respond-now is armed; otherwise the
// newest chat request is held as the single pending suggestion.
type ChatGate struct {
	gated map[string]bool

	mu         sync.Mutex
	autoReply  bool
	respondNow bool
	held       *Suggestion
}

// NewChatGate creates a gate over sources. A nil sources list means
// DefaultGatedSources.
func NewChatGate(sources []string, autoReply bool) *ChatGate {
	if sources == nil {
		sources = DefaultGatedSources
	}
	g := &ChatGate{gated: make(map[string]bool, len(sources)), autoReply: autoReply}
	for _, s := range sources {
		g.gated[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return g
}

// Gated reports whether source is audience chat.
func (g *ChatGate) Gated(source string) bool {
	return g.gated[strings.ToLower(strings.TrimSpace(source))]
}

// Admit reports whether in may be answered now. A held request replaces
// the previous suggestion, which is stale once newer chat arrives.
func (g *ChatGate) Admit(source, user string, in Intent) bool {
	if !g.Gated(source) {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = nil
	if g.autoReply {
		return true
	}
	if g.respondNow {
		g.respondNow = false
		return true
	}
	g.held = &Suggestion{Intent: in, User: user, Source: source, HeldAt: time.Now()}
	return false
}

// SetDraft attaches a drafted answer to the held suggestion for intentID.
// It reports false when that suggestion was already replaced or released.
func (g *ChatGate) SetDraft(intentID, draft string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil || g.held.Intent.ID != intentID {
		return false
	}
	g.held.Draft = draft
	return true
}

// Pending returns the held suggestion.
func (g *ChatGate) Pending() (Suggestion, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		return Suggestion{}, false
	}
	return *g.held, true
}

// Release takes the held suggestion out of the gate.
func (g *ChatGate) Release() (Suggestion, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		return Suggestion{}, false
	}
	s := *g.held
	g.held = nil
	return s, true
}

// RespondNow answers the held suggestion if there is one. Otherwise it arms
// a one-shot pass for the next chat request and reports false.
func (g *ChatGate) RespondNow() (Suggestion, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held != nil {
		s := *g.held
		g.held = nil
		return s, true
	}
	g.respondNow = true
	return Suggestion{}, false
}

// SetAutoReply turns answering every chat request on or off.
func (g *ChatGate) SetAutoReply(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoReply = on
}

// AutoReply reports whether chat is answered without a trigger.
func (g *ChatGate) AutoReply() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.autoReply
}
