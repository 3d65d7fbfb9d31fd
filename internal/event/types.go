// Package event defines the immutable Event record, its kind-tagged payload
// variants and the in-process Bus that connects every component.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags an Event and selects its payload variant.
type Kind string

// Inbound kinds, produced by I/O collaborators.
const (
	KindVoiceInput   Kind = "input.voice"
	KindTextInput    Kind = "input.text"
	KindDeviceChange Kind = "system.device_change"
	KindApproval     Kind = "user.approval"
	KindUserCancel   Kind = "user.cancel"
)

// Outbound and internal kinds.
const (
	KindReply           Kind = "output.reply"
	KindSuggestion      Kind = "output.suggestion"
	KindStateChanged    Kind = "reasoning.state_changed"
	KindReasoningCancel Kind = "reasoning.cancel"
	KindDegraded        Kind = "system.degraded"
	KindRestored        Kind = "system.restored"
	KindMemoryUpdated   Kind = "memory.updated"
	KindSubscriberError Kind = "system.subscriber_error"
)

// Event is published once and never mutated afterwards.
type Event struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	// Source names the producer. Used for logging and to keep the Redis
	// bridge from echoing remote events back out.
	Source string `json:"source,omitempty"`
}

// Payload is implemented by every kind-specific payload struct.
type Payload interface {
	Kind() Kind
}

// New builds an Event, assigning an id and timestamp. An empty correlationID
// starts a new correlation chain rooted at this event.
func New(kind Kind, correlationID string, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("event %s: nil payload", kind)
	}
	if payload.Kind() != kind {
		return Event{}, fmt.Errorf("event %s: payload is %s", kind, payload.Kind())
	}
	id := uuid.New().String()
	if correlationID == "" {
		correlationID = id
	}
	return Event{
		ID:            id,
		Kind:          kind,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}, nil
}

// Must is New for call sites whose kind/payload pairing is static.
func Must(kind Kind, correlationID string, payload Payload) Event {
	e, err := New(kind, correlationID, payload)
	if err != nil {
		panic(err)
	}
	return e
}

// VoiceInput carries raw captured audio.
type VoiceInput struct {
	Audio     []byte `json:"audio"`
	Format    string `json:"format,omitempty"` // wav, pcm16, ...
	SessionID string `json:"session_id,omitempty"`
}

func (VoiceInput) Kind() Kind { return KindVoiceInput }

// TextInput is typed or already-transcribed user text.
type TextInput struct {
	Text      string `json:"text"`
	User      string `json:"user,omitempty"`
	Source    string `json:"source,omitempty"` // cli, hud, voice_input, chat, ...
	SessionID string `json:"session_id,omitempty"`
	// Role is the chat role of User (everyone, subscriber, vip, moderator,
	// broadcaster). Empty takes the source's default.
	Role string `json:"role,omitempty"`
}

func (TextInput) Kind() Kind { return KindTextInput }

// DeviceChange reports an input/output or vision device appearing or leaving.
type DeviceChange struct {
	Device    string `json:"device"`
	Class     string `json:"class"` // camera, microphone, speaker, worker
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

func (DeviceChange) Kind() Kind { return KindDeviceChange }

// Approval resolves a pending AskPermission for the event's correlation id.
type Approval struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (Approval) Kind() Kind { return KindApproval }

// UserCancel asks to abandon the session on the event's correlation id.
type UserCancel struct {
	Reason string `json:"reason,omitempty"`
}

func (UserCancel) Kind() Kind { return KindUserCancel }

// ReasoningCancel is the internal form of a cancellation request.
type ReasoningCancel struct {
	Reason string `json:"reason,omitempty"`
}

func (ReasoningCancel) Kind() Kind { return KindReasoningCancel }

// Reply is text for the speech/UI collaborators.
type Reply struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	Final     bool   `json:"final"`
}

func (Reply) Kind() Kind { return KindReply }

// Suggestion is a drafted answer to chat input that was held back from
// speaking. It is shown to the operator, never spoken.
type Suggestion struct {
	Text      string `json:"text"`
	Draft     string `json:"draft,omitempty"`
	User      string `json:"user,omitempty"`
	Source    string `json:"source,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (Suggestion) Kind() Kind { return KindSuggestion }

// StateChanged is emitted on every reasoning session transition.
type StateChanged struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
}

func (StateChanged) Kind() Kind { return KindStateChanged }

// Degraded reports a single capability or component going down.
type Degraded struct {
	Component string `json:"component"`
	Reason    string `json:"reason"`
}

func (Degraded) Kind() Kind { return KindDegraded }

// Restored reports a previously degraded component coming back.
type Restored struct {
	Component string `json:"component"`
}

func (Restored) Kind() Kind { return KindRestored }

// MemoryUpdated is emitted after the Save phase writes records.
type MemoryUpdated struct {
	Tier     string   `json:"tier"`
	Topic    string   `json:"topic,omitempty"`
	RecordID []string `json:"record_ids,omitempty"`
}

func (MemoryUpdated) Kind() Kind { return KindMemoryUpdated }

// SubscriberError reports a failing subscriber callback.
type SubscriberError struct {
	Subscriber string `json:"subscriber"`
	EventID    string `json:"event_id"`
	EventKind  Kind   `json:"event_kind"`
	Error      string `json:"error"`
}

func (SubscriberError) Kind() Kind { return KindSubscriberError }
