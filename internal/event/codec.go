package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type wireEvent struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Source        string          `json:"source,omitempty"`
}

// Marshal encodes an event with its kind as the payload tag.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event, picking the payload variant from its kind.
// Unknown kinds are rejected rather than passed through untyped.
func Unmarshal(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            w.ID,
		Kind:          w.Kind,
		Payload:       payload,
		Timestamp:     w.Timestamp,
		CorrelationID: w.CorrelationID,
		Source:        w.Source,
	}, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindVoiceInput:
		p = &VoiceInput{}
	case KindTextInput:
		p = &TextInput{}
	case KindDeviceChange:
		p = &DeviceChange{}
	case KindApproval:
		p = &Approval{}
	case KindUserCancel:
		p = &UserCancel{}
	case KindReasoningCancel:
		p = &ReasoningCancel{}
	case KindReply:
		p = &Reply{}
	case KindSuggestion:
		p = &Suggestion{}
	case KindStateChanged:
		p = &StateChanged{}
	case KindDegraded:
		p = &Degraded{}
	case KindRestored:
		p = &Restored{}
	case KindMemoryUpdated:
		p = &MemoryUpdated{}
	case KindSubscriberError:
		p = &SubscriberError{}
	default:
		return nil, fmt.Errorf("decode event: unknown kind %q", kind)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return deref(p), nil
}

// deref turns the decoded pointer back into the value variant that
// producers publish, so subscribers can type-switch on values only.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *VoiceInput:
		return *v
	case *TextInput:
		return *v
	case *DeviceChange:
		return *v
	case *Approval:
		return *v
	case *UserCancel:
		return *v
	case *ReasoningCancel:
		return *v
	case *Reply:
		return *v
	case *Suggestion:
		return *v
	case *StateChanged:
		return *v
	case *Degraded:
		return *v
	case *Restored:
		return *v
	case *MemoryUpdated:
		return *v
	case *SubscriberError:
		return *v
	}
	return p
}
