// Package intent turns inbound events into at most one Intent each.
package intent

// Kind enumerates what the user wants.
type Kind string

const (
	Converse            Kind = "converse"
	Recall              Kind = "recall"
	StoreFact           Kind = "store_fact"
	RunSkill            Kind = "run_skill"
	SwitchMode          Kind = "switch_mode"
	CreateTopic         Kind = "create_topic"
	OpenTopic           Kind = "open_topic"
	ClarificationNeeded Kind = "clarification_needed"

	// Issued by commands only; the classifier never picks these.
	PurgeMemory   Kind = "purge_memory"
	ArchiveTopic  Kind = "archive_topic"
	SwitchProfile Kind = "switch_profile"
)

var knownKinds = map[Kind]bool{
	Converse: true, Recall: true, StoreFact: true, RunSkill: true,
	SwitchMode: true, CreateTopic: true, OpenTopic: true, ClarificationNeeded: true,
	PurgeMemory: true, ArchiveTopic: true, SwitchProfile: true,
}

var commandKinds = map[Kind]bool{PurgeMemory: true, ArchiveTopic: true, SwitchProfile: true}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return knownKinds[k] }

// CommandOnly reports whether k may only come from an explicit command.
func (k Kind) CommandOnly() bool { return commandKinds[k] }

// RoutingHint tells the Save phase which topic vault applies, if any.
type RoutingHint struct {
	Topic string `json:"topic,omitempty"`
}

// Intent is handed by value to the reasoning loop and not changed after.
type Intent struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Confidence     float64           `json:"confidence"`
	SourceEventIDs []string          `json:"source_event_ids"`
	CorrelationID  string            `json:"correlation_id"`
	SessionID      string            `json:"session_id,omitempty"`
	RoutingHint    RoutingHint       `json:"routing_hint"`
	Text           string            `json:"text"`
	Slots          map[string]string `json:"slots,omitempty"`
	// Explicit is set when the user directly asked for something to be
	// remembered.
	Explicit bool     `json:"explicit,omitempty"`
	Flagged  []string `json:"flagged,omitempty"`
	Rule     string   `json:"rule,omitempty"`
}

// Slot returns a slot value or "".
func (i Intent) Slot(name string) string {
	if i.Slots == nil {
		return ""
	}
	return i.Slots[name]
}
