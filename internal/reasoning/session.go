// Package reasoning runs one session per intent through the
// Planning → Acting → Checking → Saving state machine.
package reasoning

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/safety"
)

var (
	ErrPlanGenerationFailed = errors.New("plan generation failed")
	ErrCheckFailed          = errors.New("check failed")
	ErrRetryExhausted       = errors.New("check retry exhausted")
	ErrCancelled            = errors.New("session cancelled")
	ErrApprovalDeclined     = errors.New("approval declined")
	ErrApprovalExpired      = errors.New("approval expired")
	ErrActionFailed         = errors.New("action failed")
	ErrLoopClosed           = errors.New("reasoning loop closed")
)

// State of a session. Completed and Failed are terminal.
type State string

const (
	StatePlanning  State = "Planning"
	StateActing    State = "Acting"
	StateChecking  State = "Checking"
	StateSaving    State = "Saving"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Failure reasons recorded on Session.Reason. Causes from the error
// taxonomy keep their taxonomy name; loop outcomes are snake_case.
const (
	ReasonSafetyDenied          = "SafetyDenied"
	ReasonCapabilityUnavailable = "CapabilityUnavailable"
	ReasonCapabilityBusy        = "CapabilityBusy"
	ReasonPlanFailed            = "PlanGenerationFailed"
	ReasonRetryExhausted        = "check_retry_exhausted"
	ReasonCancelled             = "cancelled"
	ReasonApprovalDeclined      = "approval_declined"
	ReasonApprovalExpired       = "approval_expired"
	ReasonActionFailed          = "action_failed"
	ReasonMemoryWriteFailed     = "memory_write_failed"
)

// Step is one planned action.
type Step struct {
	Index       int               `json:"index"`
	Action      string            `json:"action"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params,omitempty"`
	SideEffect  bool              `json:"side_effect"`
	Network     bool              `json:"network"`
}

func (s Step) safetyAction() safety.Action {
	return safety.Action{
		Kind:        s.Action,
		Description: s.Description,
		Target:      s.Params["target"],
		SideEffect:  s.SideEffect,
		Network:     s.Network,
		Params:      s.Params,
	}
}

// Action log statuses.
const (
	StatusExecuted = "executed"
	StatusFailed   = "failed"
	StatusDenied   = "denied"
	StatusPending  = "pending"
	StatusDeclined = "declined"
)

// ActionRecord is one line of the action log. Only records with status
// "executed" or "failed" correspond to an action that actually ran.
type ActionRecord struct {
	Step        int             `json:"step"`
	Action      string          `json:"action"`
	Description string          `json:"description"`
	Decision    safety.Decision `json:"decision"`
	Approved    bool            `json:"approved,omitempty"`
	Status      string          `json:"status"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
}

// CheckResult is the outcome of one Checking pass.
type CheckResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Session is the externally visible state of one reasoning run. Values
// returned by the Loop are copies.
type Session struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	Intent        intent.Intent  `json:"intent"`
	State         State          `json:"state"`
	Plan          []Step         `json:"plan"`
	ActionLog     []ActionRecord `json:"action_log"`
	Check         *CheckResult   `json:"check,omitempty"`
	Retries       int            `json:"retries"`
	Reason        string         `json:"reason,omitempty"`
	Error         string         `json:"error,omitempty"`
	Reply         string         `json:"reply,omitempty"`
	RecordIDs     []string       `json:"record_ids,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at,omitzero"`

	err error
}

// Err is the cause of a Failed session.
func (s Session) Err() error { return s.err }

// Executed returns the action log entries whose action actually ran.
func (s Session) Executed() []ActionRecord {
	var out []ActionRecord
	for _, a := range s.ActionLog {
		if a.Status == StatusExecuted || a.Status == StatusFailed {
			out = append(out, a)
		}
	}
	return out
}

func (s Session) clone() Session {
	c := s
	c.Plan = make([]Step, len(s.Plan))
	for i, st := range s.Plan {
		st.Params = maps.Clone(st.Params)
		c.Plan[i] = st
	}
	c.ActionLog = slices.Clone(s.ActionLog)
	c.RecordIDs = slices.Clone(s.RecordIDs)
	if s.Check != nil {
		chk := *s.Check
		c.Check = &chk
	}
	return c
}

// scratch is the working state shared by the actions of one attempt.
type scratch struct {
	vars      map[string]string
	recalled  []memory.Record
	staged    []memory.Record
	reply     string
	duplicate bool
}

func newScratch() *scratch {
	return &scratch{vars: make(map[string]string)}
}
