package core

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/command"
	"github.com/nidhogg/copartner/internal/event"
)

// Status is the health of one supervised component.
type Status string

const (
	Up       Status = "up"
	Degraded Status = "degraded"
	Down     Status = "down"
)

// Component names tracked besides per-capability and per-provider entries.
const (
	ComponentBus       = "event_bus"
	ComponentMemory    = "memory"
	ComponentReasoning = "reasoning"
	ComponentVision    = "vision"
	ComponentWorkers   = "workers"
	ComponentCloud     = "cloud"
)

// ComponentState is the last known status of a component.
type ComponentState struct {
	Status Status    `json:"status"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
}

// ComponentStatus returns a copy of every tracked component.
func (m *Manager) ComponentStatus() map[string]ComponentState {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	out := make(map[string]ComponentState, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// StatusAll lists components sorted by name for display.
func (m *Manager) StatusAll() []command.ComponentStatus {
	st := m.ComponentStatus()
	out := make([]command.ComponentStatus, 0, len(st))
	for name, s := range st {
		out = append(out, command.ComponentStatus{Name: name, Status: string(s.Status), Reason: s.Reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetUp marks component healthy, publishing system.restored if it was not.
func (m *Manager) SetUp(component string) {
	m.setStatus(component, Up, "", true)
}

// SetDegraded marks component as partially working.
func (m *Manager) SetDegraded(component, reason string) {
	m.setStatus(component, Degraded, reason, true)
}

// SetDown marks component unavailable. Only that component changes; the
// rest of the system keeps running.
func (m *Manager) SetDown(component, reason string) {
	m.setStatus(component, Down, reason, true)
}

// setStatus records a transition and announces it on the bus. Repeating
// the current status is a no-op. Transitions are announced in the order
// they were recorded.
func (m *Manager) setStatus(component string, s Status, reason string, announce bool) {
	m.announceMu.Lock()
	defer m.announceMu.Unlock()

	m.statusMu.Lock()
	prev, known := m.status[component]
	if known && prev.Status == s && prev.Reason == reason {
		m.statusMu.Unlock()
		return
	}
	m.status[component] = ComponentState{Status: s, Reason: reason, Since: time.Now()}
	m.statusMu.Unlock()

	if m.observer != nil {
		m.observer.ComponentChanged(component, string(s))
	}
	switch {
	case s == Up && known && prev.Status != Up:
		m.logger.Info("component restored", zap.String("component", component))
		if announce {
			m.publish(event.KindRestored, "", event.Restored{Component: component})
		}
	case s != Up && (!known || prev.Status != s || prev.Reason != reason):
		m.logger.Warn("component degraded",
			zap.String("component", component),
			zap.String("status", string(s)),
			zap.String("reason", reason))
		if announce {
			m.publish(event.KindDegraded, "", event.Degraded{Component: component, Reason: reason})
		}
	}
}

func (m *Manager) publish(kind event.Kind, cid string, p event.Payload) {
	e := event.Must(kind, cid, p)
	e.Source = "core"
	if err := m.bus.Publish(e); err != nil {
		m.logger.Debug("publish dropped", zap.String("kind", string(kind)), zap.Error(err))
	}
}
