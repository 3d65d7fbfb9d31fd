package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/reasoning"
	"github.com/nidhogg/copartner/internal/safety"
)

func TestOutcome(t *testing.T) {
	tests := map[string]error{
		"ok":          nil,
		"busy":        &provider.CapabilityError{Capability: provider.CapInference, Err: provider.ErrCapabilityBusy},
		"timeout":     fmt.Errorf("local: %w", provider.ErrProviderTimeout),
		"unavailable": provider.ErrProviderUnavailable,
		"rejected":    provider.ErrProviderRejected,
		"error":       errors.New("boom"),
	}
	for want, err := range tests {
		if got := Outcome(err); got != want {
			t.Errorf("Outcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestCollectorRecords(t *testing.T) {
	c := New(Config{})

	c.EventPublished(event.KindReply)
	c.EventPublished(event.KindReply)
	c.EventDropped("hud", event.KindStateChanged)
	c.ProviderCall("inference", "local", 120*time.Millisecond, nil)
	c.ProviderCall("inference", "cloud", time.Second, provider.ErrProviderUnavailable)
	c.GateDecision("memory.write", safety.AskPermission)
	start := time.Now()
	c.SessionFinished(reasoning.Session{
		Intent:    intent.Intent{Kind: intent.Converse},
		State:     reasoning.StateFailed,
		Reason:    "CapabilityUnavailable",
		StartedAt: start,
		EndedAt:   start.Add(2 * time.Second),
	})
	c.ComponentChanged("inference", "degraded")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"published", testutil.ToFloat64(c.eventsPublished.WithLabelValues("output.reply")), 2},
		{"dropped", testutil.ToFloat64(c.eventsDropped.WithLabelValues("hud", "reasoning.state_changed")), 1},
		{"ok calls", testutil.ToFloat64(c.providerCalls.WithLabelValues("inference", "local", "ok")), 1},
		{"unavailable calls", testutil.ToFloat64(c.providerCalls.WithLabelValues("inference", "cloud", "unavailable")), 1},
		{"verdicts", testutil.ToFloat64(c.gateVerdicts.WithLabelValues("memory.write", "ask")), 1},
		{"sessions", testutil.ToFloat64(c.sessions.WithLabelValues("converse", "Failed", "CapabilityUnavailable")), 1},
		{"component", testutil.ToFloat64(c.componentStatus.WithLabelValues("inference")), 0.5},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New(Config{})
	c.EventPublished(event.KindTextInput)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `copartner_bus_events_published_total{kind="input.text"} 1`) {
		t.Errorf("exposition missing counter:\n%s", body)
	}
}
