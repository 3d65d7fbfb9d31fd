package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/core"
	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/reasoning"
	"github.com/nidhogg/copartner/internal/store"
)

type echoBackend struct{}

func (echoBackend) ID() string                        { return "local" }
func (echoBackend) Name() string                      { return "local" }
func (echoBackend) HealthCheck(context.Context) error { return nil }

func (echoBackend) Infer(_ context.Context, req *provider.InferRequest) (string, error) {
	if strings.HasPrefix(req.SystemContext, "Classify") {
		return `{"candidates":[{"kind":"converse","confidence":0.9}]}`, nil
	}
	return "Hi from the local model.", nil
}

// newTestHandler creates a Handler over a started core with one offline
// backend and, when withStore is set, a SQLite archive.
func newTestHandler(t *testing.T, withStore bool) (*Handler, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.Default()
	cfg.Mode = config.ModeOfflineOnly
	cfg.MachineRole = "main"
	cfg.Health.IntervalMS = int(time.Hour / time.Millisecond)

	reg := provider.NewRegistry(logger)
	if err := reg.Register(echoBackend{}, provider.Descriptor{Capability: provider.CapInference, OfflineCapable: true}); err != nil {
		t.Fatal(err)
	}

	var (
		st       *store.Store
		archiver reasoning.Archiver
	)
	if withStore {
		var err error
		st, err = store.Open(context.Background(), filepath.Join(t.TempDir(), "copartner.db"), logger)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		archiver = st
	}

	c, err := core.New(cfg, core.Deps{
		Registry: reg,
		Bus:      event.NewBus(event.Config{QueueSize: 256}, logger),
		Memory:   memory.NewManager(memory.NewMemLog(), nil, logger),
		Archiver: archiver,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "copartner_up 1\n")
	})
	h := NewHandler(c, st, metrics, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return h, ts
}

func sendJSON(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, ts.URL+path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	return sendJSON(t, ts, http.MethodPost, path, body)
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	return sendJSON(t, ts, http.MethodGet, path, nil)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestHandler(t, false)

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, 200)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" || body["mode"] != "offline_only" {
		t.Errorf("unexpected health %v", body)
	}
}

func TestStatusListsComponents(t *testing.T) {
	_, ts := newTestHandler(t, false)

	resp := getJSON(t, ts, "/api/status")
	expectStatus(t, resp, 200)
	var body struct {
		Mode       string                         `json:"mode"`
		Components map[string]core.ComponentState `json:"components"`
	}
	decodeJSON(t, resp, &body)
	if body.Components["inference"].Status != core.Up {
		t.Errorf("inference %+v", body.Components["inference"])
	}
	if body.Components["stt"].Status != core.Down {
		t.Errorf("stt %+v", body.Components["stt"])
	}
}

// approveAndWait answers a 202 from a gated endpoint and waits until cond.
func approveAndWait(t *testing.T, ts *httptest.Server, resp *http.Response, what string, cond func() bool) {
	t.Helper()
	expectStatus(t, resp, http.StatusAccepted)
	var out textResponse
	decodeJSON(t, resp, &out)
	if out.AwaitingApproval == "" || out.CorrelationID == "" {
		t.Fatalf("%s: not awaiting approval %+v", what, out)
	}
	resp = postJSON(t, ts, "/api/approvals/"+out.CorrelationID, map[string]bool{"approved": true})
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: not applied after approval", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSetModeAsksBeforeGoingOnline(t *testing.T) {
	h, ts := newTestHandler(t, false)

	resp := sendJSON(t, ts, http.MethodPut, "/api/mode", map[string]string{"mode": "hybrid"})
	if h.core.Mode() != config.ModeOfflineOnly {
		t.Fatalf("mode switched before approval: %s", h.core.Mode())
	}
	approveAndWait(t, ts, resp, "mode", func() bool { return h.core.Mode() == config.ModeHybrid })

	// going back offline needs no confirmation
	resp = sendJSON(t, ts, http.MethodPut, "/api/mode", map[string]string{"mode": "offline_only"})
	expectStatus(t, resp, http.StatusOK)
	var out textResponse
	decodeJSON(t, resp, &out)
	if !out.Final || h.core.Mode() != config.ModeOfflineOnly {
		t.Errorf("reply %+v mode %s", out, h.core.Mode())
	}

	resp = sendJSON(t, ts, http.MethodPut, "/api/mode", map[string]string{"mode": "airplane"})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestTextInputWaitsForReply(t *testing.T) {
	_, ts := newTestHandler(t, true)

	resp := postJSON(t, ts, "/api/input/text", map[string]string{"text": "how are you?"})
	expectStatus(t, resp, 200)
	var out textResponse
	decodeJSON(t, resp, &out)
	if out.Reply != "Hi from the local model." || !out.Final || out.CorrelationID == "" {
		t.Fatalf("unexpected reply %+v", out)
	}

	resp = getJSON(t, ts, "/api/sessions/"+out.CorrelationID)
	expectStatus(t, resp, 200)
	var sess reasoning.Session
	decodeJSON(t, resp, &sess)
	if sess.State != reasoning.StateCompleted || sess.Reply != out.Reply {
		t.Errorf("session %+v", sess)
	}

	resp = getJSON(t, ts, "/api/sessions")
	expectStatus(t, resp, 200)
	var list []store.SessionSummary
	decodeJSON(t, resp, &list)
	if len(list) != 1 || list[0].CorrelationID != out.CorrelationID {
		t.Errorf("archive listing %+v", list)
	}
}

func TestTextInputSlashCommand(t *testing.T) {
	_, ts := newTestHandler(t, false)

	resp := postJSON(t, ts, "/api/input/text", map[string]string{"text": "/ping"})
	expectStatus(t, resp, 200)
	var out textResponse
	decodeJSON(t, resp, &out)
	if out.Reply != "pong" {
		t.Errorf("reply %q", out.Reply)
	}

	resp = postJSON(t, ts, "/api/input/text", map[string]string{"text": "  "})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestApprovalAndCancelNeedLiveSession(t *testing.T) {
	_, ts := newTestHandler(t, false)

	resp := postJSON(t, ts, "/api/approvals/nope", map[string]bool{"approved": true})
	expectStatus(t, resp, 404)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/cancel/nope", nil)
	expectStatus(t, resp, 404)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/sessions/nope")
	expectStatus(t, resp, 404)
	resp.Body.Close()
}

func TestTopicLifecycle(t *testing.T) {
	h, ts := newTestHandler(t, false)

	resp := postJSON(t, ts, "/api/topics", map[string]string{"category": "projects", "title": "Garden Shed"})
	expectStatus(t, resp, 201)
	var v memory.Vault
	decodeJSON(t, resp, &v)
	if v.Slug == "" || v.Status != memory.VaultActive {
		t.Fatalf("vault %+v", v)
	}

	resp = postJSON(t, ts, "/api/topics", map[string]string{"category": "projects", "title": "Garden Shed"})
	expectStatus(t, resp, 409)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/topics/"+v.Slug+"/archive", nil)
	approveAndWait(t, ts, resp, "archive", func() bool {
		got, _ := h.core.Memory().Vault(v.Slug)
		return got.Status == memory.VaultArchived
	})

	resp = postJSON(t, ts, "/api/topics/"+v.Slug+"/archive", nil)
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/topics/no-such-topic/archive", nil)
	expectStatus(t, resp, 404)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/topics")
	expectStatus(t, resp, 200)
	var vaults []memory.Vault
	decodeJSON(t, resp, &vaults)
	if len(vaults) != 1 || vaults[0].Status != memory.VaultArchived {
		t.Errorf("vaults %+v", vaults)
	}

	resp = postJSON(t, ts, "/api/topics", map[string]string{"title": "missing category"})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestMemoryEndpoints(t *testing.T) {
	h, ts := newTestHandler(t, false)
	rec, err := h.core.Memory().Write(context.Background(), memory.Record{
		Tier:    memory.TierLongTerm,
		Kind:    memory.KindFact,
		Content: "The user's sister is called Ana.",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := getJSON(t, ts, "/api/memory")
	expectStatus(t, resp, 200)
	var recs []memory.Record
	decodeJSON(t, resp, &recs)
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("records %+v", recs)
	}

	resp = sendJSON(t, ts, http.MethodDelete, "/api/memory/"+rec.ID, nil)
	if _, err := h.core.Memory().Get(rec.ID); err != nil {
		t.Fatalf("record purged before approval: %v", err)
	}
	approveAndWait(t, ts, resp, "purge", func() bool {
		_, err := h.core.Memory().Get(rec.ID)
		return errors.Is(err, memory.ErrNotFound)
	})

	resp = sendJSON(t, ts, http.MethodDelete, "/api/memory/"+rec.ID, nil)
	expectStatus(t, resp, 404)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/memory?tier=session")
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestProviderHotSwap(t *testing.T) {
	t.Setenv(store.EncryptKeyEnv, "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	h, ts := newTestHandler(t, true)

	resp := postJSON(t, ts, "/api/providers", map[string]any{
		"id":              "ollama",
		"type":            "ollama",
		"endpoint":        "http://127.0.0.1:1/v1",
		"capabilities":    []string{"inference"},
		"offline_capable": true,
	})
	expectStatus(t, resp, 201)
	resp.Body.Close()
	if _, ok := h.core.Registry().Get("ollama"); !ok {
		t.Fatal("provider not registered")
	}
	rows, err := h.store.ListProviders(context.Background())
	if err != nil || len(rows) != 1 || rows[0].Config.ID != "ollama" {
		t.Fatalf("persisted %+v %v", rows, err)
	}

	resp = sendJSON(t, ts, http.MethodPut, "/api/preferences/inference", map[string]any{"providers": []string{"ollama", "local"}})
	expectStatus(t, resp, 200)
	resp.Body.Close()
	if got := h.core.Registry().Preference(provider.CapInference); len(got) != 2 || got[0] != "ollama" {
		t.Errorf("preference %v", got)
	}

	resp = sendJSON(t, ts, http.MethodPut, "/api/preferences/vision", map[string]any{"providers": []string{"x"}})
	expectStatus(t, resp, 404)
	resp.Body.Close()

	resp = sendJSON(t, ts, http.MethodDelete, "/api/providers/ollama", nil)
	expectStatus(t, resp, 200)
	resp.Body.Close()
	if _, ok := h.core.Registry().Get("ollama"); ok {
		t.Error("provider still registered")
	}

	resp = postJSON(t, ts, "/api/providers", map[string]any{"id": "x", "type": "carrier-pigeon"})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestMetricsAndCommands(t *testing.T) {
	_, ts := newTestHandler(t, false)

	resp := getJSON(t, ts, "/metrics")
	expectStatus(t, resp, 200)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "copartner_up") {
		t.Errorf("metrics body %q", body)
	}

	resp = getJSON(t, ts, "/api/commands")
	expectStatus(t, resp, 200)
	var cmds []map[string]string
	decodeJSON(t, resp, &cmds)
	if len(cmds) == 0 {
		t.Error("no commands listed")
	}
}

func TestChatSuggestionEndpoint(t *testing.T) {
	h, ts := newTestHandler(t, false)

	resp := getJSON(t, ts, "/api/chat/suggestion")
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	e, err := event.New(event.KindTextInput, "", event.TextInput{Text: "what game is this?", User: "viewer1", Source: "twitch"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.core.Bus().Publish(e); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := h.core.Chat().Pending(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chat was not held")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = getJSON(t, ts, "/api/chat/suggestion")
	expectStatus(t, resp, http.StatusOK)
	var s struct {
		User   string `json:"user"`
		Source string `json:"source"`
	}
	decodeJSON(t, resp, &s)
	if s.User != "viewer1" || s.Source != "twitch" {
		t.Errorf("suggestion %+v", s)
	}
}
