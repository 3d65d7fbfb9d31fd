package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/core"
	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/store"
)

const (
	defaultReplyTimeout = 60 * time.Second
	maxReplyTimeout     = 10 * time.Minute
	awaitingApproval    = "awaiting_approval: "
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	core    *core.Manager
	store   *store.Store // optional
	metrics http.Handler // optional
	logger  *zap.Logger
}

// NewHandler creates a new API handler. st and metrics may be nil.
func NewHandler(c *core.Manager, st *store.Store, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{core: c, store: st, metrics: metrics, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.status)
		r.Put("/mode", h.setMode)

		// Input and session control
		r.Post("/input/text", h.textInput)
		r.Get("/approvals", h.listApprovals)
		r.Post("/approvals/{correlationID}", h.approve)
		r.Post("/cancel/{correlationID}", h.cancel)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{correlationID}", h.getSession)

		// Memory
		r.Get("/memory", h.readMemory)
		r.Delete("/memory/{id}", h.purgeMemory)
		r.Get("/topics", h.listTopics)
		r.Post("/topics", h.createTopic)
		r.Post("/topics/{slug}/archive", h.archiveTopic)

		// Providers
		r.Get("/providers", h.listProviders)
		r.Post("/providers", h.addProvider)
		r.Delete("/providers/{id}", h.removeProvider)
		r.Put("/preferences/{capability}", h.setPreference)

		r.Get("/commands", h.listCommands)
		r.Get("/chat/suggestion", h.chatSuggestion)
	})

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(h.core.Mode())})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	active := h.core.Loop().Active()
	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.CorrelationID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":              h.core.Mode(),
		"components":        h.core.ComponentStatus(),
		"active_sessions":   ids,
		"pending_approvals": h.core.Loop().Pending(),
		"memory":            h.core.Memory().Counts(),
	})
}

type modeRequest struct {
	Mode      string `json:"mode"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// setMode runs "/mode" through the reasoning loop so the safety gate sees
// the switch.
func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !config.Mode(req.Mode).Valid() {
		writeError(w, http.StatusBadRequest, "unknown mode "+strconv.Quote(req.Mode))
		return
	}
	h.relay(w, r, textRequest{Text: "/mode " + req.Mode, TimeoutMS: req.TimeoutMS})
}

type textRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	User      string `json:"user,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type textResponse struct {
	CorrelationID    string `json:"correlation_id"`
	Reply            string `json:"reply,omitempty"`
	Final            bool   `json:"final"`
	AwaitingApproval string `json:"awaiting_approval,omitempty"`
}

// textInput publishes typed text and waits for the correlated reply.
func (h *Handler) textInput(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	h.relay(w, r, req)
}

// relay publishes req as api text input and waits for the correlated reply.
// A session that stops to ask for approval answers 202 with the pending step.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, req textRequest) {
	timeout := defaultReplyTimeout
	if req.TimeoutMS > 0 {
		timeout = min(time.Duration(req.TimeoutMS)*time.Millisecond, maxReplyTimeout)
	}

	e, err := event.New(event.KindTextInput, "", event.TextInput{
		Text:      req.Text,
		User:      req.User,
		Source:    "api",
		SessionID: req.SessionID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e.Source = "api"

	bus := h.core.Bus()
	sub := bus.Subscribe("api.reply."+e.CorrelationID, event.Kinds(event.KindReply, event.KindStateChanged))
	defer bus.Unsubscribe(sub)
	if err := bus.Publish(e); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	resp := textResponse{CorrelationID: e.CorrelationID}
	for {
		got, ok := sub.Next(ctx)
		if !ok {
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{
				"correlation_id": e.CorrelationID,
				"error":          "no reply before timeout",
			})
			return
		}
		if got.CorrelationID != e.CorrelationID {
			continue
		}
		switch p := got.Payload.(type) {
		case event.Reply:
			resp.Reply, resp.Final = p.Text, p.Final
			if p.Final {
				writeJSON(w, http.StatusOK, resp)
				return
			}
		case event.StateChanged:
			if step, ok := strings.CutPrefix(p.Detail, awaitingApproval); ok {
				resp.AwaitingApproval = step
				writeJSON(w, http.StatusAccepted, resp)
				return
			}
		}
	}
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Loop().Pending())
}

type approvalRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "correlationID")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !slices.Contains(h.core.Loop().Pending(), cid) {
		writeError(w, http.StatusNotFound, "nothing is awaiting approval on that correlation id")
		return
	}
	if err := h.publish(event.KindApproval, cid, event.Approval{Approved: req.Approved, Note: req.Note}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"correlation_id": cid, "approved": req.Approved})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "correlationID")
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if _, ok := h.core.Loop().ByCorrelation(cid); !ok {
		writeError(w, http.StatusNotFound, "no live session on that correlation id")
		return
	}
	if err := h.publish(event.KindUserCancel, cid, event.UserCancel{Reason: req.Reason}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": cid, "status": "cancelling"})
}

func (h *Handler) publish(kind event.Kind, cid string, p event.Payload) error {
	e, err := event.New(kind, cid, p)
	if err != nil {
		return err
	}
	e.Source = "api"
	return h.core.Bus().Publish(e)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, h.core.Loop().Active())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.store.RecentSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// getSession prefers the live session and falls back to the archive.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "correlationID")
	if s, ok := h.core.Loop().ByCorrelation(cid); ok {
		writeJSON(w, http.StatusOK, s)
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s, err := h.store.SessionByCorrelation(r.Context(), cid)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) readMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := memory.Query{
		Tier:      memory.Tier(q.Get("tier")),
		Topic:     q.Get("topic"),
		SessionID: q.Get("session"),
		Kind:      memory.RecordKind(q.Get("kind")),
	}
	if query.Tier == "" {
		query.Tier = memory.TierLongTerm
		if query.Topic != "" {
			query.Tier = memory.TierTopic
		}
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	if query.Limit <= 0 {
		query.Limit = 50
	}
	recs, err := h.core.Memory().Read(query)
	if err != nil {
		writeError(w, memoryStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// purgeMemory runs "/forget" through the reasoning loop.
func (h *Handler) purgeMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.core.Memory().Get(id); err != nil {
		writeError(w, memoryStatus(err), err.Error())
		return
	}
	h.relay(w, r, textRequest{Text: "/forget " + id})
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Memory().Vaults())
}

type topicRequest struct {
	Category string `json:"category"`
	Title    string `json:"title"`
}

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Category == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "category and title are required")
		return
	}
	v, err := h.core.Memory().CreateVault(r.Context(), req.Category, req.Title)
	if err != nil {
		writeError(w, memoryStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// archiveTopic runs "/archive" through the reasoning loop.
func (h *Handler) archiveTopic(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	v, ok := h.core.Memory().Vault(slug)
	if !ok {
		writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	if v.Status == memory.VaultArchived {
		writeJSON(w, http.StatusOK, v)
		return
	}
	h.relay(w, r, textRequest{Text: "/archive " + slug})
}

func (h *Handler) chatSuggestion(w http.ResponseWriter, r *http.Request) {
	s, ok := h.core.Chat().Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func memoryStatus(err error) int {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrVaultExists):
		return http.StatusConflict
	case errors.Is(err, memory.ErrInvalidTopic),
		errors.Is(err, memory.ErrVaultArchived),
		errors.Is(err, memory.ErrQuerySpansTiers),
		errors.Is(err, memory.ErrInvalidRecord):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Registry().Descriptors())
}

// addProvider hot-swaps a backend and persists it when a store is attached.
func (h *Handler) addProvider(w http.ResponseWriter, r *http.Request) {
	var pc config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if pc.ID == "" {
		pc.ID = pc.Name
	}
	if pc.ID == "" || pc.Type == "" {
		writeError(w, http.StatusBadRequest, "id and type are required")
		return
	}
	cfg := core.ProviderConfig(pc)
	if err := h.core.RegisterProvider(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.store != nil {
		if err := h.store.SaveProvider(r.Context(), cfg); err != nil {
			h.logger.Warn("provider registered but not persisted", zap.String("id", pc.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	pc.APIKey = ""
	writeJSON(w, http.StatusCreated, pc)
}

func (h *Handler) removeProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.core.Registry().Get(id); !ok {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	h.core.RemoveProvider(id)
	if h.store != nil {
		if err := h.store.DeleteProvider(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type preferenceRequest struct {
	Providers []string `json:"providers"`
}

func (h *Handler) setPreference(w http.ResponseWriter, r *http.Request) {
	c := provider.Capability(chi.URLParam(r, "capability"))
	if !slices.Contains(provider.Capabilities, c) {
		writeError(w, http.StatusNotFound, "unknown capability")
		return
	}
	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.core.Registry().SetPreference(c, req.Providers)
	writeJSON(w, http.StatusOK, map[string]any{"capability": c, "providers": h.core.Registry().Preference(c)})
}

func (h *Handler) listCommands(w http.ResponseWriter, r *http.Request) {
	cmds := h.core.Commands().List()
	out := make([]map[string]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, map[string]string{"name": c.Name, "description": c.Description, "usage": c.Usage})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
