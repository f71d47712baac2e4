// Package api exposes the HTTP surface: message submission, workflow state
// control, history, and the live event feed.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
	"github.com/skoll/overmind/internal/gateway"
	"github.com/skoll/overmind/internal/orchestrator"
	"github.com/skoll/overmind/internal/store"
	"github.com/skoll/overmind/internal/worklog"
)

// Store is the subset of persistence the handlers read from.
type Store interface {
	ListMessages(ctx context.Context, limit int) ([]store.Message, error)
	ListEmployees(ctx context.Context) ([]orchestrator.Employee, error)
	Ping(ctx context.Context) error
}

// WorklogReader provides the latest worklog for inspection.
type WorklogReader interface {
	ReadLatest() (*orchestrator.WorklogRef, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gw      *gateway.Gateway
	machine *orchestrator.StateMachine
	events  *bus.Bus
	store   Store
	worklog WorklogReader
	logger  *zap.Logger
}

// NewHandler wires the HTTP handler set.
func NewHandler(gw *gateway.Gateway, machine *orchestrator.StateMachine, events *bus.Bus, st Store, wl WorklogReader, logger *zap.Logger) *Handler {
	return &Handler{gw: gw, machine: machine, events: events, store: st, worklog: wl, logger: logger}
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

		r.Post("/messages", h.submitMessage)
		r.Get("/messages", h.listMessages)

		r.Get("/state", h.getState)
		r.Post("/state", h.setState)

		r.Get("/employees", h.listEmployees)
		r.Get("/worklog/latest", h.latestWorklog)

		r.Get("/events", h.streamEvents)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"busy":   h.gw.Busy(),
	})
}

type submitRequest struct {
	Content string `json:"content"`
	Origin  string `json:"origin"`
	ChatID  string `json:"chatId"`
}

func (h *Handler) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res := h.gw.Submit(r.Context(), req.Content, gateway.Meta{
		Origin: req.Origin,
		ChatID: req.ChatID,
	})

	status := http.StatusAccepted
	if res.Action == gateway.ActionRejected {
		if res.Reason == "busy" {
			status = http.StatusConflict
		} else {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, res)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	msgs, err := h.store.ListMessages(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	state := h.machine.State(r.Context())
	resp := map[string]any{
		"state":        state,
		"legalTargets": orchestrator.LegalTargets(state),
		"busy":         h.gw.Busy(),
	}
	if wc := h.machine.Context(r.Context()); wc != nil {
		resp["context"] = wc
	}
	writeJSON(w, http.StatusOK, resp)
}

type setStateRequest struct {
	State  string `json:"state"`
	Prompt string `json:"prompt"`
}

// setState performs one explicit phase transition. This is the only path
// that advances C to D and D back to IDLE.
func (h *Handler) setState(w http.ResponseWriter, r *http.Request) {
	var req setStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	current := h.machine.State(r.Context())
	target := orchestrator.Phase(req.State)
	if !orchestrator.CanTransition(current, target) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        fmt.Sprintf("illegal transition %s -> %s", current, target),
			"state":        current,
			"legalTargets": orchestrator.LegalTargets(current),
		})
		return
	}

	var err error
	switch {
	case target == orchestrator.PhaseIdle:
		err = h.machine.Reset(r.Context())
	case target == orchestrator.PhasePlan && req.Prompt != "":
		err = h.machine.SetStateContext(r.Context(), target, &orchestrator.WorkflowContext{
			OriginalPrompt: req.Prompt,
			WorkerResults:  []string{},
			Origin:         "cli",
		})
	default:
		err = h.machine.SetState(r.Context(), target)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"state":        target,
		"legalTargets": orchestrator.LegalTargets(target),
	})
}

func (h *Handler) listEmployees(w http.ResponseWriter, r *http.Request) {
	emps, err := h.store.ListEmployees(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if emps == nil {
		emps = []orchestrator.Employee{}
	}
	writeJSON(w, http.StatusOK, emps)
}

func (h *Handler) latestWorklog(w http.ResponseWriter, r *http.Request) {
	ref, err := h.worklog.ReadLatest()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ref == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no worklog"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    ref.Path,
		"content": ref.Content,
		"pending": worklog.ParsePending(ref.Content),
	})
}

// streamEvents is a server-sent events feed of the broadcast bus.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := h.events.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
