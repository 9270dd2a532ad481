package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hallwatch/internal/session"
)

const (
	maxBatchSize     = 100
	defaultFeedLimit = 50
)

// Feed returns a recipient's dashboard cards, newest first.
type Feed interface {
	Feed(ctx context.Context, recipientID string, limit int) ([]audit.Delivery, error)
}

// Options are the handler's dependencies. Loader, Feed and Queue may be nil.
type Options struct {
	Sessions   *session.Registry
	Classifier *classify.Classifier
	Loader     *config.Loader
	Feed       Feed
	Queue      interface{ QueueUtilization() float64 }
	Logger     *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Options
	mux *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(o Options) http.Handler {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	h := &Handler{Options: o, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/sessions", h.startSession)
	h.mux.HandleFunc("GET /v1/sessions", h.listSessions)
	h.mux.HandleFunc("GET /v1/sessions/{id}", h.getSession)
	h.mux.HandleFunc("DELETE /v1/sessions/{id}", h.endSession)
	h.mux.HandleFunc("PUT /v1/sessions/{id}/invigilator", h.assign)
	h.mux.HandleFunc("POST /v1/sessions/{id}/events", h.ingestEvent)
	h.mux.HandleFunc("GET /v1/sessions/{id}/alerts", h.listAlerts)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/alerts/{id}", h.getAlert)
	h.mux.HandleFunc("POST /v1/alerts/{id}/transitions", h.transition)
	h.mux.HandleFunc("GET /v1/recipients/{id}/feed", h.recipientFeed)
	h.mux.HandleFunc("GET /v1/rules", h.listRules)
	h.mux.HandleFunc("POST /v1/rules/reload", h.reloadRules)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(o.Logger, h.mux)
}

// POST /v1/sessions: open a session.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var spec session.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	info, err := h.Sessions.Start(r.Context(), spec)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GET /v1/sessions: ids of running sessions.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.Sessions.Sessions()})
}

// GET /v1/sessions/{id}
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.Sessions.Info(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DELETE /v1/sessions/{id}: end a session, flushing open groups.
func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.Sessions.End(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PUT /v1/sessions/{id}/invigilator: assign the responsible invigilator.
func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var rec directory.Recipient
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if rec.ID == "" {
		writeError(w, http.StatusBadRequest, "invigilator id is required")
		return
	}
	if err := h.Sessions.Assign(r.Context(), r.PathValue("id"), rec); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": r.PathValue("id"), "invigilator": rec.ID})
}

// POST /v1/sessions/{id}/events: synchronous single-event intake. The
// response means the event is durable and admitted.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev detection.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	sid := r.PathValue("id")
	if ev.SessionID == "" {
		ev.SessionID = sid
	}
	if ev.SessionID != sid {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("event session %q does not match path session %q", ev.SessionID, sid))
		return
	}
	acc, err := h.Sessions.Submit(r.Context(), &ev)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type batchResult struct {
	EventID  string `json:"event_id"`
	Accepted bool   `json:"accepted"`
	Seq      uint64 `json:"seq,omitempty"`
	Error    string `json:"error,omitempty"`
}

// POST /v1/events/batch: up to 100 events, possibly across sessions. Each
// event gets its own verdict; order within a session is preserved.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*detection.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	results := make([]batchResult, 0, len(events))
	accepted := 0
	for _, ev := range events {
		if ev == nil {
			results = append(results, batchResult{Error: detection.ErrMalformedEvent.Error()})
			continue
		}
		acc, err := h.Sessions.Submit(r.Context(), ev)
		res := batchResult{EventID: ev.ID}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Accepted, res.Seq = true, acc.Seq
			accepted++
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(events),
		"accepted": accepted,
		"rejected": len(events) - accepted,
		"results":  results,
	})
}

// GET /v1/sessions/{id}/alerts: live or ended session.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	as, err := h.Sessions.Alerts(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": as})
}

// GET /v1/alerts/{id}
func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.Sessions.Alert(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type transitionRequest struct {
	Action alert.Action `json:"action"`
	Actor  string       `json:"actor"`
	Notes  string       `json:"notes"`
}

// POST /v1/alerts/{id}/transitions: acknowledge, escalate, resolve or
// mark as false positive.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	a, err := h.Sessions.Transition(r.Context(), r.PathValue("id"), req.Action, req.Actor, req.Notes)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /v1/recipients/{id}/feed?limit=N: dashboard cards for one recipient.
func (h *Handler) recipientFeed(w http.ResponseWriter, r *http.Request) {
	if h.Feed == nil {
		writeError(w, http.StatusNotFound, "dashboard feed not configured")
		return
	}
	limit := defaultFeedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	cards, err := h.Feed.Feed(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipient_id": r.PathValue("id"), "cards": cards})
}

// GET /v1/rules: the ordered tier rule list in force.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	version := ""
	if h.Loader != nil {
		version = h.Loader.Config().Version
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"rules":   h.Classifier.Rules().Rules(),
	})
}

// POST /v1/rules/reload: hot-reload config from disk. The loader's change
// callbacks swap the rule list.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	if h.Loader == nil {
		writeError(w, http.StatusNotFound, "no config file to reload")
		return
	}
	if _, err := h.Loader.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":    true,
		"rules_count": len(h.Classifier.Rules().Rules()),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the dispatch queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := 0.0
	if h.Queue != nil {
		util = h.Queue.QueueUtilization()
	}
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"queue_utilization": util,
		"sessions":          len(h.Sessions.Sessions()),
	})
}
