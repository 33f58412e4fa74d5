package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/anonsdk/internal/config"
	"github.com/gyaneshwarpardhi/anonsdk/internal/engine"
	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
)

const (
	maxBatchSize = 100
	// backlogFactor times the batch size of undelivered events while offline
	// marks the agent as not ready.
	backlogFactor = 10
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	loader *config.Loader
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loader may be nil,
// in which case the reload route is not registered.
func New(eng *engine.Engine, loader *config.Loader) http.Handler {
	h := &Handler{eng: eng, loader: loader, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/track", h.track)
	h.mux.HandleFunc("POST /v1/track/batch", h.trackBatch)
	h.mux.HandleFunc("POST /v1/flush", h.flush)
	h.mux.HandleFunc("POST /v1/consent", h.setConsent)
	h.mux.HandleFunc("POST /v1/connectivity", h.setConnectivity)
	h.mux.HandleFunc("GET /v1/status", h.status)
	if loader != nil {
		h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	}
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// trackRequest is the body of POST /v1/track.
type trackRequest struct {
	EventType  string         `json:"event_type"`
	Properties map[string]any `json:"properties"`
	Geo        *event.Geo     `json:"geo,omitempty"`
}

// POST /v1/track: record one event.
func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	rec := h.eng.Track(r.Context(), req.EventType, req.Properties, req.Geo)
	if rec == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("tracking disabled (state %s)", h.eng.State()))
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// POST /v1/track/batch: record up to 100 events in order.
func (h *Handler) trackBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []trackRequest
	if !decode(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(reqs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(reqs), maxBatchSize))
		return
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if req.EventType == "" {
			continue
		}
		if rec := h.eng.Track(r.Context(), req.EventType, req.Properties, req.Geo); rec != nil {
			ids = append(ids, rec.EventID)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"total":     len(reqs),
		"queued":    len(ids),
		"rejected":  len(reqs) - len(ids),
		"event_ids": ids,
	})
}

// POST /v1/flush: send one batch now.
func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Flush(r.Context()))
}

// POST /v1/consent: {"granted": bool}.
func (h *Handler) setConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Granted *bool `json:"granted"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Granted == nil {
		writeError(w, http.StatusBadRequest, "granted is required")
		return
	}
	if *req.Granted {
		h.eng.OptIn(r.Context())
	} else {
		h.eng.OptOut(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consent": h.eng.Consent(),
		"state":   h.eng.State().String(),
	})
}

// POST /v1/connectivity: {"online": bool}.
func (h *Handler) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	h.eng.SetOnline(r.Context(), *req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": h.eng.Online()})
}

type statusResponse struct {
	State     string     `json:"state"`
	AnonID    string     `json:"anon_id"`
	SessionID string     `json:"session_id"`
	Pending   int        `json:"pending"`
	Consent   string     `json:"consent"`
	Online    bool       `json:"online"`
	BatchSize int        `json:"batch_size"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
}

// GET /v1/status: diagnostics for the host.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:     h.eng.State().String(),
		AnonID:    h.eng.AnonID(),
		SessionID: h.eng.SessionID(),
		Pending:   h.eng.PendingEventsCount(),
		Consent:   string(h.eng.Consent()),
		Online:    h.eng.Online(),
		BatchSize: h.eng.BatchSize(),
	}
	if ts := h.eng.LastSync(); !ts.IsZero() {
		resp.LastSync = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/config/reload: re-read the config file; tunables apply through OnChange.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":   true,
		"batch_size": cfg.Client.BatchSize,
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 before init, after cleanup, or while an offline backlog
// of backlogFactor batches has built up.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	state := h.eng.State()
	pending := h.eng.PendingEventsCount()
	switch {
	case state != engine.Ready && state != engine.ReadyDisabled:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_initialized",
			"state":  state.String(),
		})
	case !h.eng.Online() && pending >= backlogFactor*h.eng.BatchSize():
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "backlogged",
			"pending": pending,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ready",
			"pending": pending,
		})
	}
}
