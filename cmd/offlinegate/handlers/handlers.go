// Package handlers provides the gateway control API and mounts the proxy.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/printer"
	"github.com/kimhsiao/offlinegate/internal/worker"
)

// Prefix is reserved for the control API; every other path is proxied.
const Prefix = "/__offlinegate"

const maxPushBytes = 64 << 10

// ControlHandler serves the control API for one worker.
type ControlHandler struct {
	worker *worker.Worker
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(w *worker.Worker) *ControlHandler {
	return &ControlHandler{worker: w}
}

// NewRouter returns the full gateway handler: control API under Prefix,
// everything else through the worker's proxy.
func NewRouter(w *worker.Worker) *mux.Router {
	h := NewControlHandler(w)

	r := mux.NewRouter()
	api := r.PathPrefix(Prefix).Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	api.HandleFunc("/pending", h.Pending).Methods(http.MethodGet)
	api.HandleFunc("/sync", h.Sync).Methods(http.MethodPost)
	api.HandleFunc("/push", h.Push).Methods(http.MethodPost)
	api.HandleFunc("/connectivity", h.Connectivity).Methods(http.MethodPost)
	api.HandleFunc("/caches", h.Caches).Methods(http.MethodGet)
	api.Handle("/ws", w.Hub()).Methods(http.MethodGet)
	api.PathPrefix("/").HandlerFunc(h.Unknown)

	r.PathPrefix("/").Handler(w.Proxy())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}

// Unknown answers any other request under Prefix; the reserved prefix is
// never proxied.
func (h *ControlHandler) Unknown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "unknown control endpoint",
		"code":  string(apperrors.ErrInvalid),
	})
}

// Health handles GET /__offlinegate/health
func (h *ControlHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "offlinegate",
		"state":   string(h.worker.State()),
	})
}

// Status handles GET /__offlinegate/status
func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.worker.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Pending handles GET /__offlinegate/pending
// Secret payload fields are masked.
func (h *ControlHandler) Pending(w http.ResponseWriter, r *http.Request) {
	records, err := h.worker.Store().Drain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		items = append(items, map[string]interface{}{
			"id":         rec.ID,
			"payload":    printer.MaskPayload(rec.Payload),
			"created_at": rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(items),
		"records": items,
	})
}

// Sync handles POST /__offlinegate/sync
// Runs one replay cycle now. Delivery failures are reported in the body.
func (h *ControlHandler) Sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.worker.Replay(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.Is(err, apperrors.ErrReplayTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Push handles POST /__offlinegate/push
// The raw body becomes the notification text.
func (h *ControlHandler) Push(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushBytes+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(payload) > maxPushBytes {
		http.Error(w, "Push payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	n, err := h.worker.OnPush(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

// Connectivity handles POST /__offlinegate/connectivity
// Body: {"online": bool}
func (h *ControlHandler) Connectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	h.worker.SetOnline(*request.Online)
	logging.Info("Connectivity reported by environment", map[string]interface{}{
		"online": *request.Online,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"online": *request.Online})
}

// Caches handles GET /__offlinegate/caches
func (h *ControlHandler) Caches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storage := h.worker.Cache().Storage()

	names, err := storage.Keys(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	caches := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		c, err := storage.Open(ctx, name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		caches = append(caches, map[string]interface{}{
			"name":    name,
			"entries": len(keys),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"caches": caches})
}
