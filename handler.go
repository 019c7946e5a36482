package actionqueue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP endpoints over a Queue.
type Handler struct {
	queue *Queue
}

// NewHandler creates a queue HTTP handler.
func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// Routes returns a chi.Router with all queue endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleStatus)
	r.Post("/actions", h.handleAdd)
	r.Delete("/actions", h.handleClear)
	r.Get("/actions/{actionID}", h.handleGet)
	r.Delete("/actions/{actionID}", h.handleRemove)
	r.Post("/drain", h.handleDrain)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.GetQueueStatus())
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var spec ActionSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	id, err := h.queue.AddToQueue(r.Context(), spec)
	switch {
	case errors.Is(err, ErrInvalidAction):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue is full"})
		return
	case err != nil:
		slog.Error("enqueue action failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": id})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "actionID")
	action, err := h.queue.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "actionID")

	err := h.queue.RemoveFromQueue(r.Context(), id)
	if errors.Is(err, ErrActionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
		return
	}
	if err != nil {
		slog.Error("remove action failed", "action_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.ClearQueue(r.Context()); err != nil {
		slog.Error("clear queue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	started, err := h.queue.Drain()
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"state":   h.queue.processor.State().String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
