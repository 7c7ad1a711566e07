package queue

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler exposes the queue over HTTP for the kiosk UI running on the
// same host. Capacity refusal maps to 507 so the UI can surface a
// "too many pending actions" message instead of retry-looping.
func Handler(store Store, logger zerolog.Logger) http.Handler {
	h := handler{store: store, log: logger}
	r := chi.NewRouter()
	r.Post("/actions", h.enqueue)
	r.Get("/actions/pending", h.pending)
	r.Get("/actions/stats", h.stats)
	r.Post("/actions/{id}/synced", h.markSynced)
	r.Post("/actions/{id}/retry", h.incrementRetry)
	r.Delete("/actions/synced", h.clearSynced)
	return r
}

type handler struct {
	store Store
	log   zerolog.Logger
}

func (h handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var in Incoming
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid action body")
		return
	}
	action, err := h.store.Enqueue(in)
	if errors.Is(err, ErrQueueFull) {
		writeError(w, http.StatusInsufficientStorage, "too many pending actions, please reconnect")
		return
	}
	if errors.Is(err, ErrNoType) {
		writeError(w, http.StatusBadRequest, "action type required")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Could not enqueue action")
		writeError(w, http.StatusInternalServerError, "could not store action")
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (h handler) pending(w http.ResponseWriter, r *http.Request) {
	actions, err := h.store.Pending()
	if err != nil {
		h.log.Error().Err(err).Msg("Could not list pending actions")
		writeError(w, http.StatusInternalServerError, "could not list pending actions")
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (h handler) stats(w http.ResponseWriter, r *http.Request) {
	size, err := h.store.Size()
	if err != nil {
		h.log.Error().Err(err).Msg("Could not read queue size")
		writeError(w, http.StatusInternalServerError, "could not read queue size")
		return
	}
	pending, err := h.store.Pending()
	if err != nil {
		h.log.Error().Err(err).Msg("Could not list pending actions")
		writeError(w, http.StatusInternalServerError, "could not list pending actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total":   size,
		"pending": len(pending),
	})
}

func (h handler) markSynced(w http.ResponseWriter, r *http.Request) {
	if err := h.store.MarkSynced(chi.URLParam(r, "id")); err != nil {
		h.log.Error().Err(err).Msg("Could not mark action synced")
		writeError(w, http.StatusInternalServerError, "could not mark action synced")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handler) incrementRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.store.IncrementRetry(chi.URLParam(r, "id")); err != nil {
		h.log.Error().Err(err).Msg("Could not increment retry count")
		writeError(w, http.StatusInternalServerError, "could not increment retry count")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h handler) clearSynced(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearSynced(); err != nil {
		h.log.Error().Err(err).Msg("Could not clear synced actions")
		writeError(w, http.StatusInternalServerError, "could not clear synced actions")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
