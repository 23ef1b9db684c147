// Package admin exposes the /_interceptor/ query and management endpoints:
// health, aggregate stats, session listing, and interaction list/get/delete.
// It mirrors the teacher's handleHealth/handleDashboard JSON envelope style
// (proxy/server.go), generalized to the full set of routes this spec needs.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/interceptor-proxy/interceptor/model"
	"github.com/interceptor-proxy/interceptor/store"
)

// Store is the read/delete surface the admin endpoints depend on.
type Store interface {
	ListInteractions(ctx context.Context, f store.ListInteractionsFilter) ([]model.Interaction, error)
	GetInteraction(ctx context.Context, id string) (model.Interaction, error)
	DeleteInteraction(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]model.SessionSummary, error)
	GetStats(ctx context.Context) (store.Stats, error)
	DeleteAll(ctx context.Context) error
}

// Handler serves the /_interceptor/ route tree.
type Handler struct {
	store Store
}

// New constructs an admin Handler over a Store.
func New(st Store) *Handler {
	return &Handler{store: st}
}

// Mount registers every admin route on mux under the /_interceptor/ prefix.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/_interceptor/health", h.handleHealth)
	mux.HandleFunc("/_interceptor/stats", h.handleStats)
	mux.HandleFunc("/_interceptor/sessions", h.handleSessions)
	mux.HandleFunc("/_interceptor/interactions", h.handleInteractions)
	mux.HandleFunc("/_interceptor/interactions/", h.handleInteractionByID)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "interceptor",
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleInteractions serves GET (list, with optional session_id/provider/
// limit/offset query params) and DELETE (delete-all) on the collection.
func (h *Handler) handleInteractions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.ListInteractionsFilter{
			SessionID: r.URL.Query().Get("session_id"),
			Provider:  model.Provider(r.URL.Query().Get("provider")),
			Model:     r.URL.Query().Get("model"),
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if n, err := strconv.Atoi(limitStr); err == nil {
				f.Limit = n
			}
		}
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if n, err := strconv.Atoi(offsetStr); err == nil {
				f.Offset = n
			}
		}
		interactions, err := h.store.ListInteractions(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, interactions)

	case http.MethodDelete:
		if err := h.store.DeleteAll(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// handleInteractionByID serves GET and DELETE on a single interaction at
// /_interceptor/interactions/{id}.
func (h *Handler) handleInteractionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/_interceptor/interactions/")
	if id == "" {
		writeError(w, http.StatusNotFound, errors.New("missing interaction id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		in, err := h.store.GetInteraction(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, in)

	case http.MethodDelete:
		err := h.store.DeleteInteraction(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
