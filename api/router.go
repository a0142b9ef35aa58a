// Package api serves the HTTP surface of the relay: the websocket upgrade endpoint, bulk
// history reads, read receipts and operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuki-scratch44/LineWeb/metrics"
	"github.com/yuki-scratch44/LineWeb/store"
)

const (
	DefaultHistoryLimit    = 200
	DefaultHistoryMaxLimit = 1000
)

// SessionHub is the websocket endpoint.
type SessionHub interface {
	http.Handler
	Sessions() int
}

type RouterDeps struct {
	Hub   SessionHub
	Store store.IHistoryStore

	// Gatherer backs /metrics, nil disables the endpoint.
	Gatherer prometheus.Gatherer

	HistoryLimit    int
	HistoryMaxLimit int
}

type handler struct {
	deps *RouterDeps
}

func NewRouter(deps *RouterDeps) http.Handler {
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = DefaultHistoryLimit
	}
	if deps.HistoryMaxLimit <= 0 {
		deps.HistoryMaxLimit = DefaultHistoryMaxLimit
	}
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/ws", deps.Hub)
	r.Get("/history", h.History)
	r.Get("/messages/{id}/receipts", h.Receipts)
	r.Get("/healthz", h.Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	return r
}

// History returns `{"messages": [...]}`, the most recent messages oldest first.
func (h *handler) History(w http.ResponseWriter, r *http.Request) {
	limit := h.historyLimit(r.URL.Query().Get("limit"))

	msgs, err := h.deps.Store.Page(r.Context(), limit)
	if err != nil {
		glog.Errorf("History(): page error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// historyLimit falls back to the default on absent or unparsable input, and clamps
// the rest into [0, max].
func (h *handler) historyLimit(s string) int {
	limit, err := strconv.Atoi(s)
	if err != nil {
		return h.deps.HistoryLimit
	}
	if limit < 0 {
		return 0
	}
	if limit > h.deps.HistoryMaxLimit {
		return h.deps.HistoryMaxLimit
	}
	return limit
}

func (h *handler) Receipts(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")

	receipts, err := h.deps.Store.Receipts(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		glog.Errorf("Receipts(): message: %s, err: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.deps.Hub.Sessions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("writeJSON(): %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
