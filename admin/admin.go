// Package admin serves the relay's operational HTTP endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"aleph/server"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Relay is the part of server.Server the endpoints read from.
type Relay interface {
	Registry() *server.Registry
	Calls() *server.CallTable
	Metrics() *server.Metrics
	Kick(ctx context.Context, userID string) bool
}

type Handler struct {
	relay   Relay
	started time.Time
}

type callInfo struct {
	ID         string    `json:"id"`
	CallerID   string    `json:"caller_id"`
	ReceiverID string    `json:"receiver_id"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(relay Relay) *Handler {
	return &Handler{relay: relay, started: time.Now()}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/sessions", h.handleSessions)
	r.Delete("/sessions/{user}", h.handleKick)
	r.Get("/calls", h.handleCalls)
	r.Handle("/metrics", h.relay.Metrics().Handler())
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.relay.Registry().Len(),
		"calls":    h.relay.Calls().Len(),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.relay.Registry().Snapshot())
}

func (h *Handler) handleKick(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if !h.relay.Kick(r.Context(), userID) {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "user " + userID + " is not connected"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCalls(w http.ResponseWriter, _ *http.Request) {
	active := h.relay.Calls().Active()
	calls := make([]callInfo, 0, len(active))
	for _, a := range active {
		calls = append(calls, callInfo{
			ID:         a.ID,
			CallerID:   a.CallerID,
			ReceiverID: a.ReceiverID,
			State:      a.State.String(),
			CreatedAt:  a.CreatedAt,
			ExpiresAt:  a.ExpiresAt,
		})
	}
	respondJSON(w, http.StatusOK, calls)
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("module", "admin").Str("addr", addr).Msg("admin http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
