// Package admin serves the operations endpoints: liveness, readiness and
// Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// SessionCounter reports live connection handlers.
type SessionCounter interface {
	ActiveSessions() int64
}

type Handler struct {
	DB       Pinger
	Redis    Pinger // nil when event publishing is disabled
	Sessions SessionCounter
	Log      zerolog.Logger
}

type healthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks,omitempty"`
	Sessions int64             `json:"active_sessions"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: h.Sessions.ActiveSessions()})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res := healthResponse{Status: "ok", Checks: map[string]string{}, Sessions: h.Sessions.ActiveSessions()}
	status := http.StatusOK
	check := func(name string, p Pinger) {
		if p == nil {
			res.Checks[name] = "disabled"
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.Log.Warn().Err(err).Str("check", name).Msg("readiness check failed")
			res.Checks[name] = err.Error()
			res.Status = "unavailable"
			status = http.StatusServiceUnavailable
			return
		}
		res.Checks[name] = "ok"
	}
	check("database", h.DB)
	check("redis", h.Redis)

	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
