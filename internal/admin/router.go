package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	myMiddleware "go-relay/internal/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(myMiddleware.RequestLogger(h.Log))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
