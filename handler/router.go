package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the ask endpoint with health, readiness and metrics.
// metrics may be nil.
func NewRouter(uc AskUseCase, ready Pinger, metrics http.Handler, opts ...Option) (http.Handler, error) {
	ask, err := NewHTTPHandler(uc, opts...)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Health)
	r.Get("/readyz", Ready(ready))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Method(http.MethodPost, "/v1/ask", ask)

	return r, nil
}
