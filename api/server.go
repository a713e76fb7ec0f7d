/*
server.go - Router assembly

PURPOSE:
  Builds the chi router: standard middleware, CORS for browser-hosted
  device clients, bearer auth on every /api route, and the route table.

ROUTES:
  POST /api/sync/batch           - versioned batch submission
  GET  /api/accounts/balance     - authoritative balance for down-sync
  GET  /api/accounts/entries     - recent authoritative records
  GET  /api/directory/resolve    - counterparty identifier lookup
  GET  /health                   - liveness, unauthenticated
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the HTTP surface.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireAuth(h.Auth))
		r.Post("/sync/batch", h.SubmitBatch)
		r.Get("/accounts/balance", h.GetBalance)
		r.Get("/accounts/entries", h.GetEntries)
		r.Get("/directory/resolve", h.ResolveCounterparty)
	})

	return r
}
