package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// uploadRoot, if non-empty, enables POST /uploads into that directory.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler, uploadRoot string) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/stats", h.Stats)
	r.Get("/tasks/{id}", h.GetTask)
	r.Get("/units/{id}", h.GetUnit)
	r.Get("/records", h.GetRecord)

	if uploadRoot != "" {
		r.Post("/uploads", NewUploadHandler(uploadRoot).Upload)
	}

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
