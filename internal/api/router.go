package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/recordbook/internal/docservice"
)

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events behind the same auth.
func NewRouter(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/documents", h.ListDocuments)
	r.Post("/documents", h.CreateDocument)
	r.Get("/documents/*", h.GetDocument)

	r.Get("/blocks", h.FindBlocks)
	r.Get("/search", h.Search)

	r.Post("/proposals", h.ExecuteProposal)
	r.Post("/proposals/validate", h.ValidateProposal)

	r.Get("/machines", h.ListMachines)
	r.Get("/machines/{name}", h.GetMachine)
	r.Get("/state", h.GetState)
	r.Post("/transitions", h.Transition)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
