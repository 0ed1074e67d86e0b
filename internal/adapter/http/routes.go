package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opline/opline/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub) {
	r.Get("/healthz", h.Health)
	r.Get("/ws", hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Action catalog and direct invocation
		r.Get("/actions", h.ListActions)
		r.Post("/operations/{command}/{action}", h.InvokeOperation)

		// Continuation token resolution
		r.Post("/continuations", h.ResolveContinuation)

		// Workflows
		r.Post("/workflows", h.StartWorkflow)
		r.Get("/workflows", h.ListWorkflows)
		r.Get("/workflows/{id}", h.GetWorkflow)
		r.Post("/workflows/{id}/resume", h.ResumeWorkflow)
		r.Delete("/workflows/{id}", h.DeleteWorkflow)

		// Maintenance
		r.Post("/admin/sweep", h.SweepWorkflows)
	})
}
