package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the REST surface under /api. Everything except
// session issuance runs behind the given middlewares, which must establish
// the session identity.
func (h *Handler) RegisterRoutes(r chi.Router, protect ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/session", h.IssueSession)

		r.Group(func(r chi.Router) {
			r.Use(protect...)

			r.Get("/config", h.GetConfig)
			r.Get("/agents", h.ListAgents)

			r.Route("/chats", func(r chi.Router) {
				r.Get("/", h.ListChats)
				r.Post("/", h.CreateChat)

				r.Route("/{chatID}", func(r chi.Router) {
					r.Get("/", h.GetChat)
					r.Patch("/", h.RenameChat)
					r.Delete("/", h.DeleteChat)

					r.Get("/messages", h.ListMessages)
					r.Post("/messages", h.AddMessage)
					r.Delete("/messages/{messageID}", h.DeleteMessage)

					r.Delete("/agent", h.DestroyAgent)
					r.Post("/agent/pending", h.MarkPending)
					r.Delete("/agent/pending", h.CancelPending)

					r.Post("/task/started", h.TaskStarted)
					r.Post("/task/ended", h.TaskEnded)
					r.Post("/task/cancel", h.CancelTask)
				})
			})
		})
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
