package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.dismissSession)

			r.Get("/message", s.getMessages)
			r.Post("/message", s.sendMessage)

			r.Post("/permission/{requestID}", s.respondPermission)
			r.Post("/question/{requestID}", s.answerQuestion)
			r.Post("/plan/{requestID}", s.respondPlan)

			r.Patch("/mode", s.setPermissionMode)
			r.Post("/abort", s.stopSession)
		})
	})

	// Event streaming (SSE); optional sessionID query filters to one session.
	r.Get("/event", s.events)

	r.Get("/stats", s.getStats)
}
