// Package server wires HTTP handlers into a chi router via routing helpers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes configures and returns the router with all application routes.
// The message API is only mounted when a message store is configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/health", HealthHandler)
	r.Get("/test", TestPageHandler)
	r.Get("/stats", s.StatsHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)

	if s.messages != nil {
		r.Route("/api/channels/{channelID}/messages", func(r chi.Router) {
			r.Get("/", s.ListMessagesHandler)
			r.Post("/", s.CreateMessageHandler)
		})
	}

	return r
}
