// Package server wires the hub, token verifier and message store into the
// HTTP surface of the realtime service.
package server

import (
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/harmony-realtime/internal/auth"
	"github.com/Tyrowin/harmony-realtime/internal/store"
)

// Server holds the collaborators shared by every HTTP handler. It is built
// once at startup and carries no package-level state.
type Server struct {
	config   Config
	hub      *Hub
	verifier auth.Verifier
	messages store.MessageStore
	origins  *originPolicy
	upgrader websocket.Upgrader
}

// NewServer creates a Server. messages may be nil, which disables the message
// API routes.
func NewServer(config Config, hub *Hub, verifier auth.Verifier, messages store.MessageStore) *Server {
	config = SanitizeConfig(config)
	s := &Server{
		config:   config,
		hub:      hub,
		verifier: verifier,
		messages: messages,
		origins:  newOriginPolicy(config.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
