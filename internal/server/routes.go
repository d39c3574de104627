// Package server wires HTTP handlers into a ServeMux for the messenger
// application via routing helpers.
package server

import (
	"net/http"

	"github.com/Tyrowin/gomessenger/internal/model"
)

// Routes configures and returns an HTTP ServeMux with all application routes.
// Rate limiting is applied by Handler, not here.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.RootHandler)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.HandleFunc("GET /ws", s.WebSocketHandler)
	mux.HandleFunc("GET /files/{id}", s.FileHandler)

	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/logout", s.handleLogout)
	mux.HandleFunc("GET /api/v1/me", s.authenticated(s.handleMe))

	mux.HandleFunc("GET /api/v1/users", s.authenticated(s.handleListUsers))
	mux.HandleFunc("GET /api/v1/users/{id}", s.authenticated(s.handleGetUser))
	mux.HandleFunc("POST /api/v1/users/{id}/online", s.authenticated(s.handleSetStatus(model.StatusOnline)))
	mux.HandleFunc("POST /api/v1/users/{id}/offline", s.authenticated(s.handleSetStatus(model.StatusOffline)))

	mux.HandleFunc("GET /api/v1/chats", s.authenticated(s.handleListChats))
	mux.HandleFunc("GET /api/v1/messages", s.authenticated(s.handleListMessages))
	mux.HandleFunc("POST /api/v1/messages", s.authenticated(s.handleSendMessage))
	mux.HandleFunc("DELETE /api/v1/messages/{id}", s.authenticated(s.handleDeleteMessage))

	mux.HandleFunc("POST /api/v1/upload", s.authenticated(s.handleUpload))
	return mux
}
