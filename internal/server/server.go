// Package server binds the messenger services to HTTP and WebSocket
// transports through the Server type.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gomessenger/internal/account"
	"github.com/Tyrowin/gomessenger/internal/attachment"
	"github.com/Tyrowin/gomessenger/internal/delivery"
	"github.com/Tyrowin/gomessenger/internal/presence"
	"github.com/Tyrowin/gomessenger/internal/ratelimit"
)

// Deps are the services a Server exposes. All fields are required.
type Deps struct {
	Accounts *account.Service
	Engine   *delivery.Engine
	Files    *attachment.Service
	Registry *presence.Registry
	Limiter  *ratelimit.Limiter
}

// Server holds the transport state shared by HTTP handlers and WebSocket
// clients.
type Server struct {
	cfg      Config
	accounts *account.Service
	engine   *delivery.Engine
	files    *attachment.Service
	registry *presence.Registry
	limiter  *ratelimit.Limiter
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	http     *http.Server
	hubOnce  sync.Once
	now      func() time.Time
}

// New creates a Server with its own Hub, listening on cfg.Port once served.
// Tests that serve Handler themselves call Start to run the hub.
func New(cfg *Config, deps Deps) *Server {
	var base Config
	if cfg != nil {
		base = *cfg
	}
	sanitized := sanitizeConfig(base)

	s := &Server{
		cfg:      sanitized,
		accounts: deps.Accounts,
		engine:   deps.Engine,
		files:    deps.Files,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		hub:      NewHub(),
		origins:  newOriginPolicy(sanitized.AllowedOrigins),
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.http = newHTTPServer(sanitized.Port, s.Handler())
	return s
}

// Handler returns the rate-limited router for all routes.
func (s *Server) Handler() http.Handler {
	return s.rateLimit(s.Routes())
}
