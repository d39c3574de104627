// Package server runs the messenger HTTP service and tears it down together
// with the WebSocket hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"
)

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Start runs the hub. It is safe to call more than once and is implied by
// Serve and ListenAndServe.
func (s *Server) Start() {
	s.hubOnce.Do(func() {
		go s.hub.Run()
		log.Println("Hub started and ready to manage WebSocket connections")
	})
}

// ListenAndServe listens on the configured port and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. A clean shutdown returns
// nil.
func (s *Server) Serve(l net.Listener) error {
	s.Start()
	log.Printf("Server listening on %s", l.Addr())
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits up to timeout for in-flight ones,
// then closes every WebSocket client.
func (s *Server) Shutdown(timeout time.Duration) error {
	log.Println("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		errs = append(errs, err)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if len(errs) == 0 {
		log.Println("HTTP server shutdown completed")
	}
	return errors.Join(errs...)
}
