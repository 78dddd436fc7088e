package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/hone/errors"
)

// Start runs the HTTP server on the requested port, falling back to the
// next free port when it is taken. It blocks until the server stops.
func (s *Server) Start(port int) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return err
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	// No WriteTimeout: the SSE and websocket endpoints hold their
	// responses open for the lifetime of a run.
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("HTTP server listening",
		"port", actualPort,
		"url", fmt.Sprintf("http://localhost:%d", actualPort),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Stop shuts the server down: stops the event hub, closes websocket
// connections, drains in-flight HTTP requests, and waits for the
// background goroutines to exit or the context to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")

	// Cancel first so the hub, SSE loops, and write pumps all unblock.
	s.cancel()

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP server shutdown error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown timed out waiting for connections to close")
	}

	s.logger.Infow("Server shutdown complete")
	return nil
}

// findAvailablePort returns the requested port if free, otherwise the
// first free port in the ten above it.
func findAvailablePort(port int) (int, error) {
	for candidate := port; candidate <= port+10; candidate++ {
		if isPortAvailable(candidate) {
			return candidate, nil
		}
	}
	return 0, errors.Newf("no available port in range %d-%d", port, port+10)
}

func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
