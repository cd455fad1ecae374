// Package server constructs and starts the HTTP service with helpers that
// apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// Write timeout is left unset because upgraded sockets live far longer than
// a request; the pumps apply their own deadlines.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartHub runs hub in its own goroutine. Call it before serving requests.
func StartHub(hub *Hub) {
	go hub.Run()
	logger.Infof("Hub started and ready to manage connections")
}

// StartServer starts the HTTP server and blocks until it stops. A normal
// shutdown returns nil.
func StartServer(server *http.Server) error {
	logger.Infof("Server is running on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// It waits for active requests to finish or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	logger.Infof("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
		return err
	}

	logger.Infof("HTTP server shutdown completed")
	return nil
}
