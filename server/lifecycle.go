package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// ErrPortInUse distinguishes a bind conflict from other startup failures
// so the daemon can exit with its dedicated code.
var ErrPortInUse = errors.New("port already in use")

// HTTP server timeouts. WebSocket connections are hijacked out of the
// server before these apply, so only the request/response endpoints see
// them.
const (
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 10 * time.Second
	shutdownGrace     = 10 * time.Second
)

// Start binds the listener and serves HTTP until Shutdown. It blocks;
// run it on the main goroutine after spawning Run for the hub.
func (s *Server) Start(port int) error {
	addr := net.JoinHostPort("", strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return errors.Wrapf(ErrPortInUse, "port %d", port)
		}
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      0, // /events streams indefinitely
		IdleTimeout:       2 * requestTimeout,
	}

	s.logger.Infow("HTTP server listening", "port", port)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Shutdown stops accepting requests, closes every subscriber, and waits
// for their goroutines to drain.
func (s *Server) Shutdown() error {
	s.logger.Infow("Server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	// Cancel the lifecycle context: the hub loop exits and every
	// deliverPump returns, closing its connection.
	s.cancel()

	s.mu.Lock()
	for sub := range s.clients {
		sub.close()
		delete(s.clients, sub)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Timed out waiting for subscriber goroutines")
	}

	return httpErr
}
