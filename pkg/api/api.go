// Package api exposes the health-verification HTTP surface: run
// creation and queries, the worker result callback, fleet listing, and
// operational endpoints.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/healthoor/pkg/checks"
	"github.com/ethpandaops/healthoor/pkg/config"
	"github.com/ethpandaops/healthoor/pkg/fleet"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	svc        checks.Service
	registry   *fleet.Registry
	httpServer *http.Server
	startedAt  time.Time
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server on top of the checks service.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	svc checks.Service,
	registry *fleet.Registry,
) Server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		svc:      svc,
		registry: registry,
		done:     make(chan struct{}),
	}
}

// Start binds the listener and serves HTTP in the background.
func (s *server) Start(ctx context.Context) error {
	s.startedAt = time.Now().UTC()

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
