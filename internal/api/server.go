// Package api exposes the reconciliation endpoint over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rollbook/rollbook/internal/auth"
	"github.com/rollbook/rollbook/internal/reconcile"
)

// DefaultMaxBatch is the per-request operation limit when Options.MaxBatch is zero.
const DefaultMaxBatch = 200

type (
	// Options configures the HTTP server.
	Options struct {
		Address        string
		DisableReqLogs bool

		// MaxBatch caps the operations accepted per request.
		MaxBatch int

		Authority  *auth.Authority
		Reconciler reconcile.Reconciler

		// Logger defaults to stderr with an "[api] " prefix.
		Logger *log.Logger
	}

	// Server is the sync HTTP server.
	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts   *Options
		app    *echo.Echo
		logger *log.Logger
	}
)

var _ Server = (*server)(nil)

// NewServer builds the echo application and registers its routes.
func NewServer(opts *Options) Server {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	s := &server{
		opts:   opts,
		app:    echo.New(),
		logger: logger,
	}
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{Output: s.logger.Writer()}))
	}
	s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{DisablePrintStack: true}))
	s.app.Use(middleware.BodyLimit("8M"))

	s.app.HTTPErrorHandler = newHTTPErrorHandler(s.logger)

	s.app.GET("/health", s.health)
	s.app.POST("/sync", s.sync, bearerAuth(s.opts.Authority))
}

// Start listens on Options.Address until Stop is called.
func (s *server) Start() error {
	s.logger.Printf("listening on %s", s.opts.Address)
	if err := s.app.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}
