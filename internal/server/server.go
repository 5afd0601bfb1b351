// Package server constructs and starts the relay HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/roster"
	"github.com/Tyrowin/gochat-relay/internal/session"
)

// Backend groups the external collaborators the routing core depends on.
type Backend struct {
	Messages  chat.MessageStore
	Directory chat.GroupDirectory
	History   chat.HistoryReader
}

// Server assembles the registries, the dispatcher, the gateway and the API.
type Server struct {
	Config     Config
	Sessions   *session.Registry
	Rosters    *roster.Cache
	Conns      *Registry
	Dispatcher *Dispatcher
	Gateway    *Gateway
	API        *API
	Metrics    *Metrics

	log *slog.Logger
}

// New builds a server from cfg and backend. Nothing runs until Run is called.
func New(cfg Config, backend Backend, log *slog.Logger) (*Server, error) {
	if backend.Messages == nil || backend.Directory == nil || backend.History == nil {
		return nil, errors.New("server: incomplete backend")
	}
	cfg = sanitizeConfig(cfg)

	sessions, err := session.New(cfg.SessionCapacity)
	if err != nil {
		return nil, err
	}
	rosters, err := roster.New(backend.Directory, cfg.GroupCacheCapacity)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	conns := NewRegistry()
	dispatcher := NewDispatcher(backend.Messages, rosters, conns, cfg.SubmitQueueSize, cfg.PersistTimeout, log, metrics)

	return &Server{
		Config:     cfg,
		Sessions:   sessions,
		Rosters:    rosters,
		Conns:      conns,
		Dispatcher: dispatcher,
		Gateway:    NewGateway(sessions, conns, cfg, log, metrics),
		API:        NewAPI(sessions, dispatcher, backend.History, cfg, log, metrics),
		Metrics:    metrics,
		log:        log,
	}, nil
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Run starts the dispatcher and the HTTP listener and blocks until ctx is
// cancelled or either of them fails. Shutdown is bounded by
// Config.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	httpServer := CreateServer(s.Config.Port, s.SetupRoutes())

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	g, gctx := errgroup.WithContext(ctx)

	dispatched := make(chan struct{})
	g.Go(func() error {
		defer close(dispatched)
		return s.Dispatcher.Run(dispatchCtx)
	})

	g.Go(func() error {
		s.log.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpServer, stopDispatch, dispatched)
	})

	return g.Wait()
}

// shutdown stops intake first, then lets the dispatcher drain acknowledged
// messages, then closes live connections.
func (s *Server) shutdown(httpServer *http.Server, stopDispatch context.CancelFunc, dispatched <-chan struct{}) error {
	timeout := s.Config.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info("shutting down HTTP server")
	httpErr := httpServer.Shutdown(ctx)
	if httpErr != nil {
		s.log.Error("HTTP server shutdown error", "error", httpErr)
	}

	stopDispatch()
	select {
	case <-dispatched:
	case <-ctx.Done():
		s.log.Warn("dispatcher did not drain before the shutdown deadline")
	}

	gwErr := s.Gateway.Shutdown(timeout)
	return errors.Join(httpErr, gwErr)
}
