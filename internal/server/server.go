package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/auth"
	"github.com/watzon/funcbox/internal/config"
	"github.com/watzon/funcbox/internal/database"
	"github.com/watzon/funcbox/internal/events"
	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/functions"
	"github.com/watzon/funcbox/internal/invoker"
	"github.com/watzon/funcbox/internal/metrics"
	"github.com/watzon/funcbox/internal/sandbox"
	"github.com/watzon/funcbox/internal/triggers"
)

const dbStatsInterval = 15 * time.Second

// Deps are the components the HTTP surface exposes. Evaluator, Bus, Feed
// and Tokens are optional; the matching routes are disabled when nil.
type Deps struct {
	DB        *database.DB
	Registry  *functions.Registry
	Executor  *sandbox.Executor
	Invoker   *invoker.Service
	Tracker   *executions.Tracker
	Feed      *executions.Feed
	Evaluator *triggers.Evaluator
	Bus       *events.Bus
	Tokens    *auth.TokenService
	Version   string
}

type Server struct {
	cfg        *config.Config
	deps       Deps
	httpServer *http.Server
	router     *Router
	limiter    *RateLimiter

	mu       sync.Mutex
	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg *config.Config, deps Deps) *Server {
	srv := &Server{
		cfg:  cfg,
		deps: deps,
		stop: make(chan struct{}),
	}

	if cfg.Server.RateLimit.Enabled {
		srv.limiter = NewRateLimiter(cfg.Server.RateLimit)
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", s.deps.Tokens != nil).
		Msg("Starting server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dbStatsLoop()
	}()

	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	close(s.stop)
	s.wg.Wait()

	if s.limiter != nil {
		s.limiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) dbStatsLoop() {
	if s.deps.DB == nil {
		return
	}
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()

	for {
		stats := s.deps.DB.Stats()
		metrics.UpdateDBStats(stats.OpenConnections, stats.InUse)

		select {
		case <-ticker.C:
		case <-s.stop:
			return
		}
	}
}

func (s *Server) Config() *config.Config {
	return s.cfg
}
