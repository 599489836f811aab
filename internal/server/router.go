package server

import (
	"net/http"

	"github.com/watzon/funcbox/internal/auth"
	"github.com/watzon/funcbox/internal/metrics"
	"github.com/watzon/funcbox/internal/server/handlers"
	"github.com/watzon/funcbox/internal/webhooks"
)

type Router struct {
	server  *Server
	mux     *http.ServeMux
	handler http.Handler
}

type Middleware func(http.Handler) http.Handler

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupRoutes()
	r.handler = r.chain(r.mux,
		RecoveryMiddleware,
		RequestIDMiddleware,
		TracingMiddleware(r.mux),
		LoggingMiddleware,
		MetricsMiddleware(r.mux, srv.cfg.Metrics.Path),
		MaxBodySizeMiddleware(srv.cfg.Server.MaxBodySize),
	)

	return r
}

// chain wraps h so that the first middleware runs outermost.
func (r *Router) chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// scoped requires scope on a route and, when limited is set, applies the
// rate limiter after authentication.
func (r *Router) scoped(scope string, limited bool, fn http.HandlerFunc) http.Handler {
	var h http.Handler = fn
	if limited && r.server.limiter != nil {
		h = r.server.limiter.Middleware(h)
	}
	return auth.Require(r.server.deps.Tokens, scope)(h)
}

func (r *Router) setupRoutes() {
	deps := r.server.deps
	cfg := r.server.cfg

	health := handlers.NewHealthHandlers(deps.DB, deps.Executor, deps.Evaluator, deps.Feed, deps.Version)
	r.mux.HandleFunc("GET /health", health.Health)
	r.mux.HandleFunc("GET /health/live", health.Liveness)
	r.mux.HandleFunc("GET /health/ready", health.Readiness)
	r.mux.Handle("GET /api/stats", r.scoped(auth.ScopeAdmin, false, health.Stats))

	if cfg.Metrics.Enabled && cfg.Metrics.Path != "" {
		r.mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	fn := handlers.NewFunctionHandlers(deps.Registry, deps.Invoker, deps.Tracker, deps.Evaluator)
	r.mux.Handle("POST /api/functions", r.scoped(auth.ScopeWrite, false, fn.Register))
	r.mux.Handle("GET /api/functions", r.scoped(auth.ScopeRead, false, fn.List))
	r.mux.Handle("GET /api/functions/{id}", r.scoped(auth.ScopeRead, false, fn.Get))
	r.mux.Handle("GET /api/functions/{id}/versions", r.scoped(auth.ScopeRead, false, fn.Versions))
	r.mux.Handle("GET /api/functions/{id}/executions", r.scoped(auth.ScopeRead, false, fn.Executions))
	r.mux.Handle("POST /api/functions/{id}/invoke", r.scoped(auth.ScopeInvoke, true, fn.Invoke))

	ex := handlers.NewExecutionHandlers(deps.Tracker, deps.Feed)
	r.mux.Handle("GET /api/executions", r.scoped(auth.ScopeRead, false, ex.List))
	r.mux.Handle("GET /api/executions/stream", r.scoped(auth.ScopeRead, false, ex.Stream))
	r.mux.Handle("GET /api/executions/{id}", r.scoped(auth.ScopeRead, false, ex.Get))

	if deps.Bus != nil || deps.Evaluator != nil {
		ev := handlers.NewEventHandlers(deps.Bus, deps.Evaluator)
		r.mux.Handle("POST /api/events", r.scoped(auth.ScopeInvoke, true, ev.Emit))
		r.mux.Handle("GET /api/events/{id}", r.scoped(auth.ScopeRead, false, ev.Get))
	}

	if deps.Bus != nil && cfg.Events.Webhooks.Enabled {
		// Signed by the sender instead of bearer tokens.
		var wh http.Handler = webhooks.NewHandler(cfg.Events.Webhooks, deps.Bus)
		if r.server.limiter != nil {
			wh = r.server.limiter.Middleware(wh)
		}
		r.mux.Handle("POST /webhooks/{object}/{action}", wh)
	}

	if deps.Evaluator != nil {
		tr := handlers.NewTriggerHandlers(deps.Evaluator, deps.Registry)
		r.mux.Handle("GET /api/triggers", r.scoped(auth.ScopeRead, false, tr.List))
		r.mux.Handle("POST /api/triggers", r.scoped(auth.ScopeWrite, false, tr.Create))
		r.mux.Handle("GET /api/triggers/{id}", r.scoped(auth.ScopeRead, false, tr.Get))
		r.mux.Handle("DELETE /api/triggers/{id}", r.scoped(auth.ScopeWrite, false, tr.Delete))
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
