// Package httpapi exposes the agent over HTTP: turn execution, defaults,
// stored traces and live turn events over SSE and WebSocket.
package httpapi

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/tracing"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

func passthrough(next http.Handler) http.Handler { return next }

// RouterConfig carries the handlers and cross-cutting middleware.
type RouterConfig struct {
	Agent     *AgentHandler
	Streaming *StreamingHandler
	// Auth authenticates every API route. Nil leaves routes unauthenticated
	// and scope checks then reject every call.
	Auth *auth.Middleware
	// RateLimit, when set, guards turn execution.
	RateLimit *RateLimiter
	Logger    *zap.Logger
}

// NewRouter assembles the API mux.
func NewRouter(cfg RouterConfig) http.Handler {
	authMiddleware := Middleware(passthrough)
	if cfg.Auth != nil {
		authMiddleware = cfg.Auth.HTTPMiddleware
	}
	rateLimiter := Middleware(passthrough)
	if cfg.RateLimit != nil {
		rateLimiter = cfg.RateLimit.Middleware
	}
	scoped := func(route string, h http.HandlerFunc, scopes ...string) http.Handler {
		return instrument(route,
			tracingMiddleware(route,
				authMiddleware(
					auth.RequireScopes(h, scopes...),
				),
			),
		)
	}

	mux := http.NewServeMux()

	if a := cfg.Agent; a != nil {
		mux.Handle("POST /ai_agents/chatbot/exec",
			instrument("exec",
				tracingMiddleware("exec",
					authMiddleware(
						rateLimiter(
							auth.RequireScopes(http.HandlerFunc(a.Exec), auth.ScopeAgentExecute),
						),
					),
				),
			),
		)
		mux.Handle("GET /ai_agents/chatbot/defaults", scoped("defaults", a.Defaults, auth.ScopeAgentExecute))
		mux.Handle("GET /ai_agents/turns/{id}", scoped("turns", a.Turn, auth.ScopeTracesRead))
	}
	if s := cfg.Streaming; s != nil {
		mux.Handle("GET /stream/sse", scoped("stream_sse", s.SSE, auth.ScopeStreamRead))
		mux.Handle("GET /stream/ws", scoped("stream_ws", s.WS, auth.ScopeStreamRead))
	}

	return corsMiddleware(recoverMiddleware(cfg.Logger, mux))
}

// tracingMiddleware opens a server span per request. Streams are skipped
// since their spans would last as long as the connection.
func tracingMiddleware(route string, next http.Handler) http.Handler {
	if strings.HasPrefix(route, "stream_") {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "http."+route,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeMessage(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedHeaders := "Content-Type, Authorization, X-API-Key, X-Turn-ID, traceparent, tracestate, Cache-Control, Last-Event-ID"
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if strings.HasPrefix(r.URL.Path, "/stream/") {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		} else {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
