// Package server exposes the gateway over HTTP.
//
// Routes under /v1/ pass the credential guard and then the rate limiter
// before reaching a handler. /health and /metrics are open. The whole mux is
// wrapped, outermost first, by panic recovery, request IDs, request
// logging/metrics and CORS.
package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/threadgate/internal/auth"
	"github.com/comigor/threadgate/internal/config"
	"github.com/comigor/threadgate/internal/gateway"
	"github.com/comigor/threadgate/internal/history"
	"github.com/comigor/threadgate/internal/ratelimit"
)

// maxBodyBytes bounds a chat request body.
const maxBodyBytes = 1 << 20

// Conversations is the part of the gateway the HTTP layer needs.
type Conversations interface {
	Chat(ctx context.Context, req gateway.ChatRequest) (gateway.ChatResponse, error)
	Thread(ctx context.Context, threadID string) ([]history.Message, error)
	Threads(ctx context.Context, userEmail string, limit int) ([]history.Thread, error)
}

// Server holds the HTTP dependencies.
type Server struct {
	cfg     *config.Config
	conv    Conversations
	guard   *auth.Guard
	limiter *ratelimit.Limiter
	cors    corsPolicy
}

// New builds a server. Guard and limiter render their rejections through the
// server's JSON error writer.
func New(cfg *config.Config, conv Conversations) (*Server, error) {
	s := &Server{cfg: cfg, conv: conv}

	guard, err := auth.NewGuard(cfg.Auth.Header, cfg.Auth.Secret, s.writeError)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Window:     cfg.RateLimit.Window,
		Max:        cfg.RateLimit.Max,
		MaxClients: cfg.RateLimit.MaxClients,
		TrustProxy: cfg.Server.TrustProxy,
	}, s.writeError)
	if err != nil {
		return nil, err
	}

	s.guard = guard
	s.limiter = limiter
	s.cors = newCORSPolicy(cfg.CORS, cfg.Auth.Header)
	return s, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.HandlerFunc) http.Handler {
		return s.guard.Middleware(s.limiter.Middleware(h))
	}

	mux.Handle("POST /v1/chat", protect(s.handleChat))
	mux.Handle("GET /v1/threads/{threadId}", protect(s.handleThread))
	mux.Handle("GET /v1/threads", protect(s.handleThreads))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleNotFound)

	var handler http.Handler = mux
	handler = s.cors.middleware(handler)
	handler = observe(handler)
	handler = requestID(handler)
	handler = recovery(handler)
	return handler
}
