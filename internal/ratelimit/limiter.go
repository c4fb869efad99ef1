// Package ratelimit implements process-local, per-client request throttling.
//
// Each client gets a fixed window that opens on its first request and lasts
// Window; at most Max requests are admitted inside it. Clients are tracked in
// an LRU table so memory stays bounded under many distinct callers; a client
// evicted from the table simply starts a new window. Nothing is shared across
// processes.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/comigor/threadgate/internal/apperr"
	"github.com/comigor/threadgate/internal/logger"
	"github.com/comigor/threadgate/internal/metrics"
)

// Message is the user-facing text of a rejection.
const Message = "Too many requests, please slow down and try again shortly."

// ErrorWriter renders a rejection.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Config configures a Limiter.
type Config struct {
	Window     time.Duration
	Max        int
	MaxClients int
	// TrustProxy keys clients by the first X-Forwarded-For hop instead of
	// the connection address.
	TrustProxy bool
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter is the time left until the client's window closes.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.Reset.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks request counts per client key.
type Limiter struct {
	cfg     Config
	clients *lru.Cache
	mu      sync.Mutex
	now     func() time.Time
	onError ErrorWriter
}

// New creates a Limiter. A nil onError falls back to plain-text responses.
func New(cfg Config, onError ErrorWriter) (*Limiter, error) {
	if cfg.Window <= 0 || cfg.Max <= 0 {
		return nil, apperr.New(apperr.KindConfiguration, "ratelimit.New", "window and max must be positive")
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	clients, err := lru.New(cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, Message, apperr.KindOf(err).HTTPStatus())
		}
	}
	return &Limiter{cfg: cfg, clients: clients, now: time.Now, onError: onError}, nil
}

// Allow records one request for key and reports whether it is admitted.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var w *window
	if v, ok := l.clients.Get(key); ok {
		w = v.(*window)
	}
	if w == nil || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.clients.Add(key, w)
	}
	w.count++

	remaining := l.cfg.Max - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= l.cfg.Max,
		Limit:     l.cfg.Max,
		Remaining: remaining,
		Reset:     w.start.Add(l.cfg.Window),
	}
}

// ClientKey identifies the caller of r.
func (l *Limiter) ClientKey(r *http.Request) string {
	if l.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with a RateLimited error.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.ClientKey(r)
		d := l.Allow(key)

		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(int(d.RetryAfter(l.now()).Seconds())))

		if !d.Allowed {
			metrics.RecordRateLimited()
			logger.L.Info("rate limit exceeded", "client", key, "path", r.URL.Path)
			retry := int(d.RetryAfter(l.now()).Round(time.Second).Seconds())
			if retry < 1 {
				retry = 1
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			l.onError(w, r, apperr.New(apperr.KindRateLimited, "ratelimit", Message))
			return
		}
		next.ServeHTTP(w, r)
	})
}
