// Package http provides the HTTP transport layer for fifogate.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	POST   /api/save                      enqueue {"data": ...}
//	GET    /api/deliver[?identifier=…]    remove the oldest (or named) item
//	GET    /api/deliver/ws                push delivery over WebSocket
//	GET    /api/status?identifier=…       queue position lookup
//	GET    /health
//	GET    /metrics
//
// The legacy query parameter x_id is accepted wherever identifier is.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/fifogate/internal/config"
	"github.com/snehjoshi/fifogate/internal/gateway"
	"github.com/snehjoshi/fifogate/internal/metrics"
	transportws "github.com/snehjoshi/fifogate/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with fifogate route wiring.
type Server struct {
	inner    *http.Server
	certFile string
	keyFile  string
}

// New builds a Server around svc. reg may be nil, which disables /metrics
// and the HTTP counters. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(svc *gateway.Service, cfg *config.Config, reg *metrics.Registry) *Server {
	trustProxy := cfg.Access.TrustProxy
	h := &Handler{
		svc:        svc,
		driver:     string(cfg.Store.Driver),
		trustProxy: trustProxy,
		started:    time.Now(),
	}
	ws := &transportws.Handler{
		Gateway:      svc,
		CallerAddr:   func(r *http.Request) string { return clientAddr(r, trustProxy) },
		WriteTimeout: cfg.Server.PushWriteTimeout(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /api/save", h.save)
	mux.HandleFunc("GET /api/deliver", h.deliver)
	mux.Handle("GET /api/deliver/ws", ws)
	mux.HandleFunc("GET /api/status", h.status)

	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: max-body → logging → auth → rate-limit
	mws := []func(http.Handler) http.Handler{
		MaxBodyMiddleware(int64(cfg.Server.MaxBodyKB) << 10),
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
	}
	if cfg.RateLimit.Enabled {
		mws = append(mws, RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst, trustProxy))
	}

	return &Server{
		inner: &http.Server{
			Handler:      chain(mux, mws...),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		certFile: cfg.Server.TLSCertFile,
		keyFile:  cfg.Server.TLSKeyFile,
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// TLS reports whether the server will serve HTTPS.
func (s *Server) TLS() bool { return s.certFile != "" && s.keyFile != "" }

// ListenAndServe starts the server on the given address (e.g. ":8080"),
// using TLS when a certificate and key are configured. It returns when the
// server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	if s.TLS() {
		return s.inner.ListenAndServeTLS(s.certFile, s.keyFile)
	}
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
