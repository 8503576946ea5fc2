// Package api exposes the synchronous transfer endpoints participants call
// and the administrative endpoints of the adapter.
package api

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/switch-adapter/internal/builder"
	"github.com/example/switch-adapter/internal/endpoints"
	"github.com/example/switch-adapter/internal/envelope"
)

const defaultMaxBodyBytes = 1 << 20

// Sender accepts an inbound request and writes it to the broker.
type Sender interface {
	Send(ctx context.Context, req builder.Request) (envelope.Envelope, error)
}

// CacheResetter drops cached endpoint tables and loads them again.
type CacheResetter interface {
	Reset(ctx context.Context, opts ...endpoints.Option) error
}

// ReadinessChecker reports whether a dependency can serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Option customises the server.
type Option func(*Server)

// WithEndpointCache enables DELETE /endpointcache.
func WithEndpointCache(c CacheResetter) Option {
	return func(s *Server) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithReadiness sets the check behind GET /health.
func WithReadiness(r ReadinessChecker) Option {
	return func(s *Server) {
		if r != nil {
			s.readiness = r
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metrics = h
		}
	}
}

// WithMaxBodyBytes bounds inbound request bodies.
func WithMaxBodyBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// Server is the HTTP surface of the adapter.
type Server struct {
	sender       Sender
	cache        CacheResetter
	readiness    ReadinessChecker
	metrics      http.Handler
	maxBodyBytes int
	logger       zerolog.Logger
	router       *gin.Engine
}

// NewServer builds the router. The transfer and fxTransfer resources share
// their handlers; the path decides which id parameter the builder receives.
func NewServer(sender Sender, logger zerolog.Logger, opts ...Option) *Server {
	s := newServer(logger, opts)
	s.sender = sender

	for _, res := range []resource{transfers, fxTransfers} {
		group := s.router.Group(res.path)
		{
			group.POST("", s.handle(builder.Prepare, res))
			group.PUT("/:id", s.handle(builder.Fulfil, res))
			group.PUT("/:id/error", s.handle(builder.FulfilError, res))
			group.GET("/:id", s.handle(builder.Get, res))
		}
	}
	return s
}

// NewOpsServer builds a router with only the operational endpoints: health,
// endpoint cache reset and metrics. Processes that accept no transfer
// requests serve it.
func NewOpsServer(logger zerolog.Logger, opts ...Option) *Server {
	return newServer(logger, opts)
}

func newServer(logger zerolog.Logger, opts []Option) *Server {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Server{
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	if s.cache != nil {
		router.DELETE("/endpointcache", s.handleCacheReset)
	}
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	s.router = router
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = s.logger.Warn()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}
