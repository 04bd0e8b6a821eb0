// Package api exposes the pipeline stages over HTTP, one endpoint per
// stage, with the per-request OpenAI key forwarded from a header.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plenumlabs/plenum/pkg/pipeline"
)

// Options configures a Server. Pipeline is required; everything else has a
// usable default.
type Options struct {
	Pipeline *pipeline.Pipeline
	// RequireAPIKey rejects stage requests without an X-OpenAI-API-Key
	// header. Set when the hosted backend is active and no key is
	// configured; the local backend never needs one.
	RequireAPIKey bool
	// Metrics is served under GET /metrics.
	Metrics prometheus.Gatherer
	Logger  *slog.Logger
}

// Server represents the HTTP server.
type Server struct {
	pipeline   *pipeline.Pipeline
	requireKey bool
	metrics    prometheus.Gatherer
	logger     *slog.Logger
	httpSrv    *http.Server
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Pipeline == nil {
		panic("api.NewServer: pipeline must not be nil")
	}
	if opts.Metrics == nil {
		opts.Metrics = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		pipeline:   opts.Pipeline,
		requireKey: opts.RequireAPIKey,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "api"),
	}
}

// Routes builds the router with all endpoints and middleware attached.
func (s *Server) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), runTag(), s.requestLogger(), securityHeaders())

	router.GET("/", s.root)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))

	router.POST("/topic_tree", s.topicTree)
	router.POST("/claims", s.claims)
	// The trailing slash is part of the wire contract.
	router.PUT("/sort_claims_tree/", s.sortClaimsTree)
	router.POST("/cruxes", s.cruxes)

	return router
}

// Start begins serving on addr and blocks until the server exits.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// StartWithListener serves on a caller-provided listener. Tests use it to
// bind a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown stops accepting new requests and waits for in-flight ones until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
