// Package api exposes the GiftExplain experiment service over HTTP.
//
// Every JSON endpoint answers with the models.APIResponse envelope. Conflicts
// with the persisted step return 409 and carry the current step so clients can
// resume at the right screen.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/experiment"
	"github.com/BTreeMap/GiftExplain/internal/metrics"
	"golang.org/x/time/rate"
)

// Default server settings
const (
	DefaultAddr = ":8080"
	// DefaultStartRatePerMinute limits experiment starts, each of which triggers paid generation
	DefaultStartRatePerMinute = 30
	// shutdownTimeout bounds graceful shutdown
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr               string
	StartRatePerMinute int
	Metrics            *metrics.Metrics
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStartRate limits POST /experiment/start to perMinute requests. Zero or
// less disables the limit.
func WithStartRate(perMinute int) Option {
	return func(o *Opts) { o.StartRatePerMinute = perMinute }
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Server serves the experiment API.
type Server struct {
	svc          *experiment.Service
	addr         string
	metrics      *metrics.Metrics
	startLimiter *rate.Limiter
	router       *http.ServeMux
}

// NewServer builds a Server around svc.
func NewServer(svc *experiment.Service, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, StartRatePerMinute: DefaultStartRatePerMinute}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		svc:     svc,
		addr:    cfg.Addr,
		metrics: cfg.Metrics,
		router:  http.NewServeMux(),
	}
	if cfg.StartRatePerMinute > 0 {
		s.startLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.StartRatePerMinute)), cfg.StartRatePerMinute)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.healthHandler)

	s.router.HandleFunc("POST /experiment/start", withRateLimit(s.startLimiter, s.startHandler))
	s.router.HandleFunc("GET /experiment/{id}", s.getExperimentHandler)
	s.router.HandleFunc("GET /experiment/{id}/resume", s.resumeHandler)
	s.router.HandleFunc("PATCH /experiment/{id}/step", s.advanceStepHandler)
	s.router.HandleFunc("POST /experiment/{id}/survey", s.surveyHandler)
	s.router.HandleFunc("POST /experiment/{id}/comparison", s.comparisonHandler)
	s.router.HandleFunc("POST /experiment/{id}/demographics", s.demographicsHandler)
	s.router.HandleFunc("POST /experiment/{id}/tracking", s.trackingHandler)
	s.router.HandleFunc("POST /experiment/{id}/click-event", s.clickEventHandler)
	s.router.HandleFunc("PATCH /experiment/{id}/recipient", s.recipientHandler)
	s.router.HandleFunc("POST /experiment/{id}/share", s.shareHandler)

	s.router.HandleFunc("GET /experiments", s.listExperimentsHandler)
	s.router.HandleFunc("GET /experiments/export", s.exportHandler)
	s.router.HandleFunc("GET /experiments/balance", s.balanceHandler)

	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the routed handler wrapped in logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.metrics != nil {
		h = s.metrics.Middleware(h)
	}
	return withRequestLogging(h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// generation at start may take over a minute
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serveDone := make(chan struct{})
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-ctx.Done():
		case <-serveDone:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
		}
	}()

	slog.Info("Server.Run: listening", "addr", s.addr)
	err := server.ListenAndServe()
	close(serveDone)
	// wait for in-flight requests to drain, or for the watcher to exit
	<-shutdownDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Server.Run: stopped")
	return nil
}
