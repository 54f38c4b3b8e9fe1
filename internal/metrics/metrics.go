// Package metrics exposes Prometheus collectors for study progress, content
// generation, and the HTTP API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "giftexplain"

// Metrics holds every collector. It implements experiment.Recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	ExperimentsStarted   *prometheus.CounterVec
	ExperimentsCompleted *prometheus.CounterVec
	CompletionDuration   prometheus.Histogram
	StepTransitions      *prometheus.CounterVec
	Responses            *prometheus.CounterVec
	Rejections           *prometheus.CounterVec

	GenerationLatency *prometheus.HistogramVec
	GenerationErrors  *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New registers all collectors with reg. Pass prometheus.NewRegistry() in tests
// so repeated construction does not collide.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		ExperimentsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_started_total",
			Help:      "Experiments started, by assigned order type",
		}, []string{"order_type"}),
		ExperimentsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_completed_total",
			Help:      "Experiments that reached the completed step, by order type",
		}, []string{"order_type"}),
		CompletionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "experiment_duration_seconds",
			Help:      "Time from start to completion of an experiment",
			Buckets:   []float64{60, 120, 300, 600, 900, 1200, 1800, 3600},
		}),
		StepTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_transitions_total",
			Help:      "Persisted step changes",
		}, []string{"from", "to"}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_recorded_total",
			Help:      "Recorded submissions by kind and condition",
		}, []string{"kind", "condition"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Rejected operations by reason",
		}, []string{"operation", "reason"}),

		GenerationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Content generation latency",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		}, []string{"operation"}),
		GenerationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_errors_total",
			Help:      "Failed generation calls",
		}, []string{"operation"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "method", "code"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ExperimentStarted counts a new participant.
func (m *Metrics) ExperimentStarted(order models.OrderType) {
	m.ExperimentsStarted.WithLabelValues(string(order)).Inc()
}

// StepAdvanced counts one persisted transition.
func (m *Metrics) StepAdvanced(from, to int) {
	m.StepTransitions.WithLabelValues(strconv.Itoa(from), strconv.Itoa(to)).Inc()
}

// ResponseRecorded counts a submission. condition is empty for comparison and demographics.
func (m *Metrics) ResponseRecorded(kind string, condition models.Condition) {
	m.Responses.WithLabelValues(kind, string(condition)).Inc()
}

// ExperimentCompleted counts a completion and observes its duration.
func (m *Metrics) ExperimentCompleted(order models.OrderType, elapsed time.Duration) {
	m.ExperimentsCompleted.WithLabelValues(string(order)).Inc()
	m.CompletionDuration.Observe(elapsed.Seconds())
}

// OperationRejected counts a refused operation.
func (m *Metrics) OperationRejected(op, reason string) {
	m.Rejections.WithLabelValues(op, reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency keyed by the matched route
// pattern, so experiment IDs never become label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type generator interface {
	Generate(ctx context.Context, persona models.Persona) (models.GeneratedContent, error)
	ShareMessage(ctx context.Context, persona models.Persona, product models.Product, preferred models.Condition) (string, error)
}

// InstrumentedGenerator times every call of the wrapped generator.
type InstrumentedGenerator struct {
	next    generator
	metrics *Metrics
}

// InstrumentGenerator wraps g with latency and error metrics.
func (m *Metrics) InstrumentGenerator(g generator) *InstrumentedGenerator {
	return &InstrumentedGenerator{next: g, metrics: m}
}

func (g *InstrumentedGenerator) observe(op string, start time.Time, err error) {
	g.metrics.GenerationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		g.metrics.GenerationErrors.WithLabelValues(op).Inc()
	}
}

// Generate delegates to the wrapped generator.
func (g *InstrumentedGenerator) Generate(ctx context.Context, persona models.Persona) (models.GeneratedContent, error) {
	start := time.Now()
	content, err := g.next.Generate(ctx, persona)
	g.observe("generate", start, err)
	return content, err
}

// ShareMessage delegates to the wrapped generator.
func (g *InstrumentedGenerator) ShareMessage(ctx context.Context, persona models.Persona, product models.Product, preferred models.Condition) (string, error) {
	start := time.Now()
	msg, err := g.next.ShareMessage(ctx, persona, product, preferred)
	g.observe("share", start, err)
	return msg, err
}
