// Package metrics exposes Prometheus counters for the delegation flow.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apperrors "github.com/tendant/simple-delegation/pkg/errors"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	TokensIssuedTotal          *prometheus.CounterVec
	TokensRevokedTotal         *prometheus.CounterVec
	ValidationFailuresTotal    *prometheus.CounterVec
	ExchangesTotal             *prometheus.CounterVec
	DelegationTransitionsTotal *prometheus.CounterVec
	SweepRunsTotal             *prometheus.CounterVec
	SweepDuration              *prometheus.HistogramVec
	HTTPRequestsTotal          *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_tokens_issued_total",
				Help: "Total number of tokens minted",
			},
			[]string{"type"},
		),
		TokensRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_tokens_revoked_total",
				Help: "Total number of token ids added to the revocation store",
			},
			[]string{"source"},
		),
		ValidationFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_token_validation_failures_total",
				Help: "Total number of rejected tokens by failure code",
			},
			[]string{"code"},
		),
		ExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_token_exchanges_total",
				Help: "Total number of token exchange attempts by outcome",
			},
			[]string{"outcome"},
		),
		DelegationTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_request_transitions_total",
				Help: "Total number of delegation request status transitions",
			},
			[]string{"status"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_sweep_runs_total",
				Help: "Total number of background job runs",
			},
			[]string{"job", "status"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "delegation_sweep_duration_seconds",
				Help:    "Background job duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delegation_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
	}

	registry.MustRegister(
		m.TokensIssuedTotal,
		m.TokensRevokedTotal,
		m.ValidationFailuresTotal,
		m.ExchangesTotal,
		m.DelegationTransitionsTotal,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.HTTPRequestsTotal,
	)
	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TokenIssued counts a minted token of the given type
func (m *Metrics) TokenIssued(tokenType string) {
	if m == nil {
		return
	}
	m.TokensIssuedTotal.WithLabelValues(tokenType).Inc()
}

// TokenRevoked counts a jti pushed to the revocation store
func (m *Metrics) TokenRevoked(source string) {
	if m == nil {
		return
	}
	m.TokensRevokedTotal.WithLabelValues(source).Inc()
}

// ValidationFailed counts a rejected token. It satisfies the validator's
// failure observer interface.
func (m *Metrics) ValidationFailed(code apperrors.ErrorCode) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(string(code)).Inc()
}

// Exchange counts an exchange attempt. A nil err is counted as success.
func (m *Metrics) Exchange(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = apperrors.MapErrorCodeToWireCode(apperrors.GetCode(err))
	}
	m.ExchangesTotal.WithLabelValues(outcome).Inc()
}

// Transition counts a delegation request entering status
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.DelegationTransitionsTotal.WithLabelValues(status).Inc()
}

// SweepRun records one run of a background job
func (m *Metrics) SweepRun(job string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SweepRunsTotal.WithLabelValues(job, status).Inc()
	m.SweepDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests by chi route pattern and status code
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		if m == nil {
			return
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
	})
}
