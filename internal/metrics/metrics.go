// Package metrics holds the Prometheus collectors of the directory service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "userdir"

// Graph mutation outcomes.
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultRejected  = "rejected"
	ResultError     = "error"
)

type Metrics struct {
	// GraphMutations counts follow/unfollow calls.
	// Labels: op (follow, unfollow, repair), result (changed, unchanged, rejected, error)
	GraphMutations *prometheus.CounterVec

	// NearbyResults observes how many users a nearby query returned.
	NearbyResults prometheus.Histogram

	// EventsPublished counts published change events.
	// Labels: type, status (ok, error)
	EventsPublished *prometheus.CounterVec

	// GraphInconsistencies is the number of edge problems found by the last check.
	// Labels: kind (asymmetric, dangling)
	GraphInconsistencies *prometheus.GaugeVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GraphMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graph",
				Name:      "mutations_total",
				Help:      "Follow graph mutations by operation and result",
			},
			[]string{"op", "result"},
		),
		NearbyResults: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proximity",
				Name:      "nearby_results",
				Help:      "Number of users returned by nearby queries",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Change events handed to the message broker",
			},
			[]string{"type", "status"},
		),
		GraphInconsistencies: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "graph",
				Name:      "inconsistencies",
				Help:      "Edge inconsistencies found by the last graph check",
			},
			[]string{"kind"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) GraphMutation(op, result string) {
	if m == nil {
		return
	}
	m.GraphMutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) NearbyResult(count int) {
	if m == nil {
		return
	}
	m.NearbyResults.Observe(float64(count))
}

func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) SetInconsistencies(asymmetric, dangling int) {
	if m == nil {
		return
	}
	m.GraphInconsistencies.WithLabelValues("asymmetric").Set(float64(asymmetric))
	m.GraphInconsistencies.WithLabelValues("dangling").Set(float64(dangling))
}

// Middleware records request count and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
