// Package metrics exposes prometheus collectors for authentication flows and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekeeper"

// Recorder owns the collectors registered for one process.
type Recorder struct {
	authEvents      *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Authentication flow outcomes.",
		}, []string{"flow", "outcome"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		recorder.authEvents,
		recorder.requestsTotal,
		recorder.requestDuration,
		recorder.inFlight,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

// RecordAuthEvent counts one completed authentication flow.
func (r *Recorder) RecordAuthEvent(flow, outcome string) {
	if r == nil {
		return
	}
	r.authEvents.WithLabelValues(flow, outcome).Inc()
}

// RequestStarted marks a request as in flight and returns the callback that records its completion.
func (r *Recorder) RequestStarted(method, route string) func(status int) {
	if r == nil {
		return func(int) {}
	}
	started := time.Now()
	r.inFlight.Inc()
	return func(status int) {
		r.inFlight.Dec()
		r.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		r.requestDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
	}
}

// Handler serves the collectors gathered by gatherer in the prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
