// Package observability exports session and auth counters to Prometheus.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "tsession"

// PrometheusRecorder satisfies the Increment(event) recorders of sessionclient and
// authkit, and instruments gin routes.
type PrometheusRecorder struct {
	events          *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors with registerer; a nil registerer
// uses prometheus.DefaultRegisterer.
func NewPrometheusRecorder(registerer prometheus.Registerer, namespace string) *PrometheusRecorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(registerer)
	return &PrometheusRecorder{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session and auth events by name.",
		}, []string{"event"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Increment adds one to the counter for event.
func (recorder *PrometheusRecorder) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// GinMiddleware records request counts and latency keyed by the matched route pattern.
func (recorder *PrometheusRecorder) GinMiddleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startedAt := time.Now()
		contextGin.Next()
		route := contextGin.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := contextGin.Request.Method
		recorder.requestsTotal.WithLabelValues(route, method, strconv.Itoa(contextGin.Writer.Status())).Inc()
		recorder.requestDuration.WithLabelValues(route, method).Observe(time.Since(startedAt).Seconds())
	}
}
