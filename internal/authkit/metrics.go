package authkit

import (
	"sync"
	"sync/atomic"
)

// Auth event names passed to MetricsRecorder.Increment.
const (
	metricLoginSuccess   = "auth.login.success"
	metricLoginFailure   = "auth.login.failure"
	metricLoginThrottled = "auth.login.throttled"
	metricRefreshSuccess = "auth.refresh.success"
	metricRefreshFailure = "auth.refresh.failure"
	metricLogout         = "auth.logout"
	metricCSRFIssued     = "auth.csrf.issued"
	metricCSRFRejected   = "auth.csrf.rejected"
)

// MetricsRecorder counts auth events. observability.PrometheusRecorder satisfies it.
type MetricsRecorder interface {
	Increment(event string)
}

type discardMetrics struct{}

func (discardMetrics) Increment(string) {}

func metricsOrNoop(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return discardMetrics{}
	}
	return recorder
}

// CounterMetrics is a process-local MetricsRecorder used by tests and embedders
// without a Prometheus registry.
type CounterMetrics struct {
	counters sync.Map
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{}
}

func (recorder *CounterMetrics) Increment(event string) {
	counter, _ := recorder.counters.LoadOrStore(event, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}

// Count reports how many times event was incremented.
func (recorder *CounterMetrics) Count(event string) int64 {
	counter, found := recorder.counters.Load(event)
	if !found {
		return 0
	}
	return counter.(*atomic.Int64).Load()
}
