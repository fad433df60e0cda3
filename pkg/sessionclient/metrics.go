package sessionclient

import "sync"

// Session event names reported through Config.Metrics.
const (
	metricRefreshSuccess = "session.refresh.success"
	metricRefreshFailure = "session.refresh.failure"
	metricCSRFBootstrap  = "session.csrf.bootstrap"
	metricRetryCSRF      = "session.retry.csrf"
	metricRetryRefresh   = "session.retry.refresh"
	metricLogout         = "session.logout"
)

// MetricsRecorder receives one Increment per session event.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics tallies events in memory.
type CounterMetrics struct {
	mutex   sync.RWMutex
	tallies map[string]int64
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{tallies: map[string]int64{}}
}

func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	recorder.tallies[event]++
	recorder.mutex.Unlock()
}

// Count returns the tally for event, zero when never seen.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.RLock()
	defer recorder.mutex.RUnlock()
	return recorder.tallies[event]
}
