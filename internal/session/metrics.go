package session

import "sync"

// Counter names recorded by the Controller.
const (
	MetricLoginSuccess       = "session.login.success"
	MetricLoginFailure       = "session.login.failure"
	MetricProfileLoaded      = "session.profile.loaded"
	MetricProfileFailure     = "session.profile.failure"
	MetricForcedInvalidation = "session.forced_invalidation"
	MetricLogout             = "session.logout"
	MetricRegisterSuccess    = "session.register.success"
	MetricRegisterFailure    = "session.register.failure"
	MetricStaleResult        = "session.stale_result_discarded"
)

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}
