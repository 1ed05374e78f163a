package auth

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertUnauthorizedSpike AlertType = "unauthorized_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected. It is
// called synchronously and must not block.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultUnauthorizedWindow    = 1 * time.Minute
	defaultUnauthorizedThreshold = 200
)

// slidingWindow counts events in the trailing window and fires once the
// count reaches threshold, then starts over.
type slidingWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	events    []time.Time
}

// metricsCollector observes audit events for anomaly detection. It never
// influences the outcome of a request.
type metricsCollector struct {
	mu sync.Mutex

	loginFailures slidingWindow
	unauthorized  slidingWindow

	alertFn AlertFunc
	now     func() time.Time
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		loginFailures: slidingWindow{
			alert:     AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		unauthorized: slidingWindow{
			alert:     AlertUnauthorizedSpike,
			message:   "unauthorized request rate exceeds threshold",
			window:    defaultUnauthorizedWindow,
			threshold: defaultUnauthorizedThreshold,
		},
		alertFn: alertFn,
		now:     time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(&m.loginFailures)
	case AuditUnauthorized:
		m.record(&m.unauthorized)
	}
}

func (m *metricsCollector) record(w *slidingWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w.events = append(w.events, now)
	w.events = trimWindow(w.events, now, w.window)

	if len(w.events) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.events),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.events = w.events[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
