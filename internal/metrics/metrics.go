package metrics

import (
	"sync"
	"time"
)

// Metrics tracks internal counters for rotation runs. Failures of
// best-effort side effects (persistence, notification) are recorded
// here and nowhere else; they never influence a rotation's result.
type Metrics struct {
	mu                   sync.RWMutex
	startTime            time.Time
	rotations            int64
	rotationsChanged     int64
	signals              int64
	persistenceFailures  int64
	notificationFailures int64
	lastError            string
	endpointStats        map[string]*EndpointStats
}

// EndpointStats represents statistics for a single echo endpoint.
type EndpointStats struct {
	Requests         int64         `json:"requests"`
	Successes        int64         `json:"successes"`
	Failures         int64         `json:"failures"`
	LastResponseTime time.Duration `json:"last_response_time"`
	LastSuccess      time.Time     `json:"last_success"`
	LastError        string        `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	StartTime            time.Time                 `json:"start_time"`
	Rotations            int64                     `json:"rotations"`
	RotationsChanged     int64                     `json:"rotations_changed"`
	Signals              int64                     `json:"signals"`
	PersistenceFailures  int64                     `json:"persistence_failures"`
	NotificationFailures int64                     `json:"notification_failures"`
	LastError            string                    `json:"last_error,omitempty"`
	EndpointStats        map[string]*EndpointStats `json:"endpoint_stats"`
}

// New creates a new Metrics instance.
func New() *Metrics {
	return &Metrics{
		startTime:     time.Now(),
		endpointStats: make(map[string]*EndpointStats),
	}
}

// RecordRotation records a completed rotation and whether it moved the exit address.
func (m *Metrics) RecordRotation(changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rotations++
	if changed {
		m.rotationsChanged++
	}
}

// RecordSignal records one NEWNYM signal sent to the control channel.
func (m *Metrics) RecordSignal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signals++
}

// RecordPersistenceFailure records a swallowed changelog write failure.
func (m *Metrics) RecordPersistenceFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.persistenceFailures++
	if err != nil {
		m.lastError = err.Error()
	}
}

// RecordNotificationFailure records a swallowed notification failure.
func (m *Metrics) RecordNotificationFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notificationFailures++
	if err != nil {
		m.lastError = err.Error()
	}
}

// RecordEndpointRequest records an echo endpoint request outcome.
func (m *Metrics) RecordEndpointRequest(endpoint string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.endpointStats[endpoint]
	if !ok {
		stats = &EndpointStats{}
		m.endpointStats[endpoint] = stats
	}

	stats.Requests++
	stats.LastResponseTime = duration
	if err != nil {
		stats.Failures++
		stats.LastError = err.Error()
	} else {
		stats.Successes++
		stats.LastSuccess = time.Now()
	}
}

// GetSnapshot returns a copy of the current metrics.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	endpoints := make(map[string]*EndpointStats, len(m.endpointStats))
	for name, stats := range m.endpointStats {
		s := *stats
		endpoints[name] = &s
	}

	return Snapshot{
		StartTime:            m.startTime,
		Rotations:            m.rotations,
		RotationsChanged:     m.rotationsChanged,
		Signals:              m.signals,
		PersistenceFailures:  m.persistenceFailures,
		NotificationFailures: m.notificationFailures,
		LastError:            m.lastError,
		EndpointStats:        endpoints,
	}
}
