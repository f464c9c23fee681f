package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.RecordRotation(true)
	m.RecordRotation(false)
	m.RecordSignal()
	m.RecordSignal()
	m.RecordSignal()
	m.RecordPersistenceFailure(errors.New("disk full"))
	m.RecordNotificationFailure(errors.New("telegram down"))

	s := m.GetSnapshot()
	assert.Equal(t, int64(2), s.Rotations)
	assert.Equal(t, int64(1), s.RotationsChanged)
	assert.Equal(t, int64(3), s.Signals)
	assert.Equal(t, int64(1), s.PersistenceFailures)
	assert.Equal(t, int64(1), s.NotificationFailures)
	assert.Equal(t, "telegram down", s.LastError)
}

func TestEndpointStats(t *testing.T) {
	m := New()

	m.RecordEndpointRequest("https://echo.example/a", 120*time.Millisecond, nil)
	m.RecordEndpointRequest("https://echo.example/a", 80*time.Millisecond, errors.New("timeout"))
	m.RecordEndpointRequest("https://echo.example/b", 50*time.Millisecond, nil)

	s := m.GetSnapshot()
	a := s.EndpointStats["https://echo.example/a"]
	assert.Equal(t, int64(2), a.Requests)
	assert.Equal(t, int64(1), a.Successes)
	assert.Equal(t, int64(1), a.Failures)
	assert.Equal(t, "timeout", a.LastError)

	b := s.EndpointStats["https://echo.example/b"]
	assert.Equal(t, int64(1), b.Requests)
	assert.Equal(t, int64(1), b.Successes)

	// The snapshot is a copy; mutating it must not touch live counters.
	a.Requests = 99
	assert.Equal(t, int64(2), m.GetSnapshot().EndpointStats["https://echo.example/a"].Requests)
}
