package rotator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"torident/internal/config"
	"torident/internal/metrics"
	"torident/internal/types"
)

// fakeResolver returns a fixed real address and a scripted sequence of
// proxied addresses. The last element repeats once the script runs out.
type fakeResolver struct {
	real string
	seq  []string
	idx  int
}

func (f *fakeResolver) RealAddress(context.Context) string { return f.real }

func (f *fakeResolver) ProxiedAddress(context.Context) string {
	if len(f.seq) == 0 {
		return types.Undetermined
	}
	if f.idx >= len(f.seq) {
		return f.seq[len(f.seq)-1]
	}
	addr := f.seq[f.idx]
	f.idx++
	return addr
}

type fakeLocator struct {
	calls []string
}

func (f *fakeLocator) Locate(_ context.Context, address string) (string, string) {
	f.calls = append(f.calls, address)
	if !types.IsDetermined(address) {
		return types.Undetermined, types.Undetermined
	}
	return "Germany", "Berlin"
}

type fakeController struct {
	calls int
	err   error
	block chan struct{} // when set, RequestNewIdentity waits for ctx or release
}

func (f *fakeController) RequestNewIdentity(ctx context.Context) error {
	f.calls++
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

type fakeChangelog struct {
	appended []types.RotationOutcome
	err      error
}

func (f *fakeChangelog) Append(outcome types.RotationOutcome) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, outcome)
	return nil
}

type fakeSink struct {
	notified []types.RotationOutcome
	err      error
}

func (f *fakeSink) NotifyOutcome(_ context.Context, outcome types.RotationOutcome) error {
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, outcome)
	return nil
}

// newTestRotator wires a Rotator with no inter-attempt delay.
func newTestRotator(t *testing.T, retries int, resolver *fakeResolver, controller *fakeController,
	changelog ChangeLog, sink NotificationSink, m *metrics.Metrics) *Rotator {
	t.Helper()
	if m == nil {
		m = metrics.New()
	}
	r := New(config.RotationConfig{WaitSeconds: 1, Retries: retries},
		resolver, &fakeLocator{}, controller, changelog, sink, zaptest.NewLogger(t), m)
	r.wait = 0
	return r
}

// rotate runs one rotation synchronously with a safety timeout.
func rotate(t *testing.T, r *Rotator, ctx context.Context) Result {
	t.Helper()
	results, err := r.Rotate(ctx)
	require.NoError(t, err)

	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("rotation did not finish in time")
		return Result{}
	}
}

func TestRotateEndToEnd(t *testing.T) {
	resolver := &fakeResolver{
		real: "203.0.113.7",
		seq:  []string{"1.1.1.1", "1.1.1.1", "2.2.2.2"},
	}
	controller := &fakeController{}
	changelog := &fakeChangelog{}
	sink := &fakeSink{}

	r := newTestRotator(t, 2, resolver, controller, changelog, sink, nil)
	result := rotate(t, r, context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, 2, controller.calls, "loop must stop at the first changed address")
	assert.Equal(t, "2.2.2.2", result.Outcome.NewTorIP)
	assert.Equal(t, "1.1.1.1", result.Outcome.OldTorIP)
	assert.Equal(t, "203.0.113.7", result.Outcome.RealIP)
	assert.True(t, result.Outcome.Changed)
	// The note set by the first, unchanged attempt sticks around even
	// though a later attempt succeeded.
	assert.Equal(t, unchangedNote, result.Outcome.Note)

	require.Len(t, changelog.appended, 1)
	assert.Equal(t, result.Outcome, changelog.appended[0])
	require.Len(t, sink.notified, 1)
	assert.Equal(t, result.Outcome, sink.notified[0])
}

func TestRotateSignalsOncePerAttempt(t *testing.T) {
	// The address never moves: every attempt is used, none beyond retries+1.
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1"}}
	controller := &fakeController{}

	r := newTestRotator(t, 3, resolver, controller, nil, nil, nil)
	result := rotate(t, r, context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, 4, controller.calls)
	assert.False(t, result.Outcome.Changed)
	assert.Equal(t, unchangedNote, result.Outcome.Note)
}

func TestRotateZeroRetries(t *testing.T) {
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1", "2.2.2.2"}}
	controller := &fakeController{}

	r := newTestRotator(t, 0, resolver, controller, nil, nil, nil)
	result := rotate(t, r, context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, 1, controller.calls, "retries=0 means exactly one signal")
	assert.True(t, result.Outcome.Changed)
}

func TestRotateChangedRequiresDeterminedAddresses(t *testing.T) {
	tests := []struct {
		name string
		seq  []string
		want bool
	}{
		{name: "both determined and different", seq: []string{"1.1.1.1", "2.2.2.2"}, want: true},
		{name: "both determined and equal", seq: []string{"1.1.1.1", "1.1.1.1"}, want: false},
		{name: "pre-rotation undetermined", seq: []string{types.Undetermined, "2.2.2.2"}, want: false},
		{name: "post-rotation undetermined", seq: []string{"1.1.1.1", types.Undetermined}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{real: "203.0.113.7", seq: tt.seq}
			r := newTestRotator(t, 0, resolver, &fakeController{}, nil, nil, nil)
			result := rotate(t, r, context.Background())

			require.NoError(t, result.Err)
			assert.Equal(t, tt.want, result.Outcome.Changed)
		})
	}
}

func TestRotateControlFailurePropagates(t *testing.T) {
	controlErr := errors.New("control channel refused")
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1"}}
	controller := &fakeController{err: controlErr}
	changelog := &fakeChangelog{}
	sink := &fakeSink{}

	r := newTestRotator(t, 2, resolver, controller, changelog, sink, nil)
	result := rotate(t, r, context.Background())

	require.ErrorIs(t, result.Err, controlErr)
	assert.Equal(t, 1, controller.calls, "a failed signal ends the whole operation")
	assert.Empty(t, changelog.appended, "no partial outcome is persisted")
	assert.Empty(t, sink.notified)
}

func TestRotatePersistenceFailureDoesNotFailRotation(t *testing.T) {
	m := metrics.New()
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1", "2.2.2.2"}}
	changelog := &fakeChangelog{err: errors.New("disk full")}
	sink := &fakeSink{}

	r := newTestRotator(t, 0, resolver, &fakeController{}, changelog, sink, m)
	result := rotate(t, r, context.Background())

	require.NoError(t, result.Err)
	assert.True(t, result.Outcome.Changed)
	require.Len(t, sink.notified, 1, "notification still goes out")

	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.PersistenceFailures)
}

func TestRotateNotificationFailureSwallowed(t *testing.T) {
	m := metrics.New()
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1", "2.2.2.2"}}
	sink := &fakeSink{err: errors.New("telegram down")}

	r := newTestRotator(t, 0, resolver, &fakeController{}, &fakeChangelog{}, sink, m)
	result := rotate(t, r, context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), m.GetSnapshot().NotificationFailures)
}

func TestRotateRejectsConcurrentRotation(t *testing.T) {
	release := make(chan struct{})
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1", "2.2.2.2"}}
	controller := &fakeController{block: release}

	r := newTestRotator(t, 0, resolver, controller, nil, nil, nil)

	results, err := r.Rotate(context.Background())
	require.NoError(t, err)

	_, err = r.Rotate(context.Background())
	assert.ErrorIs(t, err, ErrRotationInFlight)

	close(release)
	result := <-results
	require.NoError(t, result.Err)

	// After completion a new rotation is accepted again.
	_, err = r.Rotate(context.Background())
	assert.NoError(t, err)
}

func TestRotateCancellationAbandonsWait(t *testing.T) {
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1"}}
	controller := &fakeController{}
	changelog := &fakeChangelog{}

	r := newTestRotator(t, 0, resolver, controller, changelog, nil, nil)
	r.wait = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := rotate(t, r, ctx)
	require.ErrorIs(t, result.Err, context.Canceled)
	assert.Empty(t, changelog.appended)
}

func TestRotateMetricsCountSignals(t *testing.T) {
	m := metrics.New()
	resolver := &fakeResolver{real: "203.0.113.7", seq: []string{"1.1.1.1"}}

	r := newTestRotator(t, 2, resolver, &fakeController{}, nil, nil, m)
	result := rotate(t, r, context.Background())

	require.NoError(t, result.Err)
	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(3), snapshot.Signals)
	assert.Equal(t, int64(1), snapshot.Rotations)
	assert.Equal(t, int64(0), snapshot.RotationsChanged)
}
