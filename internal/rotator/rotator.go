package rotator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"torident/internal/config"
	"torident/internal/metrics"
	"torident/internal/types"
)

// unchangedNote annotates outcomes where the circuit was refreshed but
// the exit address stayed put, which is expected some of the time.
const unchangedNote = "Circuit refreshed but exit IP may stay the same (normal sometimes)."

// ErrRotationInFlight is returned when a rotation is requested while
// another one is still running. Concurrent rotations against the same
// control endpoint are not meaningful.
var ErrRotationInFlight = errors.New("a rotation is already in flight")

// AddressResolver resolves the public address, directly and through the proxy.
type AddressResolver interface {
	RealAddress(ctx context.Context) string
	ProxiedAddress(ctx context.Context) string
}

// GeoLocator resolves an address to a (country, city) pair.
type GeoLocator interface {
	Locate(ctx context.Context, address string) (country, city string)
}

// CircuitController issues the new-identity signal. Its failure is the
// one fatal failure of a rotation.
type CircuitController interface {
	RequestNewIdentity(ctx context.Context) error
}

// ChangeLog persists rotation outcomes best-effort.
type ChangeLog interface {
	Append(outcome types.RotationOutcome) error
}

// NotificationSink announces rotation outcomes best-effort.
type NotificationSink interface {
	NotifyOutcome(ctx context.Context, outcome types.RotationOutcome) error
}

// Result is delivered on the channel returned by Rotate. Err is non-nil
// only for control-channel failures and cancellation; every other
// failure mode degrades into sentinel fields of the outcome.
type Result struct {
	Outcome types.RotationOutcome
	Err     error
}

// Rotator drives the identity rotation retry loop: signal, wait,
// re-resolve, decide, persist, notify. At most one rotation runs at a
// time.
type Rotator struct {
	cfg        config.RotationConfig
	resolver   AddressResolver
	locator    GeoLocator
	controller CircuitController
	changelog  ChangeLog // nil disables persistence
	sink       NotificationSink
	logger     *zap.Logger
	metrics    *metrics.Metrics

	wait     time.Duration
	inFlight atomic.Bool
}

// New creates a Rotator. A nil changelog disables persistence; a nil
// sink disables notification.
func New(cfg config.RotationConfig, resolver AddressResolver, locator GeoLocator,
	controller CircuitController, changelog ChangeLog, sink NotificationSink,
	logger *zap.Logger, m *metrics.Metrics) *Rotator {
	return &Rotator{
		cfg:        cfg,
		resolver:   resolver,
		locator:    locator,
		controller: controller,
		changelog:  changelog,
		sink:       sink,
		logger:     logger,
		metrics:    m,
		wait:       cfg.Wait(),
	}
}

// Rotate starts one rotation attempt sequence as an independent unit of
// work and returns a channel that delivers the single Result. It
// returns ErrRotationInFlight if another rotation is still running.
func (r *Rotator) Rotate(ctx context.Context) (<-chan Result, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRotationInFlight
	}

	results := make(chan Result, 1)
	go func() {
		outcome, err := r.run(ctx)

		// Release the slot before delivering: a caller that has seen
		// the result may immediately request the next rotation.
		r.inFlight.Store(false)
		results <- Result{Outcome: outcome, Err: err}
	}()

	return results, nil
}

// run performs the whole attempt sequence synchronously.
func (r *Rotator) run(ctx context.Context) (types.RotationOutcome, error) {
	realIP := r.resolver.RealAddress(ctx)

	oldIP := r.resolver.ProxiedAddress(ctx)
	oldCountry, oldCity := r.locator.Locate(ctx, oldIP)

	r.logger.Info("Starting identity rotation",
		zap.String("old_tor_ip", oldIP),
		zap.Int("retries", r.cfg.Retries),
		zap.Duration("wait", r.wait))

	// NEWNYM plus small retries to increase the chance of an exit
	// address change. The new address is compared against the
	// pre-rotation address throughout.
	var note string
	newIP := oldIP
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if err := r.controller.RequestNewIdentity(ctx); err != nil {
			r.logger.Error("New identity signal failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			return types.RotationOutcome{}, err
		}
		r.metrics.RecordSignal()

		if err := r.pause(ctx); err != nil {
			return types.RotationOutcome{}, err
		}

		newIP = r.resolver.ProxiedAddress(ctx)
		if types.IsDetermined(newIP) && newIP != oldIP {
			break
		}
		note = unchangedNote
	}

	newCountry, newCity := r.locator.Locate(ctx, newIP)

	changed := types.IsDetermined(newIP) && types.IsDetermined(oldIP) && newIP != oldIP
	outcome := types.NewRotationOutcome(time.Now(), realIP,
		types.AddressInfo{Address: oldIP, Country: oldCountry, City: oldCity},
		types.AddressInfo{Address: newIP, Country: newCountry, City: newCity},
		changed, note)

	r.metrics.RecordRotation(changed)
	r.logger.Info("Identity rotation finished",
		zap.String("old_tor_ip", outcome.OldTorIP),
		zap.String("new_tor_ip", outcome.NewTorIP),
		zap.Bool("changed", outcome.Changed))

	r.persist(outcome)
	r.notify(ctx, outcome)

	return outcome, nil
}

// pause suspends between the signal and the re-check, abandoning the
// wait if the surrounding application is torn down.
func (r *Rotator) pause(ctx context.Context) error {
	if r.wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(r.wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// persist hands the outcome to the changelog. Write failures are
// surfaced only as an internal counter, never as an operation failure.
func (r *Rotator) persist(outcome types.RotationOutcome) {
	if r.changelog == nil {
		return
	}

	if err := r.changelog.Append(outcome); err != nil {
		r.metrics.RecordPersistenceFailure(err)
		r.logger.Warn("Failed to persist rotation outcome", zap.Error(err))
	}
}

// notify announces the outcome. Notification failures are swallowed
// unconditionally.
func (r *Rotator) notify(ctx context.Context, outcome types.RotationOutcome) {
	if r.sink == nil {
		return
	}

	if err := r.sink.NotifyOutcome(ctx, outcome); err != nil {
		r.metrics.RecordNotificationFailure(err)
		r.logger.Warn("Failed to send rotation notification", zap.Error(err))
	}
}
