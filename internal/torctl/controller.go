package torctl

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"github.com/cretz/bine/control"
	"go.uber.org/zap"
)

const (
	// signalTimeout bounds a full connect+authenticate+signal exchange.
	signalTimeout = 15 * time.Second
	// probeTimeout is short because a probe is a connectivity check,
	// not an actual control-channel exchange.
	probeTimeout = 2 * time.Second
)

// ControlChannelError is the one failure that invalidates a whole
// rotation attempt: a rotation that never signaled is meaningless to
// report. It carries the control endpoint and the underlying cause.
type ControlChannelError struct {
	Endpoint string
	Err      error
}

func (e *ControlChannelError) Error() string {
	return fmt.Sprintf("failed to connect to Tor control port %s: %v", e.Endpoint, e.Err)
}

func (e *ControlChannelError) Unwrap() error {
	return e.Err
}

// Controller issues identity-renewal signals over the Tor control
// channel. Each signal opens its own scoped connection; the connection
// is closed on every exit path.
type Controller struct {
	endpoint string
	password string
	logger   *zap.Logger
}

// New creates a Controller for the control channel on the given port.
// password may be empty; authentication then falls back to whatever
// the daemon advertises (cookie or null auth).
func New(controlPort int, password string, logger *zap.Logger) *Controller {
	return &Controller{
		endpoint: net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", controlPort)),
		password: password,
		logger:   logger,
	}
}

// RequestNewIdentity connects, authenticates and sends the NEWNYM
// signal. Any connection, auth or signal failure surfaces as a
// ControlChannelError.
func (c *Controller) RequestNewIdentity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", c.endpoint)
	if err != nil {
		return &ControlChannelError{Endpoint: c.endpoint, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	conn := control.NewConn(textproto.NewConn(netConn))
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("Failed to close control connection", zap.Error(err))
		}
	}()

	if err := conn.Authenticate(c.password); err != nil {
		return &ControlChannelError{Endpoint: c.endpoint, Err: fmt.Errorf("authentication failed: %w", err)}
	}

	if err := conn.Signal("NEWNYM"); err != nil {
		return &ControlChannelError{Endpoint: c.endpoint, Err: fmt.Errorf("NEWNYM signal failed: %w", err)}
	}

	c.logger.Debug("NEWNYM signal sent", zap.String("endpoint", c.endpoint))
	return nil
}

// Probe reports whether the control endpoint accepts connections.
// It does not authenticate; it only checks the daemon is listening.
func (c *Controller) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.endpoint)
	if err != nil {
		return false
	}
	_ = conn.Close()

	return true
}
