package retry

import (
	"context"
	"fmt"
	"time"
)

// Do retries an operation with exponential backoff. The context bounds
// the whole sequence; cancellation wins over the remaining attempts.
func Do(ctx context.Context, maxAttempts int, initialDelay time.Duration, op func() error) error {
	var err error
	delay := initialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2 // exponential backoff
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, err)
}
