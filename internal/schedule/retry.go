package schedule

import (
	"context"
	"errors"
	"net"
	"time"

	safetydomain "outreach-control-plane/internal/safety/domain"
)

// RetryStrategy is one entry in the scheduler's ordered retry list. The
// executor never retries; every retry decision is made here, from a typed
// match on the failure.
type RetryStrategy struct {
	Name    string
	Matches func(error) bool
	Backoff time.Duration
}

// DefaultRetryStrategies returns the strategy list evaluated in order:
// rate-limit blocks wait out a quota window slice, transient network
// failures retry quickly. Anything else is a real failure and is left to
// reclassification.
func DefaultRetryStrategies() []RetryStrategy {
	return []RetryStrategy{
		{
			Name:    "rate-limited",
			Matches: func(err error) bool { return errors.Is(err, safetydomain.ErrRateLimited) },
			Backoff: time.Hour,
		},
		{
			Name:    "transient-network",
			Matches: isTransient,
			Backoff: 5 * time.Minute,
		},
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
