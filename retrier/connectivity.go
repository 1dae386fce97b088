package retrier

import (
	"context"
	"net"
	"time"
)

// Checker reports whether the network is currently reachable.
type Checker func(ctx context.Context) bool

// DefaultChecker dials a well known public resolver over TCP. Cheap enough
// to poll every few seconds while offline.
func DefaultChecker(addr string, timeout time.Duration) Checker {
	if addr == "" {
		addr = "1.1.1.1:53"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// ConnectivityConfig defines a connectivity aware retry policy.
type ConnectivityConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// PollInterval is how often the checker is polled while offline.
	PollInterval time.Duration
	// WaitTimeout bounds how long one ShouldRetry call waits for the
	// network to come back. Zero waits until the transfer context ends.
	WaitTimeout time.Duration
}

type connectivity struct {
	check Checker
	cfg   ConnectivityConfig
}

// NewConnectivity returns a Strategy that, instead of a fixed delay, waits
// for network availability to return before re-issuing the transfer. The
// wait is bounded by cfg.WaitTimeout and by the transfer context.
func NewConnectivity(check Checker, cfg ConnectivityConfig) Strategy {
	if check == nil {
		check = DefaultChecker("", 0)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &connectivity{check: check, cfg: cfg}
}

func (c *connectivity) ShouldRetry(ctx context.Context, attempt int, err error) Decision {
	if attempt >= c.cfg.MaxAttempts || !Retryable(err) {
		return Stop()
	}
	waitCtx := ctx
	if c.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.WaitTimeout)
		defer cancel()
	}
	if c.check(waitCtx) {
		return After(0)
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			// Network never came back within the bound; give up.
			return Stop()
		case <-ticker.C:
			if c.check(waitCtx) {
				return After(0)
			}
		}
	}
}
