// Package retrier decides whether a failed network fetch should be retried
// and after how long. Strategies are stateless; the download coordinator
// passes the attempt count on every call.
package retrier

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// Decision is the answer to "retry this failed attempt?".
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Stop returns a Decision that ends retrying.
func Stop() Decision {
	return Decision{}
}

// After returns a Decision that retries after d.
func After(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

// Strategy answers whether a failed fetch should be re-issued. attempt is
// the number of attempts already made (1 after the first failure). The
// context belongs to the underlying transfer; a strategy that waits (for
// connectivity, say) must honor its cancellation.
type Strategy interface {
	ShouldRetry(ctx context.Context, attempt int, err error) Decision
}

// retryMarker is implemented by errors that know their own retryability,
// like a protocol error carrying an HTTP status.
type retryMarker interface {
	Retryable() bool
}

// Retryable classifies an error. Cancellation is never retryable. Errors
// implementing `Retryable() bool` decide for themselves. Everything else
// (transport failures, timeouts) is considered transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var marked retryMarker
	if errors.As(err, &marked) {
		return marked.Retryable()
	}
	// Everything else, timeouts and transport failures included, is
	// presumed transient.
	return true
}

type fixed struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixed returns a Strategy that retries up to maxAttempts total attempts
// with a fixed delay between them.
func NewFixed(maxAttempts int, delay time.Duration) Strategy {
	return &fixed{maxAttempts: maxAttempts, delay: delay}
}

func (f *fixed) ShouldRetry(_ context.Context, attempt int, err error) Decision {
	if attempt >= f.maxAttempts || !Retryable(err) {
		return Stop()
	}
	return After(f.delay)
}

type accumulating struct {
	maxAttempts int
	delay       time.Duration
}

// NewAccumulating returns a Strategy whose delay grows linearly with the
// attempt count: delay after the first failure, twice that after the
// second, and so on.
func NewAccumulating(maxAttempts int, delay time.Duration) Strategy {
	return &accumulating{maxAttempts: maxAttempts, delay: delay}
}

func (a *accumulating) ShouldRetry(_ context.Context, attempt int, err error) Decision {
	if attempt >= a.maxAttempts || !Retryable(err) {
		return Stop()
	}
	return After(a.delay * time.Duration(attempt))
}

// BackoffConfig defines an exponential backoff retry policy.
type BackoffConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the growing delay.
	MaxDelay time.Duration
	// Multiplier scales the delay after each failure.
	Multiplier float64
	// Jitter randomizes each delay by up to half its value in either
	// direction, spreading out retry storms.
	Jitter bool
}

// DefaultBackoffConfig returns a sensible backoff policy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

type backoff struct {
	cfg BackoffConfig
}

// NewBackoff returns a Strategy with exponentially growing delays.
func NewBackoff(cfg BackoffConfig) Strategy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultBackoffConfig().MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultBackoffConfig().InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultBackoffConfig().Multiplier
	}
	return &backoff{cfg: cfg}
}

func (b *backoff) ShouldRetry(_ context.Context, attempt int, err error) Decision {
	if attempt >= b.cfg.MaxAttempts || !Retryable(err) {
		return Stop()
	}
	delay := b.cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
			break
		}
	}
	if b.cfg.MaxDelay > 0 && delay > b.cfg.MaxDelay {
		delay = b.cfg.MaxDelay
	}
	if b.cfg.Jitter {
		half := int64(delay / 2)
		if half > 0 {
			delay = time.Duration(half + rand.Int63n(2*half))
		}
	}
	return After(delay)
}
