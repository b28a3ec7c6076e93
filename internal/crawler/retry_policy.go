package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy retries transient failures with jittered exponential backoff:
// base × 2^attempt plus a uniform jitter in [0, jitter).
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxJitter   time.Duration
}

// NewExponentialRetryPolicy builds the default policy: 3 attempts, 5s base, 1s jitter.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		maxAttempts: 3,
		baseDelay:   5 * time.Second,
		maxJitter:   time.Second,
	}
}

// NewRetryPolicy builds a policy with explicit limits.
func NewRetryPolicy(maxAttempts int, base, jitter time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &ExponentialRetryPolicy{maxAttempts: maxAttempts, baseDelay: base, maxJitter: jitter}
}

// MaxAttempts returns the total number of attempts allowed.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt is allowed after attempt
// (1-based) failed with err.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return Retryable(err)
}

// Backoff returns the wait before the attempt following attempt (0-based).
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.baseDelay) * math.Pow(2, float64(attempt)))
	return delay + randomJitter(p.maxJitter)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Jitter returns a random duration in [0, limit).
func Jitter(limit time.Duration) time.Duration {
	return randomJitter(limit)
}
