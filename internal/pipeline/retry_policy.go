package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy retries with jittered exponential backoff.
type ExponentialRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is worth another attempt. Defaults to IsTransient.
	Retryable func(error) bool
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Retryable:   IsTransient,
	}
}

// ShouldRetry decides whether another attempt follows attempt (1-based).
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	return retryable(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends.
func (p *ExponentialRetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(p.Backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		case <-timer.C:
		}
	}
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
