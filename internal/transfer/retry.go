package transfer

import (
	"context"
	"time"

	"securesend/internal/common"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds retries of transient storage failures. Anything that is
// not common.ErrStorageFailure fails immediately.
type RetryPolicy struct {
	Retries uint64
	Base    time.Duration
	Max     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Retries: 3, Base: 200 * time.Millisecond, Max: 5 * time.Second}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryPolicy.Base
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	return retry.WithMaxRetries(p.Retries, b)
}

func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if common.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Option configures a session.
type Option func(*sessionConfig)

type sessionConfig struct {
	retry    RetryPolicy
	progress ProgressFunc
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{retry: DefaultRetryPolicy}
}

// WithRetry overrides the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(c *sessionConfig) { c.retry = p }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *sessionConfig) { c.progress = fn }
}
