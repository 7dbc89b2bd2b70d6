package ai

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy configures in-process retries of backend calls.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is used for report generation: 5 attempts, doubling
// from 4s up to 60s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: 4 * time.Second,
	MaxBackoff:     60 * time.Second,
	Multiplier:     2,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(attempts-1))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// are exhausted or ctx is done. The last error is returned.
func Retry[T any](ctx context.Context, p RetryPolicy, logger *zap.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			v, err := fn(ctx)
			if err != nil {
				return err
			}
			out = v
			return nil
		},
		p.backOff(ctx),
		func(err error, next time.Duration) {
			if logger != nil {
				logger.Warn("AI call failed, retrying",
					zap.String("operation", op),
					zap.Int("attempt", attempt),
					zap.Duration("nextBackoff", next),
					zap.Error(err))
			}
		},
	)
	return out, err
}
