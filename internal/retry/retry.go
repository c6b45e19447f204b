// Package retry wraps external calls in a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy bounds how often and how long a call is retried.
type Policy struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// Classifier reports whether err is worth another attempt.
type Classifier func(error) bool

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy is exhausted.
// A nil classifier retries every error except context cancellation.
func Do[T any](ctx context.Context, p Policy, classify Classifier, logger *zap.Logger, op func() (T, error)) (T, error) {
	if p.MaxAttempts <= 1 {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	wrapped := func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return v, backoff.Permanent(err)
		}
		if classify != nil && !classify(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	}
	if logger != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("retrying", zap.Error(err), zap.Duration("wait", wait))
		}))
	}
	return backoff.Retry(ctx, wrapped, opts...)
}

// Transient treats network errors and deadline expiry of a single attempt as retryable.
func Transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
