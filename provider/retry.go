package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the exponential backoff used on transport failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RetryPolicyFromConfig reads the retry settings from cfg.
func RetryPolicyFromConfig(cfg Config) RetryPolicy {
	if cfg == nil {
		return RetryPolicy{}
	}
	return RetryPolicy{
		MaxRetries:      cfg.GetRetryMaxRetries(),
		InitialInterval: cfg.GetRetryInitialInterval(),
		MaxInterval:     cfg.GetRetryMaxInterval(),
	}
}

// NewBackOff returns a fresh exponential backoff for the policy.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Reset()
	return b
}

// Do runs op until it succeeds, the retries are spent, or ctx ends. The last
// error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	opts := []backoff.RetryOption{backoff.WithBackOff(p.NewBackOff())}
	if p.MaxRetries >= 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxRetries)+1))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, opts...)
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
