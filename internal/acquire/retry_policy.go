package acquire

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds network retries: exponential delays from BaseDelay capped at
// MaxDelay, each padded with a random jitter drawn from [JitterMin, JitterMax].
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterMin   time.Duration
	JitterMax   time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterMax:   5 * time.Second,
	}
}

// NewBackOff returns a BackOff that allows MaxAttempts-1 retries and stops waiting once ctx is done.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	jittered := &jitteredBackOff{inner: exp, policy: p}
	return backoff.WithContext(backoff.WithMaxRetries(jittered, uint64(retries)), ctx)
}

// Jitter draws a random duration within the configured bounds.
func (p RetryPolicy) Jitter() time.Duration {
	if p.JitterMax <= p.JitterMin {
		return p.JitterMin
	}
	return p.JitterMin + randomJitter(p.JitterMax-p.JitterMin)
}

type jitteredBackOff struct {
	inner  backoff.BackOff
	policy RetryPolicy
}

func (j *jitteredBackOff) NextBackOff() time.Duration {
	next := j.inner.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return next + j.policy.Jitter()
}

func (j *jitteredBackOff) Reset() { j.inner.Reset() }

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
