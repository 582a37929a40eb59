package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/haukened/blockmirror/internal/mirror/domain"
)

// RetryPolicy bounds remote retries. Waits grow BaseDelay·2^attempt up to
// MaxDelay; MaxAttempts counts the first call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 1s, 2s, 4s, 8s between five attempts, capped at 30s.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// hintedBackOff is an exponential backoff that waits at least as long as the
// last Retry-After hint, never longer than max.
type hintedBackOff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	hint time.Duration
}

func newHintedBackOff(p RetryPolicy) *hintedBackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	exp.Reset()
	return &hintedBackOff{exp: exp, max: p.MaxDelay}
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	d := b.exp.NextBackOff()
	if b.hint > d {
		d = b.hint
	}
	b.hint = 0
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *hintedBackOff) Reset() {
	b.exp.Reset()
	b.hint = 0
}

// retryNotify observes each failed attempt that will be retried.
type retryNotify func(attempt int, err error, wait time.Duration)

// retry runs op until it succeeds, fails permanently or the policy is spent.
// Only errors domain.IsRetryable accepts are retried; the last error is
// returned unwrapped.
func retry[T any](ctx context.Context, p RetryPolicy, notify retryNotify, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	bo := newHintedBackOff(p)
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !domain.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			bo.hint = rl.RetryAfter
		}
		return v, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempt, err, wait)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}
