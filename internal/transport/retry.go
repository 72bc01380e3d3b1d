package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
)

// RetryPolicy bounds how an operation is retried. Delays grow as
// BaseDelay * 2^attempt with no jitter.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration // zero disables the per-attempt deadline
}

// DefaultRetryPolicy returns three retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// SplitBudget returns a policy whose attempts and backoff delays together
// fit inside budget, so a timed-out attempt still leaves time to retry.
func SplitBudget(budget time.Duration, maxRetries int, baseDelay time.Duration) RetryPolicy {
	maxRetries = max(maxRetries, 0)
	p := RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}
	if budget <= 0 {
		return p
	}

	var delays time.Duration
	for i := 0; i < maxRetries; i++ {
		delays += baseDelay << uint(i)
	}
	remaining := budget - delays
	if remaining <= 0 {
		remaining = budget
	}
	p.AttemptTimeout = remaining / time.Duration(maxRetries+1)
	return p
}

// hintedBackOff waits at least as long as the server asked for in
// Retry-After before the next attempt.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.hint
	b.hint = 0
	if next == backoff.Stop || hint <= next {
		return next
	}
	return hint
}

func (p RetryPolicy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.BaseDelay << uint(max(p.MaxRetries, 0))
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithMaxRetries(exp, uint64(max(p.MaxRetries, 0)))
}

// Retry runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done. Only errors for which
// models.IsRetryable holds are retried. A StatusError carrying Retry-After
// delays the next attempt by at least that long.
func Retry(ctx context.Context, policy RetryPolicy, logger *events.Logger, fn func(ctx context.Context) error) error {
	attempt := 0
	hinted := &hintedBackOff{BackOff: policy.backOff()}

	operation := func() error {
		attempt++

		attemptCtx := ctx
		cancel := func() {}
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		// The attempt deadline fired but the caller is still waiting
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, models.ErrTimeout) {
			err = fmt.Errorf("%w: %v", models.ErrTimeout, err)
		}
		if !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			hinted.hint = statusErr.RetryAfter
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Debug("Retrying request")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(hinted, ctx), notify)
}
