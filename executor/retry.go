package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/types"
)

// newBackOff turns a retry policy into a backoff bounded by its attempts.
func newBackOff(ctx context.Context, p types.RetryPolicy) backoff.BackOff {
	var b backoff.BackOff
	switch p.Backoff {
	case types.BackoffExponential:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.InitialDelay
		exp.RandomizationFactor = 0
		exp.Multiplier = 2
		exp.MaxElapsedTime = 0
		if p.MaxDelay > 0 {
			exp.MaxInterval = p.MaxDelay
		} else {
			exp.MaxInterval = time.Duration(1<<63 - 1)
		}
		exp.Reset()
		b = exp
	default:
		b = backoff.NewConstantBackOff(p.InitialDelay)
	}

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// withRetry runs op under the step's retry policy. Permanent collaborator
// errors stop at once; every retry is reported to onRetry with the number of
// the attempt about to start.
func withRetry(ctx context.Context, p types.RetryPolicy, op func() error, onRetry func(attempt int, err error)) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && chain.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBackOff(ctx, p), func(err error, next time.Duration) {
		log.Debugf("Retrying in %v after attempt %d/%d failed: %v", next, attempt, p.MaxAttempts, err)
		onRetry(attempt+1, err)
	})
}
