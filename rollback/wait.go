package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/songzhibin97/txflow-engine/types"
)

// HeightSource reports the chain head. chain.Backend satisfies it.
type HeightSource interface {
	GetLatestBlockHeight(ctx context.Context) (int64, error)
}

// WaitForBackend gives the backend time to settle after a rollback before a
// rebuild reads UTXOs again. It polls the head height until the backend answers,
// at most cfg.PostRollbackWaitAttempts times one CheckInterval apart, and then
// sleeps cfg.PostRollbackUTXOSyncDelay. It is a no-op unless
// cfg.WaitForBackendAfterRollback is set.
func WaitForBackend(ctx context.Context, src HeightSource, cfg types.ConfirmationConfig) error {
	if !cfg.WaitForBackendAfterRollback {
		return nil
	}

	attempts := cfg.PostRollbackWaitAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.CheckInterval), uint64(attempts-1)),
		ctx,
	)

	var height int64
	err := backoff.RetryNotify(func() error {
		h, err := src.GetLatestBlockHeight(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	}, b, func(err error, next time.Duration) {
		log.Debugf("Backend not ready after rollback, retrying in %v: %v", next, err)
	})
	if err != nil {
		return fmt.Errorf("backend not ready after rollback: %w", err)
	}
	log.Debugf("Backend answered at height %d, waiting %v for utxo sync",
		height, cfg.PostRollbackUTXOSyncDelay)

	if cfg.PostRollbackUTXOSyncDelay <= 0 {
		return nil
	}
	t := time.NewTimer(cfg.PostRollbackUTXOSyncDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
