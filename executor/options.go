package executor

import (
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/songzhibin97/txflow-engine/events"
	"github.com/songzhibin97/txflow-engine/rules"
	"github.com/songzhibin97/txflow-engine/storage"
	"github.com/songzhibin97/txflow-engine/types"
)

// Option defines functional options for configuring Executor.
type Option func(*Executor)

// WithChainingMode sets when steps are built, submitted and confirmed.
// The default is ModeSequential.
func WithChainingMode(mode types.ChainingMode) Option {
	return func(e *Executor) {
		e.mode = mode
	}
}

// WithConfirmationConfig sets the confirmation and rollback recovery settings.
func WithConfirmationConfig(cfg types.ConfirmationConfig) Option {
	return func(e *Executor) {
		e.confirmCfg = cfg
	}
}

// WithRollbackStrategy sets how rollbacks are handled. The default is
// RollbackFailImmediately.
func WithRollbackStrategy(strategy types.RollbackStrategy) Option {
	return func(e *Executor) {
		e.rollbackStrategy = strategy
	}
}

// WithListener sets the lifecycle listener. Use events.MultiListener for several.
func WithListener(l events.Listener) Option {
	return func(e *Executor) {
		if l != nil {
			e.listener = l
		}
	}
}

// WithRetryPolicy sets the retry policy for steps without their own.
func WithRetryPolicy(p types.RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = p
	}
}

// WithRegistry registers every executed flow in r.
func WithRegistry(r *Registry) Option {
	return func(e *Executor) {
		e.registry = r
	}
}

// WithStorage journals run snapshots and portable flow documents to s.
func WithStorage(s storage.Storage) Option {
	return func(e *Executor) {
		e.storage = s
	}
}

// WithEvaluator replaces the evaluator of predicate dependencies.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Executor) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithFlowTimeout bounds the total duration of a run, restarts included.
// Zero disables the bound.
func WithFlowTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.flowTimeout = d
	}
}

// WithTicker replaces the confirmation poll ticker factory.
func WithTicker(f func(time.Duration) ticker.Ticker) Option {
	return func(e *Executor) {
		e.newTicker = f
	}
}
