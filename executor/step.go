package executor

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/confirm"
	"github.com/songzhibin97/txflow-engine/events"
	"github.com/songzhibin97/txflow-engine/rollback"
	"github.com/songzhibin97/txflow-engine/types"
)

// submission is a step whose transaction has been built and possibly submitted.
type submission struct {
	step     types.Step
	built    *chain.BuiltTx
	hash     chainhash.Hash
	sent     bool // accepted by the backend
	rebuilds int
}

func (a *attempt) policy(step types.Step) types.RetryPolicy {
	if step.Retry != nil {
		return *step.Retry
	}
	return a.r.e.retry
}

// stepError wraps a step failure, keeping context errors recognisable.
func (a *attempt) stepError(ctx context.Context, kind types.ErrorKind, stepID string, err error, msg string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var fe *types.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return types.NewFlowError(kind, stepID, err, "%s", msg)
}

// request resolves the step specification against the current pending view.
func (a *attempt) request(step types.Step) (*types.TxRequest, error) {
	inputs, upstream, err := selectInputs(a.view, a.r.e.evaluator, step)
	if err != nil {
		return nil, types.NewFlowError(types.KindBuild, step.ID, err, "failed to select inputs")
	}
	req, err := step.Spec.Resolve(types.StepContext{
		FlowID:    a.r.flow.ID,
		StepID:    step.ID,
		Attempt:   a.num,
		Variables: a.r.flow.Variables,
		Inputs:    inputs,
		Upstream:  upstream,
	})
	if err != nil {
		return nil, types.NewFlowError(types.KindBuild, step.ID, err, "failed to resolve transaction spec")
	}
	if req == nil {
		return nil, types.NewFlowError(types.KindBuild, step.ID, nil, "spec resolved to no transaction")
	}
	req.FlowID = a.r.flow.ID
	req.StepID = step.ID
	req.Inputs = append(req.Inputs, inputs...)
	req.Exclude = a.view.spent()
	if step.Signer != "" {
		req.Signer = step.Signer
	}
	return req, nil
}

// build resolves and builds the step, then publishes its outputs to the view.
// A transaction kept from the previous attempt is sent again instead when the
// backend still accepts it.
func (a *attempt) build(ctx context.Context, step types.Step) (*submission, error) {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()

	if prev, ok := a.carry[step.ID]; ok {
		if err := a.checkpoint(ctx); err != nil {
			return nil, err
		}
		if hash, ok := a.rebroadcast(ctx, step, prev); ok {
			log.Infof("Flow %s: step %s keeps tx %v from the previous attempt", a.r.flow.ID, step.ID, hash)
			a.view.record(step.ID, prev)
			return &submission{step: step, built: prev, hash: hash, sent: true}, nil
		}
	}
	return a.buildLocked(ctx, step)
}

// buildLocked runs the builder. Callers hold buildMu, so the builder is never
// invoked concurrently within a run and every build sees the spends of the
// previous one.
func (a *attempt) buildLocked(ctx context.Context, step types.Step) (*submission, error) {
	req, err := a.request(step)
	if err != nil {
		return nil, a.fail(nil, step.ID, err)
	}
	log.Debugf("Flow %s: building step %s: %v", a.r.flow.ID, step.ID,
		newLogClosure(func() string { return spew.Sdump(req) }))

	policy := a.policy(step)
	var built *chain.BuiltTx
	err = withRetry(ctx, policy, func() error {
		var err error
		built, err = a.r.e.builder.Build(ctx, req)
		return err
	}, func(attempt int, err error) {
		a.r.e.listener.OnStepRetrying(a.r.flow.ID, step.ID, attempt, policy.MaxAttempts, err)
	})
	if err != nil {
		err = a.stepError(ctx, types.KindBuild, step.ID, err, "failed to build transaction")
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, a.fail(nil, step.ID, err)
	}

	a.view.record(step.ID, built)
	return &submission{step: step, built: built, hash: built.Hash}, nil
}

// rebroadcast sends a transaction built earlier for step once more. Backends
// accept a transaction they still hold, or one whose inputs are unspent again.
func (a *attempt) rebroadcast(ctx context.Context, step types.Step, built *chain.BuiltTx) (chainhash.Hash, bool) {
	hash, err := a.r.e.backend.Submit(ctx, built.Raw)
	if err != nil {
		log.Debugf("Flow %s: tx %v of step %s not accepted again: %v", a.r.flow.ID, built.Hash, step.ID, err)
		return chainhash.Hash{}, false
	}
	return hash, true
}

// submit broadcasts a built step.
func (a *attempt) submit(ctx context.Context, sub *submission) error {
	if err := a.checkpoint(ctx); err != nil {
		return err
	}
	if sub.sent {
		a.accepted(sub, sub.hash)
		return nil
	}

	policy := a.policy(sub.step)
	var hash chainhash.Hash
	err := withRetry(ctx, policy, func() error {
		var err error
		hash, err = a.r.e.backend.Submit(ctx, sub.built.Raw)
		return err
	}, func(attempt int, err error) {
		a.r.e.listener.OnStepRetrying(a.r.flow.ID, sub.step.ID, attempt, policy.MaxAttempts, err)
	})
	if err != nil {
		err = a.stepError(ctx, types.KindSubmit, sub.step.ID, err, "failed to submit transaction")
		if ctx.Err() != nil {
			return err
		}
		return a.fail(sub, sub.step.ID, err)
	}
	a.accepted(sub, hash)
	return nil
}

// accepted records a transaction the backend took and notifies the listener.
func (a *attempt) accepted(sub *submission, hash chainhash.Hash) {
	sub.hash = hash
	sub.sent = true

	a.mu.Lock()
	a.sent[sub.step.ID] = sub.built
	a.mu.Unlock()

	log.Debugf("Flow %s: step %s submitted as %v", a.r.flow.ID, sub.step.ID, hash)
	a.r.e.listener.OnTransactionSubmitted(events.TxEvent{
		FlowID: a.r.flow.ID,
		StepID: sub.step.ID,
		TxHash: hash,
	})
}

// start notifies the start of a step and builds it.
func (a *attempt) start(ctx context.Context, step types.Step) (*submission, error) {
	if err := a.checkpoint(ctx); err != nil {
		return nil, err
	}
	a.r.e.listener.OnStepStarted(a.r.flow.ID, step.ID)
	return a.build(ctx, step)
}

// confirm tracks a submitted step to the configured depth, running rollback
// recovery on the way. Single-step rebuilds happen here; restarts and
// failures are returned to the strategy.
func (a *attempt) confirm(ctx context.Context, sub *submission) error {
	cfg := a.r.e.confirmCfg
	for {
		var decision rollback.Decision
		res := a.r.e.tracker.Track(ctx, confirm.Request{
			FlowID:           a.r.flow.ID,
			StepID:           sub.step.ID,
			TxHash:           sub.hash,
			MinConfirmations: cfg.MinConfirmations,
			CheckInterval:    cfg.CheckInterval,
			Timeout:          cfg.Timeout,
		}, a.r.h.cancelCh, func(ev confirm.RollbackEvent) bool {
			decision = a.r.coord.OnRollback(rollback.Event{
				StepID:         ev.StepID,
				TxHash:         ev.TxHash,
				PreviousHeight: ev.PreviousHeight,
			})
			return decision.Action == rollback.ActionContinue
		})

		switch res.Status {
		case confirm.StatusConfirmed:
			a.r.coord.Recovered(sub.step.ID)
			a.complete(sub, res.BlockHeight)
			return nil

		case confirm.StatusCancelled:
			if a.r.h.cancelled() {
				return errCancelled
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errCancelled

		case confirm.StatusTimeout:
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return a.fail(sub, sub.step.ID,
				types.NewFlowError(types.KindTimeout, sub.step.ID, res.Err, "transaction %v not confirmed", sub.hash))
		}

		// rolled back
		switch decision.Action {
		case rollback.ActionRestartFlow:
			return errRestart

		case rollback.ActionRebuildStep:
			if err := a.rebuild(ctx, sub, decision); err != nil {
				return err
			}

		default:
			return a.fail(sub, sub.step.ID, types.NewFlowError(types.KindRollback, sub.step.ID, nil,
				"%s", decision.Reason))
		}
	}
}

// rebuild recovers a rolled back step. The original transaction is tracked
// again when the backend still accepts it; otherwise a fresh one is built,
// submitted and swapped in.
func (a *attempt) rebuild(ctx context.Context, sub *submission, d rollback.Decision) error {
	log.Infof("Flow %s: rebuilding step %s (%d/%d): %s",
		a.r.flow.ID, sub.step.ID, d.Attempt, d.Max, d.Reason)

	if err := rollback.WaitForBackend(ctx, a.r.e.backend, a.r.e.confirmCfg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.fail(sub, sub.step.ID, types.NewFlowError(types.KindRollback, sub.step.ID, err,
			"backend unavailable after rollback"))
	}
	if err := a.checkpoint(ctx); err != nil {
		return err
	}

	if hash, ok := a.rebroadcast(ctx, sub.step, sub.built); ok {
		log.Infof("Flow %s: tx %v of step %s is still valid, tracking it again",
			a.r.flow.ID, hash, sub.step.ID)
		sub.rebuilds++
		a.accepted(sub, hash)
		return nil
	}

	a.buildMu.Lock()
	a.view.forget(sub.step.ID)
	fresh, err := a.buildLocked(ctx, sub.step)
	a.buildMu.Unlock()
	if err != nil {
		return err
	}
	fresh.rebuilds = sub.rebuilds + 1
	if err := a.submit(ctx, fresh); err != nil {
		return err
	}
	*sub = *fresh
	return nil
}
