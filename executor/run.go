package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/rollback"
	"github.com/songzhibin97/txflow-engine/types"
)

var (
	// errRestart ends an attempt whose rollback escalated to a flow restart.
	errRestart = errors.New("flow restart requested")

	// errCancelled ends an attempt after Handle.Cancel.
	errCancelled = errors.New("flow cancelled")
)

// runner drives one flow run through as many attempts as rollback recovery needs.
type runner struct {
	e     *Executor
	flow  *types.Flow
	h     *Handle
	order []types.Step
	coord *rollback.Coordinator

	started   time.Time
	createdAt int64
}

func newRunner(e *Executor, flow *types.Flow, h *Handle) *runner {
	return &runner{
		e:     e,
		flow:  flow,
		h:     h,
		order: flow.TopologicalOrder(),
		coord: rollback.NewCoordinator(flow, e.rollbackStrategy, e.confirmCfg.MaxRollbackRetries, e.listener),
	}
}

func (r *runner) run(parent context.Context) {
	r.started = time.Now()
	r.createdAt = r.started.UnixMilli()

	ctx := parent
	if r.e.flowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, r.e.flowTimeout)
		defer cancel()
	}

	log.Infof("Starting flow %s (run %d, %d steps, %s mode)",
		r.flow.ID, r.h.RunID(), len(r.flow.Steps), r.e.mode)
	r.e.listener.OnFlowStarted(r.flow.ID, r.h.RunID(), len(r.flow.Steps))
	r.h.setStatus(types.StatusInProgress)

	var (
		a     *attempt
		err   error
		carry map[string]*chain.BuiltTx
	)
	for num := 1; ; num++ {
		if r.h.cancelled() {
			err = errCancelled
			break
		}
		r.coord.BeginAttempt()
		r.h.resetProgress()
		a = newAttempt(r, num, carry)
		r.journal(a, types.StatusInProgress, nil)

		err = a.execute(ctx)
		if !errors.Is(err, errRestart) {
			break
		}
		if werr := rollback.WaitForBackend(ctx, r.e.backend, r.e.confirmCfg); werr != nil {
			err = ctx.Err()
			if err == nil {
				err = types.NewFlowError(types.KindRollback, "", werr, "backend unavailable after rollback")
			}
			break
		}
		carry = a.carryOver()
		log.Infof("Flow %s: restarting (attempt %d)", r.flow.ID, num+1)
	}

	r.finish(ctx, a, err)
}

// finish turns the outcome of the last attempt into the flow result.
func (r *runner) finish(ctx context.Context, a *attempt, err error) {
	result := &types.FlowResult{
		FlowID:     r.flow.ID,
		RunID:      r.h.RunID(),
		Duration:   time.Since(r.started),
		FailedStep: fn.None[types.StepResult](),
	}
	if a != nil {
		result.Attempts = a.num
		result.StepResults = a.completedResults()
		for _, s := range result.StepResults {
			result.TxHashes = append(result.TxHashes, s.TxHash)
		}
	}

	switch {
	case err == nil:
		result.Status = types.StatusCompleted

	case errors.Is(err, errCancelled) || r.h.cancelled():
		result.Status = types.StatusCancelled
		result.Err = types.NewFlowError(types.KindCancelled, "", nil, "flow %s cancelled", r.flow.ID)

	case errors.Is(err, context.Canceled):
		result.Status = types.StatusCancelled
		result.Err = types.NewFlowError(types.KindCancelled, "", err, "flow %s cancelled", r.flow.ID)

	default:
		result.Status = types.StatusFailed
		result.Err = classify(ctx, err)
		if a != nil {
			if failed, ok := a.failedResult(); ok {
				result.FailedStep = fn.Some(failed)
			}
		}
	}

	switch result.Status {
	case types.StatusCompleted:
		log.Infof("Flow %s completed in %v (%d tx, %d attempt(s))",
			r.flow.ID, result.Duration, len(result.TxHashes), result.Attempts)
	case types.StatusCancelled:
		log.Infof("Flow %s cancelled after %d completed step(s)", r.flow.ID, len(result.StepResults))
	default:
		log.Errorf("Flow %s failed: %v", r.flow.ID, result.Err)
	}

	// the handle may turn a late cancel into the final status
	r.h.settle(result)
	r.journal(a, result.Status, result.Err)

	switch result.Status {
	case types.StatusCompleted:
		r.e.listener.OnFlowCompleted(result)
	case types.StatusCancelled:
		r.e.listener.OnFlowCancelled(result)
	default:
		r.e.listener.OnFlowFailed(result)
	}
	r.h.publish(result)
}

// classify makes sure every failure carries a FlowError.
func classify(ctx context.Context, err error) error {
	var fe *types.FlowError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewFlowError(types.KindTimeout, "", err, "flow timeout exceeded")
	}
	return types.NewFlowError(types.KindUnknown, "", err, "flow failed")
}

// journal stores a snapshot of the run when storage is configured.
func (r *runner) journal(a *attempt, status types.FlowStatus, runErr error) {
	if r.e.storage == nil {
		return
	}
	rec := types.RunRecord{
		RunID:      r.h.RunID(),
		FlowID:     r.flow.ID,
		Status:     status,
		TotalSteps: len(r.flow.Steps),
		CreatedAt:  r.createdAt,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	if a != nil {
		rec.Attempt = a.num
		for _, s := range a.allResults() {
			rec.Steps = append(rec.Steps, types.NewStepRecord(s))
			if s.Status == types.StatusCompleted {
				rec.CompletedSteps++
				rec.TxHashes = append(rec.TxHashes, s.TxHash.String())
			}
		}
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	// journaling outlives cancellation of the run context
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.e.storage.SaveRun(ctx, rec); err != nil {
		log.Warnf("Failed to journal run %d of flow %s: %v", rec.RunID, rec.FlowID, err)
	}
}

// attempt is one pass over the flow. A restart discards it together with its
// pending view and results; only the transactions it sent are carried over.
type attempt struct {
	r     *runner
	num   int
	view  *pendingView
	carry map[string]*chain.BuiltTx // sent by earlier attempts, by step

	// buildMu serializes builds, single-step rebuilds included.
	buildMu sync.Mutex

	mu      sync.Mutex
	results map[string]types.StepResult // terminal results; first write wins
	failed  *types.StepResult
	sent    map[string]*chain.BuiltTx
}

func newAttempt(r *runner, num int, carry map[string]*chain.BuiltTx) *attempt {
	return &attempt{
		r:       r,
		num:     num,
		view:    newPendingView(),
		carry:   carry,
		results: make(map[string]types.StepResult),
		sent:    make(map[string]*chain.BuiltTx),
	}
}

// carryOver returns the latest transaction sent for each step so far.
func (a *attempt) carryOver() map[string]*chain.BuiltTx {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*chain.BuiltTx, len(a.carry)+len(a.sent))
	for id, built := range a.carry {
		out[id] = built
	}
	for id, built := range a.sent {
		out[id] = built
	}
	return out
}

func (a *attempt) execute(ctx context.Context) error {
	switch a.r.e.mode {
	case types.ModePipelined:
		return a.runPipelined(ctx)
	case types.ModeBatch:
		return a.runBatch(ctx)
	default:
		return a.runSequential(ctx)
	}
}

// checkpoint is consulted before a step starts.
func (a *attempt) checkpoint(ctx context.Context) error {
	if a.r.h.cancelled() {
		return errCancelled
	}
	return ctx.Err()
}

// recordResult stores the terminal result of a step. Later writes for the same
// step in this attempt are ignored.
func (a *attempt) recordResult(res types.StepResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.results[res.StepID]; ok {
		log.Debugf("Flow %s: ignoring %s result of step %s, already %s",
			a.r.flow.ID, res.Status, res.StepID, prev.Status)
		return false
	}
	a.results[res.StepID] = res
	if res.Status == types.StatusFailed && a.failed == nil {
		failed := res
		a.failed = &failed
	}
	return true
}

func (a *attempt) failedResult() (types.StepResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed == nil {
		return types.StepResult{}, false
	}
	return *a.failed, true
}

// allResults returns the terminal results in definition order.
func (a *attempt) allResults() []types.StepResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []types.StepResult
	for _, s := range a.r.flow.Steps {
		if res, ok := a.results[s.ID]; ok {
			out = append(out, res)
		}
	}
	return out
}

// completedResults returns the completed results in definition order.
func (a *attempt) completedResults() []types.StepResult {
	var out []types.StepResult
	for _, res := range a.allResults() {
		if res.Status == types.StatusCompleted {
			out = append(out, res)
		}
	}
	return out
}

// fail records a failed step, notifies the listener and returns err.
func (a *attempt) fail(sub *submission, stepID string, err error) error {
	res := types.StepResult{
		StepID: stepID,
		Status: types.StatusFailed,
		Err:    err,
	}
	if sub != nil {
		res.TxHash = sub.hash
		res.Rebuilds = sub.rebuilds
	}
	if a.recordResult(res) {
		log.Warnf("Flow %s: step %s failed: %v", a.r.flow.ID, stepID, err)
		a.r.e.listener.OnStepFailed(a.r.flow.ID, res)
	}
	return err
}

func (a *attempt) complete(sub *submission, height int64) {
	res := types.StepResult{
		StepID:      sub.step.ID,
		Status:      types.StatusCompleted,
		TxHash:      sub.hash,
		Outputs:     sub.built.Outputs,
		BlockHeight: height,
		Rebuilds:    sub.rebuilds,
	}
	if !a.recordResult(res) {
		return
	}
	a.r.h.stepCompleted()
	log.Infof("Flow %s: step %s confirmed (tx %v, height %d)", a.r.flow.ID, sub.step.ID, sub.hash, height)
	a.r.e.listener.OnStepCompleted(a.r.flow.ID, res)
	a.r.journal(a, types.StatusInProgress, nil)
}

// hashes returns the transaction ids of the given submissions.
func hashes(subs []*submission) []chainhash.Hash {
	out := make([]chainhash.Hash, len(subs))
	for i, s := range subs {
		out[i] = s.hash
	}
	return out
}
