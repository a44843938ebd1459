package executor

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/rules"
	"github.com/songzhibin97/txflow-engine/types"
)

// pendingView is the chain-aware UTXO view of one flow attempt. It exposes the
// outputs of steps that were built in this attempt, whether or not they are
// confirmed, and the outpoints those transactions spend. Entries are only
// added, except when a single-step rebuild replaces the step it rebuilds.
type pendingView struct {
	mu      sync.RWMutex
	outputs map[string][]types.Output
	spends  map[string][]wire.OutPoint
}

func newPendingView() *pendingView {
	return &pendingView{
		outputs: make(map[string][]types.Output),
		spends:  make(map[string][]wire.OutPoint),
	}
}

// record adds the outputs and spent inputs of a built step.
func (v *pendingView) record(stepID string, built *chain.BuiltTx) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outputs[stepID] = append([]types.Output(nil), built.Outputs...)
	spends := make([]wire.OutPoint, len(built.Inputs))
	for i, in := range built.Inputs {
		spends[i] = in.OutPoint
	}
	v.spends[stepID] = spends
}

// forget drops a step before it is rebuilt.
func (v *pendingView) forget(stepID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.outputs, stepID)
	delete(v.spends, stepID)
}

// outputsOf returns the pending outputs of a step.
func (v *pendingView) outputsOf(stepID string) ([]types.Output, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	outs, ok := v.outputs[stepID]
	if !ok {
		return nil, false
	}
	return append([]types.Output(nil), outs...), true
}

// spent returns every outpoint consumed by the attempt's transactions.
func (v *pendingView) spent() []wire.OutPoint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []wire.OutPoint
	for _, ops := range v.spends {
		out = append(out, ops...)
	}
	return out
}

// selectInputs resolves the dependencies of step into candidate inputs and the
// full output sets of its upstream steps.
func selectInputs(view *pendingView, ev rules.Evaluator, step types.Step) ([]types.Output, map[string][]types.Output, error) {
	var inputs []types.Output
	upstream := make(map[string][]types.Output, len(step.DependsOn))
	seen := make(map[wire.OutPoint]bool)
	add := func(o types.Output) {
		if !seen[o.OutPoint] {
			seen[o.OutPoint] = true
			inputs = append(inputs, o)
		}
	}

	for _, dep := range step.DependsOn {
		outs, ok := view.outputsOf(dep.FromStep)
		if !ok {
			return nil, nil, fmt.Errorf("upstream step %s has not produced a transaction", dep.FromStep)
		}
		upstream[dep.FromStep] = outs

		switch dep.Strategy {
		case types.SelectAll:
			for _, o := range outs {
				add(o)
			}

		case types.SelectIndex:
			found := false
			for _, o := range outs {
				if int(o.OutPoint.Index) == dep.UtxoIndex {
					add(o)
					found = true
					break
				}
			}
			if !found {
				return nil, nil, fmt.Errorf("step %s has no spendable output at index %d", dep.FromStep, dep.UtxoIndex)
			}

		case types.SelectPredicate:
			matched := 0
			for _, o := range outs {
				ok, err := matchOutput(ev, dep, o)
				if err != nil {
					return nil, nil, fmt.Errorf("predicate on %s: %w", dep.FromStep, err)
				}
				if ok {
					add(o)
					matched++
				}
			}
			if matched == 0 {
				return nil, nil, fmt.Errorf("no output of %s matches the predicate", dep.FromStep)
			}

		default:
			return nil, nil, fmt.Errorf("unknown selection strategy %q", dep.Strategy)
		}
	}
	return inputs, upstream, nil
}

func matchOutput(ev rules.Evaluator, dep types.Dependency, o types.Output) (bool, error) {
	if dep.Match != nil {
		return dep.Match(o), nil
	}
	return rules.MatchOutput(ev, dep.Predicate, o)
}
