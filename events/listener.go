package events

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/songzhibin97/txflow-engine/types"
)

// TxEvent describes a transaction-level observation.
type TxEvent struct {
	FlowID string
	StepID string
	TxHash chainhash.Hash
	Height int64 // inclusion height, or the previous height for rollbacks
	Depth  int
}

// Listener receives lifecycle callbacks of flow runs. Callbacks are observational:
// they are invoked synchronously by the goroutine that owns the emitting step or
// flow, so implementations must be quick and safe for concurrent use across flows.
type Listener interface {
	OnFlowStarted(flowID string, runID uint64, totalSteps int)
	OnFlowCompleted(result *types.FlowResult)
	OnFlowFailed(result *types.FlowResult)
	OnFlowCancelled(result *types.FlowResult)

	OnStepStarted(flowID, stepID string)
	OnStepCompleted(flowID string, result types.StepResult)
	OnStepFailed(flowID string, result types.StepResult)
	OnStepRetrying(flowID, stepID string, attempt, maxAttempts int, err error)

	OnTransactionSubmitted(ev TxEvent)
	OnTransactionInBlock(ev TxEvent)
	OnConfirmationDepthChanged(ev TxEvent)
	OnTransactionConfirmed(ev TxEvent)
	OnTransactionRolledBack(ev TxEvent)

	OnStepRebuilding(flowID, stepID string, attempt, maxAttempts int, reason string)
	OnFlowRestarting(flowID string, attempt, maxAttempts int, reason string)
}

// NopListener implements Listener with no-ops. Embed it to override a subset.
type NopListener struct{}

func (NopListener) OnFlowStarted(string, uint64, int)                 {}
func (NopListener) OnFlowCompleted(*types.FlowResult)                 {}
func (NopListener) OnFlowFailed(*types.FlowResult)                    {}
func (NopListener) OnFlowCancelled(*types.FlowResult)                 {}
func (NopListener) OnStepStarted(string, string)                      {}
func (NopListener) OnStepCompleted(string, types.StepResult)          {}
func (NopListener) OnStepFailed(string, types.StepResult)             {}
func (NopListener) OnStepRetrying(string, string, int, int, error)    {}
func (NopListener) OnTransactionSubmitted(TxEvent)                    {}
func (NopListener) OnTransactionInBlock(TxEvent)                      {}
func (NopListener) OnConfirmationDepthChanged(TxEvent)                {}
func (NopListener) OnTransactionConfirmed(TxEvent)                    {}
func (NopListener) OnTransactionRolledBack(TxEvent)                   {}
func (NopListener) OnStepRebuilding(string, string, int, int, string) {}
func (NopListener) OnFlowRestarting(string, int, int, string)         {}

// MultiListener fans callbacks out to several listeners in order.
type MultiListener []Listener

func (m MultiListener) OnFlowStarted(flowID string, runID uint64, total int) {
	for _, l := range m {
		l.OnFlowStarted(flowID, runID, total)
	}
}

func (m MultiListener) OnFlowCompleted(r *types.FlowResult) {
	for _, l := range m {
		l.OnFlowCompleted(r)
	}
}

func (m MultiListener) OnFlowFailed(r *types.FlowResult) {
	for _, l := range m {
		l.OnFlowFailed(r)
	}
}

func (m MultiListener) OnFlowCancelled(r *types.FlowResult) {
	for _, l := range m {
		l.OnFlowCancelled(r)
	}
}

func (m MultiListener) OnStepStarted(flowID, stepID string) {
	for _, l := range m {
		l.OnStepStarted(flowID, stepID)
	}
}

func (m MultiListener) OnStepCompleted(flowID string, r types.StepResult) {
	for _, l := range m {
		l.OnStepCompleted(flowID, r)
	}
}

func (m MultiListener) OnStepFailed(flowID string, r types.StepResult) {
	for _, l := range m {
		l.OnStepFailed(flowID, r)
	}
}

func (m MultiListener) OnStepRetrying(flowID, stepID string, attempt, max int, err error) {
	for _, l := range m {
		l.OnStepRetrying(flowID, stepID, attempt, max, err)
	}
}

func (m MultiListener) OnTransactionSubmitted(ev TxEvent) {
	for _, l := range m {
		l.OnTransactionSubmitted(ev)
	}
}

func (m MultiListener) OnTransactionInBlock(ev TxEvent) {
	for _, l := range m {
		l.OnTransactionInBlock(ev)
	}
}

func (m MultiListener) OnConfirmationDepthChanged(ev TxEvent) {
	for _, l := range m {
		l.OnConfirmationDepthChanged(ev)
	}
}

func (m MultiListener) OnTransactionConfirmed(ev TxEvent) {
	for _, l := range m {
		l.OnTransactionConfirmed(ev)
	}
}

func (m MultiListener) OnTransactionRolledBack(ev TxEvent) {
	for _, l := range m {
		l.OnTransactionRolledBack(ev)
	}
}

func (m MultiListener) OnStepRebuilding(flowID, stepID string, attempt, max int, reason string) {
	for _, l := range m {
		l.OnStepRebuilding(flowID, stepID, attempt, max, reason)
	}
}

func (m MultiListener) OnFlowRestarting(flowID string, attempt, max int, reason string) {
	for _, l := range m {
		l.OnFlowRestarting(flowID, attempt, max, reason)
	}
}
