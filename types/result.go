package types

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// StepResult is the outcome of one attempted execution of a step.
type StepResult struct {
	StepID      string
	Status      FlowStatus
	TxHash      chainhash.Hash
	Outputs     []Output
	BlockHeight int64 // inclusion height once confirmed
	Rebuilds    int   // single-step rollback recoveries, resent or rebuilt, before this result
	Err         error
}

// Submitted reports whether the step produced a transaction id.
func (r StepResult) Submitted() bool {
	return r.TxHash != (chainhash.Hash{})
}

// FlowResult is the aggregate outcome of a flow run.
type FlowResult struct {
	FlowID      string
	RunID       uint64
	Status      FlowStatus
	StepResults []StepResult     // completed steps, in definition order
	TxHashes    []chainhash.Hash // confirmed transactions, in definition order
	Err         error
	Duration    time.Duration
	Attempts    int // flow attempts, restarts included
	FailedStep  fn.Option[StepResult]
}

// IsSuccessful reports whether every step completed.
func (r *FlowResult) IsSuccessful() bool {
	return r.Status == StatusCompleted
}

// IsFailed reports whether a step failed.
func (r *FlowResult) IsFailed() bool {
	return r.Status == StatusFailed
}

// IsCancelled reports whether the run was cancelled.
func (r *FlowResult) IsCancelled() bool {
	return r.Status == StatusCancelled
}

// CompletedStepCount returns the number of completed steps.
func (r *FlowResult) CompletedStepCount() int {
	n := 0
	for _, s := range r.StepResults {
		if s.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// StepRecord is the serializable form of a StepResult.
type StepRecord struct {
	StepID      string     `json:"step_id"`
	Status      FlowStatus `json:"status"`
	TxHash      string     `json:"tx_hash,omitempty"`
	BlockHeight int64      `json:"block_height,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunRecord is the journal entry of a flow run.
type RunRecord struct {
	RunID          uint64       `json:"run_id"`
	FlowID         string       `json:"flow_id"`
	Status         FlowStatus   `json:"status"`
	Attempt        int          `json:"attempt"`
	TotalSteps     int          `json:"total_steps"`
	CompletedSteps int          `json:"completed_steps"`
	Steps          []StepRecord `json:"steps,omitempty"`
	TxHashes       []string     `json:"tx_hashes,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      int64        `json:"created_at"`
	UpdatedAt      int64        `json:"updated_at"`
}

// NewStepRecord converts a StepResult.
func NewStepRecord(r StepResult) StepRecord {
	rec := StepRecord{
		StepID:      r.StepID,
		Status:      r.Status,
		BlockHeight: r.BlockHeight,
	}
	if r.Submitted() {
		rec.TxHash = r.TxHash.String()
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}
