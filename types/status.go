package types

// FlowStatus is the lifecycle state of a flow run or of a single step.
type FlowStatus string

const (
	StatusPending    FlowStatus = "pending"
	StatusInProgress FlowStatus = "in_progress"
	StatusCompleted  FlowStatus = "completed"
	StatusFailed     FlowStatus = "failed"
	StatusCancelled  FlowStatus = "cancelled"
)

// IsTerminal returns true if no transition out of the status is allowed.
func (s FlowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of FlowStatus.
func (s FlowStatus) String() string {
	if s == "" {
		return string(StatusPending)
	}
	return string(s)
}

// ChainingMode governs when steps are built, submitted and confirmed relative to each other.
type ChainingMode string

const (
	// ModeSequential confirms each step before the next one is built.
	ModeSequential ChainingMode = "sequential"
	// ModePipelined builds the next step as soon as its upstream is submitted and
	// tracks confirmations in the background.
	ModePipelined ChainingMode = "pipelined"
	// ModeBatch builds every step first, submits them back to back, then tracks all.
	ModeBatch ChainingMode = "batch"
)

// Valid reports whether the mode is known.
func (m ChainingMode) Valid() bool {
	switch m {
	case ModeSequential, ModePipelined, ModeBatch:
		return true
	}
	return false
}

// RollbackStrategy selects how a detected rollback is handled.
type RollbackStrategy string

const (
	RollbackFailImmediately   RollbackStrategy = "fail_immediately"
	RollbackNotifyOnly        RollbackStrategy = "notify_only"
	RollbackRebuildFromFailed RollbackStrategy = "rebuild_from_failed"
	RollbackRebuildEntireFlow RollbackStrategy = "rebuild_entire_flow"
)

// Valid reports whether the strategy is known.
func (r RollbackStrategy) Valid() bool {
	switch r {
	case RollbackFailImmediately, RollbackNotifyOnly, RollbackRebuildFromFailed, RollbackRebuildEntireFlow:
		return true
	}
	return false
}
