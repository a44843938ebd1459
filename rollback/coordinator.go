package rollback

import (
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/songzhibin97/txflow-engine/events"
	"github.com/songzhibin97/txflow-engine/types"
)

// State is the recovery state of a single step.
type State int

const (
	StateStable State = iota
	StateRolledBack
	StateRecovering
	StateEscalated
	StateFailed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateRolledBack:
		return "rolled_back"
	case StateRecovering:
		return "recovering"
	case StateEscalated:
		return "escalated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Action is what the executor must do after a rollback.
type Action int

const (
	// ActionContinue keeps waiting for the same transaction.
	ActionContinue Action = iota
	// ActionFail fails the flow with a rollback error.
	ActionFail
	// ActionRebuildStep rebuilds, resubmits and re-tracks the rolled-back step only.
	ActionRebuildStep
	// ActionRestartFlow discards the attempt and runs the whole flow again.
	ActionRestartFlow
)

// String returns the string representation of Action.
func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionFail:
		return "fail"
	case ActionRebuildStep:
		return "rebuild_step"
	case ActionRestartFlow:
		return "restart_flow"
	default:
		return "unknown"
	}
}

// Event is a rollback observed by the confirmation tracker.
type Event struct {
	StepID         string
	TxHash         chainhash.Hash
	PreviousHeight int64
}

// Decision is the outcome of OnRollback.
type Decision struct {
	Action  Action
	Attempt int // recovery cycle number, 0 for Continue and Fail
	Max     int
	Reason  string
}

// Coordinator turns rollback events into recovery decisions for one flow run.
// Every rebuild or restart consumes one recovery cycle; once the configured
// maximum is spent further rollbacks fail the flow.
type Coordinator struct {
	flow     *types.Flow
	strategy types.RollbackStrategy
	max      int
	listener events.Listener

	mu         sync.Mutex
	states     map[string]State
	cycles     int
	restarting bool // a restart is pending for the current attempt
}

// NewCoordinator creates a coordinator for flow.
func NewCoordinator(flow *types.Flow, strategy types.RollbackStrategy, maxRetries int, listener events.Listener) *Coordinator {
	if listener == nil {
		listener = events.NopListener{}
	}
	return &Coordinator{
		flow:     flow,
		strategy: strategy,
		max:      maxRetries,
		listener: listener,
		states:   make(map[string]State, len(flow.Steps)),
	}
}

// BeginAttempt resets step states for a new flow attempt. Spent cycles are kept.
func (c *Coordinator) BeginAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = make(map[string]State, len(c.flow.Steps))
	c.restarting = false
}

// OnRollback records the rollback of a step and decides how to recover.
// Listener notifications for rebuilds and restarts are emitted here, the
// rebuild notification first when a rebuild escalates into a restart.
func (c *Coordinator) OnRollback(ev Event) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.states[ev.StepID] = StateRolledBack
	log.Infof("Flow %s: step %s rolled back from height %d (strategy %s)",
		c.flow.ID, ev.StepID, ev.PreviousHeight, c.strategy)

	if c.restarting {
		// another step already triggered the restart of this attempt
		c.states[ev.StepID] = StateEscalated
		return Decision{
			Action:  ActionRestartFlow,
			Attempt: c.cycles,
			Max:     c.max,
			Reason:  "flow restart already pending",
		}
	}

	switch c.strategy {
	case types.RollbackNotifyOnly:
		return Decision{Action: ActionContinue, Reason: "notify only"}

	case types.RollbackRebuildFromFailed:
		if d, ok := c.exhaustedLocked(ev.StepID); ok {
			return d
		}
		c.cycles++
		reason := fmt.Sprintf("transaction %v rolled back from height %d", ev.TxHash, ev.PreviousHeight)
		c.states[ev.StepID] = StateRecovering
		c.listener.OnStepRebuilding(c.flow.ID, ev.StepID, c.cycles, c.max, reason)

		dependents := c.flow.Dependents(ev.StepID)
		if len(dependents) == 0 {
			return Decision{Action: ActionRebuildStep, Attempt: c.cycles, Max: c.max, Reason: reason}
		}

		reason = fmt.Sprintf("step %s has dependents %s", ev.StepID, strings.Join(dependents, ", "))
		log.Infof("Flow %s: escalating rebuild of %s to flow restart: %s", c.flow.ID, ev.StepID, reason)
		return c.restartLocked(ev.StepID, reason)

	case types.RollbackRebuildEntireFlow:
		if d, ok := c.exhaustedLocked(ev.StepID); ok {
			return d
		}
		c.cycles++
		c.states[ev.StepID] = StateRecovering
		return c.restartLocked(ev.StepID,
			fmt.Sprintf("step %s rolled back from height %d", ev.StepID, ev.PreviousHeight))

	default:
		c.states[ev.StepID] = StateFailed
		return Decision{
			Action: ActionFail,
			Max:    c.max,
			Reason: fmt.Sprintf("transaction %v rolled back from height %d", ev.TxHash, ev.PreviousHeight),
		}
	}
}

func (c *Coordinator) restartLocked(stepID, reason string) Decision {
	c.states[stepID] = StateEscalated
	c.restarting = true
	c.listener.OnFlowRestarting(c.flow.ID, c.cycles, c.max, reason)
	return Decision{Action: ActionRestartFlow, Attempt: c.cycles, Max: c.max, Reason: reason}
}

func (c *Coordinator) exhaustedLocked(stepID string) (Decision, bool) {
	if c.cycles < c.max {
		return Decision{}, false
	}
	c.states[stepID] = StateFailed
	log.Warnf("Flow %s: rollback retries exhausted (%d/%d)", c.flow.ID, c.cycles, c.max)
	return Decision{
		Action: ActionFail,
		Max:    c.max,
		Reason: fmt.Sprintf("rollback retries exhausted after %d cycle(s)", c.cycles),
	}, true
}

// Recovered marks a step stable again after its transaction confirmed.
func (c *Coordinator) Recovered(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.states[stepID] {
	case StateRolledBack, StateRecovering:
		c.states[stepID] = StateStable
	}
}

// State returns the recovery state of a step.
func (c *Coordinator) State(stepID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[stepID]
}

// Cycles returns the number of recovery cycles spent so far.
func (c *Coordinator) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}
