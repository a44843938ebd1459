package events

import (
	"context"
	"errors"

	"github.com/songzhibin97/txflow-engine/types"
)

// BusListener adapts a Listener onto an EventBus. Every callback becomes an
// asynchronously delivered Event. Events nobody subscribed to are dropped.
type BusListener struct {
	bus *EventBus
}

// NewBusListener creates a listener publishing to bus.
func NewBusListener(bus *EventBus) *BusListener {
	return &BusListener{bus: bus}
}

var _ Listener = (*BusListener)(nil)

func (b *BusListener) publish(ev Event) {
	err := b.bus.Publish(context.Background(), ev)
	switch {
	case err == nil, errors.Is(err, ErrNoHandler):
	default:
		log.Warnf("Dropped %s event of flow %s: %v", ev.Type, ev.FlowID, err)
	}
}

func flowEvent(typ string, r *types.FlowResult) Event {
	data := map[string]interface{}{
		"status":          r.Status.String(),
		"completed_steps": r.CompletedStepCount(),
		"duration":        r.Duration,
		"attempts":        r.Attempts,
	}
	if r.Err != nil {
		data["error"] = r.Err.Error()
	}
	return Event{Type: typ, FlowID: r.FlowID, RunID: r.RunID, Data: data}
}

func stepEvent(typ, flowID string, r types.StepResult) Event {
	data := map[string]interface{}{"status": r.Status.String()}
	if r.Submitted() {
		data["tx_hash"] = r.TxHash.String()
	}
	if r.Err != nil {
		data["error"] = r.Err.Error()
	}
	return Event{Type: typ, FlowID: flowID, StepID: r.StepID, Data: data}
}

func txEvent(typ string, ev TxEvent) Event {
	return Event{
		Type:   typ,
		FlowID: ev.FlowID,
		StepID: ev.StepID,
		Data: map[string]interface{}{
			"tx_hash": ev.TxHash.String(),
			"height":  ev.Height,
			"depth":   ev.Depth,
		},
	}
}

func (b *BusListener) OnFlowStarted(flowID string, runID uint64, total int) {
	b.publish(Event{Type: EventFlowStarted, FlowID: flowID, RunID: runID,
		Data: map[string]interface{}{"total_steps": total}})
}

func (b *BusListener) OnFlowCompleted(r *types.FlowResult) {
	b.publish(flowEvent(EventFlowCompleted, r))
}

func (b *BusListener) OnFlowFailed(r *types.FlowResult) {
	b.publish(flowEvent(EventFlowFailed, r))
}

func (b *BusListener) OnFlowCancelled(r *types.FlowResult) {
	b.publish(flowEvent(EventFlowCancelled, r))
}

func (b *BusListener) OnStepStarted(flowID, stepID string) {
	b.publish(Event{Type: EventStepStarted, FlowID: flowID, StepID: stepID})
}

func (b *BusListener) OnStepCompleted(flowID string, r types.StepResult) {
	b.publish(stepEvent(EventStepCompleted, flowID, r))
}

func (b *BusListener) OnStepFailed(flowID string, r types.StepResult) {
	b.publish(stepEvent(EventStepFailed, flowID, r))
}

func (b *BusListener) OnStepRetrying(flowID, stepID string, attempt, max int, err error) {
	b.publish(Event{Type: EventStepRetrying, FlowID: flowID, StepID: stepID,
		Data: map[string]interface{}{"attempt": attempt, "max_attempts": max, "error": err.Error()}})
}

func (b *BusListener) OnTransactionSubmitted(ev TxEvent) {
	b.publish(txEvent(EventTxSubmitted, ev))
}

func (b *BusListener) OnTransactionInBlock(ev TxEvent) {
	b.publish(txEvent(EventTxInBlock, ev))
}

func (b *BusListener) OnConfirmationDepthChanged(ev TxEvent) {
	b.publish(txEvent(EventTxDepthChanged, ev))
}

func (b *BusListener) OnTransactionConfirmed(ev TxEvent) {
	b.publish(txEvent(EventTxConfirmed, ev))
}

func (b *BusListener) OnTransactionRolledBack(ev TxEvent) {
	b.publish(txEvent(EventTxRolledBack, ev))
}

func (b *BusListener) OnStepRebuilding(flowID, stepID string, attempt, max int, reason string) {
	b.publish(Event{Type: EventStepRebuilding, FlowID: flowID, StepID: stepID,
		Data: map[string]interface{}{"attempt": attempt, "max_attempts": max, "reason": reason}})
}

func (b *BusListener) OnFlowRestarting(flowID string, attempt, max int, reason string) {
	b.publish(Event{Type: EventFlowRestarting, FlowID: flowID,
		Data: map[string]interface{}{"attempt": attempt, "max_attempts": max, "reason": reason}})
}
