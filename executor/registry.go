package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/txflow-engine/events"
	"github.com/songzhibin97/txflow-engine/types"
)

// ErrFlowAlreadyActive is returned when a flow ID is registered while a run of
// it is still going.
var ErrFlowAlreadyActive = errors.New("flow already active")

// RegistryListener receives lifecycle notifications of registered runs.
// Callbacks run on the goroutine causing the transition.
type RegistryListener interface {
	OnFlowRegistered(h *Handle)
	OnFlowStatusChanged(h *Handle, from, to types.FlowStatus)
	OnFlowCompleted(h *Handle, result *types.FlowResult)
}

// Registry maps flow IDs to the handles of their latest runs.
type Registry struct {
	mu        sync.RWMutex
	handles   map[string]*Handle
	listeners []RegistryListener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// AddListener adds a lifecycle listener.
func (r *Registry) AddListener(l RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) snapshotListeners() []RegistryListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RegistryListener(nil), r.listeners...)
}

// Register adds h. A finished run of the same flow is replaced.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	if old, ok := r.handles[h.FlowID()]; ok && !old.IsDone() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFlowAlreadyActive, h.FlowID())
	}
	r.handles[h.FlowID()] = h
	r.mu.Unlock()

	h.observe(r)
	for _, l := range r.snapshotListeners() {
		l.OnFlowRegistered(h)
	}
	return nil
}

// Get returns the handle registered for flowID.
func (r *Registry) Get(flowID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[flowID]
	return h, ok
}

// Unregister removes flowID. It does not cancel the run.
func (r *Registry) Unregister(flowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[flowID]; !ok {
		return false
	}
	delete(r.handles, flowID)
	return true
}

// Handles returns every registered handle ordered by flow ID.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID() < out[j].FlowID() })
	return out
}

// ActiveCount returns the number of registered runs that have not finished.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, h := range r.handles {
		if !h.IsDone() {
			n++
		}
	}
	return n
}

// FlowsByStatus returns the handles whose current status is status.
func (r *Registry) FlowsByStatus(status types.FlowStatus) []*Handle {
	var out []*Handle
	for _, h := range r.Handles() {
		if h.Status() == status {
			out = append(out, h)
		}
	}
	return out
}

// CleanupCompleted removes finished runs and returns how many were removed.
func (r *Registry) CleanupCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, h := range r.handles {
		if h.IsDone() {
			delete(r.handles, id)
			n++
		}
	}
	return n
}

// AwaitAll blocks until every currently registered run has finished.
func (r *Registry) AwaitAll(ctx context.Context) error {
	for _, h := range r.Handles() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Done():
		}
	}
	return nil
}

func (r *Registry) statusChanged(h *Handle, from, to types.FlowStatus) {
	for _, l := range r.snapshotListeners() {
		l.OnFlowStatusChanged(h, from, to)
	}
}

func (r *Registry) finished(h *Handle, result *types.FlowResult) {
	for _, l := range r.snapshotListeners() {
		l.OnFlowCompleted(h, result)
	}
}

// NopRegistryListener implements RegistryListener with no-ops.
type NopRegistryListener struct{}

func (NopRegistryListener) OnFlowRegistered(*Handle)                                        {}
func (NopRegistryListener) OnFlowStatusChanged(*Handle, types.FlowStatus, types.FlowStatus) {}
func (NopRegistryListener) OnFlowCompleted(*Handle, *types.FlowResult)                      {}

// BusRegistryListener publishes status changes of registered runs onto an event bus.
type BusRegistryListener struct {
	NopRegistryListener
	bus *events.EventBus
}

// NewBusRegistryListener creates a registry listener publishing to bus.
func NewBusRegistryListener(bus *events.EventBus) *BusRegistryListener {
	return &BusRegistryListener{bus: bus}
}

// OnFlowStatusChanged implements RegistryListener.
func (b *BusRegistryListener) OnFlowStatusChanged(h *Handle, from, to types.FlowStatus) {
	err := b.bus.Publish(context.Background(), events.Event{
		Type:   events.EventFlowStatusChanged,
		FlowID: h.FlowID(),
		RunID:  h.RunID(),
		Data: map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		log.Warnf("Dropped status change of flow %s: %v", h.FlowID(), err)
	}
}
