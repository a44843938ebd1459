package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/txflow-engine/types"
)

// ErrAwaitTimeout is returned by AwaitTimeout when the run is still going.
var ErrAwaitTimeout = errors.New("timed out waiting for flow")

// handleObserver is notified of handle transitions. Registry implements it.
type handleObserver interface {
	statusChanged(h *Handle, from, to types.FlowStatus)
	finished(h *Handle, result *types.FlowResult)
}

// Handle is the live view of one flow run.
type Handle struct {
	flowID string
	runID  uint64
	total  int

	mu        sync.RWMutex
	status    types.FlowStatus
	completed int
	result    *types.FlowResult
	observers []handleObserver

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newHandle(flowID string, runID uint64, total int) *Handle {
	return &Handle{
		flowID:   flowID,
		runID:    runID,
		total:    total,
		status:   types.StatusPending,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// FlowID returns the ID of the flow being run.
func (h *Handle) FlowID() string {
	return h.flowID
}

// RunID returns the generated ID of this run.
func (h *Handle) RunID() uint64 {
	return h.runID
}

// Status returns a snapshot of the run status. Once terminal it never changes.
func (h *Handle) Status() types.FlowStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// IsDone reports whether the run has finished and its result is available.
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the final result, or nil while the run is going.
func (h *Handle) Result() *types.FlowResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.result
}

// Await blocks until the run finishes or ctx is done. A cancelled run returns
// its result together with an error matching types.ErrCancelled.
func (h *Handle) Await(ctx context.Context) (*types.FlowResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	result := h.Result()
	if result.Status == types.StatusCancelled {
		return result, result.Err
	}
	return result, nil
}

// AwaitTimeout is Await bounded by d.
func (h *Handle) AwaitTimeout(d time.Duration) (*types.FlowResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	result, err := h.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) && result == nil {
		return nil, fmt.Errorf("%w %s after %v", ErrAwaitTimeout, h.flowID, d)
	}
	return result, err
}

// Cancel requests cooperative cancellation. The status flips to CANCELLED at
// once; the run stops before its next step or confirmation poll. Submitted
// transactions are not retracted. Cancelling a finished run does nothing.
func (h *Handle) Cancel() {
	if h.setStatus(types.StatusCancelled) {
		log.Infof("Flow %s (run %d) cancelled", h.flowID, h.runID)
	}
	h.cancelOnce.Do(func() {
		close(h.cancelCh)
	})
}

// cancelled reports whether Cancel was called.
func (h *Handle) cancelled() bool {
	select {
	case <-h.cancelCh:
		return true
	default:
		return false
	}
}

// CompletedStepCount returns the number of steps confirmed in the current attempt.
func (h *Handle) CompletedStepCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.completed
}

// TotalStepCount returns the number of steps of the flow.
func (h *Handle) TotalStepCount() int {
	return h.total
}

func (h *Handle) observe(o handleObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// setStatus moves the handle to status unless it is already terminal.
func (h *Handle) setStatus(status types.FlowStatus) bool {
	h.mu.Lock()
	from := h.status
	if from.IsTerminal() || from == status {
		h.mu.Unlock()
		return false
	}
	h.status = status
	observers := append([]handleObserver(nil), h.observers...)
	h.mu.Unlock()

	for _, o := range observers {
		o.statusChanged(h, from, status)
	}
	return true
}

func (h *Handle) stepCompleted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed++
}

func (h *Handle) resetProgress() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = 0
}

// settle moves the handle to the final status of result. If Cancel won the
// race the result is reported as cancelled so status and result always agree.
// Once settled the status can no longer change.
func (h *Handle) settle(result *types.FlowResult) {
	if h.Status() == types.StatusCancelled && result.Status != types.StatusCancelled {
		result.Status = types.StatusCancelled
		result.Err = types.NewFlowError(types.KindCancelled, "", result.Err, "flow %s cancelled", h.flowID)
	}
	h.setStatus(result.Status)
}

// publish makes the settled result available, notifies observers and then
// releases waiters.
func (h *Handle) publish(result *types.FlowResult) {
	h.mu.Lock()
	h.result = result
	observers := append([]handleObserver(nil), h.observers...)
	h.mu.Unlock()

	for _, o := range observers {
		o.finished(h, result)
	}
	close(h.done)
}
