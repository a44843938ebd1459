package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Event types published by BusListener.
const (
	EventFlowStarted       = "flow_started"
	EventFlowCompleted     = "flow_completed"
	EventFlowFailed        = "flow_failed"
	EventFlowCancelled     = "flow_cancelled"
	EventFlowRestarting    = "flow_restarting"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventStepRetrying      = "step_retrying"
	EventStepRebuilding    = "step_rebuilding"
	EventTxSubmitted       = "tx_submitted"
	EventTxInBlock         = "tx_in_block"
	EventTxDepthChanged    = "tx_depth_changed"
	EventTxConfirmed       = "tx_confirmed"
	EventTxRolledBack      = "tx_rolled_back"
	EventFlowStatusChanged = "flow_status_changed"
)

// Event represents a flow event.
type Event struct {
	Type   string                 // one of the Event* constants
	FlowID string                 // Flow ID
	RunID  uint64                 // Run ID, 0 when unknown to the emitter
	StepID string                 // Step ID, empty for flow-level events
	Time   time.Time              // emission time
	Data   map[string]interface{} // Additional event data
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies a registered handler.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler EventHandler
}

// EventBus manages event subscriptions and publishing. Events are delivered
// by a single goroutine, so every handler observes them in publish order.
type EventBus struct {
	handlers     map[string][]subscriber
	mu           sync.RWMutex
	nextID       atomic.Uint64
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	syncTimeout  time.Duration
	blocking     bool
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithSyncTimeout bounds PublishSync. The default is five seconds.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.syncTimeout = d
	}
}

// WithBlockingPublish makes Publish wait for buffer space instead of
// returning ErrChannelFull.
func WithBlockingPublish() EventBusOption {
	return func(eb *EventBus) {
		eb.blocking = true
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 256, and errors are handled by defaultErrorHandler.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]subscriber),
		eventCh:     make(chan Event, 256),
		errHandler:  defaultErrorHandler,
		syncTimeout: 5 * time.Second,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type, or to AllEvents.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := Subscription(eb.nextID.Add(1))
	eb.handlers[eventType] = append(eb.handlers[eventType], subscriber{id: id, handler: handler})
	return id
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes a subscription.
// Returns true if the subscription was found and removed, false otherwise.
func (eb *EventBus) Unsubscribe(id Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for eventType, subs := range eb.handlers {
		for i, s := range subs {
			if s.id != id {
				continue
			}
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			if len(eb.handlers[eventType]) == 0 {
				delete(eb.handlers, eventType)
			}
			return true
		}
	}
	return false
}

// HasSubscribers checks if any handler would receive an event of the given type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[AllEvents]) > 0
}

// handlersFor returns the handlers of an event type followed by wildcard handlers.
func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	all := eb.handlers[AllEvents]
	out := make([]EventHandler, 0, len(subs)+len(all))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range all {
		out = append(out, s.handler)
	}
	return out
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, nobody listens,
// or the channel is full in non-blocking mode.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	if eb.blocking {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case eb.eventCh <- event:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync publishes an event synchronously and returns all handler errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine after delivering buffered events.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()
	eb.wg.Wait()
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()
		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs the handlers one after another and collects errors.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var errs []error
	for _, h := range handlers {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := h.Handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// defaultErrorHandler logs handler errors.
func defaultErrorHandler(event Event, err error) {
	log.Errorf("Error handling event %s (flow %s, step %s): %v",
		event.Type, event.FlowID, event.StepID, err)
}
