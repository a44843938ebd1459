package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/confirm"
	"github.com/songzhibin97/txflow-engine/events"
	"github.com/songzhibin97/txflow-engine/parser"
	"github.com/songzhibin97/txflow-engine/rules"
	"github.com/songzhibin97/txflow-engine/storage"
	"github.com/songzhibin97/txflow-engine/types"
)

// ErrNilFlow is returned when Execute is called without a flow.
var ErrNilFlow = errors.New("flow cannot be nil")

// Executor runs flows against a ledger backend. It is safe for concurrent use;
// every Execute call runs on its own goroutine.
type Executor struct {
	generate generator.Generator
	backend  chain.Backend
	builder  chain.Builder

	mode             types.ChainingMode
	confirmCfg       types.ConfirmationConfig
	rollbackStrategy types.RollbackStrategy
	listener         events.Listener
	retry            types.RetryPolicy
	registry         *Registry
	storage          storage.Storage
	evaluator        rules.Evaluator
	flowTimeout      time.Duration
	newTicker        func(time.Duration) ticker.Ticker

	tracker *confirm.Tracker
}

// New creates an Executor. Invalid configuration is reported here rather than
// at execution time.
func New(generate generator.Generator, backend chain.Backend, builder chain.Builder, opts ...Option) (*Executor, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if builder == nil {
		return nil, errors.New("builder is required")
	}

	e := &Executor{
		generate:         generate,
		backend:          backend,
		builder:          builder,
		mode:             types.ModeSequential,
		confirmCfg:       types.DefaultConfirmationConfig(),
		rollbackStrategy: types.RollbackFailImmediately,
		listener:         events.NopListener{},
		retry:            types.DefaultRetryPolicy(),
		evaluator:        rules.NewExprEvaluator(),
		newTicker: func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	if !e.mode.Valid() {
		return nil, fmt.Errorf("unknown chaining mode %q", e.mode)
	}
	if !e.rollbackStrategy.Valid() {
		return nil, fmt.Errorf("unknown rollback strategy %q", e.rollbackStrategy)
	}
	if err := e.confirmCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid confirmation config: %w", err)
	}
	if err := e.retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if e.flowTimeout < 0 {
		return nil, errors.New("flow timeout cannot be negative")
	}

	e.tracker = confirm.NewTracker(backend,
		confirm.WithListener(e.listener),
		confirm.WithTicker(e.newTicker),
	)
	return e, nil
}

// Mode returns the chaining mode of the executor.
func (e *Executor) Mode() types.ChainingMode {
	return e.mode
}

// Execute validates flow and starts running it in the background. Validation
// errors, invalid predicates and duplicate active flow IDs are returned
// synchronously; every later failure is reported through the Handle.
func (e *Executor) Execute(ctx context.Context, flow *types.Flow) (*Handle, error) {
	if flow == nil {
		return nil, ErrNilFlow
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkPredicates(flow); err != nil {
		return nil, err
	}

	runID, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run ID: %w", err)
	}

	h := newHandle(flow.ID, runID, len(flow.Steps))
	if e.registry != nil {
		if err := e.registry.Register(h); err != nil {
			return nil, err
		}
	}
	e.saveDocument(ctx, flow)

	r := newRunner(e, flow, h)
	go r.run(ctx)
	return h, nil
}

// ExecuteSync runs flow and blocks until it reaches a terminal status. Failed
// and cancelled runs are reported through the returned FlowResult; only
// validation and setup errors are returned as errors.
func (e *Executor) ExecuteSync(ctx context.Context, flow *types.Flow) (*types.FlowResult, error) {
	h, err := e.Execute(ctx, flow)
	if err != nil {
		return nil, err
	}
	<-h.Done()
	return h.Result(), nil
}

// checkPredicates compiles every predicate dependency up front.
func (e *Executor) checkPredicates(flow *types.Flow) error {
	for _, s := range flow.Steps {
		for _, d := range s.DependsOn {
			if d.Strategy != types.SelectPredicate || d.Match != nil {
				continue
			}
			if err := e.evaluator.Check(d.Predicate); err != nil {
				return types.NewFlowError(types.KindValidation, s.ID, err,
					"invalid predicate on %s", d.FromStep)
			}
		}
	}
	return nil
}

// saveDocument stores the portable form of flow. Inline flows are skipped.
func (e *Executor) saveDocument(ctx context.Context, flow *types.Flow) {
	if e.storage == nil || !flow.IsPortable() {
		return
	}
	doc, err := parser.Marshal(flow)
	if err != nil {
		log.Warnf("Failed to serialize flow %s: %v", flow.ID, err)
		return
	}
	if err := e.storage.SaveFlow(ctx, flow.ID, doc); err != nil {
		log.Warnf("Failed to store flow %s: %v", flow.ID, err)
	}
}
