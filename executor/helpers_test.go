package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/events"
	"github.com/songzhibin97/txflow-engine/types"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id atomic.Uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return g.id.Add(1), nil
}

// miner produces blocks on the ledger and serializes reorgs with block production.
type miner struct {
	ledger *chain.MemoryLedger
	mu     sync.Mutex
	held   bool
}

func (m *miner) mine() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return
	}
	m.ledger.MineBlock()
}

// hold stops block production until resume.
func (m *miner) hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = true
}

func (m *miner) resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = false
}

func (m *miner) start(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.mine()
			}
		}
	}()
}

// reorgOut disconnects every block down to the one including hash.
func (m *miner) reorgOut(hash chainhash.Hash, requeue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	height := m.ledger.BlockOf(hash)
	if height == 0 {
		return
	}
	head, _ := m.ledger.GetLatestBlockHeight(context.Background())
	m.ledger.Rollback(int(head-height+1), requeue)
}

// recorder is a Listener keeping an ordered log of what happened.
type recorder struct {
	events.NopListener

	mu         sync.Mutex
	log        []string
	failed     []types.StepResult
	rebuilding []string
	restarts   int
	retries    int
	rollbacks  int
	onInBlock  func(ev events.TxEvent)
	onRollback func(ev events.TxEvent)
	submitted  chan string
}

func newRecorder() *recorder {
	return &recorder{submitted: make(chan string, 64)}
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, entry)
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

// index returns the position of entry in the log, -1 if absent.
func (r *recorder) index(entry string) int {
	for i, e := range r.entries() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (r *recorder) count(entry string) int {
	n := 0
	for _, e := range r.entries() {
		if e == entry {
			n++
		}
	}
	return n
}

func (r *recorder) OnFlowStarted(flowID string, runID uint64, total int) {
	r.add("flow_started:" + flowID)
}

func (r *recorder) OnFlowCompleted(res *types.FlowResult) {
	r.add("flow_completed:" + res.FlowID)
}

func (r *recorder) OnFlowFailed(res *types.FlowResult) {
	r.add("flow_failed:" + res.FlowID)
}

func (r *recorder) OnFlowCancelled(res *types.FlowResult) {
	r.add("flow_cancelled:" + res.FlowID)
}

func (r *recorder) OnStepStarted(flowID, stepID string) {
	r.add("started:" + stepID)
}

func (r *recorder) OnStepCompleted(flowID string, res types.StepResult) {
	r.add("completed:" + res.StepID)
}

func (r *recorder) OnStepFailed(flowID string, res types.StepResult) {
	r.mu.Lock()
	r.failed = append(r.failed, res)
	r.mu.Unlock()
	r.add("failed:" + res.StepID)
}

func (r *recorder) OnStepRetrying(flowID, stepID string, attempt, max int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *recorder) OnTransactionSubmitted(ev events.TxEvent) {
	r.add("submitted:" + ev.StepID)
	select {
	case r.submitted <- ev.StepID:
	default:
	}
}

func (r *recorder) OnTransactionInBlock(ev events.TxEvent) {
	r.mu.Lock()
	hook := r.onInBlock
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) OnTransactionConfirmed(ev events.TxEvent) {
	r.add("confirmed:" + ev.StepID)
}

func (r *recorder) OnTransactionRolledBack(ev events.TxEvent) {
	r.mu.Lock()
	r.rollbacks++
	hook := r.onRollback
	r.mu.Unlock()
	r.add("rolled_back:" + ev.StepID)
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) OnStepRebuilding(flowID, stepID string, attempt, max int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilding = append(r.rebuilding, stepID)
}

func (r *recorder) OnFlowRestarting(flowID string, attempt, max int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
}

// waitSubmitted blocks until n transactions were submitted.
func (r *recorder) waitSubmitted(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.submitted:
		case <-timeout:
			t.Fatalf("only %d of %d transactions submitted", i, n)
		}
	}
}

func testConfig() types.ConfirmationConfig {
	return types.ConfirmationConfig{
		MinConfirmations:   2,
		CheckInterval:      2 * time.Millisecond,
		Timeout:            5 * time.Second,
		MaxRollbackRetries: 3,
	}
}

func fastRetry() types.RetryPolicy {
	return types.RetryPolicy{MaxAttempts: 3, Backoff: types.BackoffFixed, InitialDelay: time.Millisecond}
}

// env is a ledger, its miner and a recorder wired into executors.
type env struct {
	ledger *chain.MemoryLedger
	miner  *miner
	rec    *recorder
	ctx    context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	ledger := chain.NewMemoryLedger()
	e := &env{
		ledger: ledger,
		miner:  &miner{ledger: ledger},
		rec:    newRecorder(),
		ctx:    ctx,
	}
	// blocks held back by a reorg are produced again once it was observed
	e.rec.onRollback = func(events.TxEvent) { e.miner.resume() }
	return e
}

func (e *env) fund(t *testing.T, address string, amounts ...int64) {
	t.Helper()
	for _, a := range amounts {
		_, err := e.ledger.Fund(address, a)
		require.NoError(t, err)
	}
}

func (e *env) mine(interval time.Duration) {
	e.miner.start(e.ctx, interval)
}

func (e *env) executor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	return e.executorOn(t, e.ledger, chain.NewWireBuilder(e.ledger), opts...)
}

// executorOn is executor with the backend and builder replaced.
func (e *env) executorOn(t *testing.T, backend chain.Backend, builder chain.Builder, opts ...Option) *Executor {
	t.Helper()
	base := []Option{
		WithConfirmationConfig(testConfig()),
		WithRetryPolicy(fastRetry()),
		WithListener(e.rec),
	}
	exec, err := New(&MockGenerator{}, backend, builder, append(base, opts...)...)
	require.NoError(t, err)
	return exec
}

func pay(from, to string, amount int64) types.InlineSpec {
	return func(sc types.StepContext) (*types.TxRequest, error) {
		return &types.TxRequest{
			From:     from,
			Payments: []types.PaymentRequest{{Address: to, Amount: amount}},
		}, nil
	}
}

// chainFlow is a -> b -> c funded by carol.
func chainFlow(id string) *types.Flow {
	return &types.Flow{ID: id, Steps: []types.Step{
		{ID: "a", Spec: pay("carol", "dave", 30000)},
		{ID: "b", Spec: pay("", "erin", 20000), DependsOn: []types.Dependency{types.DependsOnIndex("a", 0)}},
		{ID: "c", Spec: pay("", "frank", 10000), DependsOn: []types.Dependency{types.DependsOnAll("b")}},
	}}
}

// independentFlow has n unrelated steps, each paying from payer.
func independentFlow(id, payer string, n int) *types.Flow {
	flow := &types.Flow{ID: id}
	for i := 0; i < n; i++ {
		flow.Steps = append(flow.Steps, types.Step{
			ID:   fmt.Sprintf("s%d", i),
			Spec: pay(payer, fmt.Sprintf("merchant-%d", i), 1000),
		})
	}
	return flow
}

// gatedBuilder blocks every Build until released.
type gatedBuilder struct {
	chain.Builder
	entered chan string
	release chan struct{}
}

func newGatedBuilder(inner chain.Builder) *gatedBuilder {
	return &gatedBuilder{
		Builder: inner,
		entered: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedBuilder) Build(ctx context.Context, req *types.TxRequest) (*chain.BuiltTx, error) {
	g.entered <- req.StepID
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Builder.Build(ctx, req)
}

func awaitResult(t *testing.T, h *Handle) *types.FlowResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(10 * time.Second):
		t.Fatalf("flow %s did not finish", h.FlowID())
		return nil
	}
}
