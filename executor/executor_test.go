package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/parser"
	"github.com/songzhibin97/txflow-engine/storage"
	"github.com/songzhibin97/txflow-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var modes = []types.ChainingMode{types.ModeSequential, types.ModePipelined, types.ModeBatch}

func TestNew(t *testing.T) {
	ledger := chain.NewMemoryLedger()
	builder := chain.NewWireBuilder(ledger)
	gen := &MockGenerator{}

	tests := []struct {
		name    string
		build   func() (*Executor, error)
		wantErr string
	}{
		{
			name:    "nil generator",
			build:   func() (*Executor, error) { return New(nil, ledger, builder) },
			wantErr: "generator is required",
		},
		{
			name:    "nil backend",
			build:   func() (*Executor, error) { return New(gen, nil, builder) },
			wantErr: "backend is required",
		},
		{
			name:    "nil builder",
			build:   func() (*Executor, error) { return New(gen, ledger, nil) },
			wantErr: "builder is required",
		},
		{
			name: "unknown mode",
			build: func() (*Executor, error) {
				return New(gen, ledger, builder, WithChainingMode("turbo"))
			},
			wantErr: `unknown chaining mode "turbo"`,
		},
		{
			name: "unknown rollback strategy",
			build: func() (*Executor, error) {
				return New(gen, ledger, builder, WithRollbackStrategy("pray"))
			},
			wantErr: `unknown rollback strategy "pray"`,
		},
		{
			name: "invalid confirmation config",
			build: func() (*Executor, error) {
				cfg := testConfig()
				cfg.MinConfirmations = 0
				return New(gen, ledger, builder, WithConfirmationConfig(cfg))
			},
			wantErr: "invalid confirmation config",
		},
		{
			name: "invalid retry policy",
			build: func() (*Executor, error) {
				return New(gen, ledger, builder, WithRetryPolicy(types.RetryPolicy{}))
			},
			wantErr: "invalid retry policy",
		},
		{
			name: "negative flow timeout",
			build: func() (*Executor, error) {
				return New(gen, ledger, builder, WithFlowTimeout(-time.Second))
			},
			wantErr: "flow timeout cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := tt.build()
			require.Error(t, err)
			assert.Nil(t, e)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		e, err := New(gen, ledger, builder)
		require.NoError(t, err)
		assert.Equal(t, types.ModeSequential, e.Mode())
		assert.Equal(t, types.RollbackFailImmediately, e.rollbackStrategy)
		assert.Equal(t, types.DefaultConfirmationConfig(), e.confirmCfg)
	})
}

func TestExecute_Validation(t *testing.T) {
	env := newEnv(t)
	e := env.executor(t)

	_, err := e.Execute(env.ctx, nil)
	assert.ErrorIs(t, err, ErrNilFlow)

	_, err = e.Execute(env.ctx, &types.Flow{ID: "ghost", Steps: []types.Step{
		{ID: "a", Spec: pay("carol", "dave", 1), DependsOn: []types.Dependency{types.DependsOnAll("nowhere")}},
	}})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = e.Execute(env.ctx, &types.Flow{ID: "bad-predicate", Steps: []types.Step{
		{ID: "a", Spec: pay("carol", "dave", 1)},
		{ID: "b", Spec: pay("", "erin", 1), DependsOn: []types.Dependency{types.DependsOnPredicate("a", "amount >")}},
	}})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "invalid predicate on a")

	assert.Empty(t, env.rec.entries(), "nothing runs for rejected flows")
}

func TestExecute_SingleStep(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			env := newEnv(t)
			env.fund(t, "carol", 100000)
			env.mine(3 * time.Millisecond)
			e := env.executor(t, WithChainingMode(mode))

			flow := &types.Flow{ID: "single", Steps: []types.Step{{ID: "a", Spec: pay("carol", "dave", 30000)}}}
			h, err := e.Execute(env.ctx, flow)
			require.NoError(t, err)
			assert.Equal(t, "single", h.FlowID())
			assert.Equal(t, uint64(1), h.RunID())
			assert.Equal(t, 1, h.TotalStepCount())

			res := awaitResult(t, h)
			require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)
			assert.True(t, res.IsSuccessful())
			assert.NoError(t, res.Err)
			assert.True(t, res.FailedStep.IsNone())
			assert.Equal(t, 1, res.Attempts)
			require.Len(t, res.TxHashes, 1)
			require.Len(t, res.StepResults, 1)

			step := res.StepResults[0]
			assert.Equal(t, "a", step.StepID)
			assert.Equal(t, res.TxHashes[0], step.TxHash)
			assert.Equal(t, env.ledger.BlockOf(step.TxHash), step.BlockHeight)
			assert.Zero(t, step.Rebuilds)
			require.Len(t, step.Outputs, 2)
			assert.Equal(t, "dave", step.Outputs[0].Address)
			assert.Equal(t, int64(30000), step.Outputs[0].Amount)

			assert.Equal(t, types.StatusCompleted, h.Status())
			assert.Equal(t, 1, h.CompletedStepCount())
			assert.True(t, h.IsDone())
			assert.Equal(t, []string{
				"flow_started:single", "started:a", "submitted:a", "confirmed:a", "completed:a", "flow_completed:single",
			}, env.rec.entries())
		})
	}
}

func TestExecute_Sequential_Chain(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "carol", 100000)
	env.mine(3 * time.Millisecond)
	e := env.executor(t)

	res, err := e.ExecuteSync(env.ctx, chainFlow("chain"))
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)
	require.Len(t, res.TxHashes, 3)

	rec := env.rec
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}} {
		confirmed, next := rec.index("confirmed:"+pair[0]), rec.index("started:"+pair[1])
		require.NotEqual(t, -1, confirmed)
		assert.Less(t, confirmed, next, "%s must confirm before %s starts", pair[0], pair[1])
	}

	heights := make([]int64, 3)
	for i, s := range res.StepResults {
		heights[i] = s.BlockHeight
	}
	assert.Less(t, heights[0], heights[1])
	assert.Less(t, heights[1], heights[2])

	// b spends output 0 of a, c spends everything b produced
	b, c := res.StepResults[1], res.StepResults[2]
	assert.Equal(t, "erin", b.Outputs[0].Address)
	assert.Equal(t, "dave", b.Outputs[1].Address, "change returns to the owner of the first input")
	assert.Equal(t, int64(9000), b.Outputs[1].Amount)
	assert.Equal(t, int64(18000), c.Outputs[1].Amount)
}

func TestExecute_Chained_SubmitsBeforeConfirmation(t *testing.T) {
	for _, mode := range []types.ChainingMode{types.ModePipelined, types.ModeBatch} {
		t.Run(string(mode), func(t *testing.T) {
			env := newEnv(t)
			env.fund(t, "carol", 100000)
			e := env.executor(t, WithChainingMode(mode))

			h, err := e.Execute(env.ctx, chainFlow("chain"))
			require.NoError(t, err)

			// every step is accepted into the mempool before a single block is mined
			env.rec.waitSubmitted(t, 3)
			assert.Equal(t, 3, env.ledger.MempoolSize())
			assert.Equal(t, -1, env.rec.index("confirmed:a"))
			env.mine(3 * time.Millisecond)

			res := awaitResult(t, h)
			require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)
			require.Len(t, res.StepResults, 3)
			for i, id := range []string{"a", "b", "c"} {
				assert.Equal(t, id, res.StepResults[i].StepID, "results keep definition order")
				assert.Equal(t, res.StepResults[i].TxHash, res.TxHashes[i])
			}
			// all three went into the first block
			assert.Equal(t, res.StepResults[0].BlockHeight, res.StepResults[2].BlockHeight)
			assert.Equal(t, 3, h.CompletedStepCount())
		})
	}
}

func TestExecute_IndependentSteps(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			env := newEnv(t)
			env.fund(t, "grace", 5000, 5000, 5000, 5000, 5000)
			env.mine(3 * time.Millisecond)
			e := env.executor(t, WithChainingMode(mode))

			res, err := e.ExecuteSync(env.ctx, independentFlow("fanout", "grace", 5))
			require.NoError(t, err)
			require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)
			require.Len(t, res.TxHashes, 5)

			seen := make(map[chainhash.Hash]bool)
			for i, s := range res.StepResults {
				assert.Equal(t, res.TxHashes[i], s.TxHash)
				assert.False(t, seen[s.TxHash], "steps never share a transaction")
				seen[s.TxHash] = true
				assert.Equal(t, "merchant-"+s.StepID[1:], s.Outputs[0].Address)
			}
		})
	}
}

func TestExecute_PredicateSelection(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "carol", 100000)
	env.mine(3 * time.Millisecond)
	e := env.executor(t, WithChainingMode(types.ModePipelined))

	var (
		mu       sync.Mutex
		inputs   []types.Output
		upstream map[string][]types.Output
	)
	flow := &types.Flow{ID: "predicate", Steps: []types.Step{
		{ID: "a", Spec: pay("carol", "dave", 30000)},
		{ID: "b", DependsOn: []types.Dependency{types.DependsOnPredicate("a", `address == "dave" && amount >= 30000`)},
			Spec: types.InlineSpec(func(sc types.StepContext) (*types.TxRequest, error) {
				mu.Lock()
				inputs, upstream = sc.Inputs, sc.Upstream
				mu.Unlock()
				return &types.TxRequest{Payments: []types.PaymentRequest{{Address: "erin", Amount: 1000}}}, nil
			})},
	}}

	res, err := e.ExecuteSync(env.ctx, flow)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, inputs, 1)
	assert.Equal(t, "dave", inputs[0].Address)
	assert.Equal(t, res.TxHashes[0], inputs[0].OutPoint.Hash)
	assert.Len(t, upstream["a"], 2, "the whole upstream output set is visible")
}

func TestExecute_PredicateOnlyCompiledUpFront(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "carol", 100000)
	env.mine(3 * time.Millisecond)
	e := env.executor(t)

	// an empty address has no suffix, so running this on a blank output fails
	predicate := `address != "carol" && split(address, "-")[1] == "vault"`
	var (
		mu     sync.Mutex
		inputs []types.Output
	)
	flow := &types.Flow{ID: "vault", Steps: []types.Step{
		{ID: "a", Spec: pay("carol", "dave-vault", 30000)},
		{ID: "b", DependsOn: []types.Dependency{types.DependsOnPredicate("a", predicate)},
			Spec: types.InlineSpec(func(sc types.StepContext) (*types.TxRequest, error) {
				mu.Lock()
				inputs = sc.Inputs
				mu.Unlock()
				return &types.TxRequest{Payments: []types.PaymentRequest{{Address: "erin", Amount: 1000}}}, nil
			})},
	}}

	res, err := e.ExecuteSync(env.ctx, flow)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, inputs, 1)
	assert.Equal(t, "dave-vault", inputs[0].Address)
}

func TestExecute_BuildFailures(t *testing.T) {
	t.Run("insufficient funds", func(t *testing.T) {
		env := newEnv(t)
		e := env.executor(t)

		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "broke", Steps: []types.Step{
			{ID: "a", Spec: pay("nobody", "dave", 1000)},
		}})
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.True(t, res.IsFailed())
		assert.ErrorIs(t, res.Err, types.ErrBuild)
		assert.ErrorIs(t, res.Err, chain.ErrInsufficientFunds)
		assert.Equal(t, types.KindBuild, types.KindOf(res.Err))

		failed := res.FailedStep.UnwrapOr(types.StepResult{})
		assert.Equal(t, "a", failed.StepID)
		assert.Equal(t, types.StatusFailed, failed.Status)
		assert.False(t, failed.Submitted())
		assert.Zero(t, env.rec.retries, "permanent errors are not retried")
		assert.Equal(t, 1, env.rec.count("failed:a"))
	})

	t.Run("predicate matches nothing", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		env.mine(3 * time.Millisecond)
		e := env.executor(t)

		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "nomatch", Steps: []types.Step{
			{ID: "a", Spec: pay("carol", "dave", 30000)},
			{ID: "b", Spec: pay("", "erin", 1000), DependsOn: []types.Dependency{types.DependsOnPredicate("a", "amount > 1000000")}},
		}})
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, types.ErrBuild)
		assert.Contains(t, res.Err.Error(), "no output of a matches the predicate")
		assert.Equal(t, "b", res.FailedStep.UnwrapOr(types.StepResult{}).StepID)
		require.Len(t, res.StepResults, 1, "a completed before b failed")
		assert.Equal(t, "a", res.StepResults[0].StepID)
	})

	t.Run("spec error", func(t *testing.T) {
		env := newEnv(t)
		e := env.executor(t)

		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "spec", Steps: []types.Step{
			{ID: "a", Spec: types.InlineSpec(func(types.StepContext) (*types.TxRequest, error) {
				return nil, errors.New("price feed down")
			})},
		}})
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, types.ErrBuild)
		assert.Contains(t, res.Err.Error(), "price feed down")
	})
}

func TestExecute_SubmitRetries(t *testing.T) {
	t.Run("transient failures recover", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		env.mine(3 * time.Millisecond)
		env.ledger.FailNextSubmits(2, chain.ErrBackendUnavailable)
		e := env.executor(t)

		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "flaky", Steps: []types.Step{
			{ID: "a", Spec: pay("carol", "dave", 1000)},
		}})
		require.NoError(t, err)
		require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)
		assert.Equal(t, 2, env.rec.retries)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		env.ledger.FailNextSubmits(3, chain.ErrBackendUnavailable)
		e := env.executor(t)

		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "flaky", Steps: []types.Step{
			{ID: "a", Spec: pay("carol", "dave", 1000)},
		}})
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, types.ErrSubmit)
		assert.ErrorIs(t, res.Err, chain.ErrBackendUnavailable)
		assert.Equal(t, 2, env.rec.retries)
	})

	t.Run("step policy overrides executor policy", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		env.ledger.FailNextSubmits(1, chain.ErrBackendUnavailable)
		e := env.executor(t)

		noRetry := types.NoRetry()
		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "strict", Steps: []types.Step{
			{ID: "a", Spec: pay("carol", "dave", 1000), Retry: &noRetry},
		}})
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, types.ErrSubmit)
		assert.Zero(t, env.rec.retries)
	})

	t.Run("rejections are permanent", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		env.ledger.FailNextSubmits(1, chain.ErrTxRejected)
		e := env.executor(t)

		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "rejected", Steps: []types.Step{
			{ID: "a", Spec: pay("carol", "dave", 1000)},
		}})
		require.NoError(t, err)
		assert.ErrorIs(t, res.Err, chain.ErrTxRejected)
		assert.Zero(t, env.rec.retries)
	})
}

func TestExecute_Timeouts(t *testing.T) {
	t.Run("confirmation timeout", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		cfg := testConfig()
		cfg.Timeout = 50 * time.Millisecond
		e := env.executor(t, WithConfirmationConfig(cfg))

		res, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "stuck", Steps: []types.Step{
			{ID: "a", Spec: pay("carol", "dave", 1000)},
		}})
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, types.ErrTimeout)

		failed := res.FailedStep.UnwrapOr(types.StepResult{})
		assert.True(t, failed.Submitted(), "the step failed after submission")
	})

	t.Run("flow timeout", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		e := env.executor(t, WithFlowTimeout(50*time.Millisecond))

		start := time.Now()
		res, err := e.ExecuteSync(env.ctx, chainFlow("slow"))
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, types.ErrTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestHandle_Cancel(t *testing.T) {
	t.Run("during build", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		gated := newGatedBuilder(chain.NewWireBuilder(env.ledger))
		e, err := New(&MockGenerator{}, env.ledger, gated,
			WithConfirmationConfig(testConfig()), WithListener(env.rec))
		require.NoError(t, err)

		h, err := e.Execute(env.ctx, chainFlow("cancel"))
		require.NoError(t, err)
		assert.Equal(t, "a", <-gated.entered)

		h.Cancel()
		assert.Equal(t, types.StatusCancelled, h.Status(), "status flips at once")
		close(gated.release)

		res, err := h.AwaitTimeout(5 * time.Second)
		assert.ErrorIs(t, err, types.ErrCancelled)
		require.NotNil(t, res)
		assert.True(t, res.IsCancelled())
		assert.Empty(t, res.StepResults)
		assert.Zero(t, env.ledger.MempoolSize(), "nothing is submitted after cancel")
		assert.Equal(t, -1, env.rec.index("submitted:a"))
		assert.Equal(t, -1, env.rec.index("started:b"))
		assert.Equal(t, 1, env.rec.count("flow_cancelled:cancel"))
	})

	t.Run("while confirming", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		e := env.executor(t)

		h, err := e.Execute(env.ctx, chainFlow("cancel"))
		require.NoError(t, err)
		env.rec.waitSubmitted(t, 1)
		h.Cancel()

		res := awaitResult(t, h)
		assert.Equal(t, types.StatusCancelled, res.Status)
		assert.ErrorIs(t, res.Err, types.ErrCancelled)
		assert.Equal(t, 1, env.ledger.MempoolSize(), "submitted transactions are not retracted")
		assert.Equal(t, types.StatusCancelled, h.Status())
	})

	t.Run("after completion", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		env.mine(3 * time.Millisecond)
		e := env.executor(t)

		h, err := e.Execute(env.ctx, &types.Flow{ID: "done", Steps: []types.Step{{ID: "a", Spec: pay("carol", "dave", 1000)}}})
		require.NoError(t, err)
		res := awaitResult(t, h)
		require.Equal(t, types.StatusCompleted, res.Status)

		h.Cancel()
		h.Cancel()
		assert.Equal(t, types.StatusCompleted, h.Status())
		assert.Equal(t, types.StatusCompleted, h.Result().Status)
	})

	t.Run("parent context", func(t *testing.T) {
		env := newEnv(t)
		env.fund(t, "carol", 100000)
		e := env.executor(t)

		ctx, cancel := context.WithCancel(env.ctx)
		h, err := e.Execute(ctx, chainFlow("ctx"))
		require.NoError(t, err)
		env.rec.waitSubmitted(t, 1)
		cancel()

		res := awaitResult(t, h)
		assert.Equal(t, types.StatusCancelled, res.Status)
		assert.ErrorIs(t, res.Err, types.ErrCancelled)
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Equal(t, types.StatusCancelled, h.Status())
	})
}

func TestHandle_Await(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "carol", 100000)
	e := env.executor(t)

	h, err := e.Execute(env.ctx, &types.Flow{ID: "await", Steps: []types.Step{{ID: "a", Spec: pay("carol", "dave", 1000)}}})
	require.NoError(t, err)

	res, err := h.AwaitTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrAwaitTimeout)
	assert.Nil(t, res)
	assert.False(t, h.IsDone())
	assert.Nil(t, h.Result())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	env.mine(3 * time.Millisecond)
	res, err = h.Await(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, res.Status)
}

func TestExecute_Journal(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "carol", 100000)
	env.mine(3 * time.Millisecond)
	store := storage.NewMemoryStorage()
	e := env.executor(t, WithStorage(store))

	flow := &types.Flow{ID: "journal", Variables: map[string]string{"payer": "carol"}, Steps: []types.Step{
		{ID: "a", Spec: &types.TxPlan{From: "${payer}", Payments: []types.Payment{{Address: "dave", Amount: "30000"}}}},
		{ID: "b", DependsOn: []types.Dependency{types.DependsOnIndex("a", 0)},
			Spec: &types.TxPlan{Payments: []types.Payment{{Address: "erin", Amount: "20000"}}}},
	}}

	res, err := e.ExecuteSync(env.ctx, flow)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, res.Status, "err: %v", res.Err)

	run, err := store.GetRun(env.ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "journal", run.FlowID)
	assert.Equal(t, types.StatusCompleted, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, 2, run.TotalSteps)
	assert.Equal(t, 2, run.CompletedSteps)
	assert.Equal(t, []string{res.TxHashes[0].String(), res.TxHashes[1].String()}, run.TxHashes)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, res.StepResults[1].BlockHeight, run.Steps[1].BlockHeight)
	assert.Empty(t, run.Error)

	doc, err := store.GetFlow(env.ctx, "journal")
	require.NoError(t, err)
	stored, err := parser.Parse(doc, "journal.yaml")
	require.NoError(t, err)
	assert.Equal(t, flow.Steps[1].DependsOn, stored.Steps[1].DependsOn)

	// a failed run of an inline flow is journaled without a document
	failed, err := e.ExecuteSync(env.ctx, &types.Flow{ID: "inline", Steps: []types.Step{
		{ID: "a", Spec: pay("nobody", "dave", 1)},
	}})
	require.NoError(t, err)
	run, err = store.GetRun(env.ctx, failed.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "insufficient funds")
	require.Len(t, run.Steps, 1)
	assert.Equal(t, types.StatusFailed, run.Steps[0].Status)

	_, err = store.GetFlow(env.ctx, "inline")
	assert.ErrorIs(t, err, storage.ErrFlowNotFound)

	runs, err := store.ListRuns(env.ctx, "journal")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
