package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/songzhibin97/txflow-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAndSubmit(t *testing.T, l *MemoryLedger, req *types.TxRequest) *BuiltTx {
	t.Helper()
	built, err := NewWireBuilder(l).Build(context.Background(), req)
	require.NoError(t, err)
	hash, err := l.Submit(context.Background(), built.Raw)
	require.NoError(t, err)
	require.Equal(t, built.Hash, hash)
	return built
}

func TestMemoryLedger_Fund(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	out, err := l.Fund("alice", 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), out.Amount)

	h, err := l.GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h)

	st, err := l.GetTransaction(ctx, out.OutPoint.Hash)
	require.NoError(t, err)
	assert.Equal(t, TxStatus{Found: true, BlockHeight: 1}, st)

	utxos, err := l.GetUTXOs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []types.Output{out}, utxos)

	second, err := l.Fund("alice", 10000)
	require.NoError(t, err)
	assert.NotEqual(t, out.OutPoint, second.OutPoint, "equal fundings produce distinct outputs")
}

func TestMemoryLedger_Chaining(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_, err := l.Fund("alice", 10000)
	require.NoError(t, err)

	parent := buildAndSubmit(t, l, &types.TxRequest{
		From:     "alice",
		Payments: []types.PaymentRequest{{Address: "bob", Amount: 4000}},
	})
	assert.Equal(t, 1, l.MempoolSize())

	// unconfirmed outputs are spendable as explicit inputs
	child := buildAndSubmit(t, l, &types.TxRequest{
		Inputs:   parent.Outputs[:1],
		Payments: []types.PaymentRequest{{Address: "carol", Amount: 2000}},
	})
	assert.Equal(t, 2, l.MempoolSize())

	st, err := l.GetTransaction(ctx, child.Hash)
	require.NoError(t, err)
	assert.False(t, st.Found)

	height := l.MineBlock()
	assert.Equal(t, height, l.BlockOf(parent.Hash))
	assert.Equal(t, height, l.BlockOf(child.Hash))
	assert.Zero(t, l.MempoolSize())

	utxos, err := l.GetUTXOs(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, int64(2000), utxos[0].Amount)
}

func TestMemoryLedger_SubmitRejections(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	funding, err := l.Fund("alice", 10000)
	require.NoError(t, err)

	first := buildAndSubmit(t, l, &types.TxRequest{
		Inputs:   []types.Output{funding},
		Payments: []types.PaymentRequest{{Address: "bob", Amount: 1000}},
	})

	t.Run("idempotent resubmission", func(t *testing.T) {
		hash, err := l.Submit(ctx, first.Raw)
		require.NoError(t, err)
		assert.Equal(t, first.Hash, hash)
		assert.Equal(t, 1, l.MempoolSize())
	})

	t.Run("double spend", func(t *testing.T) {
		conflict, err := NewWireBuilder(l).Build(ctx, &types.TxRequest{
			Inputs:   []types.Output{funding},
			Payments: []types.PaymentRequest{{Address: "carol", Amount: 1000}},
		})
		require.NoError(t, err)
		_, err = l.Submit(ctx, conflict.Raw)
		assert.ErrorIs(t, err, ErrDoubleSpend)
		assert.True(t, IsPermanent(err))
	})

	t.Run("missing input", func(t *testing.T) {
		ghost := funding
		ghost.OutPoint.Hash = chainhash.Hash{0x42}
		tx, err := NewWireBuilder(l).Build(ctx, &types.TxRequest{
			Inputs:   []types.Output{ghost},
			Payments: []types.PaymentRequest{{Address: "carol", Amount: 1000}},
		})
		require.NoError(t, err)
		_, err = l.Submit(ctx, tx.Raw)
		assert.ErrorIs(t, err, ErrMissingInput)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := l.Submit(ctx, []byte{0x01, 0x02})
		assert.ErrorIs(t, err, ErrTxRejected)
	})

	t.Run("injected failures", func(t *testing.T) {
		l.FailNextSubmits(2, ErrBackendUnavailable)
		_, err := l.Submit(ctx, first.Raw)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.False(t, IsPermanent(err))
		_, err = l.Submit(ctx, first.Raw)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		_, err = l.Submit(ctx, first.Raw)
		assert.NoError(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := l.Submit(cctx, first.Raw)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryLedger_Rollback(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*MemoryLedger, *BuiltTx, *BuiltTx) {
		l := NewMemoryLedger()
		_, err := l.Fund("alice", 10000)
		require.NoError(t, err)
		parent := buildAndSubmit(t, l, &types.TxRequest{
			From:     "alice",
			Payments: []types.PaymentRequest{{Address: "bob", Amount: 4000}},
		})
		l.MineBlock()
		child := buildAndSubmit(t, l, &types.TxRequest{
			Inputs:   parent.Outputs[:1],
			Payments: []types.PaymentRequest{{Address: "carol", Amount: 2000}},
		})
		return l, parent, child
	}

	t.Run("requeue", func(t *testing.T) {
		l, parent, child := setup(t)
		affected := l.Rollback(1, true)
		assert.Equal(t, []chainhash.Hash{parent.Hash}, affected)

		st, err := l.GetTransaction(ctx, parent.Hash)
		require.NoError(t, err)
		assert.False(t, st.Found)
		assert.Equal(t, 2, l.MempoolSize())

		h := l.MineBlock()
		assert.Equal(t, h, l.BlockOf(parent.Hash))
		assert.Equal(t, h, l.BlockOf(child.Hash))
	})

	t.Run("drop removes descendants", func(t *testing.T) {
		l, parent, child := setup(t)
		dropped := l.Rollback(1, false)
		assert.ElementsMatch(t, []chainhash.Hash{parent.Hash, child.Hash}, dropped)
		assert.Zero(t, l.MempoolSize())

		st, err := l.GetTransaction(ctx, child.Hash)
		require.NoError(t, err)
		assert.False(t, st.Found)

		// the funding output is spendable again
		_, err = l.Submit(ctx, parent.Raw)
		require.NoError(t, err)
		h, err := l.GetLatestBlockHeight(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), h)
	})

	t.Run("more blocks than exist", func(t *testing.T) {
		l, _, _ := setup(t)
		l.Rollback(10, true)
		h, err := l.GetLatestBlockHeight(ctx)
		require.NoError(t, err)
		assert.Zero(t, h)
	})
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("timeout talking to node")))
	assert.True(t, IsPermanent(ErrInsufficientFunds))
	assert.True(t, IsPermanent(context.Canceled))
}
