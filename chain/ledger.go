package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/songzhibin97/txflow-engine/types"
)

// ledgerTx is a transaction known to the MemoryLedger.
type ledgerTx struct {
	msg     *wire.MsgTx
	inputs  []wire.OutPoint
	outputs []types.Output
	height  int64 // 0 while in the mempool
	seq     uint64
}

// MemoryLedger is an in-memory UTXO ledger with a mempool that accepts chains of
// unconfirmed transactions, explicit block production and reorganizations.
// It implements Backend.
type MemoryLedger struct {
	mu       sync.RWMutex
	height   int64
	blocks   [][]chainhash.Hash // blocks[i] holds the transactions of height i+1
	txs      map[chainhash.Hash]*ledgerTx
	utxos    map[wire.OutPoint]types.Output // unspent, confirmed or pending
	spentBy  map[wire.OutPoint]chainhash.Hash
	mempool  []chainhash.Hash
	seq      uint64
	nonce    uint32
	failNext int
	failErr  error
}

// NewMemoryLedger creates an empty ledger at height 0.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		txs:     make(map[chainhash.Hash]*ledgerTx),
		utxos:   make(map[wire.OutPoint]types.Output),
		spentBy: make(map[wire.OutPoint]chainhash.Hash),
	}
}

// Fund creates a confirmed output of amount locked to address, mined in a new block.
func (l *MemoryLedger) Fund(address string, amount int64) (types.Output, error) {
	pkScript, err := LockScript(address, nil)
	if err != nil {
		return types.Output{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nonce++
	nonce := make([]byte, 4)
	binary.LittleEndian.PutUint32(nonce, l.nonce)
	msg := wire.NewMsgTx(wire.TxVersion)
	msg.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, math.MaxUint32), nonce, nil))
	msg.AddTxOut(wire.NewTxOut(amount, pkScript))

	hash := msg.TxHash()
	out := types.Output{
		OutPoint: wire.OutPoint{Hash: hash, Index: 0},
		Address:  address,
		Amount:   amount,
	}
	l.seq++
	l.txs[hash] = &ledgerTx{msg: msg, outputs: []types.Output{out}, seq: l.seq}
	l.utxos[out.OutPoint] = out
	l.mempool = append(l.mempool, hash)
	l.mineLocked()
	return out, nil
}

// FailNextSubmits makes the next n submissions fail with err.
func (l *MemoryLedger) FailNextSubmits(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
	l.failErr = err
}

// Submit implements Backend.
func (l *MemoryLedger) Submit(ctx context.Context, rawTx []byte) (chainhash.Hash, error) {
	return withContext(ctx, func() (chainhash.Hash, error) {
		var msg wire.MsgTx
		if err := msg.Deserialize(bytes.NewReader(rawTx)); err != nil {
			return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrTxRejected, err)
		}
		hash := msg.TxHash()

		l.mu.Lock()
		defer l.mu.Unlock()

		if l.failNext > 0 {
			l.failNext--
			return chainhash.Hash{}, l.failErr
		}
		if _, ok := l.txs[hash]; ok {
			// idempotent resubmission
			return hash, nil
		}
		if len(msg.TxIn) == 0 {
			return chainhash.Hash{}, fmt.Errorf("%w: no inputs", ErrTxRejected)
		}

		var in int64
		inputs := make([]wire.OutPoint, 0, len(msg.TxIn))
		seen := make(map[wire.OutPoint]bool, len(msg.TxIn))
		for _, txIn := range msg.TxIn {
			op := txIn.PreviousOutPoint
			if seen[op] {
				return chainhash.Hash{}, fmt.Errorf("%w: duplicate input %v", ErrTxRejected, op)
			}
			seen[op] = true
			if spender, ok := l.spentBy[op]; ok {
				return chainhash.Hash{}, fmt.Errorf("%w: %v spent by %v", ErrDoubleSpend, op, spender)
			}
			prev, ok := l.utxos[op]
			if !ok {
				return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrMissingInput, op)
			}
			in += prev.Amount
			inputs = append(inputs, op)
		}

		var out int64
		outputs := make([]types.Output, 0, len(msg.TxOut))
		for i, txOut := range msg.TxOut {
			if txOut.Value < 0 {
				return chainhash.Hash{}, fmt.Errorf("%w: negative output", ErrTxRejected)
			}
			out += txOut.Value
			addr, datum, err := ParseLockScript(txOut.PkScript)
			if err != nil {
				// null-data and unknown scripts are unspendable
				continue
			}
			outputs = append(outputs, types.Output{
				OutPoint: wire.OutPoint{Hash: hash, Index: uint32(i)},
				Address:  addr,
				Amount:   txOut.Value,
				Datum:    datum,
			})
		}
		if out > in {
			return chainhash.Hash{}, fmt.Errorf("%w: outputs %d exceed inputs %d", ErrTxRejected, out, in)
		}

		l.seq++
		l.txs[hash] = &ledgerTx{msg: &msg, inputs: inputs, outputs: outputs, seq: l.seq}
		for _, op := range inputs {
			l.spentBy[op] = hash
		}
		for _, o := range outputs {
			l.utxos[o.OutPoint] = o
		}
		l.mempool = append(l.mempool, hash)
		log.Debugf("Accepted tx %v into mempool (%d inputs, %d outputs)", hash, len(inputs), len(outputs))
		return hash, nil
	})
}

// GetTransaction implements Backend.
func (l *MemoryLedger) GetTransaction(ctx context.Context, hash chainhash.Hash) (TxStatus, error) {
	return withContext(ctx, func() (TxStatus, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		tx, ok := l.txs[hash]
		if !ok || tx.height == 0 {
			return TxStatus{}, nil
		}
		return TxStatus{Found: true, BlockHeight: tx.height}, nil
	})
}

// GetLatestBlockHeight implements Backend.
func (l *MemoryLedger) GetLatestBlockHeight(ctx context.Context) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		return l.height, nil
	})
}

// GetUTXOs implements Backend. Only confirmed outputs are returned.
func (l *MemoryLedger) GetUTXOs(ctx context.Context, address string) ([]types.Output, error) {
	return withContext(ctx, func() ([]types.Output, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		var outs []types.Output
		for op, o := range l.utxos {
			if o.Address != address {
				continue
			}
			if _, spent := l.spentBy[op]; spent {
				continue
			}
			if tx := l.txs[op.Hash]; tx == nil || tx.height == 0 {
				continue
			}
			outs = append(outs, o)
		}
		sort.Slice(outs, func(i, j int) bool {
			a, b := l.txs[outs[i].OutPoint.Hash], l.txs[outs[j].OutPoint.Hash]
			if a.seq != b.seq {
				return a.seq < b.seq
			}
			return outs[i].OutPoint.Index < outs[j].OutPoint.Index
		})
		return outs, nil
	})
}

// MineBlock moves the whole mempool into a new block and returns its height.
func (l *MemoryLedger) MineBlock() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mineLocked()
}

func (l *MemoryLedger) mineLocked() int64 {
	l.height++
	block := l.mempool
	l.mempool = nil
	for _, h := range block {
		l.txs[h].height = l.height
	}
	l.blocks = append(l.blocks, block)
	log.Tracef("Mined block %d with %d txs", l.height, len(block))
	return l.height
}

// Mine mines n blocks.
func (l *MemoryLedger) Mine(n int) {
	for i := 0; i < n; i++ {
		l.MineBlock()
	}
}

// Rollback disconnects the last n blocks. With requeue the disconnected
// transactions return to the mempool; otherwise they are dropped together with
// every transaction spending their outputs. It returns the affected tx ids.
func (l *MemoryLedger) Rollback(n int, requeue bool) []chainhash.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.blocks) {
		n = len(l.blocks)
	}
	var affected []chainhash.Hash
	for i := 0; i < n; i++ {
		block := l.blocks[len(l.blocks)-1]
		l.blocks = l.blocks[:len(l.blocks)-1]
		l.height--
		for _, h := range block {
			l.txs[h].height = 0
		}
		affected = append(affected, block...)
	}

	if requeue {
		l.mempool = append(affected, l.mempool...)
		log.Debugf("Rolled back %d block(s), requeued %d tx(s)", n, len(affected))
		return affected
	}

	var dropped []chainhash.Hash
	for _, h := range affected {
		dropped = append(dropped, l.dropLocked(h)...)
	}
	log.Debugf("Rolled back %d block(s), dropped %d tx(s)", n, len(dropped))
	return dropped
}

// dropLocked removes a transaction and, first, all of its descendants.
func (l *MemoryLedger) dropLocked(hash chainhash.Hash) []chainhash.Hash {
	tx, ok := l.txs[hash]
	if !ok {
		return nil
	}
	var dropped []chainhash.Hash
	for _, o := range tx.outputs {
		if child, spent := l.spentBy[o.OutPoint]; spent {
			dropped = append(dropped, l.dropLocked(child)...)
		}
	}
	for _, o := range tx.outputs {
		delete(l.utxos, o.OutPoint)
	}
	for _, op := range tx.inputs {
		delete(l.spentBy, op)
	}
	for i, h := range l.mempool {
		if h == hash {
			l.mempool = append(l.mempool[:i], l.mempool[i+1:]...)
			break
		}
	}
	if tx.height > 0 {
		blk := l.blocks[tx.height-1]
		for i, h := range blk {
			if h == hash {
				l.blocks[tx.height-1] = append(blk[:i], blk[i+1:]...)
				break
			}
		}
	}
	delete(l.txs, hash)
	return append(dropped, hash)
}

// MempoolSize returns the number of unconfirmed transactions.
func (l *MemoryLedger) MempoolSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.mempool)
}

// BlockOf returns the inclusion height of a transaction, 0 if unconfirmed or unknown.
func (l *MemoryLedger) BlockOf(hash chainhash.Hash) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tx, ok := l.txs[hash]; ok {
		return tx.height
	}
	return 0
}

// StartMining mines a block every interval until ctx is done.
func (l *MemoryLedger) StartMining(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.MineBlock()
			}
		}
	}()
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}
