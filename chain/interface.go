package chain

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/songzhibin97/txflow-engine/types"
)

// TxStatus is the backend's view of a transaction.
type TxStatus struct {
	Found       bool  // included in a block of the current best chain
	BlockHeight int64 // inclusion height when Found
}

// Backend is the ledger the executor submits to and polls.
type Backend interface {
	// Submit broadcasts a serialized transaction and returns its id.
	Submit(ctx context.Context, rawTx []byte) (chainhash.Hash, error)

	// GetTransaction reports whether the transaction is in a block and at which height.
	GetTransaction(ctx context.Context, hash chainhash.Hash) (TxStatus, error)

	// GetLatestBlockHeight returns the height of the chain head.
	GetLatestBlockHeight(ctx context.Context) (int64, error)

	// GetUTXOs returns the confirmed unspent outputs locked to address.
	GetUTXOs(ctx context.Context, address string) ([]types.Output, error)
}

// BuiltTx is a signed, serialized transaction produced by a Builder.
type BuiltTx struct {
	Hash    chainhash.Hash
	Raw     []byte
	Outputs []types.Output // spendable outputs, in output order
	Inputs  []types.Output // outputs consumed by the transaction
	Fee     int64
}

// Builder turns a resolved request into a signed transaction.
// Implementations must be safe for concurrent use by different flows; within
// one flow run the executor never calls Build concurrently.
type Builder interface {
	Build(ctx context.Context, req *types.TxRequest) (*BuiltTx, error)
}
