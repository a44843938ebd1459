package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/songzhibin97/txflow-engine/types"
)

// DefaultFee is the flat fee used when a request does not name one.
const DefaultFee = 1000

// WireBuilder is a reference Builder producing wire transactions for the
// simulated ledger. Candidate inputs are always spent; confirmed outputs at the
// request's funding address top the transaction up when they are not enough.
// Unlocking scripts only name the signer.
type WireBuilder struct {
	backend Backend
	fee     int64
}

// NewWireBuilder creates a builder that funds transactions from backend UTXOs.
func NewWireBuilder(backend Backend) *WireBuilder {
	return &WireBuilder{backend: backend, fee: DefaultFee}
}

// SetDefaultFee changes the flat fee used for requests without one.
func (b *WireBuilder) SetDefaultFee(fee int64) {
	b.fee = fee
}

// Build implements Builder.
func (b *WireBuilder) Build(ctx context.Context, req *types.TxRequest) (*BuiltTx, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	fee := req.Fee
	if fee == 0 {
		fee = b.fee
	}

	var need int64 = fee
	for _, p := range req.Payments {
		need += p.Amount
	}

	excluded := make(map[wire.OutPoint]bool, len(req.Exclude))
	for _, op := range req.Exclude {
		excluded[op] = true
	}

	var (
		inputs []types.Output
		have   int64
	)
	used := make(map[wire.OutPoint]bool)
	for _, in := range req.Inputs {
		if used[in.OutPoint] {
			continue
		}
		used[in.OutPoint] = true
		inputs = append(inputs, in)
		have += in.Amount
	}

	if have < need || len(inputs) == 0 {
		if req.From == "" {
			return nil, fmt.Errorf("%w: need %d, have %d and no funding address", ErrInsufficientFunds, need, have)
		}
		utxos, err := b.backend.GetUTXOs(ctx, req.From)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch utxos of %s: %w", req.From, err)
		}
		for _, u := range utxos {
			if have >= need && len(inputs) > 0 {
				break
			}
			if used[u.OutPoint] || excluded[u.OutPoint] {
				continue
			}
			used[u.OutPoint] = true
			inputs = append(inputs, u)
			have += u.Amount
		}
	}
	if have < need || len(inputs) == 0 {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, need, have)
	}

	sigScript, err := signerScript(req.Signer)
	if err != nil {
		return nil, err
	}
	msg := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		op := in.OutPoint
		msg.AddTxIn(wire.NewTxIn(&op, sigScript, nil))
	}

	type pending struct {
		addr  string
		value int64
		datum []byte
	}
	var outs []pending
	for _, p := range req.Payments {
		pkScript, err := LockScript(p.Address, p.Datum)
		if err != nil {
			return nil, fmt.Errorf("payment to %q: %w", p.Address, err)
		}
		msg.AddTxOut(wire.NewTxOut(p.Amount, pkScript))
		outs = append(outs, pending{p.Address, p.Amount, p.Datum})
	}

	if change := have - need; change > 0 {
		changeAddr := req.ChangeAddress
		if changeAddr == "" {
			changeAddr = req.From
		}
		if changeAddr == "" && len(inputs) > 0 {
			changeAddr = inputs[0].Address
		}
		pkScript, err := LockScript(changeAddr, nil)
		if err != nil {
			return nil, fmt.Errorf("change output: %w", err)
		}
		msg.AddTxOut(wire.NewTxOut(change, pkScript))
		outs = append(outs, pending{changeAddr, change, nil})
	}

	commitment, err := commitmentScript(req)
	if err != nil {
		return nil, fmt.Errorf("metadata commitment: %w", err)
	}
	if commitment != nil {
		msg.AddTxOut(wire.NewTxOut(0, commitment))
	}

	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize tx: %w", err)
	}

	hash := msg.TxHash()
	built := &BuiltTx{
		Hash:   hash,
		Raw:    buf.Bytes(),
		Inputs: inputs,
		Fee:    fee,
	}
	for i, o := range outs {
		built.Outputs = append(built.Outputs, types.Output{
			OutPoint: wire.OutPoint{Hash: hash, Index: uint32(i)},
			Address:  o.addr,
			Amount:   o.value,
			Datum:    o.datum,
		})
	}
	return built, nil
}
