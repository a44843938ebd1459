package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/songzhibin97/txflow-engine/chain"
	"github.com/songzhibin97/txflow-engine/events"
)

// Status is the outcome of tracking a transaction.
type Status int

const (
	StatusConfirmed Status = iota
	StatusRolledBack
	StatusTimeout
	StatusCancelled
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrTimeout is returned in Result.Err when the depth was not reached in time.
var ErrTimeout = errors.New("confirmation timeout")

// ChainView is the part of the ledger backend the tracker polls.
type ChainView interface {
	GetTransaction(ctx context.Context, hash chainhash.Hash) (chain.TxStatus, error)
	GetLatestBlockHeight(ctx context.Context) (int64, error)
}

// Request describes one transaction to track.
type Request struct {
	FlowID           string
	StepID           string
	TxHash           chainhash.Hash
	MinConfirmations int
	CheckInterval    time.Duration
	Timeout          time.Duration
}

// RollbackEvent is handed to the RollbackHandler when a tracked transaction
// leaves the chain or moves to another height.
type RollbackEvent struct {
	FlowID         string
	StepID         string
	TxHash         chainhash.Hash
	PreviousHeight int64
}

// RollbackHandler decides what happens after a rollback. Returning true keeps
// waiting for the same transaction to be (re-)included; false stops tracking.
type RollbackHandler func(ev RollbackEvent) bool

// Result is the outcome of Track.
type Result struct {
	Status         Status
	BlockHeight    int64 // inclusion height when confirmed
	Depth          int
	PreviousHeight int64 // last known height when rolled back
	Rollbacks      int   // rollbacks observed while tracking
	Err            error
}

// Tracker polls a backend until a transaction reaches the requested depth, is
// rolled back, or the timeout elapses.
type Tracker struct {
	chain     ChainView
	listener  events.Listener
	newTicker func(time.Duration) ticker.Ticker
}

// TrackerOption defines functional options for configuring Tracker.
type TrackerOption func(*Tracker)

// WithTicker replaces the poll ticker factory. Tests use ticker.NewForce.
func WithTicker(f func(time.Duration) ticker.Ticker) TrackerOption {
	return func(t *Tracker) {
		t.newTicker = f
	}
}

// WithListener sets the listener receiving inclusion, depth, confirmation and
// rollback events.
func WithListener(l events.Listener) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.listener = l
		}
	}
}

// NewTracker creates a Tracker polling view.
func NewTracker(view ChainView, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		chain:    view,
		listener: events.NopListener{},
		newTicker: func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track polls until the transaction is confirmed at req.MinConfirmations depth,
// the rollback handler stops tracking, the timeout elapses, ctx is done or
// cancel is closed. Depth is head - inclusion + 1. Cancellation is only observed
// between polls.
func (t *Tracker) Track(ctx context.Context, req Request, cancel <-chan struct{}, onRollback RollbackHandler) Result {
	if req.MinConfirmations < 1 {
		req.MinConfirmations = 1
	}

	deadline := time.NewTimer(req.Timeout)
	defer deadline.Stop()

	tick := t.newTicker(req.CheckInterval)
	tick.Resume()
	defer tick.Stop()

	var (
		lastHeight int64 // 0 while not included
		reported   int   // highest depth reported since the last inclusion
		rollbacks  int
	)

	txEvent := func(height int64, depth int) events.TxEvent {
		return events.TxEvent{
			FlowID: req.FlowID,
			StepID: req.StepID,
			TxHash: req.TxHash,
			Height: height,
			Depth:  depth,
		}
	}

	// rolledBack reports the rollback and returns true if tracking goes on.
	rolledBack := func(prev int64) bool {
		rollbacks++
		log.Infof("Tx %v of step %s/%s rolled back from height %d",
			req.TxHash, req.FlowID, req.StepID, prev)
		t.listener.OnTransactionRolledBack(txEvent(prev, 0))
		lastHeight, reported = 0, 0
		if onRollback == nil {
			return true
		}
		return onRollback(RollbackEvent{
			FlowID:         req.FlowID,
			StepID:         req.StepID,
			TxHash:         req.TxHash,
			PreviousHeight: prev,
		})
	}

	for {
		status, err := t.chain.GetTransaction(ctx, req.TxHash)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				break
			}
			log.Warnf("Failed to query tx %v: %v", req.TxHash, err)

		case !status.Found:
			if lastHeight > 0 {
				prev := lastHeight
				if !rolledBack(prev) {
					return Result{Status: StatusRolledBack, PreviousHeight: prev, Rollbacks: rollbacks}
				}
			}

		default:
			if lastHeight > 0 && status.BlockHeight != lastHeight {
				prev := lastHeight
				if !rolledBack(prev) {
					return Result{Status: StatusRolledBack, PreviousHeight: prev, Rollbacks: rollbacks}
				}
			}
			if lastHeight == 0 {
				lastHeight = status.BlockHeight
				log.Debugf("Tx %v of step %s included at height %d", req.TxHash, req.StepID, lastHeight)
				t.listener.OnTransactionInBlock(txEvent(lastHeight, 0))
			}

			head, err := t.chain.GetLatestBlockHeight(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warnf("Failed to query chain head: %v", err)
				}
				break
			}
			depth := int(head - lastHeight + 1)
			if depth > reported {
				reported = depth
				t.listener.OnConfirmationDepthChanged(txEvent(lastHeight, depth))
			}
			if depth >= req.MinConfirmations {
				t.listener.OnTransactionConfirmed(txEvent(lastHeight, depth))
				return Result{
					Status:      StatusConfirmed,
					BlockHeight: lastHeight,
					Depth:       depth,
					Rollbacks:   rollbacks,
				}
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{Status: StatusTimeout, Rollbacks: rollbacks, Depth: reported,
					Err: fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())}
			}
			return Result{Status: StatusCancelled, Rollbacks: rollbacks, Err: ctx.Err()}
		case <-cancel:
			return Result{Status: StatusCancelled, Rollbacks: rollbacks}
		case <-deadline.C:
			return Result{
				Status:    StatusTimeout,
				Depth:     reported,
				Rollbacks: rollbacks,
				Err: fmt.Errorf("%w: tx %v reached depth %d of %d within %v",
					ErrTimeout, req.TxHash, reported, req.MinConfirmations, req.Timeout),
			}
		case <-tick.Ticks():
		}
	}
}
