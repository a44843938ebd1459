package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/txflow-engine/types"
)

// Errors
var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrRunNotFound  = errors.New("run not found")
)

// Storage persists portable flow documents and the journal of flow runs.
type Storage interface {
	// SaveFlow stores the serialized document of a flow, replacing older versions.
	SaveFlow(ctx context.Context, flowID string, doc []byte) error

	// GetFlow retrieves a flow document by flow ID.
	GetFlow(ctx context.Context, flowID string) ([]byte, error)

	// SaveRun upserts the snapshot of a run.
	SaveRun(ctx context.Context, rec types.RunRecord) error

	// GetRun retrieves a run snapshot by run ID.
	GetRun(ctx context.Context, runID uint64) (types.RunRecord, error)

	// ListRuns returns the runs of a flow, oldest first.
	ListRuns(ctx context.Context, flowID string) ([]types.RunRecord, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func isFinished(rec types.RunRecord) bool {
	return rec.Status == types.StatusCompleted || rec.Status == types.StatusFailed
}
