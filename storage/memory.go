package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/txflow-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	flows map[string][]byte
	runs  map[uint64]types.RunRecord
	mu    sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		flows: make(map[string][]byte),
		runs:  make(map[uint64]types.RunRecord),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveFlow saves a flow document to memory.
func (s *MemoryStorage) SaveFlow(ctx context.Context, flowID string, doc []byte) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flows[flowID] = append([]byte(nil), doc...)
		return nil
	})
}

// GetFlow retrieves a flow document from memory.
func (s *MemoryStorage) GetFlow(ctx context.Context, flowID string) ([]byte, error) {
	doc, err := getItem(ctx, &s.mu, s.flows, flowID, ErrFlowNotFound)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), doc...), nil
}

// SaveRun saves a run snapshot to memory.
func (s *MemoryStorage) SaveRun(ctx context.Context, rec types.RunRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[rec.RunID] = rec
		return nil
	})
}

// GetRun retrieves a run snapshot from memory.
func (s *MemoryStorage) GetRun(ctx context.Context, runID uint64) (types.RunRecord, error) {
	return getItem(ctx, &s.mu, s.runs, runID, ErrRunNotFound)
}

// ListRuns returns the runs of a flow ordered by creation time.
func (s *MemoryStorage) ListRuns(ctx context.Context, flowID string) ([]types.RunRecord, error) {
	return withContext(ctx, func() ([]types.RunRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.RunRecord
		for _, rec := range s.runs {
			if rec.FlowID == flowID {
				out = append(out, rec)
			}
		}
		sortRuns(out)
		return out, nil
	})
}

// ClearCompleted removes completed or failed runs.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, rec := range s.runs {
			if isFinished(rec) {
				delete(s.runs, id)
			}
		}
		return nil
	})
}

func sortRuns(runs []types.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt < runs[j].CreatedAt
		}
		return runs[i].RunID < runs[j].RunID
	})
}
