package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/txflow-engine/types"
	"golang.org/x/sync/errgroup"
)

// Launch runs flows with at most workers of them in flight and returns their
// results in input order. A flow that could not be started has a nil result
// and contributes to the joined error.
func Launch(ctx context.Context, e *Executor, flows []*types.Flow, workers int) ([]*types.FlowResult, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]*types.FlowResult, len(flows))
	errs := make([]error, len(flows))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, flow := range flows {
		g.Go(func() error {
			h, err := e.Execute(ctx, flow)
			if err != nil {
				id := "<nil>"
				if flow != nil {
					id = flow.ID
				}
				errs[i] = fmt.Errorf("flow %s: %w", id, err)
				return nil
			}
			<-h.Done()
			results[i] = h.Result()
			return nil
		})
	}
	g.Wait()
	return results, errors.Join(errs...)
}
