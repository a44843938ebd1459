package executor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runBatch builds the whole flow on pending outputs, submits every transaction
// back to back in dependency order and then tracks them all in parallel.
func (a *attempt) runBatch(ctx context.Context) error {
	subs := make([]*submission, 0, len(a.r.order))
	for _, step := range a.r.order {
		sub, err := a.start(ctx, step)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	if err := a.checkpoint(ctx); err != nil {
		return err
	}
	for _, sub := range subs {
		if err := a.submit(ctx, sub); err != nil {
			return err
		}
	}
	log.Debugf("Flow %s: submitted batch %v", a.r.flow.ID, hashes(subs))

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			return a.confirm(gctx, sub)
		})
	}
	return g.Wait()
}
