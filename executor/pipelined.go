package executor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runPipelined builds and submits steps one after another as soon as their
// upstream steps are submitted, and tracks every confirmation in the
// background. The first failure cancels the rest of the attempt.
func (a *attempt) runPipelined(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, step := range a.r.order {
			sub, err := a.start(gctx, step)
			if err != nil {
				return err
			}
			if err := a.submit(gctx, sub); err != nil {
				return err
			}
			g.Go(func() error {
				return a.confirm(gctx, sub)
			})
		}
		return nil
	})

	return g.Wait()
}
