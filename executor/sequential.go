package executor

import "context"

// runSequential confirms every step before the next one is built.
func (a *attempt) runSequential(ctx context.Context) error {
	for _, step := range a.r.order {
		sub, err := a.start(ctx, step)
		if err != nil {
			return err
		}
		if err := a.submit(ctx, sub); err != nil {
			return err
		}
		if err := a.confirm(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}
