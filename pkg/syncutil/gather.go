package syncutil

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// GatherAllOrNothing runs every task concurrently. If any task returns
// an error, ctx passed to the remaining tasks is cancelled and every
// task is awaited before the first error is returned -- the
// "gather-all-or-nothing" joiner of spec §5 and §4.7 ("if one raises,
// the others are cancelled and the exception propagates"), built
// directly on golang.org/x/sync/errgroup.Group, which already
// implements exactly this behavior.
func GatherAllOrNothing(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		group.Go(func() error { return task(groupCtx) })
	}
	return group.Wait()
}
