package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-pipeline/internal/config"
)

// settleAll runs fn for every item in batches of sc.BatchSize. Items within a
// batch run concurrently and one failure never cancels its siblings. The
// batch delay is slept between batches. Every item error is returned joined.
func settleAll[T any](ctx context.Context, items []T, sc config.StageConfig, sleep sleepFunc, fn func(ctx context.Context, item T) error) error {
	size := max(sc.BatchSize, 1)
	errs := make([]error, len(items))

	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: batch cancelled")
		}
		end := min(start+size, len(items))

		var g errgroup.Group
		g.SetLimit(size)
		for i := start; i < end; i++ {
			g.Go(func() error {
				errs[i] = fn(ctx, items[i])
				return nil // settle every item
			})
		}
		_ = g.Wait()

		if end < len(items) {
			if err := sleep(ctx, sc.BatchDelay()); err != nil {
				return eris.Wrap(err, "pipeline: batch delay")
			}
		}
	}
	return errors.Join(errs...)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
