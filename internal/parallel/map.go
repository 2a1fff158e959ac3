// Package parallel fans work out over slices with a concurrency limit.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies f to every element of in, running at most limit calls at
// once. Output order matches input order. The first error cancels the
// context passed to outstanding calls and is returned.
func Map[E, D any](ctx context.Context, limit int, in []E, f func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	out := make([]D, len(in))
	for i, e := range in {
		g.Go(func() error {
			d, err := f(gctx, e)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
