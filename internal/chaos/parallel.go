package chaos

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ScrambleAll scrambles pages concurrently with at most workers
// goroutines. Pages sharing dimensions share one Plan. The result keeps
// page order.
func ScrambleAll(ctx context.Context, pages []Raster, key Key, workers int) ([]Raster, error) {
	return runAll(ctx, pages, key, workers, (*Plan).Scramble)
}

// UnscrambleAll is the parallel inverse of ScrambleAll.
func UnscrambleAll(ctx context.Context, pages []Raster, key Key, workers int) ([]Raster, error) {
	return runAll(ctx, pages, key, workers, (*Plan).Unscramble)
}

type dims struct{ w, h int }

func runAll(ctx context.Context, pages []Raster, key Key, workers int, op func(*Plan, Raster) (Raster, error)) ([]Raster, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	plans := make(map[dims]*Plan)
	for _, page := range pages {
		if err := page.Check(); err != nil {
			return nil, err
		}
		d := dims{page.Width, page.Height}
		if _, ok := plans[d]; ok {
			continue
		}
		p, err := NewPlan(key, d.w, d.h)
		if err != nil {
			return nil, err
		}
		plans[d] = p
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]Raster, len(pages))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, page := range pages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := op(plans[dims{page.Width, page.Height}], page)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
