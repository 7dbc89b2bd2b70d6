package extract

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// pageFunc produces the text of page n (1-based).
type pageFunc func(ctx context.Context, n int) (string, error)

// runPages calls fn for every page with at most poolSize calls in flight.
// Each call gets its own timeout; a page whose call fails or times out is
// left empty and its late result is discarded. Only the cancellation of
// ctx aborts the whole run.
func runPages(ctx context.Context, logger *zap.Logger, pageCount, poolSize int, timeout time.Duration, fn pageFunc) ([]string, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	pages := make([]string, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	for i := range pages {
		n := i + 1
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			text, err := callWithTimeout(gctx, timeout, n, fn)
			if err != nil {
				// The run itself was cancelled: stop everything.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("Page extraction failed", zap.Int("page", n), zap.Error(err))
				return nil
			}
			pages[i] = text
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

// callWithTimeout runs fn in its own goroutine so a backend that ignores
// its context can't hold the slot past the timeout.
func callWithTimeout(ctx context.Context, timeout time.Duration, n int, fn pageFunc) (string, error) {
	if timeout <= 0 {
		return fn(ctx, n)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := fn(callCtx, n)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-callCtx.Done():
		return "", callCtx.Err()
	}
}
