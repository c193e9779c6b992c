package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 8

// Start sets the context background runs are bound to. Kick is a no-op until
// Start is called, which keeps request handlers synchronous in tests.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base = ctx
	n := e.Workers
	if n <= 0 {
		n = defaultWorkers
	}
	e.sem = make(chan struct{}, n)
}

// Kick advances the transaction in the background.
func (e *Engine) Kick(id string) {
	e.mu.Lock()
	base, sem := e.base, e.sem
	e.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case sem <- struct{}{}:
		case <-base.Done():
			return
		}
		defer func() { <-sem }()
		if err := e.Advance(base, id); err != nil && !errors.Is(err, context.Canceled) {
			e.logger().Error(base, "advance transaction", zap.String("transaction_id", id), zap.Error(err))
		}
	}()
}

// Wait blocks until every background run has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Resume re-hydrates every transaction that was in flight when the process
// stopped. Transactions parked on approval stay parked.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ids, err := e.Repo.ListResumable(ctx)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	n := e.Workers
	if n <= 0 {
		n = defaultWorkers
	}
	g.SetLimit(n)
	for _, id := range ids {
		g.Go(func() error {
			if err := e.Advance(gctx, id); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				e.logger().Error(gctx, "resume transaction", zap.String("transaction_id", id), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(ids), err
	}
	if len(ids) > 0 {
		e.logger().Info(ctx, "resumed transactions", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Watch runs the approval watchdog and refreshes the state gauge until ctx is done.
func (e *Engine) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if n, err := e.Sweep(ctx); err != nil {
		e.logger().Error(ctx, "approval sweep", zap.Error(err))
	} else if n > 0 {
		e.logger().Info(ctx, "expired overdue approvals", zap.Int("count", n))
	}
	if e.Metrics == nil {
		return
	}
	counts, err := e.Repo.CountByState(ctx)
	if err != nil {
		e.logger().Error(ctx, "count transactions by state", zap.Error(err))
		return
	}
	e.Metrics.SetStateCounts(counts)
}
