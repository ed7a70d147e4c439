// Package background implements a request-scoped bounded worker pool:
// BackgroundTaskGroup opens at the start of a request, accepts tasks
// spawned during handling (exposure-event recording, cache priming, ...),
// and is joined before the handler returns, propagating any task error
// (spec.md §5).
package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxConcurrency bounds how many tasks run at once per group.
const defaultMaxConcurrency = 8

// Group is a BackgroundTaskGroup scoped to a single request.
type Group struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
	start  time.Time

	mu   sync.Mutex
	errs []error
}

// New opens a Group with the given maximum concurrency (defaulting to
// defaultMaxConcurrency if n <= 0).
func New(n int, logger *slog.Logger) *Group {
	if n <= 0 {
		n = defaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{sem: make(chan struct{}, n), logger: logger, start: time.Now()}
}

// Go schedules fn to run, blocking only if the group is already at its
// concurrency limit. fn's error, if any, is recorded and surfaces from
// Join.
func (g *Group) Go(ctx context.Context, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	g.sem <- struct{}{}
	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()

		if err := fn(ctx); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

// Join waits for every scheduled task to finish and returns a joined error
// if any task failed. It logs the group's total lifetime at debug level.
func (g *Group) Join(ctx context.Context) error {
	g.wg.Wait()
	g.logger.Debug("background task group joined", "duration", time.Since(g.start))

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.errs) == 0 {
		return nil
	}
	return errors.Join(g.errs...)
}
