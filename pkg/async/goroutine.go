package async

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pulse/pkg/observability"
)

var logger atomic.Pointer[observability.Logger]

func init() {
	logger.Store(observability.NewLogger(observability.InfoLevel, os.Stderr))
}

// SetLogger replaces the logger used to report task failures and panics
func SetLogger(l *observability.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// SafeGo executes fn in a goroutine with a timeout, panic recovery and
// error logging. Use it instead of a bare `go func()`.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := runRecovered(ctx, taskName, fn); err != nil {
			logger.Load().WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()
}

// Batch processes items on at most workers goroutines, each call bounded by
// timeout. It waits for every item and returns the errors encountered,
// including recovered panics. Items not started before ctx is canceled
// report the context error.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			record(err)
			continue
		}
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := runRecovered(taskCtx, taskName, func(ctx context.Context) error {
				return fn(ctx, item)
			}); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

func runRecovered(ctx context.Context, taskName string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Load().WithFields(map[string]interface{}{
				"task":  taskName,
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in background task")
			err = fmt.Errorf("panic in %s: %v", taskName, r)
		}
	}()
	return fn(ctx)
}
