package async

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger receives errors and panics from background tasks.
// Defaults to the logrus standard logger.
var Logger logrus.FieldLogger = logrus.StandardLogger()

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "track page view", func(ctx context.Context) error {
//	    return client.post(ctx, "/track-page-view", payload)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, timeout, taskName, fn)
}

func run(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			Logger.WithFields(logrus.Fields{
				"task":  taskName,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("panic in background task")
		}
	}()

	if err := fn(ctx); err != nil {
		Logger.WithField("task", taskName).WithError(err).Warn("background task failed")
	}
}

// Group launches tasks like SafeGo and lets the owner wait for all of them.
// The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn in a tracked goroutine with the same guarantees as SafeGo.
func (g *Group) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(parentCtx, timeout, taskName, fn)
	}()
}

// Wait blocks until every task started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Every runs fn on each tick of interval until ctx is cancelled.
// Each run gets its own timeout; a failing or panicking run does not stop the loop.
func Every(ctx context.Context, interval, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run(ctx, timeout, taskName, fn)
			case <-ctx.Done():
				return
			}
		}
	}()
}
