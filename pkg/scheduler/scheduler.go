// Package scheduler runs one worker goroutine per enabled root route,
// invoking the chain runner on a fixed interval until cancelled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getmockd/httpmon/pkg/chainrunner"
	"github.com/getmockd/httpmon/pkg/logging"
	"github.com/getmockd/httpmon/pkg/resultstore"
	"github.com/getmockd/httpmon/pkg/routeconfig"
)

// shutdownTimeout bounds how long Stop waits for in-flight probes to
// finish before returning anyway.
const shutdownTimeout = 5 * time.Second

// Scheduler runs every enabled root route's probe loop concurrently.
type Scheduler struct {
	routes  []*routeconfig.RouteConfig
	runner  *chainrunner.Runner
	store   *resultstore.Store
	logger  *slog.Logger
	oneShot bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler over routes, writing every probe's selected
// result to store. A nil logger falls back to a no-op logger.
func New(routes []*routeconfig.RouteConfig, runner *chainrunner.Runner, store *resultstore.Store, logger *slog.Logger, oneShot bool) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler{routes: routes, runner: runner, store: store, logger: logger, oneShot: oneShot}
}

// Run starts one worker per enabled root route and blocks until ctx is
// cancelled (or, in one-shot mode, until every worker has run once).
func (s *Scheduler) Run(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	enabled := 0
	for _, route := range s.routes {
		if !route.Enabled {
			continue
		}
		enabled++
		s.wg.Add(1)
		go s.worker(workerCtx, route)
	}
	if enabled == 0 {
		s.logger.Warn("no enabled routes, scheduler has nothing to run")
	}

	s.wg.Wait()
}

// Stop cancels every worker and waits up to shutdownTimeout for them to
// finish their in-flight probe.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("timed out waiting for workers to stop")
	}
}

func (s *Scheduler) worker(ctx context.Context, route *routeconfig.RouteConfig) {
	defer s.wg.Done()

	workerID := uuid.NewString()
	logger := s.logger.With("route", route.Name, "worker_id", workerID)
	interval := time.Duration(maxFloat(route.Interval, 1.0) * float64(time.Second))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.runOnceGuarded(ctx, route, logger)

		if s.oneShot {
			return
		}

		if !sleepCancellable(ctx, interval) {
			return
		}
	}
}

// runOnceGuarded recovers from a panic in a single probe cycle, logs it,
// and lets the worker continue on its next tick instead of exiting.
func (s *Scheduler) runOnceGuarded(ctx context.Context, route *routeconfig.RouteConfig, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("probe worker recovered from panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	result := s.runner.RunOnce(ctx, route)
	if result == nil {
		return
	}
	if err := s.store.WriteResult(route.Name, *result); err != nil {
		logger.Error("failed to write result", "error", err)
	}
}

// sleepCancellable blocks for d or until ctx is cancelled, returning
// false if cancellation won.
func sleepCancellable(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
