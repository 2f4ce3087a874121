// Package chainrunner executes a route and its enabled children as a
// single depth-first chain, threading each parent's parsed JSON response
// into its children as template context.
package chainrunner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/getmockd/httpmon/pkg/executor"
	"github.com/getmockd/httpmon/pkg/jsonpath"
	"github.com/getmockd/httpmon/pkg/logging"
	"github.com/getmockd/httpmon/pkg/resultstore"
	"github.com/getmockd/httpmon/pkg/routeconfig"
)

// Runner executes route chains against a shared Executor.
type Runner struct {
	Exec   *executor.Executor
	Logger *slog.Logger
}

// New creates a Runner. A nil logger falls back to a no-op logger.
func New(exec *executor.Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{Exec: exec, Logger: logger}
}

// RunOnce executes route's full chain and returns the single selected
// result record (spec's "selection rule": the first non-ok record in
// tree order, else the last record), with ResponseTimeMS overridden to
// the cumulative wall-clock time of the whole chain.
func (r *Runner) RunOnce(ctx context.Context, route *routeconfig.RouteConfig) *resultstore.ResultRecord {
	results, total := r.runChain(ctx, route, nil, 0)
	selected := selectResult(results)
	if selected == nil {
		return nil
	}
	selected.ResponseTimeMS = roundMS(total)
	return selected
}

// runChain recursively executes route and its enabled children,
// returning every record collected along the way (in pre-order) and the
// cumulative elapsed time.
func (r *Runner) runChain(ctx context.Context, route *routeconfig.RouteConfig, parentJSON any, parentChildrenDelay float64) ([]resultstore.ResultRecord, time.Duration) {
	effectiveDelay := parentChildrenDelay
	if route.DelayBefore != nil {
		effectiveDelay = *route.DelayBefore
	}

	result, responseJSON, hasResponse, elapsed := r.executeWithRetry(ctx, route, parentJSON, effectiveDelay)
	results := []resultstore.ResultRecord{result}
	total := elapsed

	if len(route.Children) == 0 {
		return results, total
	}
	if !hasResponse {
		r.Logger.Debug("skipping children: no response", "route", route.Name)
		return results, total
	}

	for _, child := range route.Children {
		if !child.Enabled {
			continue
		}
		childResults, childElapsed := r.runChain(ctx, child, responseJSON, route.ChildrenDelay)
		results = append(results, childResults...)
		total += childElapsed
	}
	return results, total
}

// executeWithRetry runs route's request, honoring pre_delay and the
// wait_for retry loop, and returns the final result, the parsed response
// JSON, whether a response was ever received, and the elapsed wall-clock
// time (pre-delay, every attempt, and every inter-attempt delay).
func (r *Runner) executeWithRetry(ctx context.Context, route *routeconfig.RouteConfig, parentJSON any, preDelay float64) (resultstore.ResultRecord, any, bool, time.Duration) {
	start := time.Now()

	if preDelay > 0 {
		sleepCancellable(ctx, durationSeconds(preDelay))
	}

	attempts := 1
	var delay time.Duration
	if route.WaitFor != nil {
		if route.WaitFor.Attempts > 0 {
			attempts = route.WaitFor.Attempts
		}
		delay = durationSeconds(route.WaitFor.Delay)
	}

	var lastResult resultstore.ResultRecord
	var lastJSON any
	var hasResponse bool
	waitFailed := false

	maxRetries := attempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	boff := backoff.WithContext(backoff.WithMaxRetries(newFixedBackoff(delay), uint64(maxRetries)), ctx)

	attempt := 0
	_ = backoff.Retry(func() error {
		attempt++
		lastResult, lastJSON, hasResponse = r.Exec.ExecuteOnce(ctx, route, parentJSON)

		if route.WaitFor == nil {
			return nil
		}

		if hasResponse && lastJSON != nil {
			extracted := jsonpath.Extract(route.WaitFor.Path, lastJSON)
			if !jsonpath.IsMissing(extracted) {
				waitFailed = false
				return nil
			}
		}
		waitFailed = true
		if attempt >= attempts {
			return nil
		}
		return fmt.Errorf("wait_for path %s not yet present", route.WaitFor.Path)
	}, boff)

	if route.WaitFor != nil && waitFailed {
		if lastResult.OK {
			lastResult.OK = false
		}
		if lastResult.Error == "" {
			lastResult.Error = fmt.Sprintf("path %s not found after %d attempts", route.WaitFor.Path, attempts)
		}
	}

	elapsed := time.Since(start)
	if route.WaitFor != nil {
		lastResult.ResponseTimeMS = roundMS(elapsed)
	}
	return lastResult, lastJSON, hasResponse, elapsed
}

// selectResult implements the chain's selection rule: the first record
// with ok=false in tree order, else the last record.
func selectResult(results []resultstore.ResultRecord) *resultstore.ResultRecord {
	for i := range results {
		if !results[i].OK {
			r := results[i]
			return &r
		}
	}
	if len(results) == 0 {
		return nil
	}
	r := results[len(results)-1]
	return &r
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// roundMS converts d to milliseconds rounded to two decimal places.
func roundMS(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000*100) / 100
}

// sleepCancellable blocks for d, or until ctx is cancelled, whichever
// comes first.
func sleepCancellable(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// newFixedBackoff returns a constant backoff with no max elapsed time;
// the caller bounds attempts with backoff.WithMaxRetries instead.
func newFixedBackoff(d time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(d)
}
