// Package app wires the env loader, route config loader, result store,
// chain runner, and scheduler into a runnable monitor process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/getmockd/httpmon/internal/envfile"
	"github.com/getmockd/httpmon/pkg/chainrunner"
	"github.com/getmockd/httpmon/pkg/executor"
	"github.com/getmockd/httpmon/pkg/logging"
	"github.com/getmockd/httpmon/pkg/resultstore"
	"github.com/getmockd/httpmon/pkg/routeconfig"
	"github.com/getmockd/httpmon/pkg/scheduler"
	"github.com/getmockd/httpmon/pkg/tracing"
)

// defaultTZ is the TZ value Run sets when the environment has none,
// matching the original monitor's deployment timezone.
const defaultTZ = "Europe/Moscow"

// Options holds every flag the CLI accepts.
type Options struct {
	ConfigPath    string
	ResultsPath   string
	EnvFiles      []string
	LogLevel      string
	LogFile       string
	OneShot       bool
	TraceExporter string
	OTLPEndpoint  string
}

// Run loads .env files, builds the route tree, and runs the scheduler
// until ctx is cancelled or, in one-shot mode, every worker has run
// once. It returns the process exit code per the
// documented contract: 0 on success (including "nothing to monitor"),
// 1 on .env, config, or build failure.
func Run(ctx context.Context, opts Options) int {
	if _, ok := os.LookupEnv("TZ"); !ok {
		os.Setenv("TZ", defaultTZ)
	}

	for _, path := range opts.EnvFiles {
		if err := envfile.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", path, err)
			return 1
		}
	}

	logger, closeLog, err := buildLogger(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		return 1
	}
	if closeLog != nil {
		defer closeLog()
	}

	routes, err := routeconfig.Load(opts.ConfigPath)
	if err != nil {
		logger.Error("failed to load route configuration", "path", opts.ConfigPath, "error", err)
		return 1
	}

	store := resultstore.New(opts.ResultsPath)
	tracer := buildTracer(opts)
	runner := chainrunner.New(executor.New(logger, tracer), logger)
	sched := scheduler.New(routes, runner, store, logger, opts.OneShot)

	logger.Info("starting monitor", "routes", len(routes), "config", opts.ConfigPath, "results", opts.ResultsPath, "one_shot", opts.OneShot)

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Stop itself bounds the wait for in-flight probes; once it
		// returns, stuck workers are abandoned to process exit rather
		// than blocking shutdown a second time here.
		sched.Stop()
	}

	if err := tracer.Shutdown(context.Background()); err != nil {
		logger.Warn("failed to flush tracer", "error", err)
	}

	logger.Info("monitor stopped")
	return 0
}

// buildTracer wires the tracer to the exporter named by
// --trace-exporter: "stdout" (default) prints spans as JSON to stdout,
// "otlp" ships them to --otlp-endpoint, "none" disables export while
// still generating trace/span IDs for header propagation.
func buildTracer(opts Options) *tracing.Tracer {
	var exporter tracing.Exporter
	switch opts.TraceExporter {
	case "otlp":
		exporter = tracing.NewOTLPExporter(opts.OTLPEndpoint)
	case "none":
		exporter = tracing.NewNoopExporter()
	default:
		exporter = tracing.NewStdoutExporter()
	}
	return tracing.NewTracer("httpmon", tracing.WithExporter(exporter))
}

// buildLogger constructs the process logger per opts using the shared
// logging.Config handler stack, fanning out to both stderr (text) and
// --log-file (JSON) when a log file is given.
func buildLogger(opts Options) (*slog.Logger, func(), error) {
	level := logging.ParseLevel(opts.LogLevel)

	stderrLogger := logging.New(logging.Config{Level: level, Format: logging.FormatText, Output: os.Stderr})
	if opts.LogFile == "" {
		return stderrLogger, nil, nil
	}

	f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	fileLogger := logging.New(logging.Config{Level: level, Format: logging.FormatJSON, Output: f})
	handler := logging.NewMultiHandler(stderrLogger.Handler(), fileLogger.Handler())
	return slog.New(handler), func() { _ = f.Close() }, nil
}
