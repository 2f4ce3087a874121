// Command httpmon runs a declarative HTTP route monitor: it loads a
// tree of probes from a config file or directory and checks each one
// on its own interval, writing results to a JSON store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getmockd/httpmon/internal/app"
)

var (
	opts            app.Options
	resultsFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "httpmon",
	Short: "httpmon monitors a tree of HTTP routes on their own schedules",
	Long: `httpmon loads a declarative tree of HTTP probes from a config file or
directory, runs each root route and its children as a chain on its own
interval, and writes the selected result of every chain to a JSON
result store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("results-file") {
			opts.ResultsPath = resultsFileFlag
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		code := app.Run(ctx, opts)
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&opts.ConfigPath, "config", "config/routes", "route config file or directory")
	rootCmd.Flags().StringVar(&opts.ResultsPath, "results-path", "monitoring_results.json", "result store file path")
	rootCmd.Flags().StringVar(&resultsFileFlag, "results-file", "", "alias of --results-path")
	rootCmd.Flags().StringArrayVar(&opts.EnvFiles, "env-file", nil, "load environment variables from a file (repeatable)")
	rootCmd.Flags().StringVar(&opts.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&opts.LogFile, "log-file", "", "additionally write JSON logs to this file")
	rootCmd.Flags().BoolVar(&opts.OneShot, "one-shot", false, "run every worker once and exit")
	rootCmd.Flags().StringVar(&opts.TraceExporter, "trace-exporter", "stdout", "span exporter: stdout, otlp, or none")
	rootCmd.Flags().StringVar(&opts.OTLPEndpoint, "otlp-endpoint", "", "OTLP HTTP endpoint, required when --trace-exporter=otlp")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
