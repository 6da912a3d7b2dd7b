// Command hpccct merges, inspects and converts calling-context tree
// profiles.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hpctoolkit/hpccct/internal/logutil"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var release string

// usageError marks errors caused by how the command was invoked.
type usageError struct {
	err error
}

func (e usageError) Error() string {
	return e.err.Error()
}

func (e usageError) Unwrap() error {
	return e.err
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hpccct:", err)
		os.Exit(exitUsage)
	}
	logutil.ConfigureLogger(logutil.ParseLevel(cfg.LogLevel))

	if cfg.SentryDSN != "" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			Release:     release,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("can't initialize sentry")
		}
	}

	code := execute(cfg, os.Args[1:], os.Stdout, os.Stderr)
	sentry.Flush(5 * time.Second)
	os.Exit(code)
}

// execute runs the command line args and returns the process exit code.
func execute(cfg Config, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(cfg)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}
	var uerr usageError
	if errors.As(err, &uerr) || strings.HasPrefix(err.Error(), "unknown command") {
		fmt.Fprintln(stderr, "hpccct:", err)
		fmt.Fprintln(stderr, "Run 'hpccct --help' for usage.")
		return exitUsage
	}
	sentry.CaptureException(err)
	log.Error().Err(err).Msg("hpccct failed")
	fmt.Fprintln(stderr, "hpccct:", err)
	return exitError
}

func newRootCommand(cfg Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "hpccct",
		Short:         "Merge, inspect and convert calling-context tree profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.AddCommand(
		newMergeCommand(cfg),
		newDumpCommand(cfg),
		newExportCommand(cfg),
	)
	return root
}

// minArgs is cobra.MinimumNArgs reporting a usage error.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// withTimeout applies the configured merge timeout, if any.
func withTimeout(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if cfg.MergeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.MergeTimeout)
}
