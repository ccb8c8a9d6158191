// Package cmd defines and implements the CLI commands for the sse-crawler executable.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/config"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/logging"
)

// rootOptions carries state resolved once by the root command for its subcommands.
type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// exitError asks Execute to exit with a specific status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sse-crawler",
		Short: "Downloads bulletin PDFs disclosed on the Shanghai Stock Exchange.",
		Long: `sse-crawler discovers a listed company's bulletins through the exchange's
paginated disclosure feed and downloads each PDF exactly once, solving the
document server's browser verification challenge when it appears.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before any subcommand: configuration and logging are shared by all of them.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return &exitError{code: crawler.ExitAborted, err: fmt.Errorf("load config: %w", err)}
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Dir:         cfg.Logging.Dir,
			})
			if err != nil {
				return &exitError{code: crawler.ExitAborted, err: fmt.Errorf("init logger: %w", err)}
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); SSE_* environment variables override it")

	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newFailuresCmd(opts))
	return cmd
}

// Execute runs the CLI with os.Args and returns the process exit status.
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return crawler.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && ee.code != crawler.ExitWithFailures {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return crawler.ExitAborted
}
