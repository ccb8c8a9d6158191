package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/app"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

// newFailuresCmd creates the 'failures' subcommand, which lists documents whose latest
// ledger entry is a failure so they can be retried by hand.
func newFailuresCmd(opts *rootOptions) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "failures --code 600519",
		Short: "List documents still failing according to the outcome ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			validated, err := crawler.ValidateSecurityCode(code)
			if err != nil {
				return &exitError{code: crawler.ExitAborted, err: err}
			}
			if opts.cfg.DB.DSN == "" {
				return &exitError{code: crawler.ExitAborted, err: errors.New("db.dsn must be set to read the outcome ledger")}
			}

			ctx, cancel := waitContext(cmd.Context())
			defer cancel()
			ledger, err := app.OpenLedger(ctx, opts.cfg)
			if err != nil {
				return &exitError{code: crawler.ExitAborted, err: err}
			}
			defer ledger.Close()

			failures, err := ledger.PendingFailures(ctx, validated)
			if err != nil {
				return &exitError{code: crawler.ExitAborted, err: err}
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%d pending failures for %s\n", len(failures), validated)
			for _, o := range failures {
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", o.Record.Date, o.Kind, o.Record.Title, o.Record.DocumentURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "six digit security code")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

// waitContext bounds ledger queries issued from the CLI.
func waitContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}
