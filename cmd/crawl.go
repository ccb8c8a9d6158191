package cmd

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/app"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
)

type crawlFlags struct {
	code       string
	pages      string
	from       string
	to         string
	recentDays int
}

// newCrawlCmd creates the 'crawl' subcommand, which downloads one security code's bulletins.
func newCrawlCmd(opts *rootOptions) *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl --code 600519 [--pages 3-7 | --from 2024-01-01 --to 2024-03-31 | --recent-days 30]",
		Short: "Download bulletins for one security code",
		Long: `Downloads every bulletin PDF the exchange lists for a security code within
a page span, a date span, or the most recent days (the default, see
crawler.recent_days). Files already on disk are skipped.

Exit status is 0 when everything succeeded, 2 when the run finished with
failures, and 1 when it could not start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts, flags)
		},
	}
	cmd.Flags().StringVar(&flags.code, "code", "", "six digit security code, e.g. 600519")
	cmd.Flags().StringVar(&flags.pages, "pages", "", "page span START-END, START- or START")
	cmd.Flags().StringVar(&flags.from, "from", "", "first disclosure date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.to, "to", "", "last disclosure date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&flags.recentDays, "recent-days", 0, "crawl the last N days (default crawler.recent_days)")
	_ = cmd.MarkFlagRequired("code")
	cmd.MarkFlagsRequiredTogether("from", "to")
	cmd.MarkFlagsMutuallyExclusive("pages", "from")
	cmd.MarkFlagsMutuallyExclusive("pages", "recent-days")
	cmd.MarkFlagsMutuallyExclusive("from", "recent-days")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *rootOptions, flags *crawlFlags) error {
	code, err := crawler.ValidateSecurityCode(flags.code)
	if err != nil {
		return &exitError{code: crawler.ExitAborted, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, opts.cfg, opts.logger)
	if err != nil {
		return &exitError{code: crawler.ExitAborted, err: fmt.Errorf("initialize application services: %w", err)}
	}
	defer a.Close()

	days := flags.recentDays
	if days == 0 {
		days = opts.cfg.Crawler.RecentDays
	}
	r, err := resolveRange(flags, a.Clock().Now(), days)
	if err != nil {
		return &exitError{code: crawler.ExitAborted, err: err}
	}

	report, runErr := a.Run(ctx, code, r)
	printSummary(cmd.OutOrStdout(), report, a.Store().Dir(code))

	switch exit := report.ExitCode(); {
	case runErr != nil:
		return &exitError{code: crawler.ExitAborted, err: runErr}
	case exit != crawler.ExitOK:
		return &exitError{code: exit, err: errors.New("crawl finished with failures")}
	}
	opts.logger.Info("Crawl command finished.", zap.String("security_code", code))
	return nil
}

// resolveRange picks the crawl bound from flags: pages, then dates, then recent days.
func resolveRange(flags *crawlFlags, now time.Time, recentDays int) (crawler.Range, error) {
	switch {
	case flags.pages != "":
		return parsePages(flags.pages)
	case flags.from != "" || flags.to != "":
		return crawler.DateRange(flags.from, flags.to)
	default:
		return crawler.RecentDays(now, recentDays)
	}
}

// parsePages accepts "3-7", "3-" (through the last page) and "3" (a single page).
func parsePages(s string) (crawler.Range, error) {
	startText, endText, hasDash := strings.Cut(strings.TrimSpace(s), "-")
	start, err := strconv.Atoi(strings.TrimSpace(startText))
	if err != nil {
		return crawler.Range{}, crawler.Errorf(crawler.KindInvalidInput, "parse pages", "invalid start page in %q", s)
	}
	if !hasDash {
		return crawler.PageRange(start, start)
	}
	endText = strings.TrimSpace(endText)
	if endText == "" {
		return crawler.PageRange(start, 0)
	}
	end, err := strconv.Atoi(endText)
	if err != nil || end == 0 {
		return crawler.Range{}, crawler.Errorf(crawler.KindInvalidInput, "parse pages", "invalid end page in %q", s)
	}
	return crawler.PageRange(start, end)
}

// printSummary writes the human readable end-of-run summary.
func printSummary(w io.Writer, report crawler.Report, dir string) {
	counts := report.Counts()
	p := func(format string, args ...any) { _, _ = fmt.Fprintf(w, format, args...) }

	p("Security code %s: %d downloaded, %d skipped, %d failed\n",
		report.SecurityCode, counts.Succeeded, counts.Skipped, counts.Failed)
	p("  Pages processed: %d of %d\n", len(report.PagesProcessed), report.TotalPages)
	if counts.Succeeded > 0 {
		p("  Downloaded: %.1f KB\n", float64(counts.Bytes)/1024)
	}
	if types := report.BulletinTypes(); len(types) > 0 {
		p("  Bulletin types: %s\n", strings.Join(types, ", "))
	}
	for _, pf := range report.PageFailures {
		p("  Page %d failed (%s): %s\n", pf.Page, pf.Kind, pf.Reason)
	}
	for _, o := range report.Outcomes {
		if o.Status == crawler.StatusFailed {
			p("  Failed: %s %s (%s): %s\n", o.Record.Date, o.Record.Title, o.Kind, o.Reason)
		}
	}
	if report.Aborted {
		p("  Aborted: %s\n", report.AbortReason)
	}
	if dir != "" {
		p("  Files: %s\n", dir)
	}
}
