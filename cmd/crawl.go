package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type crawlOptions struct {
	jobID      string
	uris       []string
	noProgress bool
}

// newCrawlCmd creates the 'crawl' subcommand. It creates a job (or resumes
// one by id) and runs a single batch.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured base URIs or resume a job",
		Long: `Creates a crawl job from crawler.base_uris, crawler.additional_uris and
--uri, then crawls until nothing is pending or --max-requests is reached.
Pass --job-id to continue an earlier job.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceP("subscribers", "s", nil, "comma separated subscriber names (default: all)")
	flags.IntP("concurrency", "c", 0, "maximum number of concurrent requests")
	flags.Int64P("delay", "d", 0, "minimum delay between requests in microseconds")
	flags.Int("max-requests", 0, "stop the batch after this many requests (0 is unlimited)")
	flags.Int("max-depth", 0, "ignore links deeper than this level (0 is unlimited)")
	flags.StringVar(&opts.jobID, "job-id", "", "resume an existing job")
	flags.StringArrayVar(&opts.uris, "uri", nil, "additional base URI (repeatable)")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	rt, err := fromContext(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	jobID := opts.jobID
	if jobID == "" {
		job, err := rt.app.CreateJob(ctx, append(rt.cfg.SeedURIs(), opts.uris...))
		if err != nil {
			return err
		}
		jobID = job.ID
		fmt.Fprintf(cmd.OutOrStdout(), "Started job %s\n", jobID)
	} else if len(opts.uris) > 0 {
		return fmt.Errorf("%w: --uri cannot be combined with --job-id", crawler.ErrInvalidConfig)
	}

	run := app.RunOptions{JobID: jobID, Subscribers: rt.cfg.Crawler.Subscribers}
	var bar *progressBar
	if !opts.noProgress {
		bar = newProgressBar(cmd.ErrOrStderr())
		run.Progress = bar.update
	}
	report, crawlErr := rt.app.Crawl(ctx, run)
	if bar != nil {
		bar.stop()
	}

	renderReport(cmd.OutOrStdout(), report)
	if crawlErr != nil {
		if errors.Is(crawlErr, context.Canceled) {
			rt.logger.Warn("Crawl interrupted", zap.String("job_id", jobID))
			fmt.Fprintf(cmd.OutOrStdout(), "Interrupted. Resume with --job-id %s\n", jobID)
			return nil
		}
		return crawlErr
	}
	if !report.Finished {
		fmt.Fprintf(cmd.OutOrStdout(), "%d URIs pending. Resume with --job-id %s\n", report.Pending, jobID)
	}
	return nil
}

func renderReport(w io.Writer, report crawler.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Requests", "Succeeded", "Failed", "Skipped", "Pending", "Total", "Finished"})
	t.AppendRow(table.Row{
		report.JobID,
		report.Requests,
		report.Succeeded,
		report.Failed,
		report.Skipped,
		report.Pending,
		report.Total,
		report.Finished,
	})
	t.Render()
}

// progressBar renders engine progress with a single go-pretty tracker.
type progressBar struct {
	writer  progress.Writer
	tracker *progress.Tracker
	done    chan struct{}
}

func newProgressBar(out io.Writer) *progressBar {
	pw := progress.NewWriter()
	pw.SetOutputWriter(out)
	pw.SetAutoStop(false)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.SetTrackerLength(30)
	pw.SetMessageLength(60)
	pw.Style().Visibility.ETA = false
	pw.Style().Visibility.Percentage = true

	tracker := &progress.Tracker{Message: "Crawling", Total: 1, Units: progress.UnitsDefault}
	pw.AppendTracker(tracker)

	b := &progressBar{writer: pw, tracker: tracker, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		pw.Render()
	}()
	return b
}

func (b *progressBar) update(p crawler.Progress) {
	b.tracker.UpdateTotal(int64(p.Total))
	b.tracker.SetValue(int64(p.Completed))
	b.tracker.UpdateMessage(p.URI)
}

func (b *progressBar) stop() {
	// Stop is a no-op until Render has started.
	for !b.writer.IsRenderInProgress() {
		time.Sleep(5 * time.Millisecond)
	}
	b.tracker.MarkAsDone()
	b.writer.Stop()
	<-b.done
}
