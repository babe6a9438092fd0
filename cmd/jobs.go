package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/app"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			status, err := rt.app.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var clearIndex bool
	cmd := &cobra.Command{
		Use:   "purge <job-id>",
		Short: "Delete a job and its URIs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.app.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged job %s\n", args[0])
			if clearIndex {
				if err := rt.app.ClearIndex(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared search index")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearIndex, "clear-index", false, "also empty the search index")
	return cmd
}

func newSubscribersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers",
		Short: "List the available subscribers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Subscriber"})
			for _, name := range rt.app.SubscriberNames() {
				t.AppendRow(table.Row{name})
			}
			t.Render()
			return nil
		},
	}
}

func renderStatus(w io.Writer, status app.JobStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Created", "Base URIs", "Succeeded", "Failed", "Skipped", "Pending", "Total", "Finished"})
	t.AppendRow(table.Row{
		status.Job.ID,
		status.Job.CreatedAt.Format("2006-01-02 15:04:05"),
		len(status.Job.BaseURIs),
		status.Succeeded,
		status.Failed,
		status.Skipped,
		status.Pending,
		status.Total,
		status.Finished,
	})
	t.Render()
}
