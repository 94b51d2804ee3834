package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the retry queue",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.queue.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}

	var status string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.queue.Jobs(cmd.Context(), status, listLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, processing, completed or failed")
	list.Flags().IntVar(&listLimit, "limit", 50, "maximum jobs to show")

	var dlqLimit int
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-letter records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.queue.DeadLetters(cmd.Context(), dlqLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	dlq.Flags().IntVar(&dlqLimit, "limit", 50, "maximum records to show")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Process due jobs once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.queue.ProcessPendingJobs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d job(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(stats, list, dlq, sweep)
	return cmd
}
