package main

import (
	"github.com/spf13/cobra"
)

// newRateLimitsCommand reads the replicated buckets. The limiter itself is
// in-process, so this is the service's last reported state.
func newRateLimitsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimits",
		Short: "Show the last reported rate-limit window per channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			buckets, err := a.db.ListRateLimitBuckets(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), buckets)
		},
	}
}
