package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "commsgate",
		Short:         "Policy-gated outbound notifications with a durable retry queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "service config file (yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newKillSwitchCommand(opts))
	cmd.AddCommand(newControlsCommand(opts))
	cmd.AddCommand(newSendCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newRateLimitsCommand(opts))

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
