package main

import (
	"errors"

	"github.com/spf13/cobra"

	"commsgate/internal/models"
)

func newKillSwitchCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Inspect or flip the global kill switch",
	}

	var reason, by string
	activate := &cobra.Command{
		Use:   "activate",
		Short: "Block every gated action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return errors.New("--reason is required")
			}
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.plane.ActivateKillSwitch(cmd.Context(), reason, by); err != nil {
				return err
			}
			return printControls(cmd, a)
		},
	}
	activate.Flags().StringVar(&reason, "reason", "", "why the switch is being thrown (required)")
	activate.Flags().StringVar(&by, "by", "cli", "operator name recorded with the activation")

	var deactivatedBy string
	deactivate := &cobra.Command{
		Use:   "deactivate",
		Short: "Clear the kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.plane.DeactivateKillSwitch(cmd.Context(), deactivatedBy); err != nil {
				return err
			}
			return printControls(cmd, a)
		},
	}
	deactivate.Flags().StringVar(&deactivatedBy, "by", "cli", "operator name recorded with the deactivation")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the control record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return printControls(cmd, a)
		},
	}

	cmd.AddCommand(activate, deactivate, status)
	return cmd
}

func newControlsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controls",
		Short: "Manage the operator permission flags",
	}

	var comms, external, write, destructive, jobs bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Update the flags given on the command line",
		Example: `  commsgate controls set --comms=true --external-comms=true
  commsgate controls set --jobs=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var u models.ControlsUpdate
			pick := func(name string, v bool, dst **bool) {
				if flags.Changed(name) {
					b := v
					*dst = &b
				}
			}
			pick("comms", comms, &u.CommsEnabled)
			pick("external-comms", external, &u.ExternalCommsEnabled)
			pick("write", write, &u.WriteEnabled)
			pick("destructive", destructive, &u.DestructiveEnabled)
			pick("jobs", jobs, &u.JobsEnabled)
			if u == (models.ControlsUpdate{}) {
				return errors.New("no flags given")
			}

			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.plane.UpdateControls(cmd.Context(), u); err != nil {
				return err
			}
			return printControls(cmd, a)
		},
	}
	set.Flags().BoolVar(&comms, "comms", false, "comms_enabled")
	set.Flags().BoolVar(&external, "external-comms", false, "external_comms_enabled")
	set.Flags().BoolVar(&write, "write", false, "write_enabled")
	set.Flags().BoolVar(&destructive, "destructive", false, "destructive_enabled")
	set.Flags().BoolVar(&jobs, "jobs", false, "jobs_enabled")

	cmd.AddCommand(set)
	return cmd
}

func printControls(cmd *cobra.Command, a *app) error {
	c, ok := a.plane.Controls(cmd.Context())
	if !ok {
		return errors.New("control record unreadable; reporting fail-safe state")
	}
	return printJSON(cmd.OutOrStdout(), c)
}
