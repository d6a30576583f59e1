package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tweetsched/pkg/systemdmanager"
)

func newUnitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Control the daemon's systemd unit",
	}
	cmd.PersistentFlags().StringVar(&name, "unit", "tweetsched", "systemd unit name")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the unit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := systemdmanager.Open(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer m.Close()
			st, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %s (%s)\n", st.Unit, st.Active, st.SubState)
			if since := st.Since(); !since.IsZero() {
				fmt.Fprintf(w, "since %s (%s)\n", since.Local().Format(time.DateTime), humanize.Time(since))
			}
			return nil
		},
	}
	cmd.AddCommand(status)

	for _, action := range []string{"start", "stop", "restart"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: "Ask systemd to " + action + " the unit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := systemdmanager.Open(cmd.Context(), name)
				if err != nil {
					return err
				}
				defer m.Close()
				switch action {
				case "start":
					err = m.Start(cmd.Context())
				case "stop":
					err = m.Stop(cmd.Context())
				default:
					err = m.Restart(cmd.Context())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: ok\n", action, m.Unit())
				return nil
			},
		})
	}
	return cmd
}
