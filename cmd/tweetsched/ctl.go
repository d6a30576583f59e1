package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tweetsched/internal/post"
)

func newStateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the loop state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st post.SchedulerState
			if err := o.client().do(cmd.Context(), http.MethodGet, "/api/v1/state", nil, &st); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
}

func newStartCmd(o *rootOptions) *cobra.Command {
	var interval, window int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the posting loop",
		Long:  "Start the posting loop. Without flags the last saved posting config is reused.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body any
			if cmd.Flags().Changed("interval-hours") || cmd.Flags().Changed("window-minutes") {
				cfg := post.DefaultPostingConfig()
				cfg.Enabled = true
				cfg.IntervalHours = interval
				cfg.RandomWindowMinutes = window
				body = cfg
			}
			var st post.SchedulerState
			if err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/start", body, &st); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
	def := post.DefaultPostingConfig()
	cmd.Flags().IntVar(&interval, "interval-hours", def.IntervalHours, "hours between posts (1-168)")
	cmd.Flags().IntVar(&window, "window-minutes", def.RandomWindowMinutes, "random jitter window in minutes (0-120)")
	return cmd
}

func newTransitionCmd(o *rootOptions, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st post.SchedulerState
			if err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/"+name, nil, &st); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
}

func newConfigCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the posting config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg post.PostingConfig
			if err := o.client().do(cmd.Context(), http.MethodGet, "/api/v1/config", nil, &cfg); err != nil {
				return err
			}
			printPostingConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	var enabled bool
	var interval, window int
	set := &cobra.Command{
		Use:   "set",
		Short: "Update the posting config; a running loop picks it up at the next decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := o.client()
			var cfg post.PostingConfig
			if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/config", nil, &cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("enabled") {
				cfg.Enabled = enabled
			}
			if cmd.Flags().Changed("interval-hours") {
				cfg.IntervalHours = interval
			}
			if cmd.Flags().Changed("window-minutes") {
				cfg.RandomWindowMinutes = window
			}
			if err := c.do(cmd.Context(), http.MethodPut, "/api/v1/config", cfg, &cfg); err != nil {
				return err
			}
			printPostingConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	set.Flags().BoolVar(&enabled, "enabled", true, "enable posting; false stops a running loop")
	set.Flags().IntVar(&interval, "interval-hours", 0, "hours between posts (1-168)")
	set.Flags().IntVar(&window, "window-minutes", 0, "random jitter window in minutes (0-120)")
	cmd.AddCommand(set)
	return cmd
}

func printState(w io.Writer, st post.SchedulerState, now time.Time) {
	status := "stopped"
	switch {
	case st.IsRunning && st.IsPaused:
		status = "paused"
	case st.IsRunning:
		status = "running"
	}
	fmt.Fprintf(w, "status:     %s\n", status)
	fmt.Fprintf(w, "next post:  %s\n", relTime(st.NextPostTime, now))
	fmt.Fprintf(w, "last post:  %s\n", relTime(st.LastPostTime, now))
	fmt.Fprintf(w, "posted:     %s\n", humanize.Comma(int64(st.Stats.TotalPosted)))
	fmt.Fprintf(w, "failed:     %s\n", humanize.Comma(int64(st.Stats.TotalFailed)))
	if st.Stats.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", st.Stats.LastError)
	}
}

func printPostingConfig(w io.Writer, cfg post.PostingConfig) {
	fmt.Fprintf(w, "enabled:        %t\n", cfg.Enabled)
	fmt.Fprintf(w, "interval:       %dh\n", cfg.IntervalHours)
	fmt.Fprintf(w, "random window:  ±%dm\n", cfg.RandomWindowMinutes)
}

// relTime renders t relative to now, "-" when unset.
func relTime(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format(time.DateTime), humanize.RelTime(*t, now, "ago", "from now"))
}
