package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tweetsched/internal/post"
)

func newQueueCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "Manage queued tweets",
	}
	cmd.AddCommand(newQueueListCmd(o), newQueueAddCmd(o), newQueueEditCmd(o), newQueueDeleteCmd(o))
	return cmd
}

func newQueueListCmd(o *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/items"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var items []post.Item
			if err := o.client().do(cmd.Context(), http.MethodGet, path, nil, &items); err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), items, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only items in this status (queued, posting, posted, failed)")
	return cmd
}

type scheduleFlags struct {
	at string
	in time.Duration
}

func (f *scheduleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.at, "at", "", "post no earlier than this RFC3339 time")
	cmd.Flags().DurationVar(&f.in, "in", 0, "post no earlier than this long from now")
}

// resolve returns nil when neither flag is set.
func (f *scheduleFlags) resolve(now time.Time) (*time.Time, error) {
	switch {
	case f.at != "" && f.in != 0:
		return nil, fmt.Errorf("--at and --in are mutually exclusive")
	case f.at != "":
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return nil, fmt.Errorf("--at: %w", err)
		}
		return &t, nil
	case f.in != 0:
		t := now.Add(f.in)
		return &t, nil
	}
	return nil, nil
}

func newQueueAddCmd(o *rootOptions) *cobra.Command {
	var sched scheduleFlags
	var attach []string
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Queue a tweet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := sched.resolve(time.Now())
			if err != nil {
				return err
			}
			req := struct {
				Content      string     `json:"content"`
				ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
				Attachments  []string   `json:"attachments,omitempty"`
			}{ScheduledFor: at}
			if len(args) == 1 {
				req.Content = args[0]
			}
			for _, p := range attach {
				// The daemon reads attachments itself; relative paths would
				// resolve against its working directory.
				abs, err := filepath.Abs(p)
				if err != nil {
					return err
				}
				req.Attachments = append(req.Attachments, abs)
			}
			var it post.Item
			if err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/items", req, &it); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", it.ID)
			return nil
		},
	}
	sched.register(cmd)
	cmd.Flags().StringSliceVar(&attach, "attach", nil, "media file to attach (repeatable, max 4)")
	return cmd
}

func newQueueEditCmd(o *rootOptions) *cobra.Command {
	var sched scheduleFlags
	var content string
	var clearSched bool
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a queued or failed item; a failed item is queued again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := sched.resolve(time.Now())
			if err != nil {
				return err
			}
			if clearSched && at != nil {
				return fmt.Errorf("--clear-schedule conflicts with --at/--in")
			}
			req := struct {
				Content       *string    `json:"content,omitempty"`
				ScheduledFor  *time.Time `json:"scheduledFor,omitempty"`
				ClearSchedule bool       `json:"clearSchedule,omitempty"`
			}{ScheduledFor: at, ClearSchedule: clearSched}
			if cmd.Flags().Changed("content") {
				req.Content = &content
			}
			var it post.Item
			if err := o.client().do(cmd.Context(), http.MethodPatch, "/api/v1/items/"+url.PathEscape(args[0]), req, &it); err != nil {
				return err
			}
			printItems(cmd.OutOrStdout(), []post.Item{it}, time.Now())
			return nil
		},
	}
	sched.register(cmd)
	cmd.Flags().StringVar(&content, "content", "", "new tweet text")
	cmd.Flags().BoolVar(&clearSched, "clear-schedule", false, "drop the scheduled time so the item is due now")
	return cmd
}

func newQueueDeleteCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete an item that is not being posted",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.client().do(cmd.Context(), http.MethodDelete, "/api/v1/items/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func printItems(w io.Writer, items []post.Item, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tDUE\tMEDIA\tCONTENT")
	for _, it := range items {
		due := humanize.RelTime(it.EffectiveTime(), now, "ago", "from now")
		if it.Status == post.StatusPosted && it.PostedAt != nil {
			due = "posted " + humanize.RelTime(*it.PostedAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", it.ID, it.Status, due, len(it.Attachments), preview(it.Content, 48))
		if it.Status == post.StatusFailed && it.Error != "" {
			fmt.Fprintf(tw, "\t\t\t\t! %s\n", preview(it.Error, 64))
		}
	}
	_ = tw.Flush()
}

// preview shortens s to at most n runes on one line.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
