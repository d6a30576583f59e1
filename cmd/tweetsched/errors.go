package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
)

func newErrorsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect and act on the error ledger",
	}
	cmd.AddCommand(
		newErrorsListCmd(o),
		newErrorsStatsCmd(o),
		newErrorsActionCmd(o, "retry", "Retry the item behind an entry now"),
		newErrorsActionCmd(o, "resolve", "Mark an entry resolved without retrying"),
		newRetryConfigCmd(o),
	)
	return cmd
}

func newErrorsListCmd(o *rootOptions) *cobra.Command {
	var (
		item, kind string
		pending    bool
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if item != "" {
				q.Set("item", item)
			}
			if kind != "" {
				q.Set("type", kind)
			}
			if pending {
				q.Set("resolved", "false")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/errors"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var entries []post.ErrorEntry
			if err := o.client().do(cmd.Context(), http.MethodGet, path, nil, &entries); err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "only entries for this item id")
	cmd.Flags().StringVar(&kind, "type", "", "only entries of this kind (network, rate_limit, ...)")
	cmd.Flags().BoolVar(&pending, "pending", false, "only unresolved entries")
	cmd.Flags().IntVar(&limit, "limit", 50, "at most this many entries (0 = all)")
	return cmd
}

func newErrorsStatsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st ledger.Stats
			if err := o.client().do(cmd.Context(), http.MethodGet, "/api/v1/errors/stats", nil, &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "total:          %s\n", humanize.Comma(int64(st.Total)))
			fmt.Fprintf(w, "pending:        %s\n", humanize.Comma(int64(st.Pending)))
			fmt.Fprintf(w, "resolved:       %s\n", humanize.Comma(int64(st.Resolved)))
			fmt.Fprintf(w, "retry success:  %s\n", humanize.Comma(int64(st.RetrySuccess)))
			kinds := make([]string, 0, len(st.ByType))
			for k := range st.ByType {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Fprintf(w, "  %-18s %d\n", k, st.ByType[post.ErrorType(k)])
			}
			return nil
		},
	}
}

func newErrorsActionCmd(o *rootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <entry-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Status string `json:"status"`
			}
			path := "/api/v1/errors/" + url.PathEscape(args[0]) + "/" + action
			if err := o.client().do(cmd.Context(), http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], resp.Status)
			return nil
		},
	}
}

type retryConfigView struct {
	MaxRetries      int              `json:"maxRetries"`
	BaseDelay       string           `json:"baseDelay"`
	MaxDelay        string           `json:"maxDelay"`
	ExponentialBase float64          `json:"exponentialBase"`
	EnableAutoRetry bool             `json:"enableAutoRetry"`
	RetryableErrors []post.ErrorType `json:"retryableErrors"`
}

func newRetryConfigCmd(o *rootOptions) *cobra.Command {
	var (
		maxRetries          int
		baseDelay, maxDelay time.Duration
		expBase             float64
		auto                bool
		kinds               []string
	)
	cmd := &cobra.Command{
		Use:   "retry-config",
		Short: "Show the retry policy, or change it with flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patch := map[string]any{}
			f := cmd.Flags()
			if f.Changed("max-retries") {
				patch["maxRetries"] = maxRetries
			}
			if f.Changed("base-delay") {
				patch["baseDelay"] = baseDelay.String()
			}
			if f.Changed("max-delay") {
				patch["maxDelay"] = maxDelay.String()
			}
			if f.Changed("exponential-base") {
				patch["exponentialBase"] = expBase
			}
			if f.Changed("auto") {
				patch["enableAutoRetry"] = auto
			}
			if f.Changed("retryable") {
				patch["retryableErrors"] = kinds
			}

			var view retryConfigView
			var err error
			if len(patch) == 0 {
				err = o.client().do(cmd.Context(), http.MethodGet, "/api/v1/retry-config", nil, &view)
			} else {
				err = o.client().do(cmd.Context(), http.MethodPatch, "/api/v1/retry-config", patch, &view)
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "max retries:      %d\n", view.MaxRetries)
			fmt.Fprintf(w, "base delay:       %s\n", view.BaseDelay)
			fmt.Fprintf(w, "max delay:        %s\n", view.MaxDelay)
			fmt.Fprintf(w, "exponential base: %g\n", view.ExponentialBase)
			fmt.Fprintf(w, "auto retry:       %t\n", view.EnableAutoRetry)
			fmt.Fprintf(w, "retryable:        %v\n", view.RetryableErrors)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries before an entry is given up on")
	cmd.Flags().DurationVar(&baseDelay, "base-delay", 0, "first retry delay")
	cmd.Flags().DurationVar(&maxDelay, "max-delay", 0, "cap on the retry delay")
	cmd.Flags().Float64Var(&expBase, "exponential-base", 0, "backoff multiplier per retry")
	cmd.Flags().BoolVar(&auto, "auto", true, "retry retryable kinds automatically")
	cmd.Flags().StringSliceVar(&kinds, "retryable", nil, "kinds retried automatically")
	return cmd
}

func printEntries(w io.Writer, entries []post.ErrorEntry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no errors")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tITEM\tKIND\tRETRIES\tWHEN\tSTATE\tMESSAGE")
	for _, e := range entries {
		state := "pending"
		switch {
		case e.Resolved:
			state = "resolved"
			if e.ResolvedBy != "" {
				state += " (" + e.ResolvedBy + ")"
			}
		case e.NextRetryAt != nil:
			state = "retry " + humanize.RelTime(*e.NextRetryAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			e.ID, e.TweetID, e.ErrorType, e.RetryCount, e.MaxRetries,
			humanize.RelTime(e.Timestamp, now, "ago", "from now"), state, preview(e.Message, 60))
	}
	_ = tw.Flush()
}
