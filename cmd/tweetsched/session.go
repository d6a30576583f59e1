package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSessionCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the provider session cookies",
	}

	var fromEnv bool
	set := &cobra.Command{
		Use:   "set [cookie-header]",
		Short: "Store session cookies (argument, stdin or TWEETSCHED_COOKIES)",
		Long: "Store session cookies. The value is a Cookie header string and must carry auth_token and ct0.\n" +
			"Pass it as the argument, pipe it on stdin, or use --from-env.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cookies string
			switch {
			case fromEnv:
				cookies = os.Getenv("TWEETSCHED_COOKIES")
			case len(args) == 1:
				cookies = args[0]
			default:
				b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
				if err != nil {
					return err
				}
				cookies = string(b)
			}
			cookies = strings.TrimSpace(cookies)
			if cookies == "" {
				return fmt.Errorf("no cookies given")
			}
			var resp struct {
				Valid       bool       `json:"valid"`
				ValidatedAt *time.Time `json:"validatedAt"`
			}
			body := map[string]string{"cookies": cookies}
			if err := o.client().do(cmd.Context(), http.MethodPut, "/api/v1/session", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session stored (valid: %t)\n", resp.Valid)
			return nil
		},
	}
	set.Flags().BoolVar(&fromEnv, "from-env", false, "read cookies from TWEETSCHED_COOKIES")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := o.client().do(cmd.Context(), http.MethodDelete, "/api/v1/session", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return nil
		},
	}

	cmd.AddCommand(set, clearCmd)
	return cmd
}
