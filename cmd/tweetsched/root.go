package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:8085"

type rootOptions struct {
	server string
	token  string
}

// client builds an API client from the flags, falling back to
// TWEETSCHED_SERVER and TWEETSCHED_TOKEN.
func (o *rootOptions) client() *client {
	server := strings.TrimSpace(o.server)
	if server == "" {
		server = strings.TrimSpace(os.Getenv("TWEETSCHED_SERVER"))
	}
	if server == "" {
		server = defaultServer
	}
	token := strings.TrimSpace(o.token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("TWEETSCHED_TOKEN"))
	}
	return newClient(server, token)
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "tweetsched",
		Short:         "Queue tweets and post them on a randomized interval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&o.server, "server", "", "control API base URL (env TWEETSCHED_SERVER, default "+defaultServer+")")
	root.PersistentFlags().StringVar(&o.token, "token", "", "control API bearer token (env TWEETSCHED_TOKEN)")

	root.AddCommand(
		newRunCmd(),
		newStateCmd(o),
		newStartCmd(o),
		newTransitionCmd(o, "stop", "Stop the posting loop"),
		newTransitionCmd(o, "pause", "Pause the posting loop"),
		newTransitionCmd(o, "resume", "Resume a paused loop"),
		newConfigCmd(o),
		newQueueCmd(o),
		newSessionCmd(o),
		newErrorsCmd(o),
		newUnitCmd(),
	)
	return root
}
