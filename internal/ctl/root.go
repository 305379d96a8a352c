// Package ctl implements wactl, the operator CLI for a running wacli
// daemon. Every command is a thin call to the daemon's control plane.
package ctl

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/wacli/internal/api"
)

// options are the persistent flags shared by every command.
type options struct {
	server string
	asJSON bool
}

func (o *options) client() *api.Client {
	return api.NewClient(o.server)
}

// Execute runs wactl with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the wactl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "wactl",
		Short:         "Control a running wacli bridge",
		Long:          "wactl talks to the wacli control plane: check session status, link the account, send messages and read chat history.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", api.DefaultServerURL, "control plane URL")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of text")

	root.AddCommand(
		newStatusCmd(opts),
		newLoginCmd(opts),
		newSendCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
