package ctl

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nugget/wacli/internal/buildinfo"
)

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print wactl and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The daemon being down is not an error here.
			server, serverErr := opts.client().Version(cmd.Context())

			out := cmd.OutOrStdout()
			if opts.asJSON {
				v := map[string]any{"client": buildinfo.BuildInfo()}
				if serverErr == nil {
					v["server"] = server
				}
				return writeJSON(out, v)
			}

			if _, err := fmt.Fprintf(out, "client: %s\n", buildinfo.String()); err != nil {
				return err
			}
			if serverErr != nil {
				_, err := fmt.Fprintf(out, "server: unreachable (%v)\n", serverErr)
				return err
			}
			_, err := fmt.Fprintf(out, "server: %s (%s)\n", server["version"], server["git_commit"])
			return err
		},
	}
}
