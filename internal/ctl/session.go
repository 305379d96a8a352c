package ctl

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/wacli/internal/api"
	"github.com/nugget/wacli/internal/pairing"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the WhatsApp session is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			switch {
			case st.Ready:
				_, err = fmt.Fprintln(out, "session: ready")
			case st.HasQR:
				_, err = fmt.Fprintln(out, "session: waiting for pairing (run wactl login)")
			default:
				_, err = fmt.Fprintln(out, "session: not ready")
			}
			return err
		},
	}
}

func newLoginCmd(opts *options) *cobra.Command {
	var wait bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Print the pairing QR code for linking the account",
		Long:  "login fetches the current pairing code from the daemon and draws it as a QR code in the terminal. Scan it from WhatsApp > Linked devices. With --wait, login keeps polling and redraws each new code until the session is ready.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()

			if opts.asJSON {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(out, st)
			}
			if !wait {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				_, err = showLogin(out, st, "")
				return err
			}
			return waitForLogin(cmd.Context(), c, out, interval)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "keep polling until the session is ready")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval for --wait")
	return cmd
}

// showLogin prints what the operator needs for st. last is the code
// already on screen; it is not redrawn. Returns the code shown.
func showLogin(w io.Writer, st api.Status, last string) (string, error) {
	if st.Ready {
		_, err := fmt.Fprintln(w, "Already linked; the session is ready.")
		return last, err
	}
	if !st.HasQR || st.QR == nil {
		if last != "" {
			return last, nil
		}
		_, err := fmt.Fprintln(w, "No pairing code yet; the daemon is still starting. Try again shortly.")
		return last, err
	}
	if *st.QR == last {
		return last, nil
	}

	art, err := pairing.Terminal(*st.QR)
	if err != nil {
		return last, err
	}
	_, err = fmt.Fprintf(w, "Scan with WhatsApp > Linked devices:\n%s\n", art)
	return *st.QR, err
}

func waitForLogin(ctx context.Context, c *api.Client, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var shown string
	for {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if shown, err = showLogin(w, st, shown); err != nil {
			return err
		}
		if st.Ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
