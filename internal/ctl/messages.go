package ctl

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/wacli/internal/api"
)

func newSendCmd(opts *options) *cobra.Command {
	var to, msg string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text message",
		Example: `  wactl send --to 15551234567 --msg "on my way"
  wactl send --to 120363025@g.us --msg "hello group"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := opts.client().Send(cmd.Context(), to, msg)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), api.SendResponse{Success: true, ID: id})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", id)
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient phone number or chat id")
	cmd.Flags().StringVar(&msg, "msg", "", "message text")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("msg")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	var to string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent messages of a chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := opts.client().History(cmd.Context(), to, limit)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				_, err = fmt.Fprintln(out, "no messages")
				return err
			}
			for _, e := range entries {
				ts := time.Unix(e.Timestamp, 0).Format("2006-01-02 15:04")
				if _, err := fmt.Fprintf(out, "%s  %s: %s\n", ts, e.From, e.Body); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "phone number or chat id")
	cmd.Flags().IntVar(&limit, "limit", api.DefaultHistoryLimit, "number of messages")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
