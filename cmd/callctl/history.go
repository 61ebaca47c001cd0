package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/NeoRevolt/byoncall-sdk/internal/history"
	"github.com/NeoRevolt/byoncall-sdk/internal/localstore"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		sync   bool
		search string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the local call history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := localstore.Open(a.cfg.HistoryPath)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()
			ctx := cmd.Context()

			if sync {
				if a.cfg.APIBaseURL == "" {
					return fmt.Errorf("--sync needs --api")
				}
				remote, err := history.NewRESTClient(a.cfg.APIBaseURL, a.cfg.Token, nil).FetchHistory(ctx, limit, 0)
				if err != nil {
					return fmt.Errorf("fetch history: %w", err)
				}
				if err := store.Sync(ctx, remote); err != nil {
					return fmt.Errorf("sync history: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "synced %d calls\n", len(remote))
			}

			var entries []history.Entry
			if search != "" {
				entries, err = store.Search(ctx, search)
			} else {
				entries, err = store.List(ctx, limit)
			}
			if err != nil {
				return err
			}
			return printHistory(cmd, entries)
		},
	}

	cmd.Flags().BoolVar(&sync, "sync", false, "replace the local history with the server's")
	cmd.Flags().StringVar(&search, "search", "", "filter by name or phone number")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of calls")
	return cmd
}

func printHistory(cmd *cobra.Command, entries []history.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no calls")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tDIR\tPEER\tOUTCOME\tDURATION")
	for _, e := range entries {
		dir := "in"
		if e.Outgoing {
			dir = "out"
		}
		peer := e.PeerID
		if e.PeerName != "" {
			peer = e.PeerName + " (" + e.PeerID + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), dir, peer, e.Outcome, e.Duration())
	}
	return w.Flush()
}
