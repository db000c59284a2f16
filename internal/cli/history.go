package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/loyalty-scan/internal/client"
	"github.com/mmeshcher/loyalty-scan/internal/history"
	"github.com/mmeshcher/loyalty-scan/internal/model"
)

// serverHistory читает историю аутентифицированного клиента, которую ведёт сервис.
type serverHistory struct {
	c *client.Client
}

func (s serverHistory) Append(context.Context, model.RecentScanRecord) error { return nil }

func (s serverHistory) Recent(ctx context.Context, n int) ([]model.RecentScanRecord, error) {
	return s.c.History(ctx, n)
}

func newHistoryCommand(opts *options) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent scans: from the server with a token, from the local store without",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			var src history.Source
			if opts.token != "" {
				src = serverHistory{c: client.NewClient(opts.server, opts.token)}
			} else {
				kv, err := history.OpenSQLite(opts.historyFile)
				if err != nil {
					return err
				}
				defer kv.Close()
				src = history.NewLocal(kv, opts.historySize)
			}

			recs, err := src.Recent(ctx, n)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if len(recs) == 0 {
				fmt.Fprintln(opts.stdout, "no scans yet")
				return nil
			}
			for _, r := range recs {
				fmt.Fprintf(opts.stdout, "%s  %-24s +%d\n", r.ScannedAt.Local().Format(time.DateTime), r.BusinessName, r.PointsEarned)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", history.DefaultLimit, "number of records to show")
	return cmd
}

func appendLocal(ctx context.Context, opts *options, rec model.RecentScanRecord) error {
	kv, err := history.OpenSQLite(opts.historyFile)
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := history.NewLocal(kv, opts.historySize).Append(ctx, rec); err != nil {
		return fmt.Errorf("save local history: %w", err)
	}
	return nil
}
