package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mmeshcher/loyalty-scan/internal/client"
	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/payload"
	"github.com/mmeshcher/loyalty-scan/internal/service"
)

// readerCapture читает содержимое QR-кода из потока, например из вывода сканера, переданного в stdin.
type readerCapture struct {
	r io.Reader
}

var _ service.Capture = readerCapture{}

func (c readerCapture) Capture(_ context.Context) (string, error) {
	data, err := io.ReadAll(io.LimitReader(c.r, payload.MaxLength+1))
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return "", fmt.Errorf("%w: %w", model.ErrPermissionDenied, err)
		}
		return "", fmt.Errorf("read payload: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newRedeemCommand(opts *options) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "redeem [PAYLOAD]",
		Short: "Redeem a QR payload; reads it from stdin when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()

			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				var err error
				if raw, err = (readerCapture{r: opts.stdin}).Capture(ctx); err != nil {
					return err
				}
			}

			if key == "" {
				key = uuid.NewString()
			}

			res, _, err := client.NewClient(opts.server, opts.token).Redeem(ctx, raw, key)
			if err != nil {
				return fmt.Errorf("redeem: %w", err)
			}

			if res.State != string(service.StateSucceeded) {
				return fmt.Errorf("redemption failed: %s", res.Reason)
			}

			fmt.Fprintf(opts.stdout, "%s: +%d points", res.BusinessName, res.PointsAwarded)
			if res.DiscountApplied != nil {
				fmt.Fprintf(opts.stdout, ", %d%% discount", *res.DiscountApplied)
			}
			if res.Balance != nil {
				fmt.Fprintf(opts.stdout, " (balance %d)", *res.Balance)
			}
			if res.Replayed {
				fmt.Fprint(opts.stdout, " [already recorded]")
			}
			fmt.Fprintln(opts.stdout)

			// Серверная история аутентифицированного клиента ведётся сервисом.
			if opts.token != "" || res.Replayed {
				return nil
			}
			return appendLocal(ctx, opts, model.RecentScanRecord{
				BusinessName: res.BusinessName,
				PointsEarned: res.PointsAwarded,
				ScannedAt:    scannedAt(res.ScannedAt),
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "idempotency key; a random one is used when empty")
	return cmd
}

func scannedAt(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
