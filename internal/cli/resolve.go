package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/loyalty-scan/internal/client"
	"github.com/mmeshcher/loyalty-scan/internal/payload"
)

func newResolveCommand(opts *options) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "resolve PAYLOAD",
		Short: "Show which code or business a QR payload refers to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				ctx, cancel := opts.context(cmd.Context())
				defer cancel()

				res, err := client.NewClient(opts.server, opts.token).Resolve(ctx, args[0])
				if err != nil {
					return fmt.Errorf("resolve: %w", err)
				}
				printReference(opts, res.Kind, res.CodeID, res.BusinessID)
				return nil
			}

			p, err := payload.Resolve(args[0])
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			ref := p.Reference()
			printReference(opts, payload.Kind(p), ref.CodeID, ref.BusinessID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "resolve on the server instead of locally")
	return cmd
}

func printReference(opts *options, kind, codeID, businessID string) {
	fmt.Fprintf(opts.stdout, "kind:     %s\n", kind)
	if codeID != "" {
		fmt.Fprintf(opts.stdout, "code:     %s\n", codeID)
	}
	if businessID != "" {
		fmt.Fprintf(opts.stdout, "business: %s\n", businessID)
	}
}
