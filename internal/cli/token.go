package cli

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mmeshcher/loyalty-scan/internal/middleware"
)

func newTokenCommand(opts *options) *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "token CUSTOMER_ID",
		Short: "Sign a customer token with the server secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("token: secret is required")
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("token: parse customer id: %w", err)
			}
			fmt.Fprintln(opts.stdout, middleware.NewAuthMiddleware(secret).Token(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", opts.authSecret, "server auth secret")
	return cmd
}
