// Package cli реализует команды scanctl: разбор, погашение, просмотр истории сканирований и подпись токенов.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// Defaults содержит значения флагов, переопределяемые переменными окружения.
type Defaults struct {
	Server      string        `env:"LOYALTY_SERVER" envDefault:"localhost:8080"`
	Token       string        `env:"LOYALTY_TOKEN"`
	HistoryFile string        `env:"LOYALTY_HISTORY_FILE"`
	HistorySize int           `env:"LOYALTY_HISTORY_SIZE" envDefault:"10"`
	Timeout     time.Duration `env:"LOYALTY_TIMEOUT" envDefault:"10s"`
	AuthSecret  string        `env:"AUTH_SECRET"`
}

type options struct {
	server      string
	token       string
	historyFile string
	historySize int
	timeout     time.Duration
	authSecret  string

	stdin  io.Reader
	stdout io.Writer
}

// NewRootCommand собирает дерево команд scanctl.
func NewRootCommand(stdin io.Reader, stdout io.Writer) (*cobra.Command, error) {
	var d Defaults
	if err := env.Parse(&d); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if d.HistoryFile == "" {
		d.HistoryFile = defaultHistoryFile()
	}

	opts := &options{authSecret: d.AuthSecret, stdin: stdin, stdout: stdout}

	root := &cobra.Command{
		Use:           "scanctl",
		Short:         "Redeem loyalty QR codes and inspect scan history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", d.Server, "redemption API address")
	root.PersistentFlags().StringVarP(&opts.token, "token", "t", d.Token, "signed customer token; empty for anonymous use")
	root.PersistentFlags().StringVar(&opts.historyFile, "history-file", d.HistoryFile, "local history database")
	root.PersistentFlags().IntVar(&opts.historySize, "history-size", d.HistorySize, "local history capacity (1-10)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", d.Timeout, "request timeout")

	root.AddCommand(newResolveCommand(opts))
	root.AddCommand(newRedeemCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newTokenCommand(opts))

	return root, nil
}

// Execute запускает scanctl с аргументами процесса.
func Execute() error {
	root, err := NewRootCommand(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	return root.Execute()
}

func (o *options) context(parent context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.timeout)
}

func defaultHistoryFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "scanctl-history.db"
	}
	return filepath.Join(dir, "loyalty-scan", "history.db")
}
