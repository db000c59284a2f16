// Package main запускает консольный клиент сервиса погашения QR-кодов.
package main

import (
	"fmt"
	"os"

	"github.com/mmeshcher/loyalty-scan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
