/*
main.go - Application entry point

PURPOSE:
  Starts the khata command line. All configuration, dependency wiring and
  the HTTP server live in package cli.

EXAMPLES:
  # Run the API with a file database
  khata serve --db ./data/khata.db

  # Issue a token for a tenant
  khata token --tenant acme

  # Close February after checking the preview
  khata close-month --tenant acme --month 2025-02
  khata close-month --tenant acme --month 2025-02 --yes

ENVIRONMENT:
  KHATA_* variables and LOG_LEVEL, optionally from a .env file.
  See config/config.go.

GRACEFUL SHUTDOWN:
  SIGINT/SIGTERM cancel the root context; serve stops accepting connections
  and waits up to 30s for active requests.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/transport-ledger/khata/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
