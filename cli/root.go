// Package cli implements the khata command line: the API server plus
// admin commands that work directly on the ledger database.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/transport-ledger/khata/config"
	"github.com/transport-ledger/khata/logging"
	"github.com/transport-ledger/khata/store/sqlite"
)

const defaultConfigPath = "khata.toml"

// app carries state shared by every subcommand after the root pre-run.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

// Execute runs the command tree with args taken from os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "khata",
		Short: "Transport ledger period engine",
		Long: `khata keeps Jama/Udhar ledgers for transport businesses.
Months are closed one at a time, oldest first; a closed month's totals are
frozen and its records can no longer change.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "Path to TOML config file")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(
		newServeCmd(a),
		newActiveMonthCmd(a),
		newCloseMonthCmd(a),
		newSummaryCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.Setup(cmd.ErrOrStderr(), cfg.Log.Level)
	return nil
}

// openStore opens the configured database, creating its directory.
func (a *app) openStore() (*sqlite.Store, error) {
	path := a.cfg.Database.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return sqlite.New(path)
}
