package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flitsinc/otomanus/internal/config"
	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/state"
)

var Version = "0.1.0"

type rootOptions struct {
	cfg config.Config

	logLevel string
	pretty   bool
	dataDir  string
	store    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "otomanusd",
		Short:        "otomanus agent session daemon",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (DEBUG|INFO|WARN|ERROR)")
	flags.BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory holding session state")
	flags.StringVar(&opts.store, "store", "", "session store backend (sqlite|file)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCleanupCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))
	return cmd
}

// load reads configuration and lets explicitly set flags win over it.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("pretty") {
		cfg.LogPretty = o.pretty
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = o.dataDir
		cfg.DBPath = ""
		cfg.SessionsDir = ""
	}
	if flags.Changed("store") {
		cfg.StoreBackend = o.store
	}
	if cmd.Name() == "serve" {
		applyServeFlags(cmd, &cfg)
	}
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(cfg.Logging())
	o.cfg = cfg
	return nil
}

func openStore(cfg config.Config) (state.SessionStore, string, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.StoreBackend {
	case config.StoreFile:
		store, err := state.NewOSFileStore(cfg.SessionsDir)
		return store, cfg.SessionsDir, err
	default:
		store, err := state.OpenSQLiteStore(cfg.DBPath)
		return store, cfg.DBPath, err
	}
}
