package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/otomanus/internal/registry"
)

// Both commands operate on the store directly and are meant to run while the
// daemon is stopped.

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions not updated within the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = opts.cfg.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			reg, closeFn, err := loadRegistry(cmd, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			removed, err := reg.CleanupOlderThan(cmd.Context(), time.Duration(days)*24*time.Hour)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s) older than %d day(s)\n", removed, days)
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention in days")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print session statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, closeFn, err := loadRegistry(cmd, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Stats())
		},
	}
}

func loadRegistry(cmd *cobra.Command, opts *rootOptions) (*registry.Registry, func(), error) {
	store, _, err := openStore(opts.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	reg := registry.New(store, registry.WithoutReconcile())
	if _, err := reg.Load(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return reg, func() { _ = store.Close() }, nil
}
