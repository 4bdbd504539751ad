package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/chronicle/internal/backup"
	"github.com/scrypster/chronicle/internal/config"
)

func newBackupCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, list, prune and restore the SQLite store",
	}

	cmd.AddCommand(
		newBackupCreateCmd(opts),
		newBackupListCmd(opts),
		newBackupPruneCmd(opts),
		newBackupRestoreCmd(opts),
	)

	return cmd
}

// sqlitePaths returns the database file and backup directory for cfg.
func sqlitePaths(cfg *config.Config) (dbPath, dir string, err error) {
	if cfg.Storage.Engine != "sqlite" {
		return "", "", errors.New("backups are only supported for the sqlite storage engine")
	}
	dir = cfg.Backup.Dir
	if dir == "" {
		dir = filepath.Join(cfg.Storage.DataPath, "backups")
	}
	return filepath.Join(cfg.Storage.DataPath, sqliteFileName), dir, nil
}

func retentionPolicy(cfg *config.Config) backup.Policy {
	return backup.Policy{
		Hourly:  cfg.Backup.Hourly,
		Daily:   cfg.Backup.Daily,
		Weekly:  cfg.Backup.Weekly,
		Monthly: cfg.Backup.Monthly,
	}
}

func newBackupCreateCmd(opts *globalOptions) *cobra.Command {
	var noPrune bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Take a verified snapshot (safe while the server runs)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			dbPath, dir, err := sqlitePaths(cfg)
			if err != nil {
				return err
			}

			now := time.Now()
			info, err := backup.Snapshot(cmd.Context(), dbPath, dir, now)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s (%d bytes)\n", info.Path, info.Size)

			if noPrune {
				return nil
			}
			removed, err := backup.Prune(dir, retentionPolicy(cfg), now)
			if len(removed) > 0 {
				fmt.Fprintf(out, "Pruned %d old snapshots\n", len(removed))
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&noPrune, "no-prune", false, "Keep every existing snapshot")

	return cmd
}

func newBackupListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			_, dir, err := sqlitePaths(cfg)
			if err != nil {
				return err
			}

			snapshots, err := backup.List(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snapshots) == 0 {
				fmt.Fprintln(out, "No backups found.")
				return nil
			}
			for _, s := range snapshots {
				fmt.Fprintf(out, "%s  %s  %d bytes\n", s.Taken.Format(time.RFC3339), s.Path, s.Size)
			}
			return nil
		},
	}
}

func newBackupPruneCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots outside the retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			_, dir, err := sqlitePaths(cfg)
			if err != nil {
				return err
			}

			removed, err := backup.Prune(dir, retentionPolicy(cfg), time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d snapshots\n", len(removed))
			return err
		},
	}
}

func newBackupRestoreCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot.db>",
		Short: "Replace the store with a snapshot",
		Long:  "Stop the server first. The current database is kept until the restored copy verifies.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			dbPath, _, err := sqlitePaths(cfg)
			if err != nil {
				return err
			}

			if err := backup.Restore(cmd.Context(), args[0], dbPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", dbPath, args[0])
			return nil
		},
	}
}
