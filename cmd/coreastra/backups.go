package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"coreastra/internal/audit"
	"coreastra/internal/backup"
	"coreastra/internal/config"

	"github.com/spf13/cobra"
)

// openBackups opens the store and a backup manager indexed by it. The
// returned func flushes pending audit entries and closes the store.
func openBackups(cfg *config.Config) (*backup.Manager, func(), error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	bcfg := backup.Config{
		Root:      cfg.Backup.Root,
		MaxSizeMB: cfg.Backup.MaxSizeMB,
		Index:     st,
		Logger:    logger,
	}
	var al *audit.Logger
	if cfg.Audit.Enabled {
		al = audit.New(audit.Config{Store: st, Logger: logger})
		bcfg.Audit = al
	}
	closeAll := func() {
		if al != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			al.Close(ctx)
		}
		st.Close()
	}
	m, err := backup.NewManager(bcfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return m, closeAll, nil
}

func backupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List, restore and prune pre-execution backups",
	}
	cmd.AddCommand(backupsListCmd(), backupsRestoreCmd(), backupsPruneCmd())
	return cmd
}

func backupsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			m, closeAll, err := openBackups(cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			records, err := m.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tSIZE\tRESTORED\tORIGINAL\tBACKUP")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", r.CreatedAt.Local().Format(time.DateTime), humanSize(r.SizeBytes), r.Restored, r.OriginalPath, r.BackupPath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum records")
	return cmd
}

func backupsRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [backup-path] [original-path]",
		Short: "Restore a backup over its original path",
		Long: `Copies the backup back to the original path. Whatever currently exists
there is first saved as a pre-restore backup.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			m, closeAll, err := openBackups(cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			safety, err := m.Restore(cmd.Context(), config.ExpandPath(args[0]), config.ExpandPath(args[1]))
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s -> %s\n", args[0], args[1])
			for _, r := range safety {
				fmt.Fprintf(cmd.OutOrStdout(), "  previous content saved to %s (%s)\n", r.BackupPath, humanSize(r.SizeBytes))
			}
			return nil
		},
	}
	return cmd
}

func backupsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backup sets older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			m, closeAll, err := openBackups(cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			n, err := m.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup set(s) older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of sets to delete")
	return cmd
}
