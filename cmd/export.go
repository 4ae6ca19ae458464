/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/userdir/apiserver/internal/server"
	"github.com/userdir/apiserver/internal/storage"
)

var (
	exportVerify bool
	exportKeep   int
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Upload a JSON lines snapshot of every user to object storage",
	Long: `Writes every user, edges included, to MinIO or GCS as one JSON document
per line under EXPORT_PREFIX.

	userdir export
	userdir export --verify --keep 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		backend, err := server.OpenBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close() }()

		objects, err := storage.Open(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", objects.Bucket(), err)
		}

		users, err := backend.Repo.List(ctx)
		if err != nil {
			return err
		}

		key := storage.ExportKey(cfg.Storage.ExportPrefix, time.Now())
		size, err := storage.ExportUsers(ctx, objects, key, users)
		if err != nil {
			log.Error("export failed", zap.String("key", key), zap.Error(err))
			return err
		}
		log.Info("users exported",
			zap.String("bucket", objects.Bucket()),
			zap.String("key", key),
			zap.Int("users", len(users)),
			zap.Int64("bytes", size),
		)

		if exportVerify {
			read, err := storage.ReadExport(ctx, objects, key)
			if err != nil {
				return fmt.Errorf("verify export: %w", err)
			}
			if len(read) != len(users) {
				return fmt.Errorf("verify export: wrote %d users, read back %d", len(users), len(read))
			}
		}

		pruned, err := objects.Prune(ctx, storage.SnapshotPrefix(cfg.Storage.ExportPrefix), exportKeep)
		if err != nil {
			return fmt.Errorf("prune old snapshots: %w", err)
		}
		if len(pruned) > 0 {
			log.Info("old snapshots pruned", zap.Strings("keys", pruned))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\n", objects.Bucket(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().BoolVar(&exportVerify, "verify", false, "read the snapshot back and compare the user count")
	exportCmd.Flags().IntVar(&exportKeep, "keep", 0, "keep only the newest N snapshots, 0 keeps all")
}
