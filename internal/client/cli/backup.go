package cli

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/possync/internal/client/backup"
)

// newPutter is an indirection used to facilitate testing.
var newPutter = func(ctx context.Context, cfg backup.S3Config) (backup.Putter, error) {
	return backup.NewS3Client(ctx, cfg)
}

func (r *root) backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Upload a snapshot of the local store to S3",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			return a.Backup(ctx)
		}),
	}
}

// Backup snapshots the local store, unsynced changes included, and uploads
// it to the configured bucket.
func (a *App) Backup(ctx context.Context) error {
	cfg := a.config.Backup
	if cfg.Bucket == "" {
		return backup.ErrNotConfigured
	}
	putter, err := newPutter(ctx, cfg)
	if err != nil {
		return err
	}

	svc := backup.New(a.store.DB(), putter, cfg.Bucket, a.deviceID, filepath.Join(a.dataDir, "snapshots"), a.log).
		WithPassphrase(cfg.Passphrase)
	res, err := svc.Run(ctx, a.store.Now())
	if err != nil {
		return err
	}
	a.printf("Uploaded s3://%s/%s (%d bytes)\n", cfg.Bucket, res.Key, res.Size)
	return nil
}
