// Command reconcile-orphans deletes capture images that no capture record references.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/woundscan/internal/blobstore"
	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/config"
	"github.com/example/woundscan/internal/logging"
	"github.com/example/woundscan/internal/platform"
	"github.com/example/woundscan/internal/reconcile"
	"github.com/example/woundscan/internal/repository"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Report orphans without deleting them")
	interval := flag.Duration("interval", 0, "Repeat the sweep at this interval (0 runs once; defaults to reconcile.interval)")
	grace := flag.Duration("grace-period", 0, "Only consider blobs older than this (defaults to reconcile.grace_period)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "reconcile-orphans")
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := platform.NewLazy(func(ctx context.Context) (*gorm.DB, error) {
		return repository.OpenPostgres(ctx, cfg.Database.Postgres)
	})
	defer db.Close(repository.ClosePostgres) //nolint:errcheck
	repo := repository.NewCaptureRepository(db, logger)

	s3Client, err := blobstore.NewS3Client(ctx, cfg.Blob)
	if err != nil {
		logger.Fatal("failed to create blob client", zap.Error(err))
	}
	blobs := blobstore.NewS3Store(s3Client, cfg.Blob.Bucket, cfg.Blob.PublicBaseURL, logger)

	opts := reconcile.Options{
		GracePeriod: cfg.Reconcile.GracePeriod,
		BatchSize:   cfg.Reconcile.BatchSize,
		DryRun:      *dryRun,
	}
	if *grace > 0 {
		opts.GracePeriod = *grace
	}
	every := cfg.Reconcile.Interval
	if *interval > 0 {
		every = *interval
	}

	namespaces := make([]string, 0, len(capture.Domains()))
	for _, d := range capture.Domains() {
		namespaces = append(namespaces, d.Namespace())
	}

	reconciler := reconcile.NewReconciler(blobs, repo, opts, logger)
	sweep := func() bool {
		if _, err := reconciler.Sweep(ctx, namespaces); err != nil {
			logger.Error("sweep failed", zap.Error(err))
			return false
		}
		return true
	}

	if every <= 0 {
		if !sweep() {
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		sweep()
		select {
		case <-ctx.Done():
			logger.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}
