// Package reconcile removes capture images that no record references.
//
// A failed persist whose compensating delete also failed leaves a blob behind. The sweep lists
// each namespace, skips blobs younger than the grace period so in-flight submissions are not
// touched, and deletes whatever the history store does not know about.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/woundscan/internal/blobstore"
	"github.com/example/woundscan/internal/logging"
)

var (
	orphansFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woundscan_orphan_blobs_found_total",
			Help: "Blobs found without a referencing capture record",
		},
		[]string{"namespace"},
	)

	orphansDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woundscan_orphan_blobs_deleted_total",
			Help: "Orphan blob deletes by result",
		},
		[]string{"namespace", "result"},
	)
)

// BlobLister lists and deletes blobs.
type BlobLister interface {
	List(ctx context.Context, namespace string, olderThan time.Time) ([]blobstore.BlobInfo, error)
	Delete(ctx context.Context, storageID string) error
}

// ReferenceChecker reports which storage ids are referenced by a record.
type ReferenceChecker interface {
	ExistingStorageIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// Options tunes a sweep.
type Options struct {
	GracePeriod time.Duration
	BatchSize   int
	DryRun      bool
}

// Report summarises the sweep of one namespace.
type Report struct {
	Namespace string
	Scanned   int
	Orphans   []string
	Deleted   int
	Failed    int
}

// Reconciler sweeps blob namespaces for orphans.
type Reconciler struct {
	blobs  BlobLister
	refs   ReferenceChecker
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(blobs BlobLister, refs ReferenceChecker, opts Options, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Reconciler{
		blobs:  blobs,
		refs:   refs,
		opts:   opts,
		logger: logger.Named("reconciler"),
		now:    time.Now,
	}
}

// Sweep reconciles every namespace. A namespace that cannot be listed or checked stops the
// sweep; failed deletes are counted and the sweep continues.
func (r *Reconciler) Sweep(ctx context.Context, namespaces []string) ([]Report, error) {
	reports := make([]Report, 0, len(namespaces))
	for _, ns := range namespaces {
		report, err := r.sweepNamespace(ctx, ns)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *Reconciler) sweepNamespace(ctx context.Context, namespace string) (Report, error) {
	report := Report{Namespace: namespace}
	cutoff := r.now().Add(-r.opts.GracePeriod)

	blobs, err := r.blobs.List(ctx, namespace, cutoff)
	if err != nil {
		return report, logging.NewOperationError("reconcile.list", "", err)
	}
	report.Scanned = len(blobs)

	for start := 0; start < len(blobs); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(blobs))
		ids := make([]string, 0, end-start)
		for _, b := range blobs[start:end] {
			ids = append(ids, b.StorageID)
		}

		referenced, err := r.refs.ExistingStorageIDs(ctx, ids)
		if err != nil {
			return report, logging.NewOperationError("reconcile.check_references", "", err)
		}

		for _, id := range ids {
			if _, ok := referenced[id]; ok {
				continue
			}
			report.Orphans = append(report.Orphans, id)
			orphansFound.WithLabelValues(namespace).Inc()

			if r.opts.DryRun {
				r.logger.Info("orphan blob found", zap.String("namespace", namespace), zap.String("storage_id", id))
				continue
			}
			if err := r.blobs.Delete(ctx, id); err != nil {
				if errors.Is(err, context.Canceled) {
					return report, err
				}
				report.Failed++
				orphansDeleted.WithLabelValues(namespace, "failed").Inc()
				r.logger.Warn("orphan blob delete failed", zap.String("storage_id", id), zap.Error(err))
				continue
			}
			report.Deleted++
			orphansDeleted.WithLabelValues(namespace, "deleted").Inc()
		}
	}

	r.logger.Info("namespace reconciled",
		zap.String("namespace", namespace),
		zap.Int("scanned", report.Scanned),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
		zap.Bool("dry_run", r.opts.DryRun),
	)
	return report, nil
}
