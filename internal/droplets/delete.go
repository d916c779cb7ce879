// Package droplets implements bulk droplet removal: cleanup jobs fan out
// before the rows are destroyed.
package droplets

import (
	"context"
	"fmt"
	"log/slog"

	"cargoport/internal/blobstore"
	"cargoport/internal/jobs"
	"cargoport/internal/observability/metrics"
	"cargoport/internal/storage"
)

// Deleter destroys a filtered droplet dataset. Every droplet seen at scan
// time gets a blob cleanup job before any row is destroyed, so a destroy
// failure can never orphan a blob. Jobs are idempotent; rerunning the delete
// after a partial failure is safe.
type Deleter struct {
	store  storage.Repository
	queue  jobs.Enqueuer
	logger *slog.Logger
}

func NewDeleter(store storage.Repository, queue jobs.Enqueuer, logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deleter{store: store, queue: queue, logger: logger}
}

// DeleteForApp removes all droplets of the app and returns how many rows
// were destroyed. An enqueue failure aborts before anything is destroyed.
func (d *Deleter) DeleteForApp(ctx context.Context, appGUID string) (int, error) {
	filter := storage.DropletFilter{AppGUID: appGUID}
	refs, err := d.store.DropletRefs(filter)
	if err != nil {
		return 0, fmt.Errorf("scan droplets for app %s: %w", appGUID, err)
	}
	for _, ref := range refs {
		job, jobErr := jobs.NewBlobstoreDelete(blobstore.NamespaceDroplets, ref.DropletHash)
		if jobErr != nil {
			return 0, jobErr
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return 0, fmt.Errorf("enqueue droplet cleanup %s: %w", ref.GUID, err)
		}
	}
	destroyed, err := d.store.DestroyDroplets(filter)
	if err != nil {
		return 0, fmt.Errorf("destroy droplets for app %s: %w", appGUID, err)
	}
	metrics.Default().ObserveDropletsDeleted(destroyed)
	d.logger.Info("droplets deleted", "app_guid", appGUID, "count", destroyed, "jobs", len(refs))
	return destroyed, nil
}
