package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cargoport/internal/blobstore"
	"cargoport/internal/models"
	"cargoport/internal/observability/logging"
	"cargoport/internal/observability/metrics"
	"cargoport/internal/storage"
)

// Executor runs jobs against the repository and the blobstore. The same
// executor backs both the in-process pool and the dedicated worker binary.
type Executor struct {
	Store  storage.Repository
	Blobs  blobstore.Store
	Logger *slog.Logger
	// Metrics defaults to the process-wide recorder when nil.
	Metrics *metrics.Recorder
}

func (e *Executor) recorder() *metrics.Recorder {
	if e.Metrics != nil {
		return e.Metrics
	}
	return metrics.Default()
}

// Execute dispatches a job by kind.
func (e *Executor) Execute(ctx context.Context, job Job) error {
	ctx = logging.ContextWithJobID(ctx, job.GUID)
	rec := e.recorder()
	rec.JobStarted(job.Kind)
	err := e.execute(ctx, job)
	if err != nil {
		rec.JobFailed(job.Kind)
		return err
	}
	rec.JobCompleted(job.Kind)
	return nil
}

func (e *Executor) execute(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindPackageBitsIngest:
		var payload BitsIngestPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Kind, err)
		}
		return e.ingestBits(ctx, payload)
	case KindBlobstoreDelete:
		var payload BlobstoreDeletePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Kind, err)
		}
		rec := e.recorder()
		rec.ObserveBlobAttempt("delete")
		if err := e.Blobs.Delete(ctx, payload.Namespace, payload.Key); err != nil {
			rec.ObserveBlobFailure("delete")
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// ingestBits copies an uploaded archive into the blobstore and settles the
// package record. Any failure marks the package FAILED with the error message
// so clients polling the resource see a terminal state.
func (e *Executor) ingestBits(ctx context.Context, payload BitsIngestPayload) error {
	rec := e.recorder()
	pkg, ok := e.Store.GetPackage(payload.PackageGUID)
	if !ok {
		// The package may have been deleted while the job sat queued;
		// nothing left to settle, but the staged file still goes.
		if err := os.Remove(payload.BitsPath); err != nil && !errors.Is(err, os.ErrNotExist) && e.Logger != nil {
			e.Logger.Warn("failed to remove staged bits", "path", payload.BitsPath, "error", err)
		}
		rec.UploadSettled("abandoned")
		return nil
	}
	file, err := os.Open(payload.BitsPath)
	if err != nil {
		e.failPackage(pkg.GUID, fmt.Sprintf("open uploaded bits: %v", err))
		rec.UploadSettled("failed")
		return fmt.Errorf("open bits %s: %w", payload.BitsPath, err)
	}
	rec.ObserveBlobAttempt("put")
	ref, putErr := e.Blobs.Put(ctx, blobstore.NamespacePackages, pkg.GUID, file)
	file.Close()
	if removeErr := os.Remove(payload.BitsPath); removeErr != nil && e.Logger != nil {
		e.Logger.Warn("failed to remove staged bits", "path", payload.BitsPath, "error", removeErr)
	}
	if putErr != nil {
		rec.ObserveBlobFailure("put")
		e.failPackage(pkg.GUID, fmt.Sprintf("store package bits: %v", putErr))
		rec.UploadSettled("failed")
		return fmt.Errorf("store bits for package %s: %w", pkg.GUID, putErr)
	}
	ready := models.PackageStateReady
	if _, err := e.Store.UpdatePackage(pkg.GUID, storage.PackageUpdate{
		State: &ready,
		Hash:  &ref.Digest,
	}); err != nil {
		rec.UploadSettled("failed")
		return fmt.Errorf("mark package %s ready: %w", pkg.GUID, err)
	}
	rec.UploadSettled("ready")
	if e.Logger != nil {
		e.Logger.Info("package bits ingested", "package_guid", pkg.GUID, "hash", ref.Digest, "size", ref.Size)
	}
	return nil
}

func (e *Executor) failPackage(guid, message string) {
	failed := models.PackageStateFailed
	if _, err := e.Store.UpdatePackage(guid, storage.PackageUpdate{
		State: &failed,
		Error: &message,
	}); err != nil && e.Logger != nil {
		e.Logger.Error("failed to mark package failed", "package_guid", guid, "error", err)
	}
}
