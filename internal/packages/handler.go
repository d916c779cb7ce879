package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cargoport/internal/auth"
	"cargoport/internal/blobstore"
	"cargoport/internal/jobs"
	"cargoport/internal/models"
	"cargoport/internal/observability/metrics"
	"cargoport/internal/storage"
)

// Handler drives the package lifecycle. Mutations run inside WithAppLock so
// authorization is evaluated under the same lock that guards the write; the
// two queue handles receive the deferred blob work each operation implies.
type Handler struct {
	store   storage.Repository
	policy  auth.Policy
	local   jobs.Enqueuer
	generic jobs.Enqueuer
	logger  *slog.Logger
}

func NewHandler(store storage.Repository, policy auth.Policy, local, generic jobs.Enqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, policy: policy, local: local, generic: generic, logger: logger}
}

// Create persists a new package for the app. The initial state is a pure
// function of the type: bits packages start CREATED and await an upload,
// docker packages are READY from birth. The app is pre-checked before the
// lock, then re-confirmed and authorized inside it.
func (h *Handler) Create(ctx context.Context, actor auth.Actor, msg CreateMessage) (models.Package, error) {
	pkg := models.Package{
		AppGUID: msg.AppGUID,
		State:   models.PackageStateReady,
	}
	if msg.Type != nil {
		pkg.Type = models.PackageType(*msg.Type)
	}
	if msg.URL != nil {
		pkg.URL = *msg.URL
	}
	if pkg.Type == models.PackageTypeBits {
		pkg.State = models.PackageStateCreated
	}

	app, ok := h.store.GetApp(msg.AppGUID)
	if !ok {
		return models.Package{}, storage.ErrAppNotFound
	}
	space, org, err := h.resolveScope(app)
	if err != nil {
		return models.Package{}, err
	}

	err = h.store.WithAppLock(ctx, app.GUID, func(tx storage.AppMutation) error {
		if _, stillThere := tx.App(); !stillThere {
			return storage.ErrAppNotFound
		}
		if !h.policy.Can(actor, auth.ActionCreate, space, org) {
			return auth.ErrUnauthorized
		}
		created, createErr := tx.CreatePackage(pkg)
		if createErr != nil {
			var invalid storage.InvalidRecordError
			if errors.As(createErr, &invalid) {
				return InvalidPackageError{Message: invalid.Reason}
			}
			return createErr
		}
		pkg = created
		return nil
	})
	if err != nil {
		return models.Package{}, err
	}
	metrics.ObservePackageEvent("created")
	h.logger.Info("package created", "package_guid", pkg.GUID, "app_guid", pkg.AppGUID, "type", pkg.Type)
	return pkg, nil
}

// Upload accepts staged bits for a package, moves it to PENDING, and hands
// the ingestion to the local job queue. Authorization deliberately happens
// without an app lock; uploads do not contend with create and delete.
func (h *Handler) Upload(ctx context.Context, actor auth.Actor, msg UploadMessage) (models.Package, error) {
	pkg, ok := h.store.GetPackage(msg.PackageGUID)
	if !ok {
		return models.Package{}, storage.ErrPackageNotFound
	}
	app, ok := h.store.GetApp(pkg.AppGUID)
	if !ok {
		return models.Package{}, storage.ErrAppNotFound
	}
	if pkg.Type != models.PackageTypeBits {
		return models.Package{}, InvalidPackageTypeError{Message: "Package type must be bits."}
	}
	space, org, err := h.resolveScope(app)
	if err != nil {
		return models.Package{}, err
	}
	if !h.policy.Can(actor, auth.ActionCreate, space, org) {
		return models.Package{}, auth.ErrUnauthorized
	}

	pending := models.PackageStatePending
	updated, err := h.store.UpdatePackage(pkg.GUID, storage.PackageUpdate{State: &pending})
	if err != nil {
		return models.Package{}, fmt.Errorf("mark package pending: %w", err)
	}

	job, err := jobs.NewBitsIngest(pkg.GUID, msg.BitsPath)
	if err != nil {
		return models.Package{}, err
	}
	if err := h.local.Enqueue(ctx, job); err != nil {
		return models.Package{}, fmt.Errorf("enqueue bits ingest for package %s: %w", pkg.GUID, err)
	}
	metrics.Default().UploadAccepted()
	h.logger.Info("package upload accepted", "package_guid", pkg.GUID, "bits_path", msg.BitsPath)
	return updated, nil
}

// Delete removes a package. An absent package returns (nil, nil); delete is
// idempotent by absence. The blob cleanup job is enqueued only after the
// destroying transaction commits.
func (h *Handler) Delete(ctx context.Context, actor auth.Actor, guid string) (*models.Package, error) {
	pkg, ok := h.store.GetPackage(guid)
	if !ok {
		return nil, nil
	}
	app, ok := h.store.GetApp(pkg.AppGUID)
	if !ok {
		return nil, storage.ErrAppNotFound
	}
	space, org, err := h.resolveScope(app)
	if err != nil {
		return nil, err
	}

	err = h.store.WithAppLock(ctx, app.GUID, func(tx storage.AppMutation) error {
		if _, stillThere := tx.App(); !stillThere {
			return storage.ErrAppNotFound
		}
		if !h.policy.Can(actor, auth.ActionDelete, space, org) {
			return auth.ErrUnauthorized
		}
		return tx.DeletePackage(pkg.GUID)
	})
	if err != nil {
		return nil, err
	}

	job, err := jobs.NewBlobstoreDelete(blobstore.NamespacePackages, pkg.GUID)
	if err != nil {
		return nil, err
	}
	if err := h.generic.Enqueue(ctx, job); err != nil {
		// The row is gone; a failed enqueue means a possible blob leak,
		// surfaced as an infrastructure error rather than retried here.
		return nil, fmt.Errorf("enqueue blob cleanup for package %s: %w", pkg.GUID, err)
	}
	metrics.ObservePackageEvent("deleted")
	h.logger.Info("package deleted", "package_guid", pkg.GUID, "app_guid", pkg.AppGUID)
	return &pkg, nil
}

// Show resolves a package for reading. An absent package returns (nil, nil).
func (h *Handler) Show(ctx context.Context, actor auth.Actor, guid string) (*models.Package, error) {
	pkg, ok := h.store.GetPackage(guid)
	if !ok {
		return nil, nil
	}
	app, ok := h.store.GetApp(pkg.AppGUID)
	if !ok {
		return nil, storage.ErrAppNotFound
	}
	space, org, err := h.resolveScope(app)
	if err != nil {
		return nil, err
	}
	if !h.policy.Can(actor, auth.ActionRead, space, org) {
		return nil, auth.ErrUnauthorized
	}
	return &pkg, nil
}

func (h *Handler) resolveScope(app models.App) (models.Space, models.Organization, error) {
	space, ok := h.store.GetSpace(app.SpaceGUID)
	if !ok {
		return models.Space{}, models.Organization{}, fmt.Errorf("space %s not found for app %s", app.SpaceGUID, app.GUID)
	}
	org, ok := h.store.GetOrganization(space.OrganizationGUID)
	if !ok {
		return models.Space{}, models.Organization{}, fmt.Errorf("organization %s not found for space %s", space.OrganizationGUID, space.GUID)
	}
	return space, org, nil
}
