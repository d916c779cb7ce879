package storage

import (
	"context"

	"cargoport/internal/models"
)

// Repository exposes the datastore operations required by the lifecycle
// handlers, the query services, and the job executors. Implementations must
// be safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error

	CreateOrganization(params CreateOrganizationParams) (models.Organization, error)
	GetOrganization(guid string) (models.Organization, bool)

	CreateSpace(params CreateSpaceParams) (models.Space, error)
	GetSpace(guid string) (models.Space, bool)

	CreateApp(params CreateAppParams) (models.App, error)
	GetApp(guid string) (models.App, bool)
	// AppWithProcesses resolves an app and its process list in one call so
	// the app fetcher avoids a second round trip.
	AppWithProcesses(guid string) (models.App, []models.Process, bool)

	CreateProcess(params CreateProcessParams) (models.Process, error)
	CreateServiceBinding(params CreateServiceBindingParams) (models.ServiceBinding, error)

	GetPackage(guid string) (models.Package, bool)
	UpdatePackage(guid string, update PackageUpdate) (models.Package, error)

	// WithAppLock runs fn inside a transaction holding an exclusive lock on
	// the app row. fn receives a transaction-scoped view for re-resolving
	// the app and mutating its packages; any error from fn rolls the
	// transaction back. The lock is released on every exit path.
	WithAppLock(ctx context.Context, appGUID string, fn func(tx AppMutation) error) error

	CreateDroplet(params CreateDropletParams) (models.Droplet, error)
	GetDroplet(guid string) (models.Droplet, bool)
	// DropletRefs streams only the (guid, droplet_hash) pairs matching the
	// filter; full rows are never materialized.
	DropletRefs(filter DropletFilter) ([]DropletRef, error)
	DestroyDroplets(filter DropletFilter) (int, error)

	// SyslogDrainURLBatch returns up to batchSize apps with at least one
	// non-empty drain URL, ordered by app row id ascending, starting after
	// afterID. Apps without drains never consume a slot.
	SyslogDrainURLBatch(batchSize int, afterID int64) (DrainURLBatch, error)
}

// AppMutation is the transaction-scoped view handed to WithAppLock callbacks.
// All operations act inside the surrounding transaction and under the app row
// lock.
type AppMutation interface {
	// App re-reads the locked app inside the transaction. The second return
	// is false when the app no longer exists.
	App() (models.App, bool)
	CreatePackage(pkg models.Package) (models.Package, error)
	DeletePackage(guid string) error
}
