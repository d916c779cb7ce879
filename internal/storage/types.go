package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"cargoport/internal/models"
)

var (
	// ErrAppNotFound is returned by mutations that require an existing app
	// row, including transaction-scoped creates whose parent disappeared.
	ErrAppNotFound = errors.New("app not found")
	// ErrPackageNotFound is returned by package updates and deletes when no
	// row matches the guid.
	ErrPackageNotFound = errors.New("package not found")
)

// InvalidRecordError reports a persistence-layer constraint violation. The
// lifecycle handlers translate it into their InvalidPackage failure.
type InvalidRecordError struct {
	Reason string
}

func (e InvalidRecordError) Error() string {
	return e.Reason
}

// CreateOrganizationParams describes a new organization. Status defaults to
// active when empty.
type CreateOrganizationParams struct {
	Name   string
	Status string
}

type CreateSpaceParams struct {
	OrganizationGUID string
	Name             string
}

type CreateAppParams struct {
	SpaceGUID string
	Name      string
}

type CreateProcessParams struct {
	AppGUID   string
	Type      string
	Instances int
}

type CreateServiceBindingParams struct {
	AppGUID        string
	SyslogDrainURL string
}

type CreateDropletParams struct {
	AppGUID     string
	DropletHash string
}

// PackageUpdate carries the mutable package fields; nil fields are left
// untouched.
type PackageUpdate struct {
	State *models.PackageState
	Hash  *string
	Error *string
}

// DropletFilter scopes droplet dataset operations. An empty filter matches
// nothing; bulk operations always act on an explicit scope.
type DropletFilter struct {
	AppGUID string
}

func (f DropletFilter) matches(droplet models.Droplet) bool {
	if strings.TrimSpace(f.AppGUID) == "" {
		return false
	}
	return droplet.AppGUID == f.AppGUID
}

// DropletRef is the two-field projection streamed by DropletRefs.
type DropletRef struct {
	GUID        string
	DropletHash string
}

// AppDrainURLs is one entry of the bulk drain listing: an app row id (the
// pagination cursor), the external guid, and the app's non-empty drain URLs.
type AppDrainURLs struct {
	AppID   int64
	AppGUID string
	URLs    []string
}

// DrainURLBatch is a single page of the bulk drain listing. NextID is the row
// id of the last returned app, suitable as the afterID of the next fetch; it
// repeats afterID when the page is empty.
type DrainURLBatch struct {
	Results []AppDrainURLs
	NextID  int64
}

// validatePackage enforces the package invariants shared by every datastore
// driver: a recognised type, no URL for bits, a URL for docker, and an owning
// app reference.
func validatePackage(pkg models.Package) error {
	if strings.TrimSpace(pkg.AppGUID) == "" {
		return InvalidRecordError{Reason: "app_guid presence"}
	}
	switch pkg.Type {
	case models.PackageTypeBits:
		if pkg.URL != "" {
			return InvalidRecordError{Reason: "url must be blank for bits packages"}
		}
	case models.PackageTypeDocker:
		if strings.TrimSpace(pkg.URL) == "" {
			return InvalidRecordError{Reason: "url presence"}
		}
	default:
		return InvalidRecordError{Reason: fmt.Sprintf("type %q is not valid", string(pkg.Type))}
	}
	return nil
}

type dataset struct {
	Organizations   map[string]models.Organization   `json:"organizations"`
	Spaces          map[string]models.Space          `json:"spaces"`
	Apps            map[string]models.App            `json:"apps"`
	Processes       map[string]models.Process        `json:"processes"`
	ServiceBindings map[string]models.ServiceBinding `json:"serviceBindings"`
	Packages        map[string]models.Package        `json:"packages"`
	Droplets        map[string]models.Droplet        `json:"droplets"`
	NextAppID       int64                            `json:"nextAppId"`
}

func newDataset() dataset {
	return dataset{
		Organizations:   make(map[string]models.Organization),
		Spaces:          make(map[string]models.Space),
		Apps:            make(map[string]models.App),
		Processes:       make(map[string]models.Process),
		ServiceBindings: make(map[string]models.ServiceBinding),
		Packages:        make(map[string]models.Package),
		Droplets:        make(map[string]models.Droplet),
	}
}

// Storage is the JSON-file-backed Repository used for local development and
// tests. A single RWMutex guards the dataset; WithAppLock therefore
// serializes all mutations, which is the strongest admissible behaviour for
// the per-app lock contract.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// Option mutates storage configuration.
type Option func(*Storage)
