// Package models defines the core entities managed by the Cargoport control
// plane: organizations, spaces, apps, and the packages and droplets attached
// to them.
package models

import "time"

// PackageType discriminates between packages that carry uploaded bits and
// packages that reference an external docker image.
type PackageType string

const (
	PackageTypeBits   PackageType = "bits"
	PackageTypeDocker PackageType = "docker"
)

// PackageTypes lists the recognised package types in validation-message order.
var PackageTypes = []PackageType{PackageTypeBits, PackageTypeDocker}

// PackageState tracks a package through its upload lifecycle. Docker packages
// are born READY and never leave that state.
type PackageState string

const (
	PackageStateCreated PackageState = "CREATED"
	PackageStatePending PackageState = "PENDING"
	PackageStateReady   PackageState = "READY"
	PackageStateFailed  PackageState = "FAILED"
)

const (
	OrganizationStatusActive    = "active"
	OrganizationStatusSuspended = "suspended"
)

// Organization is the top-level tenancy boundary. Apps inside suspended
// organizations are invisible to everyone except platform admins.
type Organization struct {
	GUID      string    `json:"guid"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Space scopes apps within an organization; capability checks resolve up to
// the space before consulting policy.
type Space struct {
	GUID             string    `json:"guid"`
	OrganizationGUID string    `json:"organizationGuid"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"createdAt"`
}

// App owns packages, droplets, processes, and service bindings. ID is the
// datastore row key and doubles as the keyset-pagination cursor for bulk
// listings; GUID is the external identifier.
type App struct {
	ID        int64     `json:"id"`
	GUID      string    `json:"guid"`
	SpaceGUID string    `json:"spaceGuid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Process describes a runnable unit of an app. The app fetcher loads
// processes alongside the app in a single repository call.
type Process struct {
	GUID      string    `json:"guid"`
	AppGUID   string    `json:"appGuid"`
	Type      string    `json:"type"`
	Instances int       `json:"instances"`
	CreatedAt time.Time `json:"createdAt"`
}

// ServiceBinding ties an app to a service instance. Only the syslog drain URL
// matters to this control plane; bindings without one are skipped by the bulk
// drain listing.
type ServiceBinding struct {
	GUID           string    `json:"guid"`
	AppGUID        string    `json:"appGuid"`
	SyslogDrainURL string    `json:"syslogDrainUrl"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Package is a unit of deployable code (bits) or a reference to an external
// image (docker). Hash and Error stay nil until the ingest job sets them.
// Invariants: bits packages never carry a URL, docker packages always do and
// are READY from creation.
type Package struct {
	GUID      string       `json:"guid"`
	AppGUID   string       `json:"appGuid"`
	Type      PackageType  `json:"type"`
	URL       string       `json:"url,omitempty"`
	State     PackageState `json:"state"`
	Hash      *string      `json:"hash"`
	Error     *string      `json:"error"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Droplet is a staged, runnable build artifact. The blob payload lives in the
// blobstore keyed by DropletHash; the row here is metadata only.
type Droplet struct {
	GUID        string    `json:"guid"`
	AppGUID     string    `json:"appGuid"`
	DropletHash string    `json:"dropletHash"`
	CreatedAt   time.Time `json:"createdAt"`
}
