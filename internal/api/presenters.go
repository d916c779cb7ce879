package api

import (
	"time"

	"cargoport/internal/models"
)

type link struct {
	Href string `json:"href"`
}

// packageResource is the external wire shape of a package. Hash and error
// are null until set; url is omitted while empty.
type packageResource struct {
	GUID      string          `json:"guid"`
	Type      string          `json:"type"`
	Hash      *string         `json:"hash"`
	State     string          `json:"state"`
	Error     *string         `json:"error"`
	URL       string          `json:"url,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Links     map[string]link `json:"_links"`
}

func presentPackage(pkg models.Package) packageResource {
	links := map[string]link{
		"self": {Href: "/v3/packages/" + pkg.GUID},
		"app":  {Href: "/v3/apps/" + pkg.AppGUID},
	}
	if pkg.Type == models.PackageTypeBits {
		links["upload"] = link{Href: "/v3/packages/" + pkg.GUID + "/upload"}
	}
	return packageResource{
		GUID:      pkg.GUID,
		Type:      string(pkg.Type),
		Hash:      pkg.Hash,
		State:     string(pkg.State),
		Error:     pkg.Error,
		URL:       pkg.URL,
		CreatedAt: pkg.CreatedAt,
		Links:     links,
	}
}

type processResource struct {
	GUID      string `json:"guid"`
	Type      string `json:"type"`
	Instances int    `json:"instances"`
}

type appResource struct {
	GUID      string            `json:"guid"`
	Name      string            `json:"name"`
	SpaceGUID string            `json:"space_guid"`
	CreatedAt time.Time         `json:"created_at"`
	Processes []processResource `json:"processes"`
	Links     map[string]link   `json:"_links"`
}

func presentApp(app models.App, processes []models.Process) appResource {
	presented := make([]processResource, 0, len(processes))
	for _, proc := range processes {
		presented = append(presented, processResource{GUID: proc.GUID, Type: proc.Type, Instances: proc.Instances})
	}
	return appResource{
		GUID:      app.GUID,
		Name:      app.Name,
		SpaceGUID: app.SpaceGUID,
		CreatedAt: app.CreatedAt,
		Processes: presented,
		Links: map[string]link{
			"self": {Href: "/v3/apps/" + app.GUID},
		},
	}
}
