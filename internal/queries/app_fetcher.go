// Package queries holds the read-side services: scoped entity fetching and
// the paginated bulk listings.
package queries

import (
	"cargoport/internal/auth"
	"cargoport/internal/models"
	"cargoport/internal/storage"
)

// AppFetcher resolves apps with their processes under visibility rules.
// Admins see everything; everyone else sees only apps in their own spaces
// whose organization is active. Invisible and absent are indistinguishable.
type AppFetcher struct {
	store storage.Repository
}

func NewAppFetcher(store storage.Repository) AppFetcher {
	return AppFetcher{store: store}
}

// Fetch returns the app and its processes, or false when the app is absent
// or not visible to the actor.
func (f AppFetcher) Fetch(actor auth.Actor, appGUID string) (models.App, []models.Process, bool) {
	app, processes, ok := f.store.AppWithProcesses(appGUID)
	if !ok {
		return models.App{}, nil, false
	}
	if actor.Admin {
		return app, processes, true
	}
	if !actor.InSpace(app.SpaceGUID) {
		return models.App{}, nil, false
	}
	space, ok := f.store.GetSpace(app.SpaceGUID)
	if !ok {
		return models.App{}, nil, false
	}
	org, ok := f.store.GetOrganization(space.OrganizationGUID)
	if !ok || org.Status != models.OrganizationStatusActive {
		return models.App{}, nil, false
	}
	return app, processes, true
}
