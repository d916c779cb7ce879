package auth

import (
	"errors"

	"cargoport/internal/models"
)

// ErrUnauthorized is returned by handlers when the policy denies an action.
var ErrUnauthorized = errors.New("unauthorized")

// Action names a capability checked against an app's space and organization.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionDelete Action = "delete"
)

// Policy decides whether an actor may perform an action on resources that
// belong to a space. Admins bypass scoping entirely; every other actor needs
// space membership and an active parent organization.
type Policy struct{}

// Can reports whether the actor may perform the action within the space.
func (Policy) Can(actor Actor, action Action, space models.Space, org models.Organization) bool {
	if actor.Admin {
		return true
	}
	if !actor.InSpace(space.GUID) {
		return false
	}
	switch action {
	case ActionCreate, ActionRead, ActionDelete:
		return org.Status == models.OrganizationStatusActive
	default:
		return false
	}
}
