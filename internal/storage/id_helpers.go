package storage

import "github.com/google/uuid"

// generateGUID issues the opaque external identifier assigned to every entity
// on creation.
func generateGUID() string {
	return uuid.NewString()
}
