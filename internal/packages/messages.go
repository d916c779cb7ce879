// Package packages implements the package lifecycle: create, upload, delete,
// and show. Handlers validate nothing themselves; they receive typed messages
// whose Validate has already been consulted at the transport boundary.
package packages

import "cargoport/internal/models"

// CreateMessage carries a package creation request. Type and URL are pointers
// so validation can tell an absent field from an empty one.
type CreateMessage struct {
	AppGUID string
	Type    *string
	URL     *string
}

// Validate runs every check and aggregates the failures; callers get the
// full list of violations, never just the first.
func (m CreateMessage) Validate() []string {
	var errs []string
	if msg := m.validateTypeField(); msg != "" {
		errs = append(errs, msg)
	}
	if msg := m.validateURL(); msg != "" {
		errs = append(errs, msg)
	}
	return errs
}

func (m CreateMessage) validateTypeField() string {
	if m.Type == nil {
		return "The type field is required"
	}
	switch models.PackageType(*m.Type) {
	case models.PackageTypeBits, models.PackageTypeDocker:
		return ""
	default:
		return "The type field needs to be one of 'bits, docker'"
	}
}

func (m CreateMessage) validateURL() string {
	if m.Type == nil {
		return ""
	}
	if models.PackageType(*m.Type) == models.PackageTypeBits && m.URL != nil {
		return "The url field cannot be provided when type is bits."
	}
	if models.PackageType(*m.Type) == models.PackageTypeDocker && m.URL == nil {
		return "The url field must be provided for type docker."
	}
	return ""
}

// UploadMessage carries an upload request: the target package and the staged
// archive location on local disk.
type UploadMessage struct {
	PackageGUID string
	BitsPath    string
}

// Validate fails only when no archive was supplied.
func (m UploadMessage) Validate() []string {
	if m.BitsPath == "" {
		return []string{"An application zip file must be uploaded."}
	}
	return nil
}
