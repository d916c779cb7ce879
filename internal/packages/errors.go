package packages

import "strings"

// ValidationError aggregates every violation found in a request message.
type ValidationError struct {
	Messages []string
}

func (e ValidationError) Error() string {
	return strings.Join(e.Messages, ", ")
}

// InvalidPackageTypeError marks an operation not applicable to the package's
// type, such as uploading bits to a docker package.
type InvalidPackageTypeError struct {
	Message string
}

func (e InvalidPackageTypeError) Error() string {
	return e.Message
}

// InvalidPackageError wraps a persistence-layer constraint violation.
type InvalidPackageError struct {
	Message string
}

func (e InvalidPackageError) Error() string {
	return e.Message
}
