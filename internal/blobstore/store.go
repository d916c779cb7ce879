// Package blobstore persists package bits and droplet archives. Drivers share
// a small Store interface so handlers and background jobs never care whether
// blobs land on local disk or in an S3-compatible bucket.
package blobstore

import (
	"context"
	"io"
)

// Namespaces partition blob keys by resource kind.
const (
	NamespacePackages = "packages"
	NamespaceDroplets = "droplets"
)

// Ref describes a stored blob.
type Ref struct {
	Digest string
	Size   int64
}

// Store writes and removes blobs addressed by namespace and key. Delete is
// idempotent: removing an absent blob is not an error.
type Store interface {
	Put(ctx context.Context, namespace, key string, body io.Reader) (Ref, error)
	Delete(ctx context.Context, namespace, key string) error
}
