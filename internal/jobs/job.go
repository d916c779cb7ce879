// Package jobs holds the deferred work the API hands off after a mutation
// commits: ingesting uploaded package bits and removing blobs for deleted
// resources. Queues deliver jobs at least once; every job kind is safe to
// retry.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job kinds.
const (
	KindBlobstoreDelete   = "blobstore.delete"
	KindPackageBitsIngest = "package.bits-ingest"
)

// Queue names. The generic queue is served by dedicated worker processes;
// the local queue is drained by an in-process pool in the API server.
const (
	QueueGeneric = "cp-generic"
	QueueLocal   = "cp-local"
)

// Job is the unit handed to a queue. Payload is the JSON encoding of the
// kind-specific payload struct.
type Job struct {
	GUID       string          `json:"guid"`
	Kind       string          `json:"kind"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// BlobstoreDeletePayload identifies a blob to remove.
type BlobstoreDeletePayload struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// BitsIngestPayload points at an uploaded archive awaiting transfer to the
// blobstore.
type BitsIngestPayload struct {
	PackageGUID string `json:"packageGuid"`
	BitsPath    string `json:"bitsPath"`
}

// NewBlobstoreDelete builds a blob removal job for the generic queue.
func NewBlobstoreDelete(namespace, key string) (Job, error) {
	return newJob(KindBlobstoreDelete, QueueGeneric, BlobstoreDeletePayload{Namespace: namespace, Key: key})
}

// NewBitsIngest builds an ingest job for the local queue.
func NewBitsIngest(packageGUID, bitsPath string) (Job, error) {
	return newJob(KindPackageBitsIngest, QueueLocal, BitsIngestPayload{PackageGUID: packageGUID, BitsPath: bitsPath})
}

func newJob(kind, queue string, payload interface{}) (Job, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: encode %s payload: %w", kind, err)
	}
	return Job{
		GUID:       uuid.NewString(),
		Kind:       kind,
		Queue:      queue,
		Payload:    encoded,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
