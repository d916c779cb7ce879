package droplets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"cargoport/internal/blobstore"
	"cargoport/internal/jobs"
	"cargoport/internal/models"
	"cargoport/internal/storage"
)

func seedApp(t *testing.T, store *storage.Storage) models.App {
	t.Helper()
	org, err := store.CreateOrganization(storage.CreateOrganizationParams{Name: "org"})
	if err != nil {
		t.Fatalf("CreateOrganization returned error: %v", err)
	}
	space, err := store.CreateSpace(storage.CreateSpaceParams{Name: "space", OrganizationGUID: org.GUID})
	if err != nil {
		t.Fatalf("CreateSpace returned error: %v", err)
	}
	app, err := store.CreateApp(storage.CreateAppParams{Name: "app", SpaceGUID: space.GUID})
	if err != nil {
		t.Fatalf("CreateApp returned error: %v", err)
	}
	return app
}

func TestDeleteForAppEnqueuesOneJobPerDroplet(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	app := seedApp(t, store)
	other := seedApp(t, store)

	const count = 3
	for i := 0; i < count; i++ {
		if _, err := store.CreateDroplet(storage.CreateDropletParams{AppGUID: app.GUID, DropletHash: fmt.Sprintf("hash-%d", i)}); err != nil {
			t.Fatalf("CreateDroplet returned error: %v", err)
		}
	}
	kept, err := store.CreateDroplet(storage.CreateDropletParams{AppGUID: other.GUID, DropletHash: "keep"})
	if err != nil {
		t.Fatalf("CreateDroplet returned error: %v", err)
	}

	queue := jobs.NewMemoryQueue(8)
	deleter := NewDeleter(store, queue, nil)
	destroyed, err := deleter.DeleteForApp(context.Background(), app.GUID)
	if err != nil {
		t.Fatalf("DeleteForApp returned error: %v", err)
	}
	if destroyed != count {
		t.Fatalf("expected %d destroyed, got %d", count, destroyed)
	}

	queued := queue.Jobs()
	if len(queued) != count {
		t.Fatalf("expected %d cleanup jobs, got %d", count, len(queued))
	}
	seen := make(map[string]bool)
	for _, job := range queued {
		if job.Kind != jobs.KindBlobstoreDelete {
			t.Fatalf("unexpected job kind %s", job.Kind)
		}
		var payload jobs.BlobstoreDeletePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if payload.Namespace != blobstore.NamespaceDroplets {
			t.Fatalf("unexpected namespace %s", payload.Namespace)
		}
		seen[payload.Key] = true
	}
	for i := 0; i < count; i++ {
		if !seen[fmt.Sprintf("hash-%d", i)] {
			t.Fatalf("missing cleanup job for hash-%d", i)
		}
	}

	if _, ok := store.GetDroplet(kept.GUID); !ok {
		t.Fatalf("droplet of other app must survive")
	}
	refs, err := store.DropletRefs(storage.DropletFilter{AppGUID: app.GUID})
	if err != nil {
		t.Fatalf("DropletRefs returned error: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected all droplets gone, found %d", len(refs))
	}
}

type refusingQueue struct{}

func (refusingQueue) Enqueue(ctx context.Context, job jobs.Job) error {
	return errors.New("broker unavailable")
}

func TestDeleteForAppAbortsWhenEnqueueFails(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	app := seedApp(t, store)
	droplet, err := store.CreateDroplet(storage.CreateDropletParams{AppGUID: app.GUID, DropletHash: "hash-1"})
	if err != nil {
		t.Fatalf("CreateDroplet returned error: %v", err)
	}

	deleter := NewDeleter(store, refusingQueue{}, nil)
	if _, err := deleter.DeleteForApp(context.Background(), app.GUID); err == nil {
		t.Fatalf("expected enqueue failure to abort the delete")
	}
	if _, ok := store.GetDroplet(droplet.GUID); !ok {
		t.Fatalf("droplet row must survive an aborted delete")
	}
}

func TestDeleteForAppEmptyFilterDestroysNothing(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	app := seedApp(t, store)
	if _, err := store.CreateDroplet(storage.CreateDropletParams{AppGUID: app.GUID, DropletHash: "hash-1"}); err != nil {
		t.Fatalf("CreateDroplet returned error: %v", err)
	}
	queue := jobs.NewMemoryQueue(4)
	deleter := NewDeleter(store, queue, nil)
	destroyed, err := deleter.DeleteForApp(context.Background(), "")
	if err != nil {
		t.Fatalf("DeleteForApp returned error: %v", err)
	}
	if destroyed != 0 || len(queue.Jobs()) != 0 {
		t.Fatalf("empty scope must match nothing, destroyed=%d jobs=%d", destroyed, len(queue.Jobs()))
	}
}
