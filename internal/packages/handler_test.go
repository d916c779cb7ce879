package packages

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cargoport/internal/auth"
	"cargoport/internal/blobstore"
	"cargoport/internal/jobs"
	"cargoport/internal/models"
	"cargoport/internal/storage"
)

type fixture struct {
	store   *storage.Storage
	handler *Handler
	local   *jobs.MemoryQueue
	generic *jobs.MemoryQueue
	app     models.App
	space   models.Space
	actor   auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	org, err := store.CreateOrganization(storage.CreateOrganizationParams{Name: "org", Status: models.OrganizationStatusActive})
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
	local := jobs.NewMemoryQueue(8)
	generic := jobs.NewMemoryQueue(8)
	return &fixture{
		store:   store,
		handler: NewHandler(store, auth.Policy{}, local, generic, nil),
		local:   local,
		generic: generic,
		app:     app,
		space:   space,
		actor:   auth.Actor{GUID: "user-1", SpaceGUIDs: []string{space.GUID}},
	}
}

func stringPtr(s string) *string {
	return &s
}

func TestCreateMessageAggregatesViolations(t *testing.T) {
	msg := CreateMessage{AppGUID: "A1", URL: stringPtr("x")}
	errs := msg.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected validation errors")
	}
	found := false
	for _, e := range errs {
		if e == "The type field is required" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing-type error, got %v", errs)
	}
}

func TestCreateMessageBitsWithURL(t *testing.T) {
	msg := CreateMessage{AppGUID: "A1", Type: stringPtr("bits"), URL: stringPtr("x")}
	errs := msg.Validate()
	if len(errs) != 1 || errs[0] != "The url field cannot be provided when type is bits." {
		t.Fatalf("expected exactly the bits-url error, got %v", errs)
	}
}

func TestCreateMessageUnknownType(t *testing.T) {
	msg := CreateMessage{AppGUID: "A1", Type: stringPtr("tarball")}
	errs := msg.Validate()
	if len(errs) != 1 || errs[0] != "The type field needs to be one of 'bits, docker'" {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestCreateMessageDockerWithoutURL(t *testing.T) {
	msg := CreateMessage{AppGUID: "A1", Type: stringPtr("docker")}
	errs := msg.Validate()
	if len(errs) != 1 || errs[0] != "The url field must be provided for type docker." {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestUploadMessageRequiresArchive(t *testing.T) {
	errs := UploadMessage{PackageGUID: "P1"}.Validate()
	if len(errs) != 1 || errs[0] != "An application zip file must be uploaded." {
		t.Fatalf("unexpected errors %v", errs)
	}
	if errs := (UploadMessage{PackageGUID: "P1", BitsPath: "/tmp/app.zip"}).Validate(); len(errs) != 0 {
		t.Fatalf("expected valid message, got %v", errs)
	}
}

func TestCreateBitsPackageStartsCreated(t *testing.T) {
	f := newFixture(t)
	pkg, err := f.handler.Create(context.Background(), f.actor, CreateMessage{AppGUID: f.app.GUID, Type: stringPtr("bits")})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if pkg.State != models.PackageStateCreated {
		t.Fatalf("expected CREATED, got %s", pkg.State)
	}
	if pkg.URL != "" {
		t.Fatalf("bits package must not carry a url")
	}
	if pkg.GUID == "" {
		t.Fatalf("expected generated guid")
	}
	if len(f.local.Jobs()) != 0 || len(f.generic.Jobs()) != 0 {
		t.Fatalf("create must not enqueue jobs")
	}
}

func TestCreateDockerPackageReadyImmediately(t *testing.T) {
	f := newFixture(t)
	pkg, err := f.handler.Create(context.Background(), f.actor, CreateMessage{
		AppGUID: f.app.GUID,
		Type:    stringPtr("docker"),
		URL:     stringPtr("registry/img"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if pkg.State != models.PackageStateReady {
		t.Fatalf("expected READY, got %s", pkg.State)
	}
	if pkg.URL != "registry/img" {
		t.Fatalf("unexpected url %q", pkg.URL)
	}
	if len(f.local.Jobs()) != 0 || len(f.generic.Jobs()) != 0 {
		t.Fatalf("create must not enqueue jobs")
	}
}

func TestCreateUnknownAppFailsBeforeLock(t *testing.T) {
	f := newFixture(t)
	_, err := f.handler.Create(context.Background(), f.actor, CreateMessage{AppGUID: "missing", Type: stringPtr("bits")})
	if !errors.Is(err, storage.ErrAppNotFound) {
		t.Fatalf("expected app-not-found, got %v", err)
	}
}

func TestCreateUnauthorizedPersistsNothing(t *testing.T) {
	f := newFixture(t)
	outsider := auth.Actor{GUID: "user-2", SpaceGUIDs: []string{"elsewhere"}}
	_, err := f.handler.Create(context.Background(), outsider, CreateMessage{AppGUID: f.app.GUID, Type: stringPtr("bits")})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	pkg, err := f.handler.Create(context.Background(), f.actor, CreateMessage{AppGUID: f.app.GUID, Type: stringPtr("bits")})
	if err != nil {
		t.Fatalf("authorized create failed: %v", err)
	}
	if _, ok := f.store.GetPackage(pkg.GUID); !ok {
		t.Fatalf("authorized create not persisted")
	}
	if len(f.local.Jobs()) != 0 || len(f.generic.Jobs()) != 0 {
		t.Fatalf("no jobs expected")
	}
}

func TestCreateInvalidRecordWrapsMessage(t *testing.T) {
	f := newFixture(t)
	// Invariant violations the message layer cannot express still surface
	// from the datastore; force one by constructing the entity directly.
	err := f.store.WithAppLock(context.Background(), f.app.GUID, func(tx storage.AppMutation) error {
		_, createErr := tx.CreatePackage(models.Package{AppGUID: f.app.GUID, Type: models.PackageTypeDocker})
		return createErr
	})
	var invalid storage.InvalidRecordError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
}

func TestUploadTransitionsToPendingAndEnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	pkg, err := f.handler.Create(context.Background(), f.actor, CreateMessage{AppGUID: f.app.GUID, Type: stringPtr("bits")})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	updated, err := f.handler.Upload(context.Background(), f.actor, UploadMessage{PackageGUID: pkg.GUID, BitsPath: "/tmp/app.zip"})
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if updated.State != models.PackageStatePending {
		t.Fatalf("expected PENDING, got %s", updated.State)
	}

	queued := f.local.Jobs()
	if len(queued) != 1 {
		t.Fatalf("expected exactly one ingest job, got %d", len(queued))
	}
	if queued[0].Kind != jobs.KindPackageBitsIngest {
		t.Fatalf("unexpected job kind %s", queued[0].Kind)
	}
	var payload jobs.BitsIngestPayload
	if err := json.Unmarshal(queued[0].Payload, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.PackageGUID != pkg.GUID || payload.BitsPath != "/tmp/app.zip" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if len(f.generic.Jobs()) != 0 {
		t.Fatalf("upload must not touch the generic queue")
	}
}

func TestUploadRejectsDockerPackages(t *testing.T) {
	f := newFixture(t)
	pkg, err := f.handler.Create(context.Background(), f.actor, CreateMessage{
		AppGUID: f.app.GUID,
		Type:    stringPtr("docker"),
		URL:     stringPtr("registry/img"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	_, err = f.handler.Upload(context.Background(), f.actor, UploadMessage{PackageGUID: pkg.GUID, BitsPath: "/tmp/app.zip"})
	var typeErr InvalidPackageTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected invalid-type error, got %v", err)
	}
	if typeErr.Message != "Package type must be bits." {
		t.Fatalf("unexpected message %q", typeErr.Message)
	}
	if len(f.local.Jobs()) != 0 {
		t.Fatalf("no job expected for rejected upload")
	}
}

func TestUploadMissingPackageIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.handler.Upload(context.Background(), f.actor, UploadMessage{PackageGUID: "missing", BitsPath: "/tmp/app.zip"})
	if !errors.Is(err, storage.ErrPackageNotFound) {
		t.Fatalf("expected package-not-found, got %v", err)
	}
}

func TestDeleteAbsentPackageReturnsAbsent(t *testing.T) {
	f := newFixture(t)
	pkg, err := f.handler.Delete(context.Background(), f.actor, "missing")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if pkg != nil {
		t.Fatalf("expected nil for absent package")
	}
	if len(f.generic.Jobs()) != 0 {
		t.Fatalf("no job expected for absent package")
	}
}

func TestDeleteDestroysRowAndEnqueuesCleanup(t *testing.T) {
	f := newFixture(t)
	created, err := f.handler.Create(context.Background(), f.actor, CreateMessage{AppGUID: f.app.GUID, Type: stringPtr("bits")})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	deleted, err := f.handler.Delete(context.Background(), f.actor, created.GUID)
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if deleted == nil || deleted.GUID != created.GUID {
		t.Fatalf("expected deleted snapshot, got %+v", deleted)
	}
	if _, ok := f.store.GetPackage(created.GUID); ok {
		t.Fatalf("package row should be gone")
	}

	queued := f.generic.Jobs()
	if len(queued) != 1 {
		t.Fatalf("expected exactly one cleanup job, got %d", len(queued))
	}
	var payload jobs.BlobstoreDeletePayload
	if err := json.Unmarshal(queued[0].Payload, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Namespace != blobstore.NamespacePackages || payload.Key != created.GUID {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestDeleteUnauthorizedKeepsRow(t *testing.T) {
	f := newFixture(t)
	created, err := f.handler.Create(context.Background(), f.actor, CreateMessage{AppGUID: f.app.GUID, Type: stringPtr("bits")})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	outsider := auth.Actor{GUID: "user-2"}
	if _, err := f.handler.Delete(context.Background(), outsider, created.GUID); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, ok := f.store.GetPackage(created.GUID); !ok {
		t.Fatalf("package must survive a denied delete")
	}
	if len(f.generic.Jobs()) != 0 {
		t.Fatalf("no cleanup job expected after denied delete")
	}
}

func TestShowHonoursReadPolicy(t *testing.T) {
	f := newFixture(t)
	created, err := f.handler.Create(context.Background(), f.actor, CreateMessage{AppGUID: f.app.GUID, Type: stringPtr("bits")})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	got, err := f.handler.Show(context.Background(), f.actor, created.GUID)
	if err != nil || got == nil || got.GUID != created.GUID {
		t.Fatalf("expected readable package, got %+v err %v", got, err)
	}
	outsider := auth.Actor{GUID: "user-2"}
	if _, err := f.handler.Show(context.Background(), outsider, created.GUID); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	absent, err := f.handler.Show(context.Background(), f.actor, "missing")
	if err != nil || absent != nil {
		t.Fatalf("absent package should be (nil, nil), got %+v err %v", absent, err)
	}
}
