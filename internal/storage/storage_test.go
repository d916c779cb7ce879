package storage

import (
	"context"
	"errors"
	"testing"

	"cargoport/internal/models"
)

func seedApp(t *testing.T, store *Storage) models.App {
	t.Helper()
	org, err := store.CreateOrganization(CreateOrganizationParams{Name: "acme"})
	if err != nil {
		t.Fatalf("CreateOrganization returned error: %v", err)
	}
	space, err := store.CreateSpace(CreateSpaceParams{OrganizationGUID: org.GUID, Name: "production"})
	if err != nil {
		t.Fatalf("CreateSpace returned error: %v", err)
	}
	app, err := store.CreateApp(CreateAppParams{SpaceGUID: space.GUID, Name: "hub"})
	if err != nil {
		t.Fatalf("CreateApp returned error: %v", err)
	}
	return app
}

func TestCreateAppAssignsIncreasingRowIDs(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	first := seedApp(t, store)
	space, _ := store.GetSpace(first.SpaceGUID)
	second, err := store.CreateApp(CreateAppParams{SpaceGUID: space.GUID, Name: "relay"})
	if err != nil {
		t.Fatalf("CreateApp returned error: %v", err)
	}
	if second.ID <= first.ID {
		t.Fatalf("expected row ids to increase: %d then %d", first.ID, second.ID)
	}
}

func TestCreateAppRequiresSpace(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	_, err = store.CreateApp(CreateAppParams{SpaceGUID: "missing", Name: "ghost"})
	var invalid InvalidRecordError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidRecordError, got %v", err)
	}
}

func TestWithAppLockRollsBackPackageChangesOnError(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	app := seedApp(t, store)

	boom := errors.New("boom")
	var createdGUID string
	err = store.WithAppLock(context.Background(), app.GUID, func(tx AppMutation) error {
		created, createErr := tx.CreatePackage(models.Package{AppGUID: app.GUID, Type: models.PackageTypeBits, State: models.PackageStateCreated})
		if createErr != nil {
			t.Fatalf("CreatePackage returned error: %v", createErr)
		}
		createdGUID = created.GUID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if _, ok := store.GetPackage(createdGUID); ok {
		t.Fatal("expected package create to be rolled back")
	}
}

func TestWithAppLockCommitsOnSuccess(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	app := seedApp(t, store)

	var createdGUID string
	err = store.WithAppLock(context.Background(), app.GUID, func(tx AppMutation) error {
		if _, ok := tx.App(); !ok {
			t.Fatal("expected app to resolve inside the lock")
		}
		created, createErr := tx.CreatePackage(models.Package{AppGUID: app.GUID, Type: models.PackageTypeDocker, URL: "registry.example.com/hub", State: models.PackageStateReady})
		if createErr != nil {
			return createErr
		}
		createdGUID = created.GUID
		return nil
	})
	if err != nil {
		t.Fatalf("WithAppLock returned error: %v", err)
	}
	pkg, ok := store.GetPackage(createdGUID)
	if !ok {
		t.Fatal("expected committed package to be readable")
	}
	if pkg.State != models.PackageStateReady {
		t.Fatalf("expected READY package, got %s", pkg.State)
	}
}

func TestDestroyDropletsIgnoresEmptyFilter(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	app := seedApp(t, store)
	if _, err := store.CreateDroplet(CreateDropletParams{AppGUID: app.GUID, DropletHash: "hash-1"}); err != nil {
		t.Fatalf("CreateDroplet returned error: %v", err)
	}

	destroyed, err := store.DestroyDroplets(DropletFilter{})
	if err != nil {
		t.Fatalf("DestroyDroplets returned error: %v", err)
	}
	if destroyed != 0 {
		t.Fatalf("expected empty filter to match nothing, destroyed %d", destroyed)
	}
	refs, err := store.DropletRefs(DropletFilter{AppGUID: app.GUID})
	if err != nil {
		t.Fatalf("DropletRefs returned error: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected droplet to survive, got %d refs", len(refs))
	}
}

func TestSyslogDrainURLBatchPaginates(t *testing.T) {
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	first := seedApp(t, store)
	space, _ := store.GetSpace(first.SpaceGUID)

	silent, err := store.CreateApp(CreateAppParams{SpaceGUID: space.GUID, Name: "silent"})
	if err != nil {
		t.Fatalf("CreateApp returned error: %v", err)
	}
	second, err := store.CreateApp(CreateAppParams{SpaceGUID: space.GUID, Name: "tail"})
	if err != nil {
		t.Fatalf("CreateApp returned error: %v", err)
	}
	if silent.ID <= first.ID || silent.ID >= second.ID {
		t.Fatalf("expected the drainless app between the others, ids %d %d %d", first.ID, silent.ID, second.ID)
	}

	for _, target := range []struct {
		app models.App
		url string
	}{
		{first, "syslog://first.example.com"},
		{second, "syslog://second.example.com"},
	} {
		if _, err := store.CreateServiceBinding(CreateServiceBindingParams{AppGUID: target.app.GUID, SyslogDrainURL: target.url}); err != nil {
			t.Fatalf("CreateServiceBinding returned error: %v", err)
		}
	}

	page, err := store.SyslogDrainURLBatch(1, 0)
	if err != nil {
		t.Fatalf("SyslogDrainURLBatch returned error: %v", err)
	}
	if len(page.Results) != 1 || page.Results[0].AppGUID != first.GUID {
		t.Fatalf("expected first app on page one, got %+v", page.Results)
	}
	if page.NextID != first.ID {
		t.Fatalf("expected cursor %d, got %d", first.ID, page.NextID)
	}

	// The app without a drain URL sits between the two results and must not
	// consume a slot on the next page.
	page, err = store.SyslogDrainURLBatch(1, page.NextID)
	if err != nil {
		t.Fatalf("SyslogDrainURLBatch returned error: %v", err)
	}
	if len(page.Results) != 1 || page.Results[0].AppGUID != second.GUID {
		t.Fatalf("expected second app on page two, got %+v", page.Results)
	}

	page, err = store.SyslogDrainURLBatch(1, page.NextID)
	if err != nil {
		t.Fatalf("SyslogDrainURLBatch returned error: %v", err)
	}
	if len(page.Results) != 0 {
		t.Fatalf("expected empty final page, got %+v", page.Results)
	}
	if page.NextID != second.ID {
		t.Fatalf("expected empty page to repeat cursor %d, got %d", second.ID, page.NextID)
	}
}
