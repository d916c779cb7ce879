package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cargoport/internal/auth"
	"cargoport/internal/droplets"
	"cargoport/internal/jobs"
	"cargoport/internal/models"
	"cargoport/internal/packages"
	"cargoport/internal/queries"
	"cargoport/internal/storage"
)

type apiFixture struct {
	handler *Handler
	store   *storage.Storage
	local   *jobs.MemoryQueue
	generic *jobs.MemoryQueue
	space   models.Space
	app     models.App
	member  auth.Actor
}

func newAPIFixture(t *testing.T) *apiFixture {
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
	tokens, err := auth.NewTokenCodec("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}
	bulk, err := auth.NewBulkCredential("bulk_api", "bulk-secret")
	if err != nil {
		t.Fatalf("NewBulkCredential returned error: %v", err)
	}
	handler := &Handler{
		Store:    store,
		Packages: packages.NewHandler(store, auth.Policy{}, local, generic, nil),
		Droplets: droplets.NewDeleter(store, generic, nil),
		Apps:     queries.NewAppFetcher(store),
		Tokens:   tokens,
		Bulk:     bulk,
		BitsDir:  t.TempDir(),
	}
	return &apiFixture{
		handler: handler,
		store:   store,
		local:   local,
		generic: generic,
		space:   space,
		app:     app,
		member:  auth.Actor{GUID: "user-1", SpaceGUIDs: []string{space.GUID}},
	}
}

func (f *apiFixture) request(t *testing.T, actor *auth.Actor, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == nil {
		reader = &bytes.Buffer{}
	} else {
		reader = body
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if actor != nil {
		req = req.WithContext(auth.ContextWithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	switch {
	case strings.HasPrefix(path, "/v3/apps/"):
		f.handler.AppSubtree(rec, req)
	case strings.HasPrefix(path, "/v3/packages/"):
		f.handler.PackageSubtree(rec, req)
	case strings.HasPrefix(path, "/v2/syslog_drain_urls"):
		f.handler.SyslogDrainURLs(rec, req)
	default:
		t.Fatalf("unrouted path %s", path)
	}
	return rec
}

func jsonBody(t *testing.T, payload interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	return buf
}

func TestCreatePackageEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	body := jsonBody(t, map[string]string{"type": "bits"})
	rec := f.request(t, &f.member, http.MethodPost, "/v3/apps/"+f.app.GUID+"/packages", body, "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resource); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resource["state"] != "CREATED" || resource["type"] != "bits" {
		t.Fatalf("unexpected resource %v", resource)
	}
	if hash, present := resource["hash"]; !present || hash != nil {
		t.Fatalf("hash must be null until set, got %v", resource["hash"])
	}
	if _, present := resource["url"]; present {
		t.Fatalf("url must be omitted for bits packages")
	}
	links, ok := resource["_links"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing _links")
	}
	for _, name := range []string{"self", "app", "upload"} {
		if _, ok := links[name]; !ok {
			t.Fatalf("missing %s link", name)
		}
	}
}

func TestCreatePackageValidationListsAllViolations(t *testing.T) {
	f := newAPIFixture(t)
	body := jsonBody(t, map[string]string{"url": "x"})
	rec := f.request(t, &f.member, http.MethodPost, "/v3/apps/"+f.app.GUID+"/packages", body, "application/json")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var payload struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(payload.Errors) == 0 {
		t.Fatalf("expected aggregated errors")
	}
}

func TestCreatePackageUnknownApp(t *testing.T) {
	f := newAPIFixture(t)
	body := jsonBody(t, map[string]string{"type": "bits"})
	rec := f.request(t, &f.member, http.MethodPost, "/v3/apps/missing/packages", body, "application/json")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreatePackageForbiddenForOutsider(t *testing.T) {
	f := newAPIFixture(t)
	outsider := auth.Actor{GUID: "user-2"}
	body := jsonBody(t, map[string]string{"type": "bits"})
	rec := f.request(t, &outsider, http.MethodPost, "/v3/apps/"+f.app.GUID+"/packages", body, "application/json")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestShowAndDeletePackageEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	pkg, err := f.handler.Packages.Create(context.Background(), f.member, packages.CreateMessage{
		AppGUID: f.app.GUID,
		Type:    strPtr("bits"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rec := f.request(t, &f.member, http.MethodGet, "/v3/packages/"+pkg.GUID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = f.request(t, &f.member, http.MethodDelete, "/v3/packages/"+pkg.GUID, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	// Absent now; delete stays 204 and show turns 404.
	rec = f.request(t, &f.member, http.MethodDelete, "/v3/packages/"+pkg.GUID, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected repeat delete 204, got %d", rec.Code)
	}
	rec = f.request(t, &f.member, http.MethodGet, "/v3/packages/"+pkg.GUID, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if len(f.generic.Jobs()) != 1 {
		t.Fatalf("expected one cleanup job, got %d", len(f.generic.Jobs()))
	}
}

func TestUploadPackageEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	pkg, err := f.handler.Packages.Create(context.Background(), f.member, packages.CreateMessage{
		AppGUID: f.app.GUID,
		Type:    strPtr("bits"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("bits", "app.zip")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := part.Write([]byte("zip-bytes")); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("closing form: %v", err)
	}

	rec := f.request(t, &f.member, http.MethodPost, "/v3/packages/"+pkg.GUID+"/upload", body, form.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resource); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resource["state"] != "PENDING" {
		t.Fatalf("expected PENDING, got %v", resource["state"])
	}
	if len(f.local.Jobs()) != 1 {
		t.Fatalf("expected one ingest job, got %d", len(f.local.Jobs()))
	}
}

func TestUploadWithoutBitsIsRejected(t *testing.T) {
	f := newAPIFixture(t)
	pkg, err := f.handler.Packages.Create(context.Background(), f.member, packages.CreateMessage{
		AppGUID: f.app.GUID,
		Type:    strPtr("bits"),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	if err := form.WriteField("notes", "no file here"); err != nil {
		t.Fatalf("writing field: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("closing form: %v", err)
	}

	rec := f.request(t, &f.member, http.MethodPost, "/v3/packages/"+pkg.GUID+"/upload", body, form.FormDataContentType())
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "An application zip file must be uploaded.") {
		t.Fatalf("expected missing-archive message, got %s", rec.Body.String())
	}
	if len(f.local.Jobs()) != 0 {
		t.Fatalf("no job expected")
	}
}

func TestShowAppEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	if _, err := f.store.CreateProcess(storage.CreateProcessParams{AppGUID: f.app.GUID, Type: "web", Instances: 1}); err != nil {
		t.Fatalf("CreateProcess returned error: %v", err)
	}
	rec := f.request(t, &f.member, http.MethodGet, "/v3/apps/"+f.app.GUID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resource appResource
	if err := json.Unmarshal(rec.Body.Bytes(), &resource); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resource.GUID != f.app.GUID || len(resource.Processes) != 1 {
		t.Fatalf("unexpected resource %+v", resource)
	}

	outsider := auth.Actor{GUID: "user-2"}
	rec = f.request(t, &outsider, http.MethodGet, "/v3/apps/"+f.app.GUID, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("invisible app should read as 404, got %d", rec.Code)
	}
}

func TestDeleteAppDropletsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 2; i++ {
		if _, err := f.store.CreateDroplet(storage.CreateDropletParams{AppGUID: f.app.GUID, DropletHash: fmt.Sprintf("hash-%d", i)}); err != nil {
			t.Fatalf("CreateDroplet returned error: %v", err)
		}
	}
	rec := f.request(t, &f.member, http.MethodDelete, "/v3/apps/"+f.app.GUID+"/droplets", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(f.generic.Jobs()) != 2 {
		t.Fatalf("expected 2 cleanup jobs, got %d", len(f.generic.Jobs()))
	}
}

func TestSyslogDrainURLsRequiresBulkCredential(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v2/syslog_drain_urls", nil)
	rec := httptest.NewRecorder()
	f.handler.SyslogDrainURLs(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/v2/syslog_drain_urls", nil)
	req.SetBasicAuth("bulk_api", "wrong")
	rec = httptest.NewRecorder()
	f.handler.SyslogDrainURLs(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", rec.Code)
	}
}

func TestSyslogDrainURLsPagination(t *testing.T) {
	f := newAPIFixture(t)
	// Three apps with drains, one without; the empty app must not consume
	// a page slot.
	drained := make([]models.App, 0, 3)
	for i := 0; i < 3; i++ {
		app, err := f.store.CreateApp(storage.CreateAppParams{Name: fmt.Sprintf("drained-%d", i), SpaceGUID: f.space.GUID})
		if err != nil {
			t.Fatalf("CreateApp returned error: %v", err)
		}
		if _, err := f.store.CreateServiceBinding(storage.CreateServiceBindingParams{AppGUID: app.GUID, SyslogDrainURL: fmt.Sprintf("syslog://drain-%d", i)}); err != nil {
			t.Fatalf("CreateServiceBinding returned error: %v", err)
		}
		drained = append(drained, app)
	}

	collected := make(map[string]bool)
	nextID := int64(0)
	for page := 0; page < 10; page++ {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v2/syslog_drain_urls?batch_size=2&next_id=%d", nextID), nil)
		req.SetBasicAuth("bulk_api", "bulk-secret")
		rec := httptest.NewRecorder()
		f.handler.SyslogDrainURLs(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var payload struct {
			Results map[string][]string `json:"results"`
			NextID  int64               `json:"next_id"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if len(payload.Results) == 0 {
			break
		}
		for guid := range payload.Results {
			if collected[guid] {
				t.Fatalf("app %s appeared on two pages", guid)
			}
			collected[guid] = true
		}
		nextID = payload.NextID
	}
	if len(collected) != len(drained) {
		t.Fatalf("expected %d apps across pages, got %d", len(drained), len(collected))
	}
	for _, app := range drained {
		if !collected[app.GUID] {
			t.Fatalf("app %s missing from listing", app.GUID)
		}
	}
}

func strPtr(s string) *string {
	return &s
}
