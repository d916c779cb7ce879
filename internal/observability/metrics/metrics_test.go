package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "guid segment",
			method:   "post",
			path:     "/v3/apps/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha guid",
			method:   "POST",
			path:     "/v3/apps/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi guids",
			method:   "PATCH",
			path:     "v3/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestJobGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	completions := 150

	wg.Add(starts + completions)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.JobStarted("blobstore.delete")
		}()
	}
	for i := 0; i < completions; i++ {
		go func() {
			defer wg.Done()
			recorder.JobCompleted("blobstore.delete")
		}()
	}

	wg.Wait()

	if active := recorder.ActiveJobs(); active != 0 {
		t.Fatalf("active jobs should not go negative; got %d", active)
	}

	events, _ := recorder.JobCounts()
	if count := events[JobLabel{Kind: "blobstore.delete", Status: "start"}]; count != uint64(starts) {
		t.Fatalf("unexpected start events: got %d want %d", count, starts)
	}
	if count := events[JobLabel{Kind: "blobstore.delete", Status: "complete"}]; count != uint64(completions) {
		t.Fatalf("unexpected complete events: got %d want %d", count, completions)
	}
}

func TestPendingUploadGauge(t *testing.T) {
	recorder := New()

	recorder.UploadAccepted()
	recorder.UploadAccepted()
	recorder.UploadSettled("ready")

	if pending := recorder.PendingUploads(); pending != 1 {
		t.Fatalf("expected one pending upload, got %d", pending)
	}

	recorder.UploadSettled("failed")
	recorder.UploadSettled("failed")

	if pending := recorder.PendingUploads(); pending != 0 {
		t.Fatalf("pending uploads should not go negative; got %d", pending)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/v3/packages/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/v3/packages/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/v3/apps", 201, time.Second)

	recorder.ObservePackageEvent("created")
	recorder.ObservePackageEvent("created")
	recorder.UploadAccepted()

	recorder.JobStarted("package.bits-ingest")
	recorder.JobCompleted("package.bits-ingest")
	recorder.JobStarted("blobstore.delete")

	recorder.ObserveBlobAttempt("put")
	recorder.ObserveBlobAttempt("put")
	recorder.ObserveBlobFailure("put")
	recorder.ObserveBlobAttempt("delete")

	recorder.ObserveDropletsDeleted(3)

	recorder.ObserveDrainBatch()
	recorder.ObserveDrainBatch()

	recorder.SetDependencyHealth(" Storage ", "Healthy")
	recorder.SetDependencyHealth("redis", "Degraded")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP cargoport_http_requests_total Total number of HTTP requests processed by the API
# TYPE cargoport_http_requests_total counter
cargoport_http_requests_total{method="GET",path="/v3/packages/:guid",status="200"} 2
cargoport_http_requests_total{method="POST",path="/v3/apps",status="201"} 1
# HELP cargoport_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE cargoport_http_request_duration_seconds_sum counter
cargoport_http_request_duration_seconds_sum{method="GET",path="/v3/packages/:guid",status="200"} 0.200000
cargoport_http_request_duration_seconds_sum{method="POST",path="/v3/apps",status="201"} 1.000000
# HELP cargoport_http_request_duration_seconds_count Total number of observations for request durations
# TYPE cargoport_http_request_duration_seconds_count counter
cargoport_http_request_duration_seconds_count{method="GET",path="/v3/packages/:guid",status="200"} 2
cargoport_http_request_duration_seconds_count{method="POST",path="/v3/apps",status="201"} 1
# HELP cargoport_package_events_total Package lifecycle events by type
# TYPE cargoport_package_events_total counter
cargoport_package_events_total{event="created"} 2
cargoport_package_events_total{event="upload_accepted"} 1
# HELP cargoport_pending_uploads Current number of uploads awaiting ingest
# TYPE cargoport_pending_uploads gauge
cargoport_pending_uploads 1
# HELP cargoport_jobs_total Background job events by kind and status
# TYPE cargoport_jobs_total counter
cargoport_jobs_total{kind="blobstore.delete",status="start"} 1
cargoport_jobs_total{kind="package.bits-ingest",status="complete"} 1
cargoport_jobs_total{kind="package.bits-ingest",status="start"} 1
# HELP cargoport_active_jobs Current number of executing background jobs
# TYPE cargoport_active_jobs gauge
cargoport_active_jobs 1
# HELP cargoport_blobstore_attempts_total Total blob-store operations attempted by action
# TYPE cargoport_blobstore_attempts_total counter
cargoport_blobstore_attempts_total{operation="delete"} 1
cargoport_blobstore_attempts_total{operation="put"} 2
# HELP cargoport_blobstore_failures_total Total blob-store operation failures by action
# TYPE cargoport_blobstore_failures_total counter
cargoport_blobstore_failures_total{operation="delete"} 0
cargoport_blobstore_failures_total{operation="put"} 1
# HELP cargoport_droplets_deleted_total Total droplets destroyed by bulk delete requests
# TYPE cargoport_droplets_deleted_total counter
cargoport_droplets_deleted_total 3
# HELP cargoport_drain_batches_total Total syslog drain URL pages served
# TYPE cargoport_drain_batches_total counter
cargoport_drain_batches_total 2
# HELP cargoport_dependency_health Health status reported by dependencies (1=ok,0=disabled,-1=degraded)
# TYPE cargoport_dependency_health gauge
cargoport_dependency_health{service="redis",status="degraded"} -1.000000
cargoport_dependency_health{service="storage",status="healthy"} 1.000000`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
