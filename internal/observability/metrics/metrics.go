package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobLabel identifies a background job event by job kind and outcome status.
type JobLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// package lifecycle events, background job execution, blob-store operations,
// and droplet cleanup. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for in-flight work.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	packageEvents   map[string]uint64
	jobEvents       map[JobLabel]uint64
	blobAttempts    map[string]uint64
	blobFailures    map[string]uint64
	healthValue     map[string]float64
	healthState     map[string]string
	dropletsDeleted uint64
	drainBatches    uint64
	activeJobs      atomic.Int64
	pendingUploads  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		packageEvents:   make(map[string]uint64),
		jobEvents:       make(map[JobLabel]uint64),
		blobAttempts:    make(map[string]uint64),
		blobFailures:    make(map[string]uint64),
		healthValue:     make(map[string]float64),
		healthState:     make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObservePackageEvent records a package lifecycle event keyed by event name
// (e.g., "created", "upload_accepted", "ready", "failed", "deleted").
func (r *Recorder) ObservePackageEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.packageEvents[normalized]++
	r.mu.Unlock()
}

// UploadAccepted records an accepted bits upload and increments the pending
// upload gauge until the ingest job settles the package state.
func (r *Recorder) UploadAccepted() {
	r.ObservePackageEvent("upload_accepted")
	r.pendingUploads.Add(1)
}

// UploadSettled records the terminal outcome of a bits upload and decrements
// the pending upload gauge, guarding against negative counts when updates race.
func (r *Recorder) UploadSettled(outcome string) {
	r.ObservePackageEvent(outcome)
	r.decrementGauge(&r.pendingUploads)
}

// JobStarted records the beginning of a background job of the provided kind
// and increments the active job gauge.
func (r *Recorder) JobStarted(kind string) {
	r.recordJobEvent(kind, "start")
	r.activeJobs.Add(1)
}

// JobCompleted records the successful completion of a background job and
// decrements the active job gauge.
func (r *Recorder) JobCompleted(kind string) {
	r.recordJobEvent(kind, "complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed background job and decrements the active job
// gauge (without allowing it to go negative if the job never started).
func (r *Recorder) JobFailed(kind string) {
	r.recordJobEvent(kind, "fail")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordJobEvent(kind, status string) {
	label := JobLabel{
		Kind:   normalizeName(kind),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// ObserveBlobAttempt records a blob-store operation attempt keyed by operation
// name (e.g., "put", "delete").
func (r *Recorder) ObserveBlobAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.blobAttempts[op]++
	r.mu.Unlock()
}

// ObserveBlobFailure records a failed blob-store operation keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveBlobFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.blobFailures[op]++
	r.mu.Unlock()
}

// ObserveDropletsDeleted accumulates the number of droplets destroyed by bulk
// delete requests.
func (r *Recorder) ObserveDropletsDeleted(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.dropletsDeleted += uint64(count)
	r.mu.Unlock()
}

// ObserveDrainBatch records a served page of the syslog drain URL listing.
func (r *Recorder) ObserveDrainBatch() {
	r.mu.Lock()
	r.drainBatches++
	r.mu.Unlock()
}

// ActiveJobs exposes the current gauge of concurrently executing jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// PendingUploads exposes the current number of uploads awaiting ingest.
func (r *Recorder) PendingUploads() int64 {
	return r.pendingUploads.Load()
}

// SetDependencyHealth normalizes dependency identifiers, maps status strings
// to numeric health values, and stores both representations for export.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.healthValue[normalizedService] = value
	r.healthState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// BlobCounts returns copies of blob-store attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) BlobCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.blobAttempts))
	for k, v := range r.blobAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.blobFailures))
	for k, v := range r.blobFailures {
		failures[k] = v
	}
	return attempts, failures
}

// JobCounts returns copies of job event counters and the current active job
// gauge value.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.packageEvents = make(map[string]uint64)
	r.jobEvents = make(map[JobLabel]uint64)
	r.blobAttempts = make(map[string]uint64)
	r.blobFailures = make(map[string]uint64)
	r.healthValue = make(map[string]float64)
	r.healthState = make(map[string]string)
	r.dropletsDeleted = 0
	r.drainBatches = 0
	r.activeJobs.Store(0)
	r.pendingUploads.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	packageEvents := r.sortedPackageEvents()
	jobLabels := r.sortedJobLabels()
	blobOperations := r.sortedBlobOperations()
	healthServices := r.sortedHealthServices()

	fmt.Fprintln(w, "# HELP cargoport_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE cargoport_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "cargoport_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP cargoport_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE cargoport_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "cargoport_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP cargoport_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE cargoport_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "cargoport_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP cargoport_package_events_total Package lifecycle events by type")
	fmt.Fprintln(w, "# TYPE cargoport_package_events_total counter")
	for _, event := range packageEvents {
		value := r.packageEvents[event]
		fmt.Fprintf(w, "cargoport_package_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP cargoport_pending_uploads Current number of uploads awaiting ingest")
	fmt.Fprintln(w, "# TYPE cargoport_pending_uploads gauge")
	fmt.Fprintf(w, "cargoport_pending_uploads %d\n", r.pendingUploads.Load())

	fmt.Fprintln(w, "# HELP cargoport_jobs_total Background job events by kind and status")
	fmt.Fprintln(w, "# TYPE cargoport_jobs_total counter")
	for _, label := range jobLabels {
		count := r.jobEvents[label]
		fmt.Fprintf(w, "cargoport_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP cargoport_active_jobs Current number of executing background jobs")
	fmt.Fprintln(w, "# TYPE cargoport_active_jobs gauge")
	fmt.Fprintf(w, "cargoport_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP cargoport_blobstore_attempts_total Total blob-store operations attempted by action")
	fmt.Fprintln(w, "# TYPE cargoport_blobstore_attempts_total counter")
	for _, op := range blobOperations {
		count := r.blobAttempts[op]
		fmt.Fprintf(w, "cargoport_blobstore_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP cargoport_blobstore_failures_total Total blob-store operation failures by action")
	fmt.Fprintln(w, "# TYPE cargoport_blobstore_failures_total counter")
	for _, op := range blobOperations {
		count := r.blobFailures[op]
		fmt.Fprintf(w, "cargoport_blobstore_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP cargoport_droplets_deleted_total Total droplets destroyed by bulk delete requests")
	fmt.Fprintln(w, "# TYPE cargoport_droplets_deleted_total counter")
	fmt.Fprintf(w, "cargoport_droplets_deleted_total %d\n", r.dropletsDeleted)

	fmt.Fprintln(w, "# HELP cargoport_drain_batches_total Total syslog drain URL pages served")
	fmt.Fprintln(w, "# TYPE cargoport_drain_batches_total counter")
	fmt.Fprintf(w, "cargoport_drain_batches_total %d\n", r.drainBatches)

	fmt.Fprintln(w, "# HELP cargoport_dependency_health Health status reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE cargoport_dependency_health gauge")
	for _, service := range healthServices {
		value := r.healthValue[service]
		status := r.healthState[service]
		fmt.Fprintf(w, "cargoport_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPackageEvents() []string {
	events := make([]string, 0, len(r.packageEvents))
	for event := range r.packageEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedBlobOperations() []string {
	seen := make(map[string]struct{}, len(r.blobAttempts)+len(r.blobFailures))
	for op := range r.blobAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.blobFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedHealthServices() []string {
	services := make([]string, 0, len(r.healthValue))
	for service := range r.healthValue {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":guid"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 && !strings.Contains(segment, "_") {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObservePackageEvent records a package lifecycle event on the default recorder.
func ObservePackageEvent(event string) {
	defaultRecorder.ObservePackageEvent(event)
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// JobStarted records the start of a background job on the default recorder.
func JobStarted(kind string) {
	defaultRecorder.JobStarted(kind)
}

// JobCompleted records the completion of a background job on the default recorder.
func JobCompleted(kind string) {
	defaultRecorder.JobCompleted(kind)
}

// JobFailed records a failed background job on the default recorder.
func JobFailed(kind string) {
	defaultRecorder.JobFailed(kind)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
