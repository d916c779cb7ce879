package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cargoport/internal/observability/metrics"
)

const (
	defaultDrainBatchSize = 50
	maxDrainBatchSize     = 1000
)

// SyslogDrainURLs serves the paginated bulk listing consumed by the log
// forwarder. It is guarded by the fixed bulk credential, not actor policy.
func (h *Handler) SyslogDrainURLs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, secret, ok := r.BasicAuth()
	if !ok || h.Bulk.Match(user, secret) != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="cargoport"`)
		writeError(w, http.StatusUnauthorized, errors.New("invalid bulk credentials"))
		return
	}

	batchSize := defaultDrainBatchSize
	if raw := r.URL.Query().Get("batch_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("batch_size must be a positive integer"))
			return
		}
		batchSize = parsed
	}
	if batchSize > maxDrainBatchSize {
		batchSize = maxDrainBatchSize
	}
	var afterID int64
	if raw := r.URL.Query().Get("next_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("next_id must be a non-negative integer"))
			return
		}
		afterID = parsed
	}

	batch, err := h.Store.SyslogDrainURLBatch(batchSize, afterID)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	metrics.Default().ObserveDrainBatch()
	results := make(map[string][]string, len(batch.Results))
	for _, entry := range batch.Results {
		results[entry.AppGUID] = entry.URLs
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"next_id": batch.NextID,
	})
}
