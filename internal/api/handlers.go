// Package api translates HTTP requests into lifecycle handler and query
// calls, and maps typed failures back onto the response taxonomy.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"cargoport/internal/auth"
	"cargoport/internal/droplets"
	"cargoport/internal/packages"
	"cargoport/internal/queries"
	"cargoport/internal/storage"
)

type Handler struct {
	Store    storage.Repository
	Packages *packages.Handler
	Droplets *droplets.Deleter
	Apps     queries.AppFetcher
	Policy   auth.Policy
	Tokens   *auth.TokenCodec
	Bulk     auth.BulkCredential
	// BitsDir is where multipart uploads are staged before the ingest job
	// picks them up.
	BitsDir string
	Logger  *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Health reports datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// respondLifecycleError maps handler failures onto the response taxonomy.
// Anything outside the taxonomy is an infrastructure failure.
func (h *Handler) respondLifecycleError(w http.ResponseWriter, err error) {
	var (
		typeErr    packages.InvalidPackageTypeError
		invalidErr packages.InvalidPackageError
	)
	switch {
	case errors.Is(err, storage.ErrAppNotFound):
		writeError(w, http.StatusNotFound, errors.New("App not found"))
	case errors.Is(err, storage.ErrPackageNotFound):
		writeError(w, http.StatusNotFound, errors.New("Package not found"))
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusForbidden, errors.New("forbidden"))
	case errors.As(err, &typeErr):
		writeError(w, http.StatusUnprocessableEntity, typeErr)
	case errors.As(err, &invalidErr):
		writeError(w, http.StatusUnprocessableEntity, invalidErr)
	default:
		h.logger().Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
