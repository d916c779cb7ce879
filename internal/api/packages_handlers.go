package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"cargoport/internal/packages"
)

const maxUploadMemory = 32 << 20

// PackageSubtree routes /v3/packages/{guid} and the upload subresource.
func (h *Handler) PackageSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v3/packages/"), "/")
	segments := strings.Split(rest, "/")
	if rest == "" || segments[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	guid := segments[0]
	switch {
	case len(segments) == 1:
		switch r.Method {
		case http.MethodGet:
			h.showPackage(w, r, guid)
		case http.MethodDelete:
			h.deletePackage(w, r, guid)
		default:
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
	case len(segments) == 2 && segments[1] == "upload":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.uploadPackage(w, r, guid)
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (h *Handler) showPackage(w http.ResponseWriter, r *http.Request, guid string) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	pkg, err := h.Packages.Show(r.Context(), actor, guid)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	if pkg == nil {
		writeError(w, http.StatusNotFound, errors.New("Package not found"))
		return
	}
	writeJSON(w, http.StatusOK, presentPackage(*pkg))
}

func (h *Handler) deletePackage(w http.ResponseWriter, r *http.Request, guid string) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	if _, err := h.Packages.Delete(r.Context(), actor, guid); err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	// Deleted and already-absent both end here.
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) uploadPackage(w http.ResponseWriter, r *http.Request, guid string) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	bitsPath, err := h.stageBits(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg := packages.UploadMessage{PackageGUID: guid, BitsPath: bitsPath}
	if violations := msg.Validate(); len(violations) > 0 {
		writeValidationErrors(w, violations)
		return
	}
	pkg, err := h.Packages.Upload(r.Context(), actor, msg)
	if err != nil {
		if bitsPath != "" {
			_ = os.Remove(bitsPath)
		}
		h.respondLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presentPackage(pkg))
}

// stageBits copies the multipart `bits` part onto local disk so the ingest
// job can pick it up. A request without the part stages nothing and returns
// an empty path; message validation reports it.
func (h *Handler) stageBits(r *http.Request) (string, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return "", fmt.Errorf("parse multipart form: %w", err)
	}
	file, _, err := r.FormFile("bits")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		return "", fmt.Errorf("read bits part: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(h.BitsDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	tmp, err := os.CreateTemp(h.BitsDir, "bits-*.zip")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage bits: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close staging file: %w", err)
	}
	return tmp.Name(), nil
}
