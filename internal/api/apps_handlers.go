package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cargoport/internal/auth"
	"cargoport/internal/packages"
)

// AppSubtree routes /v3/apps/{guid} and its subresources.
func (h *Handler) AppSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v3/apps/"), "/")
	segments := strings.Split(rest, "/")
	if rest == "" || segments[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	appGUID := segments[0]
	switch {
	case len(segments) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.showApp(w, r, appGUID)
	case len(segments) == 2 && segments[1] == "packages":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.createPackage(w, r, appGUID)
	case len(segments) == 2 && segments[1] == "droplets":
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.deleteAppDroplets(w, r, appGUID)
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

func (h *Handler) showApp(w http.ResponseWriter, r *http.Request, appGUID string) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	app, processes, ok := h.Apps.Fetch(actor, appGUID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("App not found"))
		return
	}
	writeJSON(w, http.StatusOK, presentApp(app, processes))
}

type createPackageRequest struct {
	Type *string `json:"type"`
	URL  *string `json:"url"`
}

func (h *Handler) createPackage(w http.ResponseWriter, r *http.Request, appGUID string) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var body createPackageRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg := packages.CreateMessage{AppGUID: appGUID, Type: body.Type, URL: body.URL}
	if violations := msg.Validate(); len(violations) > 0 {
		writeValidationErrors(w, violations)
		return
	}
	pkg, err := h.Packages.Create(r.Context(), actor, msg)
	if err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentPackage(pkg))
}

func (h *Handler) deleteAppDroplets(w http.ResponseWriter, r *http.Request, appGUID string) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	app, exists := h.Store.GetApp(appGUID)
	if !exists {
		writeError(w, http.StatusNotFound, errors.New("App not found"))
		return
	}
	space, spaceOK := h.Store.GetSpace(app.SpaceGUID)
	if !spaceOK {
		h.respondLifecycleError(w, fmt.Errorf("space %s not found", app.SpaceGUID))
		return
	}
	org, orgOK := h.Store.GetOrganization(space.OrganizationGUID)
	if !orgOK {
		h.respondLifecycleError(w, fmt.Errorf("organization %s not found", space.OrganizationGUID))
		return
	}
	if !h.Policy.Can(actor, auth.ActionDelete, space, org) {
		writeError(w, http.StatusForbidden, errors.New("forbidden"))
		return
	}
	if _, err := h.Droplets.DeleteForApp(r.Context(), appGUID); err != nil {
		h.respondLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
