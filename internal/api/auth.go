package api

import (
	"fmt"
	"net/http"
	"strings"

	"cargoport/internal/auth"
)

// ExtractToken pulls the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthenticateRequest verifies the bearer token on the request and returns
// the actor it describes.
func (h *Handler) AuthenticateRequest(r *http.Request) (auth.Actor, error) {
	token := ExtractToken(r)
	if token == "" {
		return auth.Actor{}, fmt.Errorf("missing bearer token")
	}
	actor, err := h.Tokens.Verify(token)
	if err != nil {
		return auth.Actor{}, fmt.Errorf("invalid bearer token")
	}
	return actor, nil
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return auth.Actor{}, false
	}
	return actor, true
}
