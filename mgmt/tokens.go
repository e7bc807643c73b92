package mgmt

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creeklabs/creek/errs"
)

type createTokenRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type createTokenResponse struct {
	KeyID     string `json:"keyId"`
	LongToken string `json:"longToken"`
}

func (h *Handler) mountTokens(r chi.Router) {
	r.Post("/", h.createToken)
	r.Delete("/{keyId}", h.revokeToken)
}

// createToken issues a new API key scoped to a namespace the caller has
// access to. LongToken is returned once and is never retrievable again.
func (h *Handler) createToken(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	req, err := decodeJSON[createTokenRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.checkAccess(r, req.Namespace); err != nil {
		writeError(w, err)
		return
	}

	namespaces, err := h.Credentials.ListNamespacesForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	var nsID int64
	found := false
	for _, ns := range namespaces {
		if ns.Name == req.Namespace {
			nsID, found = ns.ID, true
			break
		}
	}
	if !found {
		writeError(w, errs.NotFound("namespace"))
		return
	}

	issued, err := h.Credentials.IssueAPIKey(r.Context(), user.ID, nsID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, createTokenResponse{KeyID: issued.KeyID, LongToken: issued.LongToken})
}

// revokeToken rotates the caller's signing key, invalidating every
// previously issued API key the way original_source treats key rotation.
func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	if err := h.Credentials.RotateUserKey(r.Context(), user.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
