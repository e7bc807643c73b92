// Package mgmt implements the broker's management plane: session-based
// login, namespace and user administration, queue configuration, and API
// token issuance. Every route except /version and the /auth routes
// requires an active session cookie; admin-only routes additionally
// require the caller's role to be model.RoleAdmin.
package mgmt

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creeklabs/creek/credential"
	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/model"
	"github.com/creeklabs/creek/queue"
	"github.com/creeklabs/creek/session"
	"github.com/creeklabs/creek/version"
)

// Handler bundles the stores the management routes operate on.
type Handler struct {
	Credentials *credential.Store
	Queues      *queue.Engine
	Sessions    *session.Store

	// DefaultMaxRetries is the retry budget given to every queue created
	// through the management plane.
	DefaultMaxRetries uint32
}

// Mount attaches every management route to r.
func Mount(r chi.Router, h *Handler) {
	r.Get("/version", getVersion)
	r.Route("/auth", h.mountAuth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Route("/ns", h.mountNamespace)
		r.Route("/queue", h.mountQueue)
		r.Route("/tokens", h.mountTokens)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Route("/admin", h.mountAdmin)
		})
	})
}

type identityKey int

const currentUserKey identityKey = iota

func userFrom(r *http.Request) (model.User, bool) {
	v, ok := r.Context().Value(currentUserKey).(model.User)
	return v, ok
}

func withUser(r *http.Request, u model.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), currentUserKey, u))
}

// requireSession resolves the session cookie into a user and stores it in
// the request context, failing closed with 401 when absent or expired.
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(session.CookieName)
		if err != nil {
			writeError(w, errs.Unauthorized("session"))
			return
		}

		userID, _, err := h.Sessions.Resolve(r.Context(), cookie.Value)
		if err != nil {
			writeError(w, errs.Unauthorized("session"))
			return
		}

		users, err := h.Credentials.ListUsers(r.Context())
		if err != nil {
			writeError(w, errs.Wrap(errs.KindInternalServerError, "load user", err))
			return
		}
		var found model.User
		var ok bool
		for _, u := range users {
			if u.ID == userID {
				found, ok = u, true
				break
			}
		}
		if !ok {
			writeError(w, errs.Unauthorized("session"))
			return
		}

		next.ServeHTTP(w, withUser(r, found))
	})
}

// requireAdmin assumes requireSession has already populated the request
// context; it must be mounted after it.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r)
		if !ok || user.Role != model.RoleAdmin {
			writeError(w, errs.Unauthorized("session"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Version string `json:"version"`
	}{Version: string(version.Current)})
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.StatusCode(err))
	_, _ = w.Write([]byte(`{"error":"` + errs.ClientMessage(err) + `"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, errs.Wrap(errs.KindInvalidParameter, "request body", err)
	}
	return v, nil
}
