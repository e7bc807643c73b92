package mgmt

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/model"
)

type createUserRequest struct {
	Email      string   `json:"email"`
	Password   string   `json:"password"`
	Role       string   `json:"role"`
	Namespaces []string `json:"namespaces"`
}

type userResponse struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type permissionsRequest struct {
	Namespaces []string `json:"namespaces"`
}

func (h *Handler) mountAdmin(r chi.Router) {
	r.Post("/users", h.createUser)
	r.Get("/users", h.listUsers)

	r.Get("/users/{email}/role", h.getUserRole)
	r.Post("/users/{email}/role", h.setUserRole)

	r.Get("/users/{email}/permissions", h.getUserPermissions)
	r.Post("/users/{email}/permissions", h.grantUserPermissions)
	r.Delete("/users/{email}/permissions", h.revokeUserPermissions)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[createUserRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleUser
	}

	user, err := h.Credentials.CreateUser(r.Context(), req.Email, req.Password, role, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(req.Namespaces) > 0 {
		if err := h.Credentials.GrantPermissions(r.Context(), user.Email, req.Namespaces); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, userResponse{Email: user.Email, Role: string(user.Role)})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Credentials.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{Email: u.Email, Role: string(u.Role)})
	}
	writeJSON(w, out)
}

func (h *Handler) getUserRole(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	users, err := h.Credentials.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, u := range users {
		if u.Email == email {
			writeJSON(w, roleRequest{Role: string(u.Role)})
			return
		}
	}
	writeError(w, errs.NotFound("user"))
}

func (h *Handler) setUserRole(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	req, err := decodeJSON[roleRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Credentials.SetRole(r.Context(), email, model.Role(req.Role)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getUserPermissions(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	perms, err := h.Credentials.ListPermissions(r.Context(), email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, permissionsRequest{Namespaces: perms})
}

func (h *Handler) grantUserPermissions(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	req, err := decodeJSON[permissionsRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Credentials.GrantPermissions(r.Context(), email, req.Namespaces); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) revokeUserPermissions(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	req, err := decodeJSON[permissionsRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Credentials.RevokePermissions(r.Context(), email, req.Namespaces); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
