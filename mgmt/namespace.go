package mgmt

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type namespaceResponse struct {
	Name string `json:"name"`
}

type createNamespaceRequest struct {
	Name string `json:"name"`
}

func (h *Handler) mountNamespace(r chi.Router) {
	r.Get("/", h.listNamespaces)
	r.Post("/", h.createNamespace)
	r.Delete("/{name}", h.deleteNamespace)
}

func (h *Handler) listNamespaces(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	namespaces, err := h.Credentials.ListNamespacesForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]namespaceResponse, 0, len(namespaces))
	for _, ns := range namespaces {
		out = append(out, namespaceResponse{Name: ns.Name})
	}
	writeJSON(w, out)
}

func (h *Handler) createNamespace(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	req, err := decodeJSON[createNamespaceRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	ns, err := h.Credentials.CreateNamespace(r.Context(), req.Name, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, namespaceResponse{Name: ns.Name})
}

func (h *Handler) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	name := chi.URLParam(r, "name")
	if err := h.Credentials.DeleteNamespace(r.Context(), name, user.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
