package mgmt

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/logredact"
	"github.com/creeklabs/creek/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Valid bool   `json:"valid"`
	Email string `json:"email,omitempty"`
}

func (h *Handler) mountAuth(r chi.Router) {
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
	r.Get("/session", h.getSession)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[loginRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}

	user, err := h.Credentials.VerifyPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		log.Warn().Str("email", logredact.Email(req.Email)).Msg("login failed")
		writeError(w, errs.Unauthorized("invalid credentials"))
		return
	}

	cookieValue, err := h.Sessions.Create(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    cookieValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, sessionResponse{Valid: true, Email: user.Email})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(session.CookieName)
	if err == nil {
		_, sessionID, resolveErr := h.Sessions.Resolve(r.Context(), cookie.Value)
		if resolveErr == nil {
			_ = h.Sessions.Destroy(r.Context(), sessionID)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		writeJSON(w, sessionResponse{Valid: false})
		return
	}

	userID, _, err := h.Sessions.Resolve(r.Context(), cookie.Value)
	if err != nil {
		writeJSON(w, sessionResponse{Valid: false})
		return
	}

	users, err := h.Credentials.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, u := range users {
		if u.ID == userID {
			writeJSON(w, sessionResponse{Valid: true, Email: u.Email})
			return
		}
	}
	writeJSON(w, sessionResponse{Valid: false})
}
