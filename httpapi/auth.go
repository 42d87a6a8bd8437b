package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fernandezvara/permkit"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message   string                 `json:"message"`
	Token     string                 `json:"token"`
	ExpiresAt time.Time              `json:"expiresAt"`
	User      *permkit.ActorSnapshot `json:"user"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		h.respondError(w, r, permkit.NewError(permkit.ErrValidation, "email and password are required"))
		return
	}

	snap, err := h.core.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if permkit.IsUnauthenticated(err) {
			h.logger.InfoContext(r.Context(), "login rejected", slog.String("ip", permkit.GetIPAddress(r.Context())))
		}
		h.respondError(w, r, err)
		return
	}

	token, expires, err := h.issuer.Issue(snap)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     permkit.TokenCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Message:   "Login Successful",
		Token:     token,
		ExpiresAt: expires,
		User:      snap,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     permkit.TokenCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// me returns the current snapshot from the store, not the one in the credential.
func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	actor := permkit.MustGetActor(r.Context())
	snap, err := h.core.ResolveActorSnapshot(r.Context(), actor.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
