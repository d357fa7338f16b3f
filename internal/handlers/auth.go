package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quillblog/apiserver/internal/auth"
	"github.com/quillblog/apiserver/internal/services"
	"github.com/quillblog/apiserver/types"
)

// CookieOptions controls the session cookie set on login and register.
type CookieOptions struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// AuthHandler provides account and session endpoints.
type AuthHandler struct {
	userService *services.UserService
	tokens      *auth.Tokens
	cookie      CookieOptions
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(userService *services.UserService, tokens *auth.Tokens, cookie CookieOptions) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "token"
	}
	return &AuthHandler{
		userService: userService,
		tokens:      tokens,
		cookie:      cookie,
	}
}

// AuthRouter registers auth routes on the given router. limit wraps the
// credential endpoints and may be nil.
func AuthRouter(
	r chi.Router,
	userService *services.UserService,
	tokens *auth.Tokens,
	cookie CookieOptions,
	limit func(http.Handler) http.Handler,
) {
	handler := NewAuthHandler(userService, tokens, cookie)

	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/register", handler.Register)
		r.Post("/login", handler.Login)
	})
	r.Post("/logout", handler.Logout)
	r.With(handler.RequireAuth).Get("/me", handler.Me)
}

// RequireAuth verifies the session token and injects the identity into context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return RequireAuth(h.tokens, h.cookie.Name)(next)
}

// RequireAuth constructs auth middleware for other routers.
func RequireAuth(tokens *auth.Tokens, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := tokens.Verify(auth.FromRequest(r, cookieName))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
		})
	}
}

// Register creates a new account and signs the caller in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.userService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err, "failed to create user")
		return
	}

	token, err := h.userService.IssueToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	h.setSessionCookie(w, token)
	writeJSON(w, http.StatusCreated, newAuthResponse(user, token))
}

// Login verifies credentials and returns a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, token, err := h.userService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err, "failed to authenticate")
		return
	}

	h.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, newAuthResponse(user, token))
}

// Logout clears the session cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.userService.GetByID(r.Context(), identity.UserID)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	cookie := &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if h.cookie.TTL > 0 {
		cookie.MaxAge = int(h.cookie.TTL.Seconds())
	}
	http.SetCookie(w, cookie)
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func newAuthResponse(user types.User, token string) AuthResponse {
	return AuthResponse{ID: user.ID, Username: user.Username, Token: token}
}
