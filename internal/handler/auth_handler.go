package handler

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/service"
	"auth-core/internal/totp"
	"auth-core/internal/util"
)

// AuthHandler handles login, logout and the session-bound endpoints.
type AuthHandler struct {
	authService *service.AuthService
	sessions    *service.SessionManager
	auth        *Authenticator
	session     config.SessionConfig
	logger      *zap.Logger
}

func NewAuthHandler(authService *service.AuthService, sessions *service.SessionManager, auth *Authenticator, session config.SessionConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		sessions:    sessions,
		auth:        auth,
		session:     session,
		logger:      logger,
	}
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	TOTPCode     string `json:"totpCode,omitempty"`
	RecoveryCode string `json:"recoveryCode,omitempty"`
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && len(email) <= 255 && strings.Contains(email, "@")
}

func (req *loginRequest) valid() bool {
	switch {
	case !validEmail(req.Email):
		return false
	case req.Password == "" || len(req.Password) > 128:
		return false
	case req.TOTPCode != "" && !totp.WellFormed(req.TOTPCode):
		return false
	case len(req.RecoveryCode) > 64:
		return false
	}
	return true
}

type updateProfileRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	Email       *string `json:"email,omitempty"`
}

func (req *updateProfileRequest) valid() bool {
	if req.DisplayName == nil && req.Email == nil {
		return false
	}
	if req.DisplayName != nil {
		if n := utf8.RuneCountInString(*req.DisplayName); n < 1 || n > 100 {
			return false
		}
	}
	return req.Email == nil || validEmail(*req.Email)
}

// RegisterRoutes registers the auth and profile routes. throttle guards login.
func (h *AuthHandler) RegisterRoutes(router chi.Router, throttle func(http.Handler) http.Handler) {
	router.With(throttle).Post("/auth/login", h.Login)

	router.Group(func(r chi.Router) {
		r.Use(h.auth.RequireAuth)
		r.Get("/auth/csrf-token", h.CSRFToken)
		r.Get("/me", h.Me)
		r.With(h.auth.VerifyCSRF).Patch("/me", h.UpdateMe)
		r.With(h.auth.VerifyCSRF).Post("/auth/logout", h.Logout)
	})
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil || !req.valid() {
		respondWithError(w, http.StatusBadRequest, msgValidationFailed)
		return
	}

	result, err := h.authService.Login(r.Context(), service.LoginInput{
		Email:        req.Email,
		Password:     req.Password,
		TOTPCode:     req.TOTPCode,
		RecoveryCode: req.RecoveryCode,
		Request:      requestContext(r),
	})
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgInvalidCredentials)
		return
	}

	// A session presented at login is replaced, never upgraded.
	if previous := h.auth.sessionToken(r); previous != "" {
		if _, err := h.sessions.End(r.Context(), previous); err != nil {
			h.logger.Warn("Failed to end previous session",
				util.String("session", util.TokenFingerprint(previous)),
				util.ErrorField(err))
		}
	}

	h.setSessionCookie(w, result.SessionToken)
	respondWithJSON(w, http.StatusOK, successResponse(map[string]any{"user": result.User}, "Login successful"))
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.authService.Logout(r.Context(), h.auth.sessionToken(r), requestContext(r))
	// The browser drops the cookie even when the server-side session could
	// not be removed.
	h.clearSessionCookie(w)
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgAuthRequired)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out successfully"))
}

// CSRFToken handles GET /auth/csrf-token
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token := h.auth.CSRFToken(h.auth.sessionToken(r))
	respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"token": token}, ""))
}

// Me handles GET /me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, successResponse(h.authService.Me(currentUser(r)), ""))
}

// UpdateMe handles PATCH /me
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil || !req.valid() {
		respondWithError(w, http.StatusBadRequest, msgValidationFailed)
		return
	}

	profile, err := h.authService.UpdateProfile(r.Context(), currentUser(r), service.ProfileUpdate{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Request:     requestContext(r),
	})
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgAuthRequired)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]any{"user": profile}, "Profile updated"))
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.session.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.session.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   h.session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
