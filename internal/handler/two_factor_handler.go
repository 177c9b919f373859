package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-core/internal/service"
	"auth-core/internal/totp"
)

// TwoFactorHandler exposes TOTP enrollment and recovery code management.
type TwoFactorHandler struct {
	totpService *service.TOTPService
	auth        *Authenticator
	logger      *zap.Logger
}

func NewTwoFactorHandler(totpService *service.TOTPService, auth *Authenticator, logger *zap.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{
		totpService: totpService,
		auth:        auth,
		logger:      logger,
	}
}

type setupResponse struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	QRCode string `json:"qrCode"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type disableRequest struct {
	Password string `json:"password"`
}

type recoveryCodesResponse struct {
	RecoveryCodes []string `json:"recoveryCodes"`
}

// RegisterRoutes registers the /auth/2fa routes
func (h *TwoFactorHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth/2fa", func(r chi.Router) {
		r.Use(h.auth.RequireAuth)
		r.Use(h.auth.VerifyCSRF)

		r.Post("/setup", h.Setup)
		r.Post("/verify", h.Verify)
		r.Post("/disable", h.Disable)
		r.Post("/recovery-codes", h.RegenerateRecoveryCodes)
	})
}

// Setup handles POST /auth/2fa/setup
func (h *TwoFactorHandler) Setup(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.totpService.Setup(r.Context(), currentUser(r).ID, requestContext(r))
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgInvalidTOTPCode)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(setupResponse{
		Secret: enrollment.Secret,
		URI:    enrollment.URI,
		QRCode: enrollment.ImageDataURL,
	}, ""))
}

// Verify handles POST /auth/2fa/verify
func (h *TwoFactorHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil || !totp.WellFormed(req.Code) {
		respondWithError(w, http.StatusBadRequest, msgValidationFailed)
		return
	}

	codes, err := h.totpService.Verify(r.Context(), currentUser(r).ID, req.Code, requestContext(r))
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgInvalidTOTPCode)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(
		recoveryCodesResponse{RecoveryCodes: codes},
		"2FA enabled successfully. Save your recovery codes securely.",
	))
}

// Disable handles POST /auth/2fa/disable
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Password == "" || len(req.Password) > 128 {
		respondWithError(w, http.StatusBadRequest, msgValidationFailed)
		return
	}

	if err := h.totpService.Disable(r.Context(), currentUser(r).ID, req.Password, requestContext(r)); err != nil {
		respondWithServiceError(w, r, h.logger, err, msgInvalidPassword)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "2FA has been disabled."))
}

// RegenerateRecoveryCodes handles POST /auth/2fa/recovery-codes
func (h *TwoFactorHandler) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil || !totp.WellFormed(req.Code) {
		respondWithError(w, http.StatusBadRequest, msgValidationFailed)
		return
	}

	codes, err := h.totpService.RegenerateRecoveryCodes(r.Context(), currentUser(r).ID, req.Code, requestContext(r))
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgInvalidTOTPCode)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(
		recoveryCodesResponse{RecoveryCodes: codes},
		"Recovery codes regenerated. Previous codes no longer work.",
	))
}
