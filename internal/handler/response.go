package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"auth-core/internal/service"
)

const (
	msgInvalidCredentials = "Invalid email or password"
	msgAccountLocked      = "Account temporarily locked due to too many failed attempts. Try again later."
	msgTwoFactorRequired  = "2FA verification code required"
	msgInvalidTOTPCode    = "Invalid 2FA code. Please try again."
	msgInvalidPassword    = "Invalid password."
	msgAuthRequired       = "Authentication required"
	msgUserNotFound       = "User not found"
	msgForbidden          = "Insufficient permissions"
	msgValidationFailed   = "Validation failed"
	msgInternal           = "An unexpected error occurred"
	msgTooManyRequests    = "Too many requests"
	msgInvalidCSRFToken   = "Invalid CSRF token"
	msgEmailInUse         = "Email already in use"
	msgArchiveDisabled    = "Audit archive is not enabled"
)

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Meta describes a listing
type Meta struct {
	Total    int `json:"total"`
	PageSize int `json:"page_size,omitempty"`
}

func successResponse(data any, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse never carries an error's text, only the status name and a
// message written for the client.
func errorResponse(status int, message string) Response {
	return Response{
		Success: false,
		Error:   http.StatusText(status),
		Message: message,
	}
}

func respondWithJSON(w http.ResponseWriter, status int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, errorResponse(status, message))
}

// getStatusCode maps a service error to a status and a client-safe message.
// failureMessage is the endpoint's single message for every authentication
// failure.
func getStatusCode(err error, failureMessage string) (int, string) {
	var conflict *service.StateConflictError

	switch {
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusUnauthorized, msgAccountLocked
	case errors.Is(err, service.ErrTwoFactorRequired):
		return http.StatusForbidden, msgTwoFactorRequired
	case errors.Is(err, service.ErrAuthenticationFailed):
		return http.StatusUnauthorized, failureMessage
	case errors.As(err, &conflict):
		return http.StatusBadRequest, conflict.Message
	case errors.Is(err, service.ErrSessionUserMissing):
		return http.StatusUnauthorized, msgUserNotFound
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, msgAuthRequired
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, msgForbidden
	case errors.Is(err, service.ErrEmailInUse):
		return http.StatusConflict, msgEmailInUse
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// respondWithServiceError writes the mapped error. Unexpected errors are
// logged in full here and nowhere else.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, failureMessage string) {
	status, message := getStatusCode(err, failureMessage)
	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	respondWithError(w, status, message)
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

const maxBodyBytes = 16 << 10
