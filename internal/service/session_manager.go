package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"auth-core/internal/audit"
	"auth-core/internal/models"
	"auth-core/internal/repository"
	sessionstore "auth-core/internal/repository/redis"
	"auth-core/internal/util"
)

// SessionStore is the server-side session backend (Redis in production).
type SessionStore interface {
	Create(ctx context.Context, payload models.SessionPayload) (string, error)
	Read(ctx context.Context, token string) (*models.SessionPayload, error)
	Mutate(ctx context.Context, token string, payload models.SessionPayload) error
	Destroy(ctx context.Context, token string) error
}

// AuditRecorder is satisfied by *audit.Recorder.
type AuditRecorder interface {
	Record(ctx context.Context, action models.AuditAction, actorID *string, req audit.RequestContext, metadata map[string]any)
}

// SessionManager ties session tokens to users.
type SessionManager struct {
	sessions SessionStore
	users    repository.CredentialStore
	audit    AuditRecorder
	logger   *zap.Logger
}

func NewSessionManager(sessions SessionStore, users repository.CredentialStore, recorder AuditRecorder, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		users:    users,
		audit:    recorder,
		logger:   logger.Named("session"),
	}
}

// Start issues a new session token for userID.
func (m *SessionManager) Start(ctx context.Context, userID string) (string, error) {
	token, err := m.sessions.Create(ctx, models.SessionPayload{UserID: userID})
	if err != nil {
		return "", internalError("create session", err)
	}
	return token, nil
}

// Resolve returns the user behind token. A session whose user has been
// deleted is destroyed on the spot.
func (m *SessionManager) Resolve(ctx context.Context, token string, req audit.RequestContext) (*models.User, error) {
	payload, err := m.sessions.Read(ctx, token)
	if err != nil {
		if errors.Is(err, sessionstore.ErrSessionNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, internalError("read session", err)
	}
	if payload.UserID == "" {
		return nil, ErrUnauthenticated
	}

	user, err := m.users.FindUserByID(ctx, payload.UserID)
	if err != nil {
		if derr := m.sessions.Destroy(ctx, token); derr != nil {
			m.logger.Warn("Failed to destroy orphaned session",
				util.String("session", util.TokenFingerprint(token)),
				util.ErrorField(derr))
		}
		userID := payload.UserID
		m.audit.Record(ctx, models.AuditSessionUserMissing, &userID, req, nil)
		return nil, ErrSessionUserMissing
	}
	return user, nil
}

// End blanks the session payload before deleting it, so a request that read
// the session concurrently cannot write a live user id back. It returns the
// user id the session held, or "" if there was none.
func (m *SessionManager) End(ctx context.Context, token string) (string, error) {
	payload, err := m.sessions.Read(ctx, token)
	switch {
	case errors.Is(err, sessionstore.ErrSessionNotFound):
		return "", nil
	case err != nil:
		return "", internalError("read session", err)
	}

	if err := m.sessions.Mutate(ctx, token, models.SessionPayload{}); err != nil && !errors.Is(err, sessionstore.ErrSessionNotFound) {
		return "", internalError("clear session", err)
	}
	if err := m.sessions.Destroy(ctx, token); err != nil {
		return "", internalError("destroy session", err)
	}
	return payload.UserID, nil
}
