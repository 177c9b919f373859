package service

import (
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/hashing"
	"auth-core/internal/repository"
	"auth-core/internal/totp"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg      *config.Config
	store    repository.CredentialStore
	sessions SessionStore
	hasher   *hashing.Hasher
	engine   *totp.Engine
	secrets  SecretSealer
	audit    AuditRecorder
	archive  AuditArchive
	logger   *zap.Logger

	sessionManager *SessionManager
	authService    *AuthService
	totpService    *TOTPService
	auditQuery     *AuditQueryService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	store repository.CredentialStore,
	sessions SessionStore,
	hasher *hashing.Hasher,
	engine *totp.Engine,
	secrets SecretSealer,
	recorder AuditRecorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		hasher:   hasher,
		engine:   engine,
		secrets:  secrets,
		audit:    recorder,
		logger:   logger,
	}
}

// WithAuditArchive attaches the long-term audit archive used by the admin
// archive listing. Call it before the first AuditQueryService call.
func (f *ServiceFactory) WithAuditArchive(archive AuditArchive) *ServiceFactory {
	f.archive = archive
	return f
}

// SessionManager returns the session manager instance (singleton)
func (f *ServiceFactory) SessionManager() *SessionManager {
	if f.sessionManager == nil {
		f.sessionManager = NewSessionManager(f.sessions, f.store, f.audit, f.logger)
	}
	return f.sessionManager
}

// AuthService returns the login service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.store,
			f.hasher,
			f.engine,
			f.secrets,
			f.SessionManager(),
			f.audit,
			f.cfg,
			f.logger,
		)
	}
	return f.authService
}

// TOTPService returns the 2FA service instance (singleton)
func (f *ServiceFactory) TOTPService() *TOTPService {
	if f.totpService == nil {
		f.totpService = NewTOTPService(
			f.store,
			f.hasher,
			f.engine,
			f.secrets,
			f.audit,
			f.cfg,
			f.logger,
		)
	}
	return f.totpService
}

// AuditQueryService returns the audit listing service instance (singleton)
func (f *ServiceFactory) AuditQueryService() *AuditQueryService {
	if f.auditQuery == nil {
		f.auditQuery = NewAuditQueryService(f.store, f.archive)
	}
	return f.auditQuery
}
