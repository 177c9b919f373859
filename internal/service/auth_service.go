package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/audit"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/models"
	"auth-core/internal/recovery"
	"auth-core/internal/repository"
	"auth-core/internal/totp"
	"auth-core/internal/util"
)

// maxCounterRetries bounds the compare-and-set loop on the failure counter.
const maxCounterRetries = 3

// SecretSealer encrypts TOTP secrets at rest. *encryption.EncryptionManager
// satisfies it.
type SecretSealer interface {
	SealString(ctx context.Context, plaintext, purpose string) (string, error)
	OpenString(ctx context.Context, sealed, purpose string) (string, error)
}

// PasswordHasher is satisfied by *hashing.Hasher.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(encoded, plain string) bool
	DummyVerify(plain string)
	NeedsRehash(encoded string) bool
}

type LoginInput struct {
	Email        string
	Password     string
	TOTPCode     string
	RecoveryCode string
	Request      audit.RequestContext
}

// ProfileUpdate carries the optional profile fields a user may change.
type ProfileUpdate struct {
	DisplayName *string
	Email       *string
	Request     audit.RequestContext
}

type LoginResult struct {
	User         models.UserProjection
	SessionToken string
}

// Profile is what an authenticated user may read about themselves.
type Profile struct {
	models.UserProjection
	TOTPEnabled bool      `json:"totpEnabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuthService runs the login state machine.
type AuthService struct {
	store            repository.CredentialStore
	hasher           PasswordHasher
	totp             *totp.Engine
	secrets          SecretSealer
	sessions         *SessionManager
	audit            AuditRecorder
	lockout          config.LockoutConfig
	twoFactorEnabled bool
	logger           *zap.Logger
	now              func() time.Time
}

func NewAuthService(
	store repository.CredentialStore,
	hasher PasswordHasher,
	engine *totp.Engine,
	secrets SecretSealer,
	sessions *SessionManager,
	recorder AuditRecorder,
	cfg *config.Config,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		store:            store,
		hasher:           hasher,
		totp:             engine,
		secrets:          secrets,
		sessions:         sessions,
		audit:            recorder,
		lockout:          cfg.Lockout,
		twoFactorEnabled: cfg.Features.TwoFactorEnabled,
		logger:           logger.Named("auth"),
		now:              time.Now,
	}
}

// Login checks credentials and, on success, opens a session. The order of
// checks is fixed: lookup, lock, password, second factor, success.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := util.NormalizeEmail(in.Email)

	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		// Same argon2 cost as a real verify so timing does not reveal the email.
		s.hasher.DummyVerify(in.Password)
		s.audit.Record(ctx, models.AuditLoginFailed, nil, in.Request, map[string]any{
			"reason": "user_not_found",
			"email":  email,
		})
		return nil, ErrInvalidCredentials
	}

	if user.IsLocked(s.now()) {
		s.audit.Record(ctx, models.AuditLoginFailedLocked, &user.ID, in.Request, nil)
		return nil, ErrAccountLocked
	}

	if !s.hasher.Verify(user.PasswordHash, in.Password) {
		return nil, s.registerFailure(ctx, user, in.Request, "invalid_password", ErrInvalidCredentials)
	}

	method := "password"
	if s.twoFactorEnabled && user.TOTPEnabled {
		m, err := s.checkSecondFactor(ctx, user, in)
		if err != nil {
			return nil, err
		}
		method = m
	}

	return s.completeLogin(ctx, user, in, method)
}

func (s *AuthService) checkSecondFactor(ctx context.Context, user *models.User, in LoginInput) (string, error) {
	switch {
	case in.RecoveryCode != "":
		return "recovery_code", s.redeemRecoveryCode(ctx, user, in)
	case in.TOTPCode != "":
		if user.TOTPSecret == nil {
			return "", internalError("load totp secret", errors.New("totp enabled without a secret"))
		}
		secret, err := s.secrets.OpenString(ctx, *user.TOTPSecret, encryption.PurposeTOTPSecret)
		if err != nil {
			return "", internalError("open totp secret", err)
		}
		if !s.totp.Validate(secret, in.TOTPCode, s.now()) {
			return "", s.registerFailure(ctx, user, in.Request, "invalid_totp_code", ErrInvalidTOTPCode)
		}
		return "totp", nil
	default:
		return "", ErrTwoFactorRequired
	}
}

// redeemRecoveryCode matches the code against the user's unused codes and
// burns the match. A code consumed by a concurrent login counts as invalid.
func (s *AuthService) redeemRecoveryCode(ctx context.Context, user *models.User, in LoginInput) error {
	if !recovery.Valid(in.RecoveryCode) {
		return s.registerFailure(ctx, user, in.Request, "invalid_recovery_code", ErrInvalidRecoveryCode)
	}

	codes, err := s.store.ListActiveRecoveryCodes(ctx, user.ID)
	if err != nil {
		return internalError("list recovery codes", err)
	}

	normalized := recovery.Normalize(in.RecoveryCode)
	for _, code := range codes {
		if !s.hasher.Verify(code.CodeHash, normalized) {
			continue
		}
		if err := s.store.ConsumeRecoveryCode(ctx, code.ID, s.now()); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				break
			}
			return internalError("consume recovery code", err)
		}
		s.audit.Record(ctx, models.AuditRecoveryCodeUsed, &user.ID, in.Request, map[string]any{
			"remainingCodes": len(codes) - 1,
		})
		return nil
	}

	return s.registerFailure(ctx, user, in.Request, "invalid_recovery_code", ErrInvalidRecoveryCode)
}

// registerFailure bumps the failure counter with a guarded update, applying a
// lock once the threshold is reached, and returns failure for the caller.
//
// The call that applies the lock still returns failure rather than
// ErrAccountLocked; only later attempts see the locked message.
func (s *AuthService) registerFailure(ctx context.Context, user *models.User, req audit.RequestContext, reason string, failure error) error {
	current := user
	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		attempts := current.FailedLoginAttempts + 1
		patch := models.SecurityPatch{
			FailedLoginAttempts:       &attempts,
			ExpectFailedLoginAttempts: models.Ptr(current.FailedLoginAttempts),
		}

		var lockFor time.Duration
		if attempts >= s.lockout.Threshold {
			lockFor = LockoutDuration(attempts, s.lockout.DefaultDuration)
			until := s.now().Add(lockFor)
			patch.LockedUntil = &until
		}

		err := s.store.UpdateUserSecurityFields(ctx, current.ID, patch)
		switch {
		case err == nil:
			if lockFor > 0 {
				s.audit.Record(ctx, models.AuditAccountLocked, &user.ID, req, map[string]any{
					"reason":      reason,
					"attempts":    attempts,
					"lockMinutes": int(lockFor / time.Minute),
				})
			} else {
				s.audit.Record(ctx, models.AuditLoginFailed, &user.ID, req, map[string]any{
					"reason":   reason,
					"attempts": attempts,
				})
			}
			return failure
		case errors.Is(err, repository.ErrConflict):
			fresh, ferr := s.store.FindUserByID(ctx, current.ID)
			if ferr != nil {
				return internalError("reload user after counter conflict", ferr)
			}
			current = fresh
		default:
			return internalError("record failed login", err)
		}
	}

	s.logger.Warn("Gave up recording failed login after repeated conflicts",
		util.String("user_id", user.ID),
		util.Int("retries", maxCounterRetries))
	s.audit.Record(ctx, models.AuditLoginFailed, &user.ID, req, map[string]any{"reason": reason})
	return failure
}

func (s *AuthService) completeLogin(ctx context.Context, user *models.User, in LoginInput, method string) (*LoginResult, error) {
	now := s.now()
	patch := models.SecurityPatch{
		FailedLoginAttempts: models.Ptr(0),
		ClearLockedUntil:    true,
		LastLoginAt:         &now,
	}

	rehashed := false
	if s.hasher.NeedsRehash(user.PasswordHash) {
		if hash, err := s.hasher.Hash(in.Password); err != nil {
			s.logger.Warn("Password rehash failed", util.String("user_id", user.ID), util.ErrorField(err))
		} else {
			patch.PasswordHash = &hash
			rehashed = true
		}
	}

	if err := s.store.UpdateUserSecurityFields(ctx, user.ID, patch); err != nil {
		return nil, internalError("record successful login", err)
	}

	token, err := s.sessions.Start(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if rehashed {
		s.audit.Record(ctx, models.AuditPasswordRehashed, &user.ID, in.Request, nil)
	}
	s.audit.Record(ctx, models.AuditLoginSuccess, &user.ID, in.Request, map[string]any{"method": method})

	return &LoginResult{User: user.Projection(), SessionToken: token}, nil
}

// Logout ends the session behind token and records who it belonged to.
func (s *AuthService) Logout(ctx context.Context, token string, req audit.RequestContext) error {
	userID, err := s.sessions.End(ctx, token)
	if err != nil {
		return err
	}

	var actor *string
	if userID != "" {
		actor = &userID
	}
	s.audit.Record(ctx, models.AuditLogout, actor, req, nil)
	return nil
}

func (s *AuthService) Me(user *models.User) Profile {
	return Profile{
		UserProjection: user.Projection(),
		TOTPEnabled:    user.TOTPEnabled,
		CreatedAt:      user.CreatedAt,
	}
}

// UpdateProfile changes the caller's display name and/or email. The email is
// normalized; resubmitting the current email is not a change.
func (s *AuthService) UpdateProfile(ctx context.Context, user *models.User, in ProfileUpdate) (Profile, error) {
	patch := models.ProfilePatch{DisplayName: in.DisplayName}
	if in.Email != nil {
		if email := util.NormalizeEmail(*in.Email); email != user.Email {
			patch.Email = &email
		}
	}
	if patch.IsEmpty() {
		return s.Me(user), nil
	}

	updated, err := s.store.UpdateProfile(ctx, user.ID, patch)
	switch {
	case errors.Is(err, repository.ErrDuplicateEmail):
		return Profile{}, ErrEmailInUse
	case errors.Is(err, repository.ErrNotFound):
		return Profile{}, ErrSessionUserMissing
	case err != nil:
		return Profile{}, internalError("update profile", err)
	}

	var fields []any
	if patch.DisplayName != nil {
		fields = append(fields, "displayName")
	}
	if patch.Email != nil {
		fields = append(fields, "email")
	}
	s.audit.Record(ctx, models.AuditProfileUpdated, &user.ID, in.Request, map[string]any{"fields": fields})
	return s.Me(updated), nil
}
