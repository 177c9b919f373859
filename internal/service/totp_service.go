package service

import (
	"context"
	"errors"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auth-core/internal/audit"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/hashing"
	"auth-core/internal/models"
	"auth-core/internal/recovery"
	"auth-core/internal/repository"
	"auth-core/internal/totp"
	"auth-core/internal/util"
)

// TOTPService moves a user through NONE -> PENDING -> ENABLED -> NONE.
// Every transition that touches both the user row and recovery codes runs in
// one store transaction.
type TOTPService struct {
	store     repository.CredentialStore
	hasher    *hashing.Hasher
	engine    *totp.Engine
	secrets   SecretSealer
	audit     AuditRecorder
	codeCount int
	logger    *zap.Logger
	now       func() time.Time
}

func NewTOTPService(
	store repository.CredentialStore,
	hasher *hashing.Hasher,
	engine *totp.Engine,
	secrets SecretSealer,
	recorder AuditRecorder,
	cfg *config.Config,
	logger *zap.Logger,
) *TOTPService {
	count := cfg.TOTP.RecoveryCodeCount
	if count <= 0 {
		count = recovery.DefaultCount
	}
	return &TOTPService{
		store:     store,
		hasher:    hasher,
		engine:    engine,
		secrets:   secrets,
		audit:     recorder,
		codeCount: count,
		logger:    logger.Named("totp"),
		now:       time.Now,
	}
}

// Setup generates a fresh secret and stores it as pending, replacing any
// earlier pending secret. The secret is not trusted until Verify succeeds.
func (s *TOTPService) Setup(ctx context.Context, userID string, req audit.RequestContext) (*totp.Enrollment, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TOTPEnabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	enrollment, err := s.engine.Generate(user.Email)
	if err != nil {
		return nil, internalError("generate totp secret", err)
	}
	sealed, err := s.secrets.SealString(ctx, enrollment.Secret, encryption.PurposeTOTPSecret)
	if err != nil {
		return nil, internalError("seal totp secret", err)
	}

	err = s.store.UpdateUserSecurityFields(ctx, user.ID, models.SecurityPatch{
		TOTPSecret:        &sealed,
		ExpectTOTPEnabled: models.Ptr(false),
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrTOTPAlreadyEnabled
		}
		return nil, internalError("store pending totp secret", err)
	}

	s.audit.Record(ctx, models.AuditTOTPSetupStarted, &user.ID, req, nil)
	return enrollment, nil
}

// Verify confirms the pending secret with a code from the authenticator and
// enables 2FA. The returned recovery codes are never retrievable again.
func (s *TOTPService) Verify(ctx context.Context, userID, code string, req audit.RequestContext) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch user.TOTPState() {
	case models.TOTPStateNone:
		return nil, ErrTOTPSetupRequired
	case models.TOTPStateEnabled:
		return nil, ErrTOTPAlreadyVerified
	}

	if err := s.checkCode(ctx, user, code, req); err != nil {
		return nil, err
	}

	plain, hashed, err := s.issueRecoveryCodes(ctx)
	if err != nil {
		return nil, err
	}

	err = s.store.RunInTransaction(ctx, func(tx repository.CredentialTx) error {
		if err := tx.UpdateUserSecurityFields(ctx, user.ID, models.SecurityPatch{
			TOTPEnabled:       models.Ptr(true),
			ExpectTOTPEnabled: models.Ptr(false),
			ExpectTOTPSecret:  user.TOTPSecret,
		}); err != nil {
			return err
		}
		if err := tx.DeleteRecoveryCodes(ctx, user.ID); err != nil {
			return err
		}
		return tx.UpsertRecoveryCodes(ctx, user.ID, hashed)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrTOTPSetupChanged
		}
		return nil, internalError("enable totp", err)
	}

	s.audit.Record(ctx, models.AuditTOTPEnabled, &user.ID, req, map[string]any{"codeCount": len(plain)})
	return plain, nil
}

// Disable turns 2FA off after re-confirming the password, dropping the secret
// and every recovery code.
func (s *TOTPService) Disable(ctx context.Context, userID, password string, req audit.RequestContext) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled {
		return ErrTOTPNotEnabled
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		s.audit.Record(ctx, models.AuditTOTPDisableFailed, &user.ID, req, map[string]any{"reason": "invalid_password"})
		return ErrInvalidPassword
	}

	err = s.store.RunInTransaction(ctx, func(tx repository.CredentialTx) error {
		if err := tx.UpdateUserSecurityFields(ctx, user.ID, models.SecurityPatch{
			TOTPEnabled:       models.Ptr(false),
			ClearTOTPSecret:   true,
			ExpectTOTPEnabled: models.Ptr(true),
		}); err != nil {
			return err
		}
		return tx.DeleteRecoveryCodes(ctx, user.ID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrTOTPNotEnabled
		}
		return internalError("disable totp", err)
	}

	s.audit.Record(ctx, models.AuditTOTPDisabled, &user.ID, req, nil)
	return nil
}

// RegenerateRecoveryCodes replaces the whole recovery code set. It requires a
// current TOTP code.
func (s *TOTPService) RegenerateRecoveryCodes(ctx context.Context, userID, code string, req audit.RequestContext) ([]string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.TOTPEnabled {
		return nil, ErrTOTPNotEnabled
	}

	if err := s.checkCode(ctx, user, code, req); err != nil {
		return nil, err
	}

	plain, hashed, err := s.issueRecoveryCodes(ctx)
	if err != nil {
		return nil, err
	}

	err = s.store.RunInTransaction(ctx, func(tx repository.CredentialTx) error {
		// No-op write that fails if 2FA was disabled meanwhile.
		if err := tx.UpdateUserSecurityFields(ctx, user.ID, models.SecurityPatch{
			TOTPEnabled:       models.Ptr(true),
			ExpectTOTPEnabled: models.Ptr(true),
		}); err != nil {
			return err
		}
		if err := tx.DeleteRecoveryCodes(ctx, user.ID); err != nil {
			return err
		}
		return tx.UpsertRecoveryCodes(ctx, user.ID, hashed)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrTOTPNotEnabled
		}
		return nil, internalError("replace recovery codes", err)
	}

	s.audit.Record(ctx, models.AuditRecoveryCodesRegenerated, &user.ID, req, map[string]any{"codeCount": len(plain)})
	return plain, nil
}

func (s *TOTPService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

func (s *TOTPService) checkCode(ctx context.Context, user *models.User, code string, req audit.RequestContext) error {
	if user.TOTPSecret == nil {
		return internalError("load totp secret", errors.New("totp enabled without a secret"))
	}
	secret, err := s.secrets.OpenString(ctx, *user.TOTPSecret, encryption.PurposeTOTPSecret)
	if err != nil {
		return internalError("open totp secret", err)
	}
	if !s.engine.Validate(secret, code, s.now()) {
		s.audit.Record(ctx, models.AuditTOTPVerifyFailed, &user.ID, req, nil)
		return ErrInvalidTOTPCode
	}
	return nil
}

// issueRecoveryCodes generates a batch and hashes it in parallel, bounded by
// the number of CPUs since each hash is memory-hard.
func (s *TOTPService) issueRecoveryCodes(ctx context.Context) ([]string, []models.RecoveryCode, error) {
	plain, err := recovery.Generate(s.codeCount)
	if err != nil {
		return nil, nil, internalError("generate recovery codes", err)
	}

	hashed := make([]models.RecoveryCode, len(plain))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, code := range plain {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, err := s.hasher.Hash(recovery.Normalize(code))
			if err != nil {
				return err
			}
			hashed[i] = models.RecoveryCode{CodeHash: h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, internalError("hash recovery codes", err)
	}

	s.logger.Debug("Recovery codes issued", util.Int("count", len(plain)))
	return plain, hashed, nil
}
