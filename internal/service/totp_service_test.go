package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/audit"
	"auth-core/internal/models"
	"auth-core/internal/recovery"
	"auth-core/internal/repository"
	"auth-core/internal/repository/memory"
)

var noReq = audit.RequestContext{}

func TestSetupStoresPendingSealedSecret(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")

	enr, err := h.totp.Setup(context.Background(), u.ID, noReq)
	require.NoError(t, err)
	assert.NotEmpty(t, enr.Secret)
	assert.Contains(t, enr.URI, "issuer=AppTemplate")
	assert.NotEmpty(t, enr.ImageDataURL)

	stored := h.user(u.ID)
	assert.Equal(t, models.TOTPStatePending, stored.TOTPState())
	assert.NotEqual(t, enr.Secret, *stored.TOTPSecret, "secret is sealed at rest")
	assert.Equal(t, models.AuditTOTPSetupStarted, h.audit.Last().Action)

	// Re-running setup replaces the stale pending secret.
	again, err := h.totp.Setup(context.Background(), u.ID, noReq)
	require.NoError(t, err)
	assert.NotEqual(t, enr.Secret, again.Secret)
}

func TestSetupRejectedWhenEnabled(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")
	h.enableTOTP(u.ID)

	_, err := h.totp.Setup(context.Background(), u.ID, noReq)
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "2FA is already enabled. Disable it first to re-setup.", conflict.Message)
}

func TestVerifyWithoutSetup(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")

	_, err := h.totp.Verify(context.Background(), u.ID, "123456", noReq)
	assert.ErrorIs(t, err, ErrTOTPSetupRequired)
}

func TestVerifyEnablesAndIssuesRecoveryCodes(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")
	_, err := h.totp.Setup(context.Background(), u.ID, noReq)
	require.NoError(t, err)

	codes, err := h.totp.Verify(context.Background(), u.ID, h.currentCode(u.ID), noReq)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, c := range codes {
		assert.True(t, recovery.Valid(c), c)
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}

	assert.Equal(t, models.TOTPStateEnabled, h.user(u.ID).TOTPState())
	stored, err := h.mem.ListActiveRecoveryCodes(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, stored, 10)
	for _, rc := range stored {
		assert.False(t, seen[rc.CodeHash], "plaintext never stored")
	}
	assert.True(t, anyMatch(h, stored[0].CodeHash, codes))

	ev := h.audit.Last()
	assert.Equal(t, models.AuditTOTPEnabled, ev.Action)
	assert.Equal(t, 10, ev.Metadata["codeCount"])

	_, err = h.totp.Verify(context.Background(), u.ID, h.currentCode(u.ID), noReq)
	assert.ErrorIs(t, err, ErrTOTPAlreadyVerified)
}

func anyMatch(h *harness, hash string, codes []string) bool {
	for _, c := range codes {
		if h.hasher.Verify(hash, recovery.Normalize(c)) {
			return true
		}
	}
	return false
}

func TestVerifyWrongCodeLeavesPending(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")
	_, err := h.totp.Setup(context.Background(), u.ID, noReq)
	require.NoError(t, err)

	_, err = h.totp.Verify(context.Background(), u.ID, wrongCode(h.currentCode(u.ID)), noReq)
	assert.ErrorIs(t, err, ErrInvalidTOTPCode)
	assert.Equal(t, models.TOTPStatePending, h.user(u.ID).TOTPState())
	assert.Equal(t, models.AuditTOTPVerifyFailed, h.audit.Last().Action)
}

func TestVerifyToleratesOneStepOfDrift(t *testing.T) {
	for _, tc := range []struct {
		shift time.Duration
		ok    bool
	}{
		{-30 * time.Second, true},
		{30 * time.Second, true},
		{-60 * time.Second, false},
		{60 * time.Second, false},
	} {
		h := newHarness(t)
		u := h.seedUser("user@example.com", "User123!")
		_, err := h.totp.Setup(context.Background(), u.ID, noReq)
		require.NoError(t, err)

		base := h.now
		h.now = base.Add(tc.shift)
		code := h.currentCode(u.ID)
		h.now = base

		_, err = h.totp.Verify(context.Background(), u.ID, code, noReq)
		if tc.ok {
			assert.NoError(t, err, "shift %s", tc.shift)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTOTPCode, "shift %s", tc.shift)
		}
	}
}

func TestDisable(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")
	h.enableTOTP(u.ID)
	ctx := context.Background()

	err := h.totp.Disable(ctx, u.ID, "wrong", noReq)
	assert.ErrorIs(t, err, ErrInvalidPassword)
	assert.True(t, h.user(u.ID).TOTPEnabled)
	codes, _ := h.mem.ListActiveRecoveryCodes(ctx, u.ID)
	assert.Len(t, codes, 10)
	assert.Equal(t, models.AuditTOTPDisableFailed, h.audit.Last().Action)

	require.NoError(t, h.totp.Disable(ctx, u.ID, "User123!", noReq))
	stored := h.user(u.ID)
	assert.False(t, stored.TOTPEnabled)
	assert.Nil(t, stored.TOTPSecret)
	codes, _ = h.mem.ListActiveRecoveryCodes(ctx, u.ID)
	assert.Empty(t, codes)
	assert.Equal(t, models.AuditTOTPDisabled, h.audit.Last().Action)

	assert.ErrorIs(t, h.totp.Disable(ctx, u.ID, "User123!", noReq), ErrTOTPNotEnabled)
}

func TestDisableWhilePendingIsRejected(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")
	_, err := h.totp.Setup(context.Background(), u.ID, noReq)
	require.NoError(t, err)

	assert.ErrorIs(t, h.totp.Disable(context.Background(), u.ID, "User123!", noReq), ErrTOTPNotEnabled)
}

// failingCodesStore makes every recovery-code write inside a transaction fail.
type failingCodesStore struct {
	*memory.CredentialStore
}

func (s *failingCodesStore) RunInTransaction(ctx context.Context, fn func(tx repository.CredentialTx) error) error {
	return s.CredentialStore.RunInTransaction(ctx, func(tx repository.CredentialTx) error {
		return fn(failingCodesTx{tx})
	})
}

type failingCodesTx struct {
	repository.CredentialTx
}

func (failingCodesTx) UpsertRecoveryCodes(context.Context, string, []models.RecoveryCode) error {
	return errors.New("insert failed")
}

func TestVerifyIsAtomic(t *testing.T) {
	h := newHarness(t, withStore(func(m *memory.CredentialStore) repository.CredentialStore {
		return &failingCodesStore{CredentialStore: m}
	}))
	u := h.seedUser("user@example.com", "User123!")
	_, err := h.totp.Setup(context.Background(), u.ID, noReq)
	require.NoError(t, err)

	_, err = h.totp.Verify(context.Background(), u.ID, h.currentCode(u.ID), noReq)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, models.TOTPStatePending, h.user(u.ID).TOTPState(), "flag not flipped without codes")
}

func TestRegenerateRecoveryCodes(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")
	old := h.enableTOTP(u.ID)
	ctx := context.Background()

	_, err := h.totp.RegenerateRecoveryCodes(ctx, u.ID, wrongCode(h.currentCode(u.ID)), noReq)
	assert.ErrorIs(t, err, ErrInvalidTOTPCode)

	fresh, err := h.totp.RegenerateRecoveryCodes(ctx, u.ID, h.currentCode(u.ID), noReq)
	require.NoError(t, err)
	require.Len(t, fresh, 10)
	assert.Equal(t, models.AuditRecoveryCodesRegenerated, h.audit.Last().Action)

	stored, _ := h.mem.ListActiveRecoveryCodes(ctx, u.ID)
	require.Len(t, stored, 10)
	for _, rc := range stored {
		assert.False(t, h.hasher.Verify(rc.CodeHash, recovery.Normalize(old[0])), "old codes are gone")
	}

	_, err = h.auth.Login(ctx, LoginInput{Email: "user@example.com", Password: "User123!", RecoveryCode: fresh[0]})
	require.NoError(t, err)
}

func TestRegenerateRequiresEnabled(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!")

	_, err := h.totp.RegenerateRecoveryCodes(context.Background(), u.ID, "123456", noReq)
	assert.ErrorIs(t, err, ErrTOTPNotEnabled)
}

func TestUnknownUserIsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	_, err := h.totp.Setup(context.Background(), "missing", noReq)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRegenerateWithMissingSecretIsInternal(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser("user@example.com", "User123!", func(u *models.User) {
		u.TOTPEnabled = true
		u.TOTPSecret = nil
	})

	require.NotPanics(t, func() {
		_, err := h.totp.RegenerateRecoveryCodes(context.Background(), u.ID, "123456", noReq)
		assert.ErrorIs(t, err, ErrInternal)
	})
}
