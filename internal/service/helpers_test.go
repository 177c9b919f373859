package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-core/internal/audit"
	"auth-core/internal/client"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/hashing"
	"auth-core/internal/models"
	"auth-core/internal/repository"
	"auth-core/internal/repository/memory"
	sessionstore "auth-core/internal/repository/redis"
	"auth-core/internal/totp"
)

var cheapHashing = config.HashingConfig{
	Argon2MemoryCost:  8192,
	Argon2TimeCost:    1,
	Argon2Parallelism: 1,
}

type auditEvent struct {
	Action   models.AuditAction
	ActorID  *string
	Metadata map[string]any
}

type recordingAudit struct {
	mu     sync.Mutex
	events []auditEvent
}

func (r *recordingAudit) Record(_ context.Context, action models.AuditAction, actorID *string, _ audit.RequestContext, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, auditEvent{Action: action, ActorID: actorID, Metadata: audit.Sanitize(metadata)})
}

func (r *recordingAudit) Actions() []models.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditAction, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

func (r *recordingAudit) Last() auditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recordingAudit) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	t        *testing.T
	cfg      *config.Config
	store    repository.CredentialStore
	mem      *memory.CredentialStore
	mr       *miniredis.Miniredis
	hasher   *hashing.Hasher
	engine   *totp.Engine
	secrets  *encryption.EncryptionManager
	audit    *recordingAudit
	sessions *SessionManager
	auth     *AuthService
	totp     *TOTPService
	now      time.Time
}

type harnessOption func(*harness)

func withTwoFactorDisabled() harnessOption {
	return func(h *harness) { h.cfg.Features.TwoFactorEnabled = false }
}

func withStore(wrap func(*memory.CredentialStore) repository.CredentialStore) harnessOption {
	return func(h *harness) { h.store = wrap(h.mem) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t: t,
		cfg: &config.Config{
			Hashing:  cheapHashing,
			Lockout:  config.LockoutConfig{Threshold: 5, DefaultDuration: 15 * time.Minute},
			TOTP:     config.TOTPConfig{Issuer: "AppTemplate", RecoveryCodeCount: 10},
			Features: config.FeatureFlags{TwoFactorEnabled: true},
		},
		mem:   memory.NewCredentialStore(),
		audit: &recordingAudit{},
		now:   time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	h.store = h.mem
	for _, opt := range opts {
		opt(h)
	}

	var err error
	h.hasher, err = hashing.NewHasher(h.cfg.Hashing)
	require.NoError(t, err)
	h.engine = totp.NewEngine(h.cfg.TOTP.Issuer)
	h.secrets, err = encryption.NewEncryptionManager(config.KMSConfig{MasterKey: bytes.Repeat([]byte{1}, 32)}, nil)
	require.NoError(t, err)

	h.mr = miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	cache := sessionstore.NewSessionCache(client.WrapRedisClient(rc), time.Hour)

	factory := NewServiceFactory(h.cfg, h.store, cache, h.hasher, h.engine, h.secrets, h.audit, zap.NewNop())
	h.sessions = factory.SessionManager()
	h.auth = factory.AuthService()
	h.totp = factory.TOTPService()

	clock := func() time.Time { return h.now }
	h.auth.now = clock
	h.totp.now = clock
	return h
}

func (h *harness) seedUser(email, password string, mutate ...func(*models.User)) *models.User {
	h.t.Helper()
	hash, err := h.hasher.Hash(password)
	require.NoError(h.t, err)
	u := &models.User{Email: email, DisplayName: "Test User", PasswordHash: hash}
	for _, m := range mutate {
		m(u)
	}
	require.NoError(h.t, h.mem.CreateUser(context.Background(), u))
	return u
}

func (h *harness) user(id string) *models.User {
	h.t.Helper()
	u, err := h.mem.FindUserByID(context.Background(), id)
	require.NoError(h.t, err)
	return u
}

func (h *harness) currentCode(userID string) string {
	h.t.Helper()
	u := h.user(userID)
	require.NotNil(h.t, u.TOTPSecret)
	secret, err := h.secrets.OpenString(context.Background(), *u.TOTPSecret, encryption.PurposeTOTPSecret)
	require.NoError(h.t, err)
	code, err := h.engine.Code(secret, h.now)
	require.NoError(h.t, err)
	return code
}

// wrongCode returns a well-formed code that differs from code in every digit.
func wrongCode(code string) string {
	out := []byte(code)
	for i := range out {
		out[i] = '0' + (out[i]-'0'+5)%10
	}
	return string(out)
}

// enableTOTP runs setup and verify and returns the recovery codes.
func (h *harness) enableTOTP(userID string) []string {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.totp.Setup(ctx, userID, audit.RequestContext{})
	require.NoError(h.t, err)
	codes, err := h.totp.Verify(ctx, userID, h.currentCode(userID), audit.RequestContext{})
	require.NoError(h.t, err)
	h.audit.Reset()
	return codes
}
