package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync/atomic"
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
	"auth-core/internal/repository/memory"
	sessionstore "auth-core/internal/repository/redis"
	"auth-core/internal/service"
	"auth-core/internal/totp"
)

type testAPI struct {
	t        *testing.T
	cfg      *config.Config
	mem      *memory.CredentialStore
	mr       *miniredis.Miniredis
	hasher   *hashing.Hasher
	engine   *totp.Engine
	sessions *flakySessions
	server   *httptest.Server
}

// flakySessions fails Destroy on demand, leaving reads and writes working.
type flakySessions struct {
	*sessionstore.SessionCache
	failDestroy atomic.Bool
}

func (f *flakySessions) Destroy(ctx context.Context, token string) error {
	if f.failDestroy.Load() {
		return errors.New("session backend unavailable")
	}
	return f.SessionCache.Destroy(ctx, token)
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			CORSOrigins:    []string{"http://localhost:5173"},
			RequestTimeout: 10 * time.Second,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8192,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Lockout:   config.LockoutConfig{Threshold: 5, DefaultDuration: 15 * time.Minute},
		Session:   config.SessionConfig{CookieName: "sid", MaxAge: time.Hour},
		TOTP:      config.TOTPConfig{Issuer: "AppTemplate", RecoveryCodeCount: 10},
		Audit:     config.AuditConfig{PersistTimeout: time.Second},
		Features:  config.FeatureFlags{TwoFactorEnabled: true},
		RateLimit: config.RateLimitConfig{AuthMax: 100, AuthWindow: 15 * time.Minute},
		CSRF:      config.CSRFConfig{HMACKey: bytes.Repeat([]byte("k"), 32)},
	}
}

func newTestAPI(t *testing.T, mutate ...func(*config.Config)) *testAPI {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	logger := zap.NewNop()

	api := &testAPI{
		t:   t,
		cfg: cfg,
		mem: memory.NewCredentialStore(),
		mr:  miniredis.RunT(t),
	}

	var err error
	api.hasher, err = hashing.NewHasher(cfg.Hashing)
	require.NoError(t, err)
	api.engine = totp.NewEngine(cfg.TOTP.Issuer)
	secrets, err := encryption.NewEncryptionManager(config.KMSConfig{MasterKey: bytes.Repeat([]byte{7}, 32)}, nil)
	require.NoError(t, err)

	rc := goredis.NewClient(&goredis.Options{Addr: api.mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	redisClient := client.WrapRedisClient(rc)

	api.sessions = &flakySessions{SessionCache: sessionstore.NewSessionCache(redisClient, cfg.Session.MaxAge)}

	recorder := audit.NewRecorder(api.mem, logger, cfg.Audit.PersistTimeout)
	t.Cleanup(func() { _ = recorder.Close(context.Background()) })

	services := service.NewServiceFactory(
		cfg,
		api.mem,
		api.sessions,
		api.hasher,
		api.engine,
		secrets,
		recorder,
		logger,
	)

	authn := NewAuthenticator(services.SessionManager(), cfg.Session.CookieName, cfg.CSRF.HMACKey, logger)
	handlers := Handlers{
		Auth:  NewAuthHandler(services.AuthService(), services.SessionManager(), authn, cfg.Session, logger),
		Admin: NewAdminHandler(services.AuditQueryService(), authn, logger),
		Health: NewHealthHandler(map[string]HealthCheck{
			"postgres": api.mem.HealthCheck,
			"redis":    func(ctx context.Context) error { return rc.Ping(ctx).Err() },
		}),
	}
	if cfg.Features.TwoFactorEnabled {
		handlers.TwoFactor = NewTwoFactorHandler(services.TOTPService(), authn, logger)
	}

	api.server = httptest.NewServer(NewRouter(cfg, handlers, sessionstore.NewRateLimitCache(redisClient), logger))
	t.Cleanup(api.server.Close)
	return api
}

func (api *testAPI) seedUser(email, password string, role models.Role) *models.User {
	api.t.Helper()
	hash, err := api.hasher.Hash(password)
	require.NoError(api.t, err)
	u := &models.User{Email: email, DisplayName: "Test User", PasswordHash: hash, Role: role}
	require.NoError(api.t, api.mem.CreateUser(context.Background(), u))
	return u
}

// apiClient is one browser: its own cookie jar and CSRF token.
type apiClient struct {
	t    *testing.T
	base string
	http *http.Client
	csrf string
}

func (api *testAPI) client() *apiClient {
	jar, err := cookiejar.New(nil)
	require.NoError(api.t, err)
	return &apiClient{t: api.t, base: api.server.URL, http: &http.Client{Jar: jar}}
}

type apiResponse struct {
	Status int
	Header http.Header
	Raw    []byte
	Body   Response
}

func (r apiResponse) data() map[string]any {
	m, _ := r.Body.Data.(map[string]any)
	return m
}

func (c *apiClient) do(method, path string, body any) apiResponse {
	c.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" {
		req.Header.Set(csrfHeader, c.csrf)
	}

	res, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(c.t, err)

	out := apiResponse{Status: res.StatusCode, Header: res.Header, Raw: raw}
	require.NoError(c.t, json.Unmarshal(raw, &out.Body), string(raw))
	return out
}

func (c *apiClient) get(path string) apiResponse { return c.do(http.MethodGet, path, nil) }

func (c *apiClient) post(path string, body any) apiResponse {
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) patch(path string, body any) apiResponse {
	return c.do(http.MethodPatch, path, body)
}

func (c *apiClient) login(email, password string, extra ...map[string]string) apiResponse {
	c.t.Helper()
	body := map[string]string{"email": email, "password": password}
	for _, e := range extra {
		for k, v := range e {
			body[k] = v
		}
	}
	return c.post("/auth/login", body)
}

// mustLogin logs in and fetches the session's CSRF token.
func (c *apiClient) mustLogin(email, password string) {
	c.t.Helper()
	res := c.login(email, password)
	require.Equal(c.t, http.StatusOK, res.Status, string(res.Raw))

	res = c.get("/auth/csrf-token")
	require.Equal(c.t, http.StatusOK, res.Status, string(res.Raw))
	c.csrf, _ = res.data()["token"].(string)
	require.NotEmpty(c.t, c.csrf)
}

func wrongCode(code string) string {
	out := []byte(code)
	for i := range out {
		out[i] = '0' + (out[i]-'0'+5)%10
	}
	return string(out)
}
