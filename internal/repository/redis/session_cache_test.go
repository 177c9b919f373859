package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/client"
	"auth-core/internal/models"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, client.WrapRedisClient(rc)
}

func TestSessionLifecycle(t *testing.T) {
	mr, rc := newTestClient(t)
	cache := NewSessionCache(rc, time.Hour)
	ctx := context.Background()

	token, err := cache.Create(ctx, models.SessionPayload{UserID: "u1"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(token), 43)

	// Only the hash of the token is used as key.
	for _, k := range mr.Keys() {
		assert.False(t, strings.Contains(k, token))
	}

	got, err := cache.Read(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	require.NoError(t, cache.Destroy(ctx, token))
	_, err = cache.Read(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionExpiresAfterMaxAge(t *testing.T) {
	mr, rc := newTestClient(t)
	cache := NewSessionCache(rc, 10*time.Minute)
	ctx := context.Background()

	token, err := cache.Create(ctx, models.SessionPayload{UserID: "u1"})
	require.NoError(t, err)

	mr.FastForward(9 * time.Minute)
	_, err = cache.Read(ctx, token)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = cache.Read(ctx, token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMutateKeepsTTL(t *testing.T) {
	mr, rc := newTestClient(t)
	cache := NewSessionCache(rc, 10*time.Minute)
	ctx := context.Background()

	token, err := cache.Create(ctx, models.SessionPayload{UserID: "u1"})
	require.NoError(t, err)
	mr.FastForward(5 * time.Minute)

	require.NoError(t, cache.Mutate(ctx, token, models.SessionPayload{}))

	got, err := cache.Read(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, got.UserID)

	ttl := mr.TTL(sessionKey(token))
	assert.LessOrEqual(t, ttl, 5*time.Minute)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestMutateMissingSession(t *testing.T) {
	mr, rc := newTestClient(t)
	cache := NewSessionCache(rc, time.Minute)

	err := cache.Mutate(context.Background(), "missing", models.SessionPayload{UserID: "u1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, mr.Keys())
}

func TestReadUnknownAndEmptyToken(t *testing.T) {
	_, rc := newTestClient(t)
	cache := NewSessionCache(rc, time.Minute)

	_, err := cache.Read(context.Background(), "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = cache.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, cache.Destroy(context.Background(), "nope"))
}

func TestReadCorruptPayload(t *testing.T) {
	mr, rc := newTestClient(t)
	cache := NewSessionCache(rc, time.Minute)

	require.NoError(t, mr.Set(sessionKey("tok"), "{not json"))
	_, err := cache.Read(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReadBackendDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rc.Close()
	cache := NewSessionCache(client.WrapRedisClient(rc), time.Minute)
	mr.Close()

	_, err = cache.Read(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}
