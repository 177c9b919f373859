package redis

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"auth-core/internal/client"
	"auth-core/internal/models"
	"auth-core/internal/util"
)

const (
	sessionDataPrefix = "session_data:"
	tokenBytes        = 32
	opTimeout         = 3 * time.Second
)

var ErrSessionNotFound = errors.New("session not found")

// SessionCache is the server-side session store. Tokens are opaque random
// values held only by the client; Redis keys are derived from a SHA-256 of
// the token so a keyspace dump does not yield usable cookies.
//
// All sessions live on a single Redis primary, so a destroy is visible to the
// very next read.
type SessionCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewSessionCache(client *client.RedisClient, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, ttl: ttl}
}

// Create stores payload under a fresh token that expires after the session max age.
func (c *SessionCache) Create(ctx context.Context, payload models.SessionPayload) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := c.client.Client.SetNX(ctx, sessionKey(token), data, c.ttl).Result()
	if err != nil {
		util.Error("Failed to create session", util.String("session", util.TokenFingerprint(token)), util.ErrorField(err))
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("failed to create session: token collision")
	}

	util.Debug("Session created", util.String("session", util.TokenFingerprint(token)), util.Duration("ttl", c.ttl))
	return token, nil
}

func (c *SessionCache) Read(ctx context.Context, token string) (*models.SessionPayload, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.client.Client.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var payload models.SessionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		util.Warn("Discarding corrupt session", util.String("session", util.TokenFingerprint(token)), util.ErrorField(err))
		return nil, ErrSessionNotFound
	}
	return &payload, nil
}

// Mutate overwrites the payload of an existing session without touching its
// expiry. A missing session is ErrSessionNotFound; it is never recreated.
func (c *SessionCache) Mutate(ctx context.Context, token string, payload models.SessionPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal session payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err = c.client.Client.SetArgs(ctx, sessionKey(token), data, goredis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// Destroy removes the session. Destroying an unknown token is not an error.
func (c *SessionCache) Destroy(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Client.Del(ctx, sessionKey(token)).Err(); err != nil {
		util.Error("Failed to destroy session", util.String("session", util.TokenFingerprint(token)), util.ErrorField(err))
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	util.Debug("Session destroyed", util.String("session", util.TokenFingerprint(token)))
	return nil
}

func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return sessionDataPrefix + hex.EncodeToString(sum[:])
}
