package hashing

import (
	"strings"
	"testing"

	"auth-core/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.HashingConfig {
	return config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
}

func newTestHasher(t *testing.T, cfg config.HashingConfig) *Hasher {
	t.Helper()
	h, err := NewHasher(cfg)
	require.NoError(t, err)
	return h
}

func TestHashFormat(t *testing.T) {
	h := newTestHasher(t, testConfig())

	encoded, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$"))
	assert.Len(t, strings.Split(encoded, "$"), 6)
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t, testConfig())

	a, err := h.Hash("same-password")
	require.NoError(t, err)
	b, err := h.Hash("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, h.Verify(a, "same-password"))
	assert.True(t, h.Verify(b, "same-password"))
}

func TestVerify(t *testing.T) {
	h := newTestHasher(t, testConfig())
	encoded, err := h.Hash("Admin123!")
	require.NoError(t, err)

	assert.True(t, h.Verify(encoded, "Admin123!"))
	assert.False(t, h.Verify(encoded, "admin123!"))
	assert.False(t, h.Verify(encoded, ""))
}

func TestVerifyMalformedIsMismatch(t *testing.T) {
	h := newTestHasher(t, testConfig())

	cases := []string{
		"",
		"plaintext",
		"$2b$10$abcdefghijklmnopqrstuv",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHQ$aGFzaA",
		"$argon2id$v=16$m=8192,t=1,p=1$c2FsdHNhbHQ$aGFzaA",
		"$argon2id$v=19$m=99999999,t=1,p=1$c2FsdHNhbHQ$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$aGFzaA",
	}
	for _, c := range cases {
		assert.False(t, h.Verify(c, "anything"), c)
	}
}

func TestVerifyUsesEmbeddedParams(t *testing.T) {
	old := newTestHasher(t, testConfig())
	encoded, err := old.Hash("rotate-me")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Argon2TimeCost = 2
	current := newTestHasher(t, cfg)

	assert.True(t, current.Verify(encoded, "rotate-me"))
	assert.True(t, current.NeedsRehash(encoded))
	assert.False(t, old.NeedsRehash(encoded))
}

func TestNeedsRehash(t *testing.T) {
	h := newTestHasher(t, testConfig())

	encoded, err := h.Hash("pw")
	require.NoError(t, err)
	assert.False(t, h.NeedsRehash(encoded))

	cfg := testConfig()
	cfg.Argon2MemoryCost = 16 * 1024
	assert.True(t, newTestHasher(t, cfg).NeedsRehash(encoded))

	cfg = testConfig()
	cfg.Argon2Parallelism = 2
	assert.True(t, newTestHasher(t, cfg).NeedsRehash(encoded))

	assert.True(t, h.NeedsRehash("not-a-hash"))
}

func TestVerifyAcceptsPaddedBase64(t *testing.T) {
	h := newTestHasher(t, testConfig())
	encoded, err := h.Hash("padded")
	require.NoError(t, err)

	parts := strings.Split(encoded, "$")
	parts[4] += "=="
	assert.True(t, h.Verify(strings.Join(parts, "$"), "padded"))
}

func TestDummyVerifyDoesNotPanic(t *testing.T) {
	h := newTestHasher(t, testConfig())
	assert.NotEmpty(t, h.dummyHash)
	h.DummyVerify("whatever")
}

func TestNewHasherRejectsZeroParams(t *testing.T) {
	cfg := testConfig()
	cfg.Argon2TimeCost = 0
	_, err := NewHasher(cfg)
	assert.Error(t, err)
}
