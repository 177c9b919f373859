package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"auth-core/internal/config"

	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

// Upper bounds on parameters read back from a stored hash, so a tampered row
// cannot make a single verify allocate gigabytes.
const (
	maxMemoryKiB   = 1024 * 1024
	maxIterations  = 64
	maxKeyLength   = 128
	minSaltLength  = 8
	minParallelism = 1
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher produces and checks argon2id hashes in PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
//
// Parameters are embedded in every hash, so verification always uses the
// parameters the hash was created with.
type Hasher struct {
	params    Argon2Params
	dummyHash string
}

func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	params := Argon2Params{
		Memory:      cfg.Argon2MemoryCost,
		Iterations:  cfg.Argon2TimeCost,
		Parallelism: cfg.Argon2Parallelism,
		SaltLength:  cfg.Argon2SaltLength,
		KeyLength:   cfg.Argon2KeyLength,
	}
	if params.SaltLength == 0 {
		params.SaltLength = 16
	}
	if params.KeyLength == 0 {
		params.KeyLength = 32
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("invalid argon2 parameters: m=%d t=%d p=%d", params.Memory, params.Iterations, params.Parallelism)
	}

	h := &Hasher{params: params}

	// A real hash with the live parameters, so an unknown-email login costs
	// the same as a wrong-password login.
	dummy, err := h.Hash("dummy-password-for-timing-equalization")
	if err != nil {
		return nil, fmt.Errorf("failed to compute dummy hash: %w", err)
	}
	h.dummyHash = dummy

	return h, nil
}

// Params returns the parameters new hashes are created with.
func (h *Hasher) Params() Argon2Params {
	return h.params
}

func (h *Hasher) Hash(plain string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plain), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plain matches encoded. A malformed or unsupported
// hash is a mismatch, never an error.
func (h *Hasher) Verify(encoded, plain string) bool {
	parsed, err := decodeHash(encoded)
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(plain), parsed.salt, parsed.params.Iterations, parsed.params.Memory, parsed.params.Parallelism, parsed.params.KeyLength)
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1
}

// DummyVerify burns one verification against a throwaway hash.
func (h *Hasher) DummyVerify(plain string) {
	_ = h.Verify(h.dummyHash, plain)
}

// NeedsRehash is true when encoded was produced with parameters other than the
// current ones, or cannot be parsed at all.
func (h *Hasher) NeedsRehash(encoded string) bool {
	parsed, err := decodeHash(encoded)
	if err != nil {
		return true
	}
	p := parsed.params
	return p.Memory != h.params.Memory ||
		p.Iterations != h.params.Iterations ||
		p.Parallelism != h.params.Parallelism ||
		p.KeyLength != h.params.KeyLength
}

type decodedHash struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func decodeHash(encoded string) (*decodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	params, err := parseParams(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := decodeSegment(parts[4])
	if err != nil || len(salt) < minSaltLength {
		return nil, ErrInvalidHash
	}
	key, err := decodeSegment(parts[5])
	if err != nil || len(key) == 0 || len(key) > maxKeyLength {
		return nil, ErrInvalidHash
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))
	return &decodedHash{params: params, salt: salt, key: key}, nil
}

func parseParams(segment string) (Argon2Params, error) {
	var params Argon2Params
	seen := map[string]bool{}

	for _, kv := range strings.Split(segment, ",") {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || seen[name] {
			return params, ErrInvalidHash
		}
		seen[name] = true

		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return params, ErrInvalidHash
		}

		switch name {
		case "m":
			if value < 8 || value > maxMemoryKiB {
				return params, ErrInvalidHash
			}
			params.Memory = uint32(value)
		case "t":
			if value < 1 || value > maxIterations {
				return params, ErrInvalidHash
			}
			params.Iterations = uint32(value)
		case "p":
			if value < minParallelism || value > 255 {
				return params, ErrInvalidHash
			}
			params.Parallelism = uint8(value)
		default:
			return params, ErrInvalidHash
		}
	}

	if !seen["m"] || !seen["t"] || !seen["p"] {
		return params, ErrInvalidHash
	}
	return params, nil
}

// decodeSegment accepts both padded and unpadded standard base64.
func decodeSegment(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
