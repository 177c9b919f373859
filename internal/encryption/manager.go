package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"auth-core/internal/config"
	"auth-core/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	sealedVersion = "v1"
	localKeyID    = "local"
)

// PurposeTOTPSecret binds ciphertexts to the column they were made for, so a
// sealed value cannot be replayed into another field.
const PurposeTOTPSecret = "totp_secret"

// KMSAPI is the part of the KMS client the manager needs.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue []byte
	EncryptedDEK   []byte
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
}

// EncryptionManager does envelope encryption: each value gets its own AES-256
// data key, and the data key is wrapped either by KMS or by a local master key.
type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	masterKey []byte
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
}

func NewEncryptionManager(cfg config.KMSConfig, kmsClient KMSAPI) (*EncryptionManager, error) {
	em := &EncryptionManager{}

	if cfg.Enabled {
		if kmsClient == nil {
			return nil, errors.New("kms enabled but no kms client provided")
		}
		em.kmsClient = kmsClient
		em.kmsKeyID = cfg.KeyID
		return em, nil
	}

	switch len(cfg.MasterKey) {
	case 32:
		em.masterKey = append([]byte(nil), cfg.MasterKey...)
	case 0:
		em.masterKey = make([]byte, 32)
		if _, err := rand.Read(em.masterKey); err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		util.Warn("No TOTP_ENCRYPTION_KEY configured; using an ephemeral key. Enrolled 2FA secrets will not survive a restart.")
	default:
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(cfg.MasterKey))
	}
	return em, nil
}

// GenerateDataKey returns a fresh AES-256 key and its wrapped form.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient != nil {
		result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(em.kmsKeyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &DataKey{Plaintext: result.Plaintext, Ciphertext: result.CiphertextBlob}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	wrapped, err := seal(em.masterKey, key, []byte(localKeyID))
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped}, nil
}

// EncryptField encrypts plaintext under a new data key. purpose is bound as
// additional authenticated data.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dataKey.Plaintext, []byte(plaintext), []byte(purpose))
	if err != nil {
		return nil, err
	}

	em.keyCache.Store(string(dataKey.Ciphertext), dataKey.Plaintext)

	return &EncryptedData{EncryptedValue: ciphertext, EncryptedDEK: dataKey.Ciphertext}, nil
}

func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData, purpose string) (string, error) {
	dek, err := em.unwrapDataKey(ctx, data.EncryptedDEK)
	if err != nil {
		return "", err
	}
	plaintext, err := open(dek, data.EncryptedValue, []byte(purpose))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealString encrypts and serializes to "v1.<wrapped dek>.<ciphertext>", a
// single text value suitable for a nullable column.
func (em *EncryptionManager) SealString(ctx context.Context, plaintext, purpose string) (string, error) {
	data, err := em.EncryptField(ctx, plaintext, purpose)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		sealedVersion,
		base64.RawURLEncoding.EncodeToString(data.EncryptedDEK),
		base64.RawURLEncoding.EncodeToString(data.EncryptedValue),
	}, "."), nil
}

func (em *EncryptionManager) OpenString(ctx context.Context, sealed, purpose string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 || parts[0] != sealedVersion {
		return "", fmt.Errorf("%w: unrecognized envelope", ErrDecryptionFailed)
	}
	dek, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: invalid DEK encoding", ErrDecryptionFailed)
	}
	value, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}
	return em.DecryptField(ctx, &EncryptedData{EncryptedValue: value, EncryptedDEK: dek}, purpose)
}

func (em *EncryptionManager) unwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if cached, ok := em.keyCache.Load(string(wrapped)); ok {
		return cached.([]byte), nil
	}

	var dek []byte
	if em.kmsClient != nil {
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = result.Plaintext
	} else {
		var err error
		dek, err = open(em.masterKey, wrapped, []byte(localKeyID))
		if err != nil {
			return nil, err
		}
	}

	em.keyCache.Store(string(wrapped), dek)
	return dek, nil
}

// ClearCache drops every cached plaintext DEK.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ any) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) CacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
