// Package totp wraps RFC 6238 time-based one-time passwords for 2FA enrollment
// and verification.
package totp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	Period     = 30
	Digits     = otp.DigitsSix
	SecretSize = 20

	// Skew of one period on either side tolerates ordinary phone clock drift.
	Skew          = 1
	qrPixels      = 256
	dataURLPrefix = "data:image/png;base64,"
)

// Enrollment is returned once from setup. Secret is base32 and is the value
// persisted (sealed) on the user row.
type Enrollment struct {
	Secret       string
	URI          string
	ImageDataURL string
}

type Engine struct {
	issuer string
}

func NewEngine(issuer string) *Engine {
	return &Engine{issuer: issuer}
}

// Generate creates a fresh secret for accountName (the user's email) along
// with its otpauth:// URI and a QR code PNG as a data URL.
func (e *Engine) Generate(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: accountName,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	img, err := key.Image(qrPixels, qrPixels)
	if err != nil {
		return nil, fmt.Errorf("failed to render totp qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode totp qr code: %w", err)
	}

	return &Enrollment{
		Secret:       key.Secret(),
		URI:          key.URL(),
		ImageDataURL: dataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Validate reports whether code is valid for secret at now, within ±Skew periods.
// Malformed codes are simply invalid.
func (e *Engine) Validate(secret, code string, now time.Time) bool {
	if !WellFormed(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, validateOpts())
	return err == nil && ok
}

// Code returns the code for secret at t. Used by tests and the seed tool.
func (e *Engine) Code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, validateOpts())
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    Digits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// WellFormed reports whether code is exactly six ASCII digits.
func WellFormed(code string) bool {
	if len(code) != Digits.Length() {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
