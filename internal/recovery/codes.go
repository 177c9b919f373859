// Package recovery generates one-time backup codes for accounts with 2FA.
package recovery

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// Alphabet excludes 0/O and 1/I so codes survive being copied by hand.
// Its size is 32, so each character carries exactly 5 bits and a
// byte&31 draw is unbiased.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultCount = 10
	groupLength  = 4
	groups       = 2
	codeLength   = groupLength * groups
	separator    = "-"
)

var ErrInvalidCount = errors.New("recovery code count must be positive")

// Generate returns n distinct codes formatted as XXXX-XXXX (40 bits each).
func Generate(n int) ([]string, error) {
	if n <= 0 {
		return nil, ErrInvalidCount
	}

	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	buf := make([]byte, codeLength)

	for len(codes) < n {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to read random bytes: %w", err)
		}

		var b strings.Builder
		for i, v := range buf {
			if i > 0 && i%groupLength == 0 {
				b.WriteString(separator)
			}
			b.WriteByte(Alphabet[v&31])
		}

		code := b.String()
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	return codes, nil
}

// Normalize strips separators and whitespace and uppercases, giving the
// canonical form that is hashed and compared.
func Normalize(code string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			return -1
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return r
		}
	}, strings.TrimSpace(code))
}

// Valid reports whether code has the shape of a recovery code.
func Valid(code string) bool {
	n := Normalize(code)
	if len(n) != codeLength {
		return false
	}
	for i := 0; i < len(n); i++ {
		if !strings.ContainsRune(Alphabet, rune(n[i])) {
			return false
		}
	}
	return true
}
