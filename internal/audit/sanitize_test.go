package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDropsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"email":          "user@example.com",
		"password":       "x",
		"Password_Hash":  "x",
		"totpSecret":     "x",
		"recovery-code":  "x",
		"newPassword":    "x",
		"sessionToken":   "x",
		"code":           "123456",
		"reason":         "invalid_password",
		"remainingCodes": 9,
	}

	assert.Equal(t, map[string]any{
		"email":          "user@example.com",
		"reason":         "invalid_password",
		"remainingCodes": 9,
	}, Sanitize(in))
}

func TestSanitizeNested(t *testing.T) {
	in := map[string]any{
		"request": map[string]any{
			"headers": map[string]string{"Authorization": "Bearer x", "Accept": "json"},
			"secret":  "x",
		},
		"items": []any{map[string]any{"token": "x", "ok": true}},
	}

	assert.Equal(t, map[string]any{
		"request": map[string]any{
			"headers": map[string]any{"Accept": "json"},
		},
		"items": []any{map[string]any{"ok": true}},
	}, Sanitize(in))
}

func TestSanitizeEmpty(t *testing.T) {
	assert.Nil(t, Sanitize(nil))
	assert.Nil(t, Sanitize(map[string]any{"password": "x"}))
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"password": "x", "ok": 1}
	Sanitize(in)
	assert.Contains(t, in, "password")
}
