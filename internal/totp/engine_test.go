package totp

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	e := NewEngine("AppTemplate")

	enr, err := e.Generate("user@example.com")
	require.NoError(t, err)

	assert.Len(t, enr.Secret, 32, "20 bytes base32 without padding")
	assert.True(t, strings.HasPrefix(enr.ImageDataURL, "data:image/png;base64,"))

	u, err := url.Parse(enr.URI)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", u.Scheme)
	assert.Equal(t, "totp", u.Host)
	q := u.Query()
	assert.Equal(t, "AppTemplate", q.Get("issuer"))
	assert.Equal(t, enr.Secret, q.Get("secret"))
	assert.Equal(t, "6", q.Get("digits"))
	assert.Equal(t, "30", q.Get("period"))
	assert.Equal(t, "SHA1", q.Get("algorithm"))
	assert.Contains(t, u.Path, "user@example.com")

	other, err := e.Generate("user@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, enr.Secret, other.Secret)
}

func TestValidateDriftWindow(t *testing.T) {
	e := NewEngine("AppTemplate")
	enr, err := e.Generate("user@example.com")
	require.NoError(t, err)

	now := time.Unix(1_700_000_015, 0)
	code, err := e.Code(enr.Secret, now)
	require.NoError(t, err)

	assert.True(t, e.Validate(enr.Secret, code, now))
	assert.True(t, e.Validate(enr.Secret, code, now.Add(30*time.Second)))
	assert.True(t, e.Validate(enr.Secret, code, now.Add(-30*time.Second)))
	assert.False(t, e.Validate(enr.Secret, code, now.Add(90*time.Second)))
	assert.False(t, e.Validate(enr.Secret, code, now.Add(-90*time.Second)))
}

func TestValidateRejectsMalformed(t *testing.T) {
	e := NewEngine("AppTemplate")
	enr, err := e.Generate("user@example.com")
	require.NoError(t, err)

	for _, c := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		assert.False(t, e.Validate(enr.Secret, c, time.Now()), c)
	}
	assert.False(t, e.Validate("not base32!", "123456", time.Now()))
}
