package recovery

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`)

func TestGenerate(t *testing.T) {
	codes, err := Generate(DefaultCount)
	require.NoError(t, err)
	require.Len(t, codes, DefaultCount)

	seen := map[string]bool{}
	for _, c := range codes {
		assert.Regexp(t, codePattern, c)
		assert.True(t, Valid(c))
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}
}

func TestGenerateBatchesDiffer(t *testing.T) {
	a, err := Generate(DefaultCount)
	require.NoError(t, err)
	b, err := Generate(DefaultCount)
	require.NoError(t, err)

	for _, code := range a {
		assert.NotContains(t, b, code)
	}
}

func TestGenerateRejectsNonPositive(t *testing.T) {
	_, err := Generate(0)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ABCD2345", Normalize(" abcd-2345 "))
	assert.Equal(t, "ABCD2345", Normalize("ABCD 2345"))
	assert.Equal(t, "ABCD2345", Normalize("ABCD2345"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("abcd-2345"))
	assert.False(t, Valid("ABCD-234"))
	assert.False(t, Valid("ABCD-2340"), "0 is not in the alphabet")
	assert.False(t, Valid("ABCD-23456"))
	assert.False(t, Valid(""))
}
