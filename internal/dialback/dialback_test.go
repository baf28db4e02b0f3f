package dialback

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyKeyRoundtrips(t *testing.T) {
	key := GenerateKey("s3cret", "example.com", "example.org", "stream-1")
	require.NotEmpty(t, key)
	require.True(t, VerifyKey("s3cret", "example.com", "example.org", "stream-1", key))
}

func TestVerifyKeyRejectsWrongSecret(t *testing.T) {
	key := GenerateKey("s3cret", "example.com", "example.org", "stream-1")
	require.False(t, VerifyKey("other-secret", "example.com", "example.org", "stream-1", key))
}

func TestVerifyKeyRejectsMismatchedParameters(t *testing.T) {
	key := GenerateKey("s3cret", "example.com", "example.org", "stream-1")
	require.False(t, VerifyKey("s3cret", "example.com", "evil.example", "stream-1", key))
	require.False(t, VerifyKey("s3cret", "example.com", "example.org", "stream-2", key))
}

func TestGenerateKeyIsPerTargetScoped(t *testing.T) {
	a := GenerateKey("s3cret", "example.com", "example.org", "stream-1")
	b := GenerateKey("s3cret", "example.com", "evil.example", "stream-1")
	require.NotEqual(t, a, b)
}
