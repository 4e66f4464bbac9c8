package security

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseKey(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	return key
}

func TestParseKey(t *testing.T) {
	_, err := ParseKey("not base64!")
	assert.Error(t, err)

	_, err = ParseKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	key := testKey(t)
	assert.Len(t, key, 32)
}

func TestSealAndOpenString(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	require.NoError(t, err)

	sealed, err := SealString(enc, "whsec_123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, SealedPrefix))
	assert.NotContains(t, sealed, "whsec_123")

	plain, err := OpenString(enc, sealed)
	require.NoError(t, err)
	assert.Equal(t, "whsec_123", plain)

	again, err := SealString(enc, "whsec_123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")
}

func TestOpenStringPassesThroughPlaintext(t *testing.T) {
	plain, err := OpenString(nil, "legacy-secret")
	require.NoError(t, err)
	assert.Equal(t, "legacy-secret", plain)
}

func TestOpenStringRejectsTamperedValue(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	require.NoError(t, err)

	sealed, err := SealString(enc, "whsec_123")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = OpenString(enc, SealedPrefix+base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = OpenString(nil, sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}
