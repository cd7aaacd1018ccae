package broker

import (
	"encoding/hex"
	"testing"

	"order_pipeline/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	creds := core.Credentials{
		APIKey:   "key-1",
		ClientID: "client-1",
		Password: "s3cret",
		TOTPSeed: "JBSWY3DPEHPK3PXP",
	}
	blob, err := c.Seal(creds)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "s3cret")

	got, err := c.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestCipherHexKey(t *testing.T) {
	c, err := NewCipher(hex.EncodeToString([]byte(testKey)))
	require.NoError(t, err)

	blob, err := c.Seal(core.Credentials{APIKey: "k"})
	require.NoError(t, err)
	_, err = c.Open(blob)
	require.NoError(t, err)
}

func TestCipherRejectsBadKeyLength(t *testing.T) {
	_, err := NewCipher("short")
	require.Error(t, err)
}

func TestCipherDetectsTampering(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	blob, err := c.Seal(core.Credentials{APIKey: "k", Password: "p"})
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF
	_, err = c.Open(blob)
	require.Error(t, err)
}

func TestCipherNoncesDiffer(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	creds := core.Credentials{APIKey: "k"}
	first, err := c.Seal(creds)
	require.NoError(t, err)
	second, err := c.Seal(creds)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
