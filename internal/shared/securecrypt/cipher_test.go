package securecrypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	for _, algo := range []Algorithm{CHACHA20_POLY1305, AES_256_GCM} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := NewCipherWithAlgo(key, algo)
			require.NoError(t, err)

			sealed, err := c.Encrypt([]byte("hunter2"))
			require.NoError(t, err)
			assert.NotContains(t, string(sealed), "hunter2")

			plain, err := c.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, "hunter2", string(plain))

			// 每次加密使用新的 nonce
			again, err := c.Encrypt([]byte("hunter2"))
			require.NoError(t, err)
			assert.NotEqual(t, sealed, again)

			sealed[len(sealed)-1] ^= 0xff
			_, err = c.Decrypt(sealed)
			assert.Error(t, err)

			_, err = c.Decrypt([]byte("short"))
			assert.Error(t, err)
		})
	}
}

func TestCipher_EmptyKey(t *testing.T) {
	_, err := NewCipherWithAlgo(nil, CHACHA20_POLY1305)
	assert.Error(t, err)
}

func TestCipher_AlgorithmsAreNotInterchangeable(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, KeySize)
	chacha, err := NewCipherWithAlgo(key, CHACHA20_POLY1305)
	require.NoError(t, err)
	gcm, err := NewCipherWithAlgo(key, AES_256_GCM)
	require.NoError(t, err)

	sealed, err := chacha.Encrypt([]byte("payload"))
	require.NoError(t, err)
	_, err = gcm.Decrypt(sealed)
	assert.Error(t, err)
}
