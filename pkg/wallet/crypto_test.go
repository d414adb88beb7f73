// 文件: pkg/wallet/crypto_test.go
// 私钥加解密单元测试

package wallet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *KeyCipher {
	c, err := NewKeyCipher(bytes.Repeat([]byte("k"), KeySize))
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCipher(t)
	priv := []byte("0123456789abcdef0123456789abcdef")

	ct, err := c.Encrypt(priv)
	require.NoError(t, err)
	assert.NotEqual(t, priv, ct)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, priv, pt)

	// 每次加密 nonce 不同，密文不同
	ct2, err := c.Encrypt(priv)
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestNewKeyCipherBadKeySize(t *testing.T) {
	_, err := NewKeyCipher([]byte("short"))
	assert.ErrorIs(t, err, ErrBadKeySize)

	_, err = NewKeyCipher(bytes.Repeat([]byte("x"), 64))
	assert.ErrorIs(t, err, ErrBadKeySize)
}

func TestDecryptMalformed(t *testing.T) {
	c := testCipher(t)

	// 太短: 连 nonce 都不够
	_, err := c.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadCiphertext)

	// 篡改密文
	ct, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff
	_, err = c.Decrypt(ct)
	assert.Error(t, err)
}

func TestDecryptWrongKey(t *testing.T) {
	c1 := testCipher(t)
	c2, err := NewKeyCipher(bytes.Repeat([]byte("z"), KeySize))
	require.NoError(t, err)

	ct, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = c2.Decrypt(ct)
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
