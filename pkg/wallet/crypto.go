// 文件: pkg/wallet/crypto.go
// 私钥加解密 (AES-256-GCM)
//
// 密钥来自配置 (32 字节)，进程没有密钥拒绝启动。
// 密文格式: nonce || ciphertext。

package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const KeySize = 32 // AES-256

var (
	ErrBadKeySize    = errors.New("wallet encryption key must be 32 bytes")
	ErrBadCiphertext = errors.New("malformed wallet key ciphertext")
)

// KeyCipher 私钥加解密器
type KeyCipher struct {
	aead cipher.AEAD
}

// NewKeyCipher 创建加解密器
func NewKeyCipher(key []byte) (*KeyCipher, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &KeyCipher{aead: aead}, nil
}

// Encrypt 加密私钥
func (c *KeyCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt 解密私钥
// 解密后的材料只允许在单次广播调用内存在。
func (c *KeyCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, ErrBadCiphertext
	}
	nonce, data := ciphertext[:ns], ciphertext[ns:]
	plaintext, err := c.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt wallet key: %w", err)
	}
	return plaintext, nil
}

// Zero 用后清零私钥材料
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
