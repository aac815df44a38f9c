package securecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm 定义了支持的加密算法类型
type Algorithm string

const (
	CHACHA20_POLY1305 Algorithm = "chacha20"
	AES_256_GCM       Algorithm = "aes-gcm"
)

// KeySize 是根密钥的字节长度。
const KeySize = 32

type Cipher struct {
	aead cipher.AEAD
}

// NewCipherWithAlgo 根据指定的算法和根密钥创建一个新的加密器。
// 根密钥先经过 SHA-256 派生，保证两种算法使用相同长度的最终密钥。
func NewCipherWithAlgo(key []byte, algo Algorithm) (*Cipher, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	hash := sha256.Sum256(append([]byte("proxyfleet-credential-v1:"), key...))
	finalKey := hash[:]

	var aead cipher.AEAD
	var err error

	switch algo {
	case AES_256_GCM:
		aead, err = newAESGCMAEAD(finalKey)
	case CHACHA20_POLY1305:
		fallthrough // 设为默认值
	default:
		aead, err = chacha20poly1305.NewX(finalKey)
		if err != nil {
			err = fmt.Errorf("failed to create XChaCha20-Poly1305 instance: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES-GCM instance: %w", err)
	}
	return aead, nil
}

// Encrypt 输出 nonce || sealed。
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext is too short")
	}
	nonce, encryptedMessage := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, encryptedMessage, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// NewRandomKey 生成一把新的根密钥。
func NewRandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
