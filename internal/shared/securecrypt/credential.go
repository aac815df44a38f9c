package securecrypt

import (
	"encoding/base64"
	"strings"
	"sync"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
)

// ciphertextPrefix 标记已加密的凭证字段，用于区分历史遗留的明文。
const ciphertextPrefix = "enc1:"

// CredentialCipher 加解密代理认证凭证。没有可用密钥时退化为直通。
type CredentialCipher struct {
	cipher   *Cipher
	source   KeySource
	warnOnce sync.Once
}

// NewCredentialCipher 按 conf 中允许的来源获取根密钥并创建加密器。
// 永远不会返回 nil；所有来源都不可用时返回一个直通加密器。
func NewCredentialCipher(conf types.CryptoConf) *CredentialCipher {
	l := logger.WithComponent("Crypto/Credential")
	key, source := loadKey(conf, l)
	if key == nil {
		return &CredentialCipher{source: SourceNone}
	}
	c, err := NewCipherWithAlgo(key, Algorithm(conf.Algorithm))
	if err != nil {
		l.Error().Err(err).Msg("Failed to initialize credential cipher.")
		return &CredentialCipher{source: SourceNone}
	}
	l.Info().Str("source", string(source)).Str("algorithm", conf.Algorithm).Msg("Credential cipher ready.")
	return &CredentialCipher{cipher: c, source: source}
}

// NewCredentialCipherWithKey 使用调用方提供的根密钥。
func NewCredentialCipherWithKey(key []byte, algo Algorithm) (*CredentialCipher, error) {
	c, err := NewCipherWithAlgo(key, algo)
	if err != nil {
		return nil, err
	}
	return &CredentialCipher{cipher: c, source: SourceFile}, nil
}

// NewPassthrough 返回一个不做任何加密的实例。
func NewPassthrough() *CredentialCipher {
	return &CredentialCipher{source: SourceNone}
}

func (c *CredentialCipher) Enabled() bool {
	return c.cipher != nil
}

func (c *CredentialCipher) Source() KeySource {
	return c.source
}

func (c *CredentialCipher) warnDisabled() {
	c.warnOnce.Do(func() {
		logger.WithComponent("Crypto/Credential").Warn().Msg("No credential key available; proxy credentials are stored in plain text.")
	})
}

// Encrypt 加密一个凭证字段。空字符串保持为空。
func (c *CredentialCipher) Encrypt(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	if c.cipher == nil {
		c.warnDisabled()
		return plaintext
	}
	sealed, err := c.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		logger.WithComponent("Crypto/Credential").Error().Err(err).Msg("Credential encryption failed; storing value unencrypted.")
		return plaintext
	}
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed)
}

// Decrypt 解密一个凭证字段。解密失败时原样返回输入并记录警告，
// 因为历史数据中可能存在明文凭证。
func (c *CredentialCipher) Decrypt(ciphertext string) string {
	if ciphertext == "" {
		return ""
	}
	if c.cipher == nil {
		c.warnDisabled()
		return ciphertext
	}
	plaintext, ok := c.TryDecrypt(ciphertext)
	if !ok {
		logger.WithComponent("Crypto/Credential").Warn().Msg("Credential could not be decrypted; treating it as legacy plain text.")
		return ciphertext
	}
	return plaintext
}

// TryDecrypt 报告 value 是否是本密钥加密的密文。
func (c *CredentialCipher) TryDecrypt(value string) (string, bool) {
	if c.cipher == nil || !strings.HasPrefix(value, ciphertextPrefix) {
		return value, false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, ciphertextPrefix))
	if err != nil {
		return value, false
	}
	plaintext, err := c.cipher.Decrypt(raw)
	if err != nil {
		return value, false
	}
	return string(plaintext), true
}

// IsCiphertext 报告 value 是否带有密文前缀（不保证能被当前密钥解开）。
func IsCiphertext(value string) bool {
	return strings.HasPrefix(value, ciphertextPrefix)
}
