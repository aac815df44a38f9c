package securecrypt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"

	"proxyfleet/internal/shared/types"
)

// KeySource 记录根密钥的来源。
type KeySource string

const (
	SourceKeyring   KeySource = "keyring"
	SourceFile      KeySource = "file"
	SourceEphemeral KeySource = "ephemeral"
	SourceNone      KeySource = "none"
)

const (
	keyringService = "proxyfleet"
	keyringUser    = "credential-key"
	keyFileName    = "credential.key"
)

// DefaultKeyFile 返回用户配置目录下的密钥文件路径。
func DefaultKeyFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "proxyfleet", keyFileName), nil
}

// loadKey 依次尝试系统密钥环、密钥文件、临时内存密钥。
func loadKey(conf types.CryptoConf, l zerolog.Logger) ([]byte, KeySource) {
	if !conf.DisableKeyring {
		key, err := keyFromKeyring()
		if err == nil {
			return key, SourceKeyring
		}
		l.Debug().Err(err).Msg("OS secret store unavailable, falling back to key file.")
	}

	if !conf.DisableKeyFile {
		path := conf.KeyFile
		if path == "" {
			var err error
			if path, err = DefaultKeyFile(); err != nil {
				l.Warn().Err(err).Msg("Cannot resolve user config directory for key file.")
			}
		}
		if path != "" {
			key, err := keyFromFile(path)
			if err == nil {
				return key, SourceFile
			}
			l.Warn().Err(err).Str("path", path).Msg("Key file unavailable.")
		}
	}

	if conf.AllowEphemeral {
		key, err := NewRandomKey()
		if err == nil {
			l.Warn().Msg("Using an EPHEMERAL in-memory credential key (NOT RECOMMENDED): credentials stored now cannot be decrypted after restart.")
			return key, SourceEphemeral
		}
		l.Error().Err(err).Msg("Failed to generate ephemeral key.")
	}
	return nil, SourceNone
}

func keyFromKeyring() ([]byte, error) {
	encoded, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return decodeKey(encoded)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}

	key, err := NewRandomKey()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store key in keyring: %w", err)
	}
	return key, nil
}

// keyFromFile 读取已有密钥文件，或以 0600 权限创建一个新的。
func keyFromFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if info, statErr := os.Stat(path); statErr == nil && info.Mode().Perm()&0o077 != 0 {
			if err := os.Chmod(path, 0o600); err != nil {
				return nil, fmt.Errorf("key file %s is readable by others and cannot be restricted: %w", path, err)
			}
		}
		return decodeKey(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	key, err := NewRandomKey()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key has %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}
