// Package secrets seals stored credentials (device passcodes, hub local
// keys, API secrets, the OTA signing key) with an authenticated cipher
// keyed from a generated key file, and hashes passwords with scrypt.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// Box encrypts and decrypts short secret strings.
type Box struct {
	key []byte
}

// Open loads the key file, generating a fresh key on first run.
func Open(keyPath string) (*Box, error) {
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate secrets key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
			return nil, fmt.Errorf("create secrets dir: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("write secrets key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read secrets key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets key %s: got %d bytes, want %d", keyPath, len(key), chacha20poly1305.KeySize)
	}
	return &Box{key: key}, nil
}

// Seal encrypts value. Empty input stays empty.
func (b *Box) Seal(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a sealed value. Values that do not decode or decrypt
// are returned as-is for backward compatibility with plain-text records
// saved before sealing was introduced.
func (b *Box) Unseal(value string) string {
	if value == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return value
	}
	if len(raw) < aead.NonceSize() {
		return value
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return value
	}
	return string(plain)
}
