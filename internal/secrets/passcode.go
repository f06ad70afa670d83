package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 64
	saltLen      = 16
)

// HashPasscode derives a scrypt hash of the passcode and encodes salt
// and digest together as a single base64 string.
func HashPasscode(passcode string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest, err := scrypt.Key([]byte(passcode), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive passcode hash: %w", err)
	}
	return base64.StdEncoding.EncodeToString(append(salt, digest...)), nil
}

// VerifyPasscode reports whether passcode matches an encoded hash.
func VerifyPasscode(encoded, passcode string) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != saltLen+scryptKeyLen {
		return false
	}
	digest, err := scrypt.Key([]byte(passcode), raw[:saltLen], scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(digest, raw[saltLen:]) == 1
}
