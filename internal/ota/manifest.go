// Package ota signs firmware binaries for over-the-air delivery and
// manages immutable firmware profiles built from them. Devices verify
// the HMAC signature against the fleet's shared key before applying an
// update.
package ota

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Algorithm is the only manifest signature scheme devices accept.
const Algorithm = "hmac-sha256"

// Manifest describes one signed firmware binary.
type Manifest struct {
	CreatedAt  string `json:"created_at"`
	Algorithm  string `json:"algorithm"`
	Firmware   string `json:"firmware"`
	DeviceType string `json:"device_type"`
	Version    string `json:"version"`
	SHA256     string `json:"sha256"`
	Signature  string `json:"signature"`
}

// signature computes the manifest HMAC over digest, version and device
// type. The firmware filename is deliberately outside the signed
// message so renaming a binary does not invalidate it.
func signature(sharedKey, digest, version, deviceType string) string {
	mac := hmac.New(sha256.New, []byte(sharedKey))
	mac.Write([]byte(digest + ":" + version + ":" + deviceType))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the manifest's signature matches the shared
// key. Unknown algorithms never verify.
func Verify(m Manifest, sharedKey string) bool {
	if m.Algorithm != Algorithm {
		return false
	}
	expected := signature(sharedKey, m.SHA256, m.Version, m.DeviceType)
	return hmac.Equal([]byte(expected), []byte(m.Signature))
}
