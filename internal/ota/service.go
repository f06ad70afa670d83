package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"espfleet/internal/deviceapi"
	"espfleet/internal/events"
	"espfleet/internal/secrets"
	"espfleet/internal/store"
)

var (
	ErrEmptySharedKey  = errors.New("ota shared key is empty")
	ErrProfileNotFound = errors.New("firmware profile not found")
)

// Service owns the OTA artifact tree under the data dir:
// firmware/ (inputs), ota/ (manifests), firmware_profiles/ (immutable
// signed bundles).
type Service struct {
	dataDir string
	store   store.Store
	box     *secrets.Box
	client  *deviceapi.Client
	log     *events.Log
	logger  *slog.Logger
}

func NewService(dataDir string, s store.Store, box *secrets.Box, client *deviceapi.Client, log *events.Log, logger *slog.Logger) *Service {
	return &Service{
		dataDir: dataDir,
		store:   s,
		box:     box,
		client:  client,
		log:     log,
		logger:  logger.With("component", "ota"),
	}
}

func (s *Service) firmwareDir() string { return filepath.Join(s.dataDir, "firmware") }
func (s *Service) otaDir() string      { return filepath.Join(s.dataDir, "ota") }
func (s *Service) profilesDir() string { return filepath.Join(s.dataDir, "firmware_profiles") }

// sharedKey returns the unsealed OTA signing key from settings.
func (s *Service) sharedKey() (string, error) {
	cfg, err := s.store.GetSetting("ota")
	if err != nil {
		return "", err
	}
	sealed, _ := cfg["shared_key"].(string)
	key := s.box.Unseal(sealed)
	if strings.TrimSpace(key) == "" {
		return "", ErrEmptySharedKey
	}
	return key, nil
}

// resolveFirmware validates a firmware name against the firmware dir.
func (s *Service) resolveFirmware(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid firmware filename: %q", name)
	}
	if strings.ToLower(filepath.Ext(name)) != ".bin" {
		return "", fmt.Errorf("firmware must be a .bin file: %s", name)
	}
	path := filepath.Join(s.firmwareDir(), name)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("firmware not found: %s", name)
	}
	if info.IsDir() {
		return "", fmt.Errorf("firmware path is a directory: %s", name)
	}
	return path, nil
}

// SignResult pairs a manifest with the file it was written to.
type SignResult struct {
	Manifest     Manifest `json:"manifest"`
	ManifestFile string   `json:"manifest_file"`
}

// Sign hashes the firmware, signs it with the shared key, and writes
// the manifest under data/ota. An empty shared key refuses to sign.
func (s *Service) Sign(firmwareFilename, version, deviceType string) (SignResult, error) {
	path, err := s.resolveFirmware(firmwareFilename)
	if err != nil {
		return SignResult{}, err
	}
	key, err := s.sharedKey()
	if err != nil {
		return SignResult{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return SignResult{}, fmt.Errorf("read firmware: %w", err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	manifest := Manifest{
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Algorithm:  Algorithm,
		Firmware:   firmwareFilename,
		DeviceType: deviceType,
		Version:    version,
		SHA256:     digest,
		Signature:  signature(key, digest, version, deviceType),
	}

	if err := os.MkdirAll(s.otaDir(), 0755); err != nil {
		return SignResult{}, fmt.Errorf("create ota dir: %w", err)
	}
	stem := strings.TrimSuffix(firmwareFilename, filepath.Ext(firmwareFilename))
	manifestFile := fmt.Sprintf("%s-%s.manifest.json", stem, version)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return SignResult{}, err
	}
	if err := os.WriteFile(filepath.Join(s.otaDir(), manifestFile), data, 0644); err != nil {
		return SignResult{}, fmt.Errorf("write manifest: %w", err)
	}

	s.log.Append(events.EventOTASigned, map[string]any{
		"manifest": manifestFile, "firmware": firmwareFilename, "version": version,
	})
	return SignResult{Manifest: manifest, ManifestFile: manifestFile}, nil
}

// ListManifests returns manifest filenames under data/ota, sorted.
func (s *Service) ListManifests() ([]string, error) {
	if err := os.MkdirAll(s.otaDir(), 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.otaDir())
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".manifest.json") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// PushResult is the device's acknowledgement of an OTA push.
type PushResult struct {
	ProfileID      string `json:"profile_id"`
	DeviceID       string `json:"device_id"`
	DeviceResponse any    `json:"device_response"`
}

// Push asks a device to pull and apply a profile's firmware. The
// profile and device are resolved before any network call so unknown
// ids fail without touching the device.
func (s *Service) Push(ctx context.Context, profileID, deviceID, baseURL string) (PushResult, error) {
	profile, err := s.GetProfile(profileID)
	if err != nil {
		return PushResult{}, err
	}
	dev, err := s.store.GetDevice(deviceID)
	if err != nil {
		return PushResult{}, err
	}
	if strings.TrimSpace(dev.Host) == "" {
		return PushResult{}, fmt.Errorf("device %s has no host", deviceID)
	}
	if _, _, err := s.FilePaths(profile); err != nil {
		return PushResult{}, err
	}

	passcode := s.box.Unseal(dev.PasscodeSealed)
	base := strings.TrimRight(baseURL, "/")
	firmwareURL := fmt.Sprintf("%s/downloads/profiles/%s/%s", base, profile.ProfileFolder, profile.Files.Firmware)
	manifestURL := fmt.Sprintf("%s/downloads/profiles/%s/%s", base, profile.ProfileFolder, profile.Files.Manifest)

	resp, err := s.client.PushOTA(ctx, dev.Host, passcode, firmwareURL, manifestURL)
	if err != nil {
		return PushResult{}, fmt.Errorf("profile ota push: %w", err)
	}

	s.log.Append(events.EventOTAPushed, map[string]any{
		"profile_id": profileID, "device_id": deviceID, "host": dev.Host,
	})
	return PushResult{ProfileID: profileID, DeviceID: deviceID, DeviceResponse: resp}, nil
}
