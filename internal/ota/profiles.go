package ota

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"espfleet/internal/events"
)

var profileSlugStrip = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func profileSlug(value string) string {
	slug := strings.Trim(profileSlugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-"), "-")
	if slug == "" {
		return "profile"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

// ProfileFiles names the bundle members inside a profile folder.
type ProfileFiles struct {
	Firmware string `json:"firmware"`
	Manifest string `json:"manifest"`
}

// Profile is an immutable signed firmware bundle: the binary, its
// manifest, and the device settings it was built for, frozen together.
type Profile struct {
	ProfileID        string         `json:"profile_id"`
	ProfileName      string         `json:"profile_name"`
	CreatedAt        string         `json:"created_at"`
	FirmwareFilename string         `json:"firmware_filename"`
	Version          string         `json:"version"`
	DeviceType       string         `json:"device_type"`
	Settings         map[string]any `json:"settings"`
	Notes            string         `json:"notes"`
	ProfileFolder    string         `json:"profile_folder"`
	Files            ProfileFiles   `json:"files"`
	Manifest         Manifest       `json:"manifest"`
}

// ProfileSummary is the listing view of a profile.
type ProfileSummary struct {
	ProfileID        string `json:"profile_id"`
	ProfileName      string `json:"profile_name"`
	CreatedAt        string `json:"created_at"`
	FirmwareFilename string `json:"firmware_filename"`
	Version          string `json:"version"`
	DeviceType       string `json:"device_type"`
	ProfileFolder    string `json:"profile_folder"`
}

// CreateProfileRequest describes a new profile.
type CreateProfileRequest struct {
	ProfileName      string         `json:"profile_name"`
	FirmwareFilename string         `json:"firmware_filename"`
	Version          string         `json:"version"`
	DeviceType       string         `json:"device_type"`
	Settings         map[string]any `json:"settings"`
	Notes            string         `json:"notes"`
}

// CreateProfile signs the firmware and freezes firmware + manifest +
// metadata into a new profile folder. Existing profiles are never
// touched.
func (s *Service) CreateProfile(req CreateProfileRequest) (*Profile, error) {
	firmwarePath, err := s.resolveFirmware(req.FirmwareFilename)
	if err != nil {
		return nil, err
	}
	signed, err := s.Sign(req.FirmwareFilename, req.Version, req.DeviceType)
	if err != nil {
		return nil, err
	}

	profileID := uuid.NewString()
	now := time.Now().UTC()
	createdAt := now.Format(time.RFC3339)
	folder := fmt.Sprintf("%s_%s_%s", now.Format("20060102_150405Z"), profileSlug(req.ProfileName), profileID[:8])
	profileDir := filepath.Join(s.profilesDir(), folder)
	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	if err := copyInto(firmwarePath, filepath.Join(profileDir, req.FirmwareFilename)); err != nil {
		return nil, fmt.Errorf("copy firmware into profile: %w", err)
	}
	if err := copyInto(filepath.Join(s.otaDir(), signed.ManifestFile), filepath.Join(profileDir, signed.ManifestFile)); err != nil {
		return nil, fmt.Errorf("copy manifest into profile: %w", err)
	}

	profile := &Profile{
		ProfileID:        profileID,
		ProfileName:      req.ProfileName,
		CreatedAt:        createdAt,
		FirmwareFilename: req.FirmwareFilename,
		Version:          req.Version,
		DeviceType:       req.DeviceType,
		Settings:         req.Settings,
		Notes:            req.Notes,
		ProfileFolder:    folder,
		Files: ProfileFiles{
			Firmware: req.FirmwareFilename,
			Manifest: signed.ManifestFile,
		},
		Manifest: signed.Manifest,
	}
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(profileDir, "metadata.json"), data, 0644); err != nil {
		return nil, fmt.Errorf("write profile metadata: %w", err)
	}

	s.log.Append(events.EventProfileCreated, map[string]any{
		"profile_id": profileID,
		"profile":    req.ProfileName,
		"folder":     folder,
		"firmware":   req.FirmwareFilename,
		"version":    req.Version,
	})
	return profile, nil
}

func (s *Service) readProfileDir(folder string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Join(s.profilesDir(), folder, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.ProfileFolder == "" {
		p.ProfileFolder = folder
	}
	return &p, nil
}

// ListProfiles returns all readable profiles, newest first. Folders
// with missing or broken metadata are skipped.
func (s *Service) ListProfiles() ([]ProfileSummary, error) {
	if err := os.MkdirAll(s.profilesDir(), 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.profilesDir())
	if err != nil {
		return nil, err
	}
	out := []ProfileSummary{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.readProfileDir(e.Name())
		if err != nil {
			continue
		}
		out = append(out, ProfileSummary{
			ProfileID:        p.ProfileID,
			ProfileName:      p.ProfileName,
			CreatedAt:        p.CreatedAt,
			FirmwareFilename: p.FirmwareFilename,
			Version:          p.Version,
			DeviceType:       p.DeviceType,
			ProfileFolder:    p.ProfileFolder,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// GetProfile finds a profile by id.
func (s *Service) GetProfile(profileID string) (*Profile, error) {
	if err := os.MkdirAll(s.profilesDir(), 0755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.profilesDir())
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.readProfileDir(e.Name())
		if err != nil {
			continue
		}
		if p.ProfileID == profileID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("profile %s: %w", profileID, ErrProfileNotFound)
}

// FilePaths resolves the firmware and manifest paths of a profile,
// verifying both files still exist on disk.
func (s *Service) FilePaths(p *Profile) (firmwarePath, manifestPath string, err error) {
	if p.ProfileFolder == "" || p.Files.Firmware == "" || p.Files.Manifest == "" {
		return "", "", fmt.Errorf("profile %s file metadata is incomplete", p.ProfileID)
	}
	dir := filepath.Join(s.profilesDir(), p.ProfileFolder)
	firmwarePath = filepath.Join(dir, p.Files.Firmware)
	manifestPath = filepath.Join(dir, p.Files.Manifest)
	if _, err := os.Stat(firmwarePath); err != nil {
		return "", "", fmt.Errorf("profile firmware missing: %w", err)
	}
	if _, err := os.Stat(manifestPath); err != nil {
		return "", "", fmt.Errorf("profile manifest missing: %w", err)
	}
	return firmwarePath, manifestPath, nil
}

func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
