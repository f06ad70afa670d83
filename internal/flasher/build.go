package flasher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"espfleet/internal/events"
	"espfleet/internal/store"
)

var (
	slugStrip = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
	versionRe = regexp.MustCompile(`^\s*(\d+)(?:\.(\d+))?(?:\.(\d+))?\s*$`)
)

// slugValue flattens free-form names into filesystem-safe slugs.
func slugValue(value, fallback string) string {
	raw := strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-"), "-")
	if raw == "" {
		return fallback
	}
	if len(raw) > 64 {
		raw = raw[:64]
	}
	return raw
}

// BuildRequest describes one firmware build.
type BuildRequest struct {
	ProfileName string         `json:"profile_name"`
	Version     string         `json:"version"`
	DeviceType  string         `json:"device_type"`
	Defaults    map[string]any `json:"defaults"`
}

// BuildResult is returned on success. Version is the resolved counter
// version, not the requested one.
type BuildResult struct {
	BuildID                string `json:"build_id"`
	Version                string `json:"version"`
	LogFile                string `json:"log_file"`
	OTAFirmwareFilename    string `json:"ota_firmware_filename"`
	SerialFirmwareFilename string `json:"serial_firmware_filename"`
	BuildLog               string `json:"build_log"`
}

// Builder drives the external firmware toolchain.
type Builder struct {
	dataDir    string
	projectDir string
	cmd        []string
	artifact   string
	merged     string
	timeout    time.Duration
	store      store.Store
	log        *events.Log
	logger     *slog.Logger
}

// NewBuilder configures the toolchain runner. cmd is the full build
// command (e.g. ["idf.py", "build"]); artifact and merged are the
// produced binaries relative to projectDir.
func NewBuilder(dataDir, projectDir string, cmd []string, artifact, merged string, timeout time.Duration, s store.Store, log *events.Log, logger *slog.Logger) *Builder {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Builder{
		dataDir:    dataDir,
		projectDir: projectDir,
		cmd:        cmd,
		artifact:   artifact,
		merged:     merged,
		timeout:    timeout,
		store:      s,
		log:        log,
		logger:     logger.With("component", "builder"),
	}
}

// NextBuildVersion resolves the version for a build: the minor part
// auto-increments per (profile, device type, major) so every build of a
// line gets a distinct version even when the operator keeps requesting
// the same one.
func (b *Builder) NextBuildVersion(profileName, deviceType, requested string) (string, error) {
	key := slugValue(profileName, "profile") + "::" + slugValue(deviceType, "device")

	major, requestedMinor := 1, -1
	if m := versionRe.FindStringSubmatch(requested); m != nil {
		major, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			requestedMinor, _ = strconv.Atoi(m[2])
		}
	}

	counters, err := b.store.GetSetting("build_counters")
	if err != nil {
		return "", err
	}

	lastMajor, lastMinor := major, 0
	entry, known := counters[key].(map[string]any)
	if known {
		if v, ok := entry["major"].(float64); ok {
			lastMajor = int(v)
		}
		if v, ok := entry["minor"].(float64); ok {
			lastMinor = int(v)
		}
	}

	var nextMinor int
	if !known || lastMajor != major {
		base := 0
		if requestedMinor >= 0 {
			base = requestedMinor
		}
		nextMinor = base + 1
	} else {
		nextMinor = lastMinor + 1
	}

	counters[key] = map[string]any{
		"major":      float64(major),
		"minor":      float64(nextMinor),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.store.SetSetting("build_counters", counters); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%02d", major, nextMinor), nil
}

// Build runs the toolchain and, on success, copies both produced
// binaries into the firmware dir under versioned names. The combined
// toolchain output is streamed to a per-attempt log file that is never
// overwritten by later builds.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if len(b.cmd) == 0 {
		return BuildResult{}, fmt.Errorf("no build command configured")
	}

	version, err := b.NextBuildVersion(req.ProfileName, req.DeviceType, req.Version)
	if err != nil {
		return BuildResult{}, fmt.Errorf("resolve build version: %w", err)
	}

	buildID := uuid.NewString()
	slug := slugValue(req.ProfileName, "profile")
	typeSlug := slugValue(req.DeviceType, "device")

	logDir := filepath.Join(b.dataDir, "build-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return BuildResult{}, fmt.Errorf("create build log dir: %w", err)
	}
	logName := fmt.Sprintf("%s_%s_%s.log", time.Now().UTC().Format("20060102_150405"), slug, buildID[:8])
	logPath := filepath.Join(logDir, logName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return BuildResult{}, fmt.Errorf("create build log: %w", err)
	}
	defer logFile.Close()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.cmd[0], b.cmd[1:]...)
	cmd.Dir = b.projectDir
	cmd.Env = append(os.Environ(),
		"FLEET_PROFILE_NAME="+req.ProfileName,
		"FLEET_VERSION="+version,
		"FLEET_DEVICE_TYPE="+req.DeviceType,
	)
	for k, v := range req.Defaults {
		cmd.Env = append(cmd.Env, fmt.Sprintf("FLEET_DEFAULT_%s=%v", strings.ToUpper(slugValue(k, "opt")), v))
	}

	tail := &tailWriter{limit: MaxOutput}
	cmd.Stdout = io.MultiWriter(logFile, tail)
	cmd.Stderr = cmd.Stdout

	b.logger.Info("firmware build started", "build_id", buildID, "profile", req.ProfileName, "version", version)
	runErr := cmd.Run()

	result := BuildResult{
		BuildID:  buildID,
		Version:  version,
		LogFile:  logName,
		BuildLog: tail.String(),
	}
	if runErr != nil {
		return result, fmt.Errorf("build failed: %w (log: %s)", runErr, logName)
	}

	otaName := fmt.Sprintf("%s-%s-v%s.bin", slug, typeSlug, version)
	mergedName := fmt.Sprintf("%s-%s-v%s-merged.bin", slug, typeSlug, version)
	firmwareDir := filepath.Join(b.dataDir, "firmware")
	if err := os.MkdirAll(firmwareDir, 0755); err != nil {
		return result, fmt.Errorf("create firmware dir: %w", err)
	}
	if err := copyFile(filepath.Join(b.projectDir, b.artifact), filepath.Join(firmwareDir, otaName)); err != nil {
		return result, fmt.Errorf("build produced no OTA binary: %w", err)
	}
	if err := copyFile(filepath.Join(b.projectDir, b.merged), filepath.Join(firmwareDir, mergedName)); err != nil {
		return result, fmt.Errorf("build produced no merged binary: %w", err)
	}
	result.OTAFirmwareFilename = otaName
	result.SerialFirmwareFilename = mergedName

	b.log.Append(events.EventFirmwareBuilt, map[string]any{
		"build_id": buildID,
		"profile":  req.ProfileName,
		"version":  version,
		"firmware": otaName,
	})
	return result, nil
}

// tailWriter keeps the last limit bytes written through it.
type tailWriter struct {
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string { return string(w.buf) }

func copyFile(src, dst string) error {
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
