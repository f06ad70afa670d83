package flasher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"espfleet/internal/events"
	"espfleet/internal/portlock"
	"espfleet/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLog(t *testing.T) *events.Log {
	t.Helper()
	logger := testLogger()
	log, err := events.NewLog(filepath.Join(t.TempDir(), "events.jsonl"), events.NewBus(logger), logger)
	if err != nil {
		t.Fatal(err)
	}
	return log
}

// writeScript drops an executable stub standing in for the external
// toolchain.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestManager(t *testing.T, toolBody string) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataDir, "firmware"), 0755); err != nil {
		t.Fatal(err)
	}
	tool := writeScript(t, t.TempDir(), "esptool-stub", toolBody)
	m := NewManager(dataDir, []string{tool}, "esp32", portlock.NewRegistry(), newTestLog(t), testLogger())
	return m, dataDir
}

func putFirmware(t *testing.T, dataDir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dataDir, "firmware", name), []byte("binary"), 0644); err != nil {
		t.Fatal(err)
	}
}

func waitTerminal(t *testing.T, m *Manager, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.GetJob(id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == "success" || job.Status == "failed" {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status")
	return Job{}
}

func TestFlashJobSuccessRequiresMarker(t *testing.T) {
	m, dataDir := newTestManager(t, `echo "Writing at 0x00010000... (100 %)"
echo "Hash of data verified."
exit 0
`)
	putFirmware(t, dataDir, "app.bin")

	job, err := m.StartJob("", "/dev/ttyUSB0", 460800, "app.bin")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != "queued" && job.Status != "running" {
		t.Errorf("initial status = %q", job.Status)
	}

	final := waitTerminal(t, m, job.JobID)
	if final.Status != "success" {
		t.Fatalf("status = %q, want success\noutput:\n%s", final.Status, final.Output)
	}
	if !strings.Contains(final.Output, "[flash] completed successfully") {
		t.Errorf("output missing completion line:\n%s", final.Output)
	}
	if final.FinishedAt == "" {
		t.Error("finished_at empty on terminal job")
	}
}

func TestFlashJobExitZeroWithoutMarkerFails(t *testing.T) {
	m, dataDir := newTestManager(t, `echo "Chip is ESP32-D0WD"
exit 0
`)
	putFirmware(t, dataDir, "app.bin")

	job, err := m.StartJob("", "/dev/ttyUSB0", 460800, "app.bin")
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, m, job.JobID)
	if final.Status != "failed" {
		t.Fatalf("status = %q, want failed (no verification marker)", final.Status)
	}
	if !strings.Contains(final.Output, "no verification marker") {
		t.Errorf("output missing marker explanation:\n%s", final.Output)
	}
}

func TestFlashJobNonZeroExitFails(t *testing.T) {
	m, dataDir := newTestManager(t, `echo "A fatal error occurred: Could not connect"
exit 2
`)
	putFirmware(t, dataDir, "app.bin")

	job, err := m.StartJob("", "/dev/ttyUSB0", 460800, "app.bin")
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, m, job.JobID)
	if final.Status != "failed" {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if !strings.Contains(final.Output, "process exit code: 2") {
		t.Errorf("output missing exit code line:\n%s", final.Output)
	}
}

func TestStartJobValidation(t *testing.T) {
	m, dataDir := newTestManager(t, "exit 0\n")
	putFirmware(t, dataDir, "app.bin")
	if err := os.MkdirAll(filepath.Join(dataDir, "firmware", "dir.bin"), 0755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		firmware string
	}{
		{"missing file", "nope.bin"},
		{"not a bin", "app.txt"},
		{"traversal", "../secrets.bin"},
		{"directory", "dir.bin"},
		{"empty", ""},
	}
	for _, tc := range cases {
		if _, err := m.StartJob("", "/dev/ttyUSB0", 115200, tc.firmware); err == nil {
			t.Errorf("%s: accepted %q", tc.name, tc.firmware)
		}
	}

	if _, err := m.StartJob("", "", 115200, "app.bin"); err == nil {
		t.Error("empty port accepted")
	}
	if _, err := m.StartJob("", "/dev/ttyUSB0", 100, "app.bin"); err == nil {
		t.Error("baud 100 accepted")
	}
}

func TestStartJobHoldsPortLock(t *testing.T) {
	m, dataDir := newTestManager(t, `sleep 0.5
echo "Hash of data verified."
exit 0
`)
	putFirmware(t, dataDir, "app.bin")

	job, err := m.StartJob("", "/dev/ttyUSB0", 115200, "app.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.StartJob("", "/dev/ttyUSB0", 115200, "app.bin"); !errors.Is(err, portlock.ErrPortBusy) {
		t.Fatalf("second job err = %v, want ErrPortBusy", err)
	}
	if !m.HasActiveJob("/dev/ttyUSB0") {
		t.Error("HasActiveJob = false while job runs")
	}
	waitTerminal(t, m, job.JobID)
}

func TestGetJobUnknown(t *testing.T) {
	m, _ := newTestManager(t, "exit 0\n")
	if _, err := m.GetJob("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func newTestBuilder(t *testing.T, script string) (*Builder, string, string) {
	t.Helper()
	dataDir := t.TempDir()
	projectDir := t.TempDir()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	cmd := writeScript(t, projectDir, "build-stub", script)
	b := NewBuilder(dataDir, projectDir, []string{cmd}, "build/app.bin", "build/merged.bin",
		30*time.Second, s, newTestLog(t), testLogger())
	return b, dataDir, projectDir
}

func TestBuildVersionCounter(t *testing.T) {
	b, _, _ := newTestBuilder(t, "exit 0\n")

	v1, err := b.NextBuildVersion("Kitchen", "relay_switch", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != "1.01" {
		t.Errorf("first version = %q, want 1.01", v1)
	}
	v2, err := b.NextBuildVersion("Kitchen", "relay_switch", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if v2 != "1.02" {
		t.Errorf("second version = %q, want 1.02", v2)
	}

	// A new major restarts the minor counter.
	v3, err := b.NextBuildVersion("Kitchen", "relay_switch", "2.5")
	if err != nil {
		t.Fatal(err)
	}
	if v3 != "2.06" {
		t.Errorf("major bump version = %q, want 2.06", v3)
	}

	// A different device type counts separately.
	v4, err := b.NextBuildVersion("Kitchen", "light_rgb", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if v4 != "1.01" {
		t.Errorf("other type version = %q, want 1.01", v4)
	}
}

func TestBuildCopiesArtifacts(t *testing.T) {
	b, dataDir, _ := newTestBuilder(t, `mkdir -p build
echo "ota" > build/app.bin
echo "merged" > build/merged.bin
echo "Project build complete."
exit 0
`)

	res, err := b.Build(context.Background(), BuildRequest{
		ProfileName: "Kitchen Lamp",
		Version:     "1.0.0",
		DeviceType:  "light_rgb",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != "1.01" {
		t.Errorf("version = %q, want 1.01", res.Version)
	}
	if res.OTAFirmwareFilename != "kitchen-lamp-light_rgb-v1.01.bin" {
		t.Errorf("ota filename = %q", res.OTAFirmwareFilename)
	}
	if res.SerialFirmwareFilename != "kitchen-lamp-light_rgb-v1.01-merged.bin" {
		t.Errorf("merged filename = %q", res.SerialFirmwareFilename)
	}
	for _, name := range []string{res.OTAFirmwareFilename, res.SerialFirmwareFilename} {
		if _, err := os.Stat(filepath.Join(dataDir, "firmware", name)); err != nil {
			t.Errorf("artifact %s not copied: %v", name, err)
		}
	}
	if !strings.Contains(res.BuildLog, "Project build complete.") {
		t.Errorf("build log tail missing output: %q", res.BuildLog)
	}
	data, err := os.ReadFile(filepath.Join(dataDir, "build-logs", res.LogFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Project build complete.") {
		t.Error("log file missing toolchain output")
	}
}

func TestBuildFailsWithoutArtifacts(t *testing.T) {
	b, _, _ := newTestBuilder(t, `echo "looks fine"
exit 0
`)
	if _, err := b.Build(context.Background(), BuildRequest{ProfileName: "p", Version: "1.0", DeviceType: "fan"}); err == nil {
		t.Fatal("expected error when build produced no artifacts")
	}
}

func TestBuildToolchainFailure(t *testing.T) {
	b, _, _ := newTestBuilder(t, `echo "CMake Error: something broke" >&2
exit 1
`)
	res, err := b.Build(context.Background(), BuildRequest{ProfileName: "p", Version: "1.0", DeviceType: "fan"})
	if err == nil {
		t.Fatal("expected build failure")
	}
	if !strings.Contains(res.BuildLog, "CMake Error") {
		t.Errorf("build log missing stderr: %q", res.BuildLog)
	}
}
