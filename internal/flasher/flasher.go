// Package flasher runs firmware builds and serial flash jobs as
// external toolchain subprocesses, tracking each job's output and
// terminal status in memory.
package flasher

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"espfleet/internal/events"
	"espfleet/internal/portlock"
)

// MaxOutput bounds a job's stored output; older text is trimmed.
const MaxOutput = 250_000

// VerifiedMarker must appear in esptool output for a flash to count as
// successful. A clean exit without it means the write never completed.
const VerifiedMarker = "Hash of data verified"

var ErrJobNotFound = errors.New("flash job not found")

// Job is a point-in-time snapshot of a flash job.
type Job struct {
	JobID        string `json:"job_id"`
	DeviceID     string `json:"device_id,omitempty"`
	Port         string `json:"port"`
	Baud         int    `json:"baud"`
	FirmwarePath string `json:"firmware_path"`
	Status       string `json:"status"`
	Output       string `json:"output"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

type job struct {
	mu   sync.Mutex
	snap Job
}

func (j *job) appendLine(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.snap.Output
	if out != "" {
		out += "\n"
	}
	out += line
	if len(out) > MaxOutput {
		out = out[len(out)-MaxOutput:]
	}
	j.snap.Output = out
}

// Manager owns flash jobs. Jobs live in memory only; restarting the
// service forgets finished jobs, the flashed firmware does not care.
type Manager struct {
	dataDir string
	tool    []string
	chip    string
	locks   *portlock.Registry
	log     *events.Log
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

func NewManager(dataDir string, tool []string, chip string, locks *portlock.Registry, log *events.Log, logger *slog.Logger) *Manager {
	if chip == "" {
		chip = "esp32"
	}
	return &Manager{
		dataDir: dataDir,
		tool:    tool,
		chip:    chip,
		locks:   locks,
		log:     log,
		logger:  logger.With("component", "flasher"),
		jobs:    make(map[string]*job),
	}
}

// FirmwareDir is where uploaded and built firmware binaries live.
func (m *Manager) FirmwareDir() string {
	return filepath.Join(m.dataDir, "firmware")
}

// ValidateFirmwareFilename resolves a firmware name to its path under
// the firmware dir, rejecting traversal, directories, and non-.bin files.
func (m *Manager) ValidateFirmwareFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid firmware filename: %q", name)
	}
	if strings.ToLower(filepath.Ext(name)) != ".bin" {
		return "", fmt.Errorf("firmware must be a .bin file: %s", name)
	}
	path := filepath.Join(m.FirmwareDir(), name)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("firmware file not found: %s", name)
	}
	if info.IsDir() {
		return "", fmt.Errorf("firmware path is a directory: %s", name)
	}
	return path, nil
}

// StartJob validates the firmware, claims the port, and launches the
// flash subprocess. It returns immediately with the queued job.
func (m *Manager) StartJob(deviceID, device string, baud int, firmwareFilename string) (Job, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return Job{}, errors.New("port is required")
	}
	if baud < 1200 || baud > 4_000_000 {
		return Job{}, fmt.Errorf("invalid baud %d", baud)
	}
	firmwarePath, err := m.ValidateFirmwareFilename(firmwareFilename)
	if err != nil {
		return Job{}, err
	}

	id := uuid.NewString()
	release, err := m.locks.Acquire(device, "flash:"+id)
	if err != nil {
		return Job{}, err
	}

	j := &job{snap: Job{
		JobID:        id,
		DeviceID:     deviceID,
		Port:         device,
		Baud:         baud,
		FirmwarePath: firmwarePath,
		Status:       "queued",
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}}
	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()

	go m.run(j, release)

	m.log.Append(events.EventFlashJobCreated, map[string]any{
		"job_id": id, "port": device, "firmware": firmwareFilename,
	})
	return j.snapshot(), nil
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap
}

func (j *job) setStatus(status string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.Status = status
	now := time.Now().UTC().Format(time.RFC3339)
	switch status {
	case "running":
		j.snap.StartedAt = now
	case "success", "failed":
		j.snap.FinishedAt = now
	}
}

func (m *Manager) run(j *job, release func()) {
	defer release()

	j.setStatus("running")
	snap := j.snapshot()

	tool := m.tool
	if len(tool) == 0 {
		path, err := exec.LookPath("esptool.py")
		if err != nil {
			path, err = exec.LookPath("esptool")
		}
		if err != nil {
			j.appendLine("esptool not found on PATH")
			m.finish(j, "failed")
			return
		}
		tool = []string{path}
	}

	args := append(append([]string{}, tool[1:]...),
		"--chip", m.chip,
		"--port", snap.Port,
		"--baud", strconv.Itoa(snap.Baud),
		"write_flash", "0x0", snap.FirmwarePath,
	)
	j.appendLine("$ " + strings.Join(append([]string{tool[0]}, args...), " "))
	j.appendLine("[flash] writing firmware to serial port...")

	cmd := exec.Command(tool[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		j.appendLine("[flash] exception: " + err.Error())
		m.finish(j, "failed")
		return
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		j.appendLine("[flash] exception: " + err.Error())
		m.finish(j, "failed")
		return
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			j.appendLine(line)
		}
	}

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			j.appendLine("[flash] exception: " + err.Error())
			code = -1
		}
	}
	j.appendLine(fmt.Sprintf("[flash] process exit code: %d", code))

	status := "failed"
	if code == 0 {
		if strings.Contains(j.snapshot().Output, VerifiedMarker) {
			status = "success"
			j.appendLine("[flash] completed successfully")
		} else {
			j.appendLine("[flash] no verification marker in output")
		}
	} else {
		j.appendLine("[flash] failed")
	}
	m.finish(j, status)
}

func (m *Manager) finish(j *job, status string) {
	j.setStatus(status)
	snap := j.snapshot()
	m.log.Append(events.EventFlashJobFinished, map[string]any{
		"job_id": snap.JobID, "status": status,
	})
}

// GetJob returns a snapshot, safe to poll while the job runs.
func (m *Manager) GetJob(id string) (Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// HasActiveJob reports whether any job is queued or running, optionally
// filtered to one port.
func (m *Manager) HasActiveJob(device string) bool {
	key := strings.ToLower(strings.TrimSpace(device))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		snap := j.snapshot()
		if snap.Status != "queued" && snap.Status != "running" {
			continue
		}
		if key == "" || strings.ToLower(snap.Port) == key {
			return true
		}
	}
	return false
}
