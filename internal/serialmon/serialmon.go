// Package serialmon runs live serial monitor sessions and short serial
// probes against attached boards. All port access goes through the
// shared port lock so a monitor can never race a flash job.
package serialmon

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"espfleet/internal/events"
	"espfleet/internal/portlock"
)

// MaxOutput bounds the buffered session output; older text is trimmed.
const MaxOutput = 250_000

const readTimeout = 200 * time.Millisecond

var ErrSessionNotFound = errors.New("serial monitor session not found")

// port is the slice of serial.Port the manager needs. Tests provide
// fakes; production wraps go.bug.st/serial.
type port interface {
	Read(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
	SetDTR(level bool) error
	SetRTS(level bool) error
	ResetInputBuffer() error
}

func openSerial(device string, baud int) (port, error) {
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Snapshot is a point-in-time copy of a session, safe to poll.
type Snapshot struct {
	SessionID string `json:"session_id"`
	Port      string `json:"port"`
	Baud      int    `json:"baud"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	StartedAt string `json:"started_at"`
	StoppedAt string `json:"stopped_at"`
	Output    string `json:"output"`
}

type session struct {
	mu        sync.Mutex
	id        string
	port      string
	baud      int
	status    string
	err       string
	startedAt string
	stoppedAt string
	output    string
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	release   func()
}

func (s *session) appendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.output
	if merged != "" {
		merged += "\n"
	}
	merged += line
	if len(merged) > MaxOutput {
		merged = merged[len(merged)-MaxOutput:]
	}
	s.output = merged
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID: s.id,
		Port:      s.port,
		Baud:      s.baud,
		Status:    s.status,
		Error:     s.err,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
		Output:    s.output,
	}
}

// Manager owns all monitor sessions.
type Manager struct {
	locks  *portlock.Registry
	log    *events.Log
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	open     func(device string, baud int) (port, error)
	joinWait time.Duration

	// Shrunk by tests to keep probes fast.
	probeWindow     time.Duration
	probeRetryDelay time.Duration
}

func NewManager(locks *portlock.Registry, log *events.Log, logger *slog.Logger) *Manager {
	return &Manager{
		locks:    locks,
		log:      log,
		logger:   logger.With("component", "serialmon"),
		sessions: make(map[string]*session),
		open:     openSerial,
		joinWait: 1500 * time.Millisecond,
	}
}

func validatePortBaud(device string, baud int) error {
	if strings.TrimSpace(device) == "" {
		return errors.New("port is required")
	}
	if baud < 1200 || baud > 4_000_000 {
		return fmt.Errorf("invalid baud %d", baud)
	}
	return nil
}

// Start opens the port and begins streaming lines into the session
// buffer. It fails fast if the port is held by a flash job, a probe, or
// another session.
func (m *Manager) Start(device string, baud int) (Snapshot, error) {
	device = strings.TrimSpace(device)
	if err := validatePortBaud(device, baud); err != nil {
		return Snapshot{}, err
	}

	id := uuid.NewString()
	release, err := m.locks.Acquire(device, "monitor:"+id)
	if err != nil {
		return Snapshot{}, err
	}

	p, err := m.open(device, baud)
	if err != nil {
		release()
		return Snapshot{}, fmt.Errorf("open %s: %w", device, err)
	}

	s := &session{
		id:        id,
		port:      device,
		baud:      baud,
		status:    "running",
		startedAt: time.Now().UTC().Format(time.RFC3339),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		release:   release,
	}
	s.appendLine(fmt.Sprintf("[monitor] connected: %s @ %d", device, baud))

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.run(s, p)

	m.log.Append(events.EventMonitorStarted, map[string]any{
		"session_id": id, "port": device, "baud": baud,
	})
	return s.snapshot(), nil
}

func (m *Manager) run(s *session, p port) {
	defer close(s.doneCh)
	defer s.release()

	var partial []byte
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			p.Close()
			s.mu.Lock()
			if s.status == "running" || s.status == "stopping" {
				s.status = "stopped"
			}
			s.stoppedAt = time.Now().UTC().Format(time.RFC3339)
			m.finishLocked(s)
			s.mu.Unlock()
			return
		default:
		}

		n, err := p.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				idx := bytes.IndexByte(partial, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(partial[:idx]), "\r")
				partial = partial[idx+1:]
				if line != "" {
					s.appendLine(line)
				}
			}
		}
		if err != nil {
			p.Close()
			stopped := false
			select {
			case <-s.stopCh:
				stopped = true
			default:
			}
			if !stopped {
				s.appendLine("[monitor] error: " + err.Error())
			}
			s.mu.Lock()
			if stopped {
				// Close raced with Stop; not a failure.
				if s.status == "running" || s.status == "stopping" {
					s.status = "stopped"
				}
			} else {
				s.status = "error"
				s.err = err.Error()
			}
			s.stoppedAt = time.Now().UTC().Format(time.RFC3339)
			m.finishLocked(s)
			s.mu.Unlock()
			return
		}
	}
}

// finishLocked emits the finished event. Caller holds s.mu.
func (m *Manager) finishLocked(s *session) {
	m.log.Append(events.EventMonitorFinished, map[string]any{
		"session_id": s.id,
		"port":       s.port,
		"baud":       s.baud,
		"status":     s.status,
		"error":      s.err,
	})
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Stop signals the reader, waits for it to exit, and returns the final
// snapshot. Stopping an unknown session returns an empty stopped
// snapshot with no error so repeated stops are harmless.
func (m *Manager) Stop(id string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{SessionID: id, Status: "stopped"}, nil
	}

	s.mu.Lock()
	if s.status == "running" {
		s.status = "stopping"
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
	case <-time.After(m.joinWait):
		m.logger.Warn("monitor reader did not exit in time", "session_id", id, "port", s.port)
	}
	return s.snapshot(), nil
}

// StopAllForPort stops every live session on the given port. Used
// before a flash job force-claims a port at the operator's request.
func (m *Manager) StopAllForPort(device string) []string {
	key := strings.ToLower(strings.TrimSpace(device))
	if key == "" {
		return nil
	}
	m.mu.Lock()
	var ids []string
	for id, s := range m.sessions {
		snap := s.snapshot()
		if strings.ToLower(snap.Port) == key && (snap.Status == "running" || snap.Status == "stopping") {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
	return ids
}
