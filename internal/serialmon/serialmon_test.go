package serialmon

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"espfleet/internal/events"
	"espfleet/internal/portlock"
)

type fakePort struct {
	mu      sync.Mutex
	data    []byte
	closed  bool
	readErr error
	rtsLog  []bool
	dtrLog  []bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		return 0, err
	}
	if len(f.data) == 0 {
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		return 0, nil
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *fakePort) SetDTR(level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtrLog = append(f.dtrLog, level)
	return nil
}

func (f *fakePort) SetRTS(level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtsLog = append(f.rtsLog, level)
	return nil
}

func (f *fakePort) ResetInputBuffer() error { return nil }

func (f *fakePort) feed(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, text...)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(logger)
	log, err := events.NewLog(filepath.Join(t.TempDir(), "events.jsonl"), bus, logger)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(portlock.NewRegistry(), log, logger)
	m.joinWait = 500 * time.Millisecond
	m.probeWindow = 50 * time.Millisecond
	m.probeRetryDelay = time.Millisecond
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMonitorStreamsAndStops(t *testing.T) {
	m := newTestManager(t)
	fp := &fakePort{}
	fp.feed("boot ok\r\nNET_OK name=lamp host=lamp ip=192.168.1.7 gw=192.168.1.1 mask=255.255.255.0\n")
	m.open = func(string, int) (port, error) { return fp, nil }

	snap, err := m.Start("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != "running" {
		t.Errorf("status = %q, want running", snap.Status)
	}
	if !strings.Contains(snap.Output, "[monitor] connected") {
		t.Errorf("output missing banner: %q", snap.Output)
	}

	waitFor(t, func() bool {
		got, err := m.Get(snap.SessionID)
		return err == nil && strings.Contains(got.Output, "NET_OK")
	})

	// Port is held while the session runs.
	if _, err := m.Start("/dev/ttyUSB0", 115200); !errors.Is(err, portlock.ErrPortBusy) {
		t.Fatalf("second start err = %v, want ErrPortBusy", err)
	}

	final, err := m.Stop(snap.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "stopped" {
		t.Errorf("final status = %q, want stopped", final.Status)
	}
	if final.StoppedAt == "" {
		t.Error("stopped_at empty after stop")
	}
	if !strings.Contains(final.Output, "boot ok") {
		t.Errorf("output lost early line: %q", final.Output)
	}
}

func TestMonitorReadErrorEndsSession(t *testing.T) {
	m := newTestManager(t)
	fp := &fakePort{readErr: errors.New("device unplugged")}
	m.open = func(string, int) (port, error) { return fp, nil }

	snap, err := m.Start("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		got, _ := m.Get(snap.SessionID)
		return got.Status == "error"
	})
	got, err := m.Get(snap.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Error != "device unplugged" {
		t.Errorf("error = %q, want device unplugged", got.Error)
	}
	if !strings.Contains(got.Output, "[monitor] error: device unplugged") {
		t.Errorf("output missing error line: %q", got.Output)
	}
}

func TestMonitorOpenFailureReleasesLock(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	m.open = func(string, int) (port, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no such device")
		}
		return &fakePort{}, nil
	}

	if _, err := m.Start("/dev/ttyUSB0", 115200); err == nil {
		t.Fatal("expected open error, got nil")
	}

	// Cooldown applies after the failed attempt; a different port is free.
	if _, err := m.Start("/dev/ttyUSB1", 115200); err != nil {
		t.Fatalf("start on other port err = %v", err)
	}
}

func TestStopUnknownSessionIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.Stop("no-such-session")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != "stopped" {
		t.Errorf("status = %q, want stopped", snap.Status)
	}
}

func TestStartValidation(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Start("", 115200); err == nil {
		t.Error("empty port accepted")
	}
	if _, err := m.Start("/dev/ttyUSB0", 300); err == nil {
		t.Error("baud 300 accepted")
	}
	if _, err := m.Start("/dev/ttyUSB0", 5_000_000); err == nil {
		t.Error("baud 5M accepted")
	}
}

func TestProbeParsesNetworkSummary(t *testing.T) {
	m := newTestManager(t)
	m.open = func(string, int) (port, error) {
		fp := &fakePort{}
		fp.feed("I (420) wifi: connected\nNET_OK name=relay1 host=relay1 ip=192.168.1.55 gw=192.168.1.1 mask=255.255.255.0\n")
		return fp, nil
	}

	res, err := m.Probe("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("probe not ok: %+v", res)
	}
	if res.Summary.Mode != "sta" || res.Summary.IP != "192.168.1.55" {
		t.Errorf("summary = %+v, want sta/192.168.1.55", res.Summary)
	}
	if !strings.Contains(res.LogTail, "NET_OK") {
		t.Errorf("log tail missing NET_OK: %q", res.LogTail)
	}
	if res.ResetAttempted {
		t.Error("reset attempted although output arrived")
	}
}

func TestProbePulsesResetWhenSilent(t *testing.T) {
	m := newTestManager(t)
	opens := 0
	pulsed := &fakePort{}
	m.open = func(string, int) (port, error) {
		opens++
		switch opens {
		case 1:
			return &fakePort{}, nil // silent capture
		case 2:
			return pulsed, nil // reset pulse
		default:
			fp := &fakePort{}
			fp.feed("NET_AP name=lamp ap_ssid=lamp-setup ip=192.168.4.1 gw=192.168.4.1 mask=255.255.255.0\n")
			return fp, nil
		}
	}

	res, err := m.Probe("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ResetAttempted || !res.ResetOK {
		t.Fatalf("reset not attempted/ok: %+v", res)
	}
	if len(pulsed.rtsLog) == 0 {
		t.Error("RTS never toggled during reset pulse")
	}
	if res.Summary.Mode != "ap" || res.Summary.APSSID != "lamp-setup" {
		t.Errorf("summary = %+v, want ap/lamp-setup", res.Summary)
	}
}

func TestProbeRespectsPortLock(t *testing.T) {
	m := newTestManager(t)
	fp := &fakePort{}
	m.open = func(string, int) (port, error) { return fp, nil }

	snap, err := m.Start("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(snap.SessionID)

	if _, err := m.Probe("/dev/ttyUSB0", 115200); !errors.Is(err, portlock.ErrPortBusy) {
		t.Fatalf("probe on held port err = %v, want ErrPortBusy", err)
	}
}

func TestStopAllForPortFreesThePort(t *testing.T) {
	m := newTestManager(t)
	m.open = func(string, int) (port, error) { return &fakePort{}, nil }

	usb0, err := m.Start("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatal(err)
	}
	usb1, err := m.Start("/dev/ttyUSB1", 115200)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(usb1.SessionID)

	stopped := m.StopAllForPort("/dev/ttyUSB0")
	if len(stopped) != 1 || stopped[0] != usb0.SessionID {
		t.Fatalf("stopped = %v, want [%s]", stopped, usb0.SessionID)
	}

	got, err := m.Get(usb0.SessionID)
	if err != nil || got.Status != "stopped" {
		t.Errorf("session = %+v, %v", got, err)
	}
	other, _ := m.Get(usb1.SessionID)
	if other.Status != "running" {
		t.Errorf("other port's session status = %q, want running", other.Status)
	}

	// The freed port can now be claimed the way a forced flash job does.
	release, err := m.locks.Acquire("/dev/ttyUSB0", "flash:forced")
	if err != nil {
		t.Fatalf("port still held after StopAllForPort: %v", err)
	}
	release()

	if ids := m.StopAllForPort(""); ids != nil {
		t.Errorf("blank port stopped %v", ids)
	}
}
