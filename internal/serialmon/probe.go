package serialmon

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"

	"espfleet/internal/diagnostics"
	"espfleet/internal/events"
)

// ProbeResult is the outcome of a short serial capture on a port.
type ProbeResult struct {
	OK             bool                       `json:"ok"`
	Port           string                     `json:"port"`
	Baud           int                        `json:"baud"`
	Error          string                     `json:"error,omitempty"`
	Hint           string                     `json:"hint,omitempty"`
	Summary        diagnostics.NetworkSummary `json:"network_summary"`
	LogTail        string                     `json:"log_tail"`
	RetryErrors    []string                   `json:"retry_errors,omitempty"`
	ResetAttempted bool                       `json:"reset_attempted"`
	ResetOK        bool                       `json:"reset_ok"`
	ResetError     string                     `json:"reset_error,omitempty"`
}

const (
	probeWindow      = 10 * time.Second
	probeResetWindow = 8 * time.Second
	probeRetries     = 10
	probeRetryDelay  = 350 * time.Millisecond
	probeTailLines   = 120
)

// busyError reports whether a serial open error looks like another
// process holding the port, which is worth retrying.
func busyError(err error) bool {
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "busy") ||
		strings.Contains(low, "access is denied") ||
		strings.Contains(low, "permission denied")
}

// capture opens the port and collects lines for the given window.
func (m *Manager) capture(device string, baud int, window time.Duration) ([]string, error) {
	p, err := m.open(device, baud)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	var lines []string
	var partial []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
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
					lines = append(lines, line)
				}
			}
		}
		if err != nil {
			return lines, err
		}
	}
	return lines, nil
}

func (m *Manager) captureWithRetries(device string, baud int, window time.Duration, retries int) ([]string, error, []string) {
	var lastLines []string
	var lastErr error
	var retryErrs []string
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		lines, err := m.capture(device, baud, window)
		if err == nil {
			return lines, nil, retryErrs
		}
		lastLines, lastErr = lines, err
		retryErrs = append(retryErrs, err.Error())
		if !busyError(err) {
			return lines, err, retryErrs
		}
		if i < retries-1 {
			time.Sleep(m.retryDelay())
		}
	}
	return lastLines, lastErr, retryErrs
}

func (m *Manager) retryDelay() time.Duration {
	if m.probeRetryDelay > 0 {
		return m.probeRetryDelay
	}
	return probeRetryDelay
}

// pulseReset toggles DTR/RTS the way the auto-reset circuit on common
// ESP dev boards expects, so a silent board reboots and prints its boot
// log. Adapters without both lines get a plain DTR pulse.
func (m *Manager) pulseReset(device string, baud int) (bool, error) {
	p, err := m.open(device, baud)
	if err != nil {
		return false, err
	}
	defer p.Close()

	if err := p.SetDTR(false); err == nil {
		p.SetRTS(false)
		time.Sleep(50 * time.Millisecond)
		p.SetRTS(true)
		time.Sleep(120 * time.Millisecond)
		p.SetRTS(false)
		time.Sleep(80 * time.Millisecond)
	} else {
		p.SetDTR(true)
		time.Sleep(80 * time.Millisecond)
		p.SetDTR(false)
		time.Sleep(80 * time.Millisecond)
	}
	p.ResetInputBuffer()
	return true, nil
}

// Probe captures a short burst of serial output and parses the network
// status out of it. When nothing arrives it pulses reset once and
// listens again. The port lock is held for the whole probe and released
// with cooldown at the end.
func (m *Manager) Probe(device string, baud int) (ProbeResult, error) {
	device = strings.TrimSpace(device)
	if err := validatePortBaud(device, baud); err != nil {
		return ProbeResult{}, err
	}

	release, err := m.locks.Acquire(device, "probe:"+uuid.NewString()[:8])
	if err != nil {
		return ProbeResult{}, err
	}
	defer release()

	window, resetWindow := probeWindow, probeResetWindow
	retries := probeRetries
	if m.probeWindow > 0 {
		window, resetWindow = m.probeWindow, m.probeWindow
		retries = 2
	}

	res := ProbeResult{Port: device, Baud: baud}
	lines, capErr, retryErrs := m.captureWithRetries(device, baud, window, retries)
	res.RetryErrors = retryErrs

	if capErr == nil && len(lines) == 0 {
		// Silent port: pulse reset once and listen again.
		res.ResetAttempted = true
		ok, resetErr := m.pulseReset(device, baud)
		res.ResetOK = ok
		if resetErr != nil {
			res.ResetError = resetErr.Error()
		}
		if ok {
			var more []string
			lines, capErr, more = m.captureWithRetries(device, baud, resetWindow, retries)
			res.RetryErrors = append(res.RetryErrors, more...)
		}
	}

	res.Summary = diagnostics.ParseNetworkSummary(strings.Join(lines, "\n"))
	tail := lines
	if len(tail) > probeTailLines {
		tail = tail[len(tail)-probeTailLines:]
	}
	res.LogTail = strings.Join(tail, "\n")
	if len(res.RetryErrors) > 12 {
		res.RetryErrors = res.RetryErrors[len(res.RetryErrors)-12:]
	}

	if capErr != nil {
		res.Error = capErr.Error()
		if busyError(capErr) {
			res.Hint = "Serial port is busy. Close other serial monitors, then retry."
		}
		return res, nil
	}

	res.OK = true
	if len(lines) == 0 {
		res.OK = false
		res.Hint = "No serial output captured. Press EN/RESET during probe, then retry."
	}

	m.log.Append(events.EventSerialProbe, map[string]any{
		"port": device, "baud": baud, "ok": res.OK, "mode": res.Summary.Mode,
	})
	return res, nil
}
