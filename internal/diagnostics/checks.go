package diagnostics

import (
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"espfleet/internal/deviceapi"
)

const (
	pingOutputTail   = 1800
	discoverAttempts = 12
)

var latencyRe = regexp.MustCompile(`time[=<]\s*([0-9.]+)\s*ms`)

// ScannedHost is one swept LAN host offered as a discovery candidate.
type ScannedHost struct {
	IP       string
	Hostname string
}

// ScanFunc sweeps the local subnet. Auto-discovery uses it as the last
// candidate source when the serial log printed no address.
type ScanFunc func(ctx context.Context) ([]ScannedHost, error)

// Runner executes connectivity checks against a device.
type Runner struct {
	client *deviceapi.Client
	scan   ScanFunc
	logger *slog.Logger

	pingCmd        []string
	attemptTimeout time.Duration

	// Swapped for fakes in tests.
	status func(ctx context.Context, host string) (map[string]any, error)
	pair   func(ctx context.Context, host, passcode string) (deviceapi.PairResult, error)
}

func NewRunner(client *deviceapi.Client, scan ScanFunc, logger *slog.Logger) *Runner {
	r := &Runner{
		client:         client,
		scan:           scan,
		logger:         logger.With("component", "diagnostics"),
		pingCmd:        []string{"ping", "-c", "1", "-W", "1"},
		attemptTimeout: 2 * time.Second,
	}
	r.status = client.Status
	r.pair = client.Pair
	return r
}

// PingResult is one ICMP reachability check.
type PingResult struct {
	Host      string  `json:"host"`
	OK        bool    `json:"ok"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
	Output    string  `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Ping shells out to the system ping for one echo. The raw output tail
// is kept so the operator can read resolver errors verbatim.
func (r *Runner) Ping(ctx context.Context, host string) PingResult {
	result := PingResult{Host: host}
	host = strings.TrimSpace(host)
	if host == "" {
		result.Error = "empty host"
		return result
	}

	args := append(append([]string{}, r.pingCmd[1:]...), host)
	out, err := exec.CommandContext(ctx, r.pingCmd[0], args...).CombinedOutput()
	result.Output = tailString(string(out), pingOutputTail)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	if m := latencyRe.FindStringSubmatch(result.Output); m != nil {
		if ms, err := strconv.ParseFloat(m[1], 64); err == nil {
			result.LatencyMS = ms
		}
	}
	return result
}

func tailString(s string, limit int) string {
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

// StatusCheck is the outcome of a GET /api/status probe.
type StatusCheck struct {
	OK     bool           `json:"ok"`
	Status map[string]any `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (r *Runner) CheckStatus(ctx context.Context, host string) StatusCheck {
	status, err := r.status(ctx, host)
	if err != nil {
		return StatusCheck{Error: err.Error()}
	}
	return StatusCheck{OK: true, Status: status}
}

// PairCheck is the outcome of a passcode handshake attempt.
type PairCheck struct {
	OK         bool           `json:"ok"`
	StatusCode int            `json:"status_code,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (r *Runner) CheckPair(ctx context.Context, host, passcode string) PairCheck {
	res, err := r.pair(ctx, host, passcode)
	if err != nil {
		return PairCheck{Error: err.Error()}
	}
	return PairCheck{OK: res.OK, StatusCode: res.StatusCode, Response: res.Response}
}

// Report bundles every check against one host. OK means all of them
// passed; the individual results are always present so a partial
// failure is readable.
type Report struct {
	Host   string      `json:"host"`
	OK     bool        `json:"ok"`
	Ping   PingResult  `json:"ping"`
	Status StatusCheck `json:"status"`
	Pair   PairCheck   `json:"pair"`
}

// RunAll runs ping, status, and pair against the host. Checks run even
// when an earlier one failed: the full picture is the point.
func (r *Runner) RunAll(ctx context.Context, host, passcode string) Report {
	report := Report{Host: host}
	report.Ping = r.Ping(ctx, host)
	report.Status = r.CheckStatus(ctx, host)
	report.Pair = r.CheckPair(ctx, host, passcode)
	report.OK = report.Ping.OK && report.Status.OK && report.Pair.OK
	return report
}

// Attempt is one probed candidate during auto-discovery.
type Attempt struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// DiscoverResult reports where a device answered, and everything that
// was tried before it did.
type DiscoverResult struct {
	Found    bool           `json:"found"`
	Host     string         `json:"host,omitempty"`
	Status   map[string]any `json:"status,omitempty"`
	Pair     *PairCheck     `json:"pair,omitempty"`
	Attempts []Attempt      `json:"attempts"`
}

// hostnameSlug derives the mDNS hostname the firmware advertises for a
// device name.
func hostnameSlug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// AutoDiscover pulls address candidates out of captured serial text
// (IP literals first, then hostnames, then the mDNS name derived from
// the device name, then a bounded LAN sweep as last resort) and probes
// them until one answers /api/status. The candidate list is bounded so
// garbage serial text cannot stall the call. When a passcode is given,
// the answering host is also pair-checked.
func (r *Runner) AutoDiscover(ctx context.Context, serialText, deviceName, passcode string) DiscoverResult {
	var candidates []string
	seen := map[string]bool{}
	add := func(target string) {
		target = strings.TrimSpace(target)
		if target == "" || seen[strings.ToLower(target)] {
			return
		}
		seen[strings.ToLower(target)] = true
		candidates = append(candidates, target)
	}

	for _, ip := range ExtractIPs(serialText) {
		add(ip)
	}
	for _, host := range ExtractHosts(serialText) {
		add(host)
	}
	if slug := hostnameSlug(deviceName); slug != "" {
		add(slug + ".local")
		add(slug)
	}
	if r.scan != nil {
		swept, err := r.scan(ctx)
		if err != nil {
			r.logger.Warn("auto-discover lan sweep failed", "err", err)
		}
		for _, host := range swept {
			add(host.IP)
			add(host.Hostname)
		}
	}
	if len(candidates) > discoverAttempts {
		candidates = candidates[:discoverAttempts]
	}

	result := DiscoverResult{Attempts: []Attempt{}}
	for _, target := range candidates {
		attemptCtx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		status, err := r.status(attemptCtx, target)
		cancel()
		if err != nil {
			result.Attempts = append(result.Attempts, Attempt{Target: target, Error: err.Error()})
			continue
		}
		result.Attempts = append(result.Attempts, Attempt{Target: target, OK: true})
		result.Found = true
		result.Host = target
		result.Status = status
		r.logger.Info("device discovered", "host", target)
		break
	}
	if result.Found && passcode != "" {
		pair := r.CheckPair(ctx, result.Host, passcode)
		result.Pair = &pair
	}
	if !result.Found {
		r.logger.Info("device not discovered", "candidates", len(candidates))
	}
	return result
}
