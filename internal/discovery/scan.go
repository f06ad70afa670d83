package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"espfleet/internal/deviceapi"
	"espfleet/internal/events"
	"espfleet/internal/secrets"
	"espfleet/internal/store"
	"espfleet/internal/tuyalocal"
)

// automationMarkers are hostname/vendor substrings that suggest a host
// is an embedded automation device rather than a laptop or printer.
var automationMarkers = []string{
	"esp", "espressif", "relay", "switch", "light", "lamp", "rgb",
	"fan", "tuya", "moes", "bhub", "smartlife", "tasmota", "8bb",
}

const (
	sweepLimit    = 1024
	candidateMin  = 2
	arpTablePath  = "/proc/net/arp"
	defaultProbes = 64
)

// Host is one swept LAN address.
type Host struct {
	IP                  string   `json:"ip"`
	Hostname            string   `json:"hostname,omitempty"`
	MAC                 string   `json:"mac,omitempty"`
	Open                bool     `json:"open"`
	DeviceHint          string   `json:"device_hint,omitempty"`
	Markers             []string `json:"markers,omitempty"`
	Score               int      `json:"score"`
	AutomationCandidate bool     `json:"automation_candidate"`
}

// ScanResult is the outcome of one subnet sweep.
type ScanResult struct {
	Subnet  string `json:"subnet"`
	Scanned int    `json:"scanned"`
	Hosts   []Host `json:"hosts"`
}

// Scanner sweeps the LAN and scores what it finds.
type Scanner struct {
	store  store.Store
	box    *secrets.Box
	log    *events.Log
	logger *slog.Logger

	http        *http.Client
	dialTimeout time.Duration
	concurrency int64
	probePort   int

	lookupAddr func(ctx context.Context, addr string) ([]string, error)
	tuyaScan   func(ctx context.Context, wait time.Duration) ([]tuyalocal.Device, error)
	dialHub    deviceapi.HubDialer
	tuyaWait   time.Duration
}

func NewScanner(s store.Store, box *secrets.Box, log *events.Log, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:       s,
		box:         box,
		log:         log,
		logger:      logger.With("component", "discovery"),
		http:        &http.Client{Timeout: 900 * time.Millisecond},
		dialTimeout: 350 * time.Millisecond,
		concurrency: defaultProbes,
		probePort:   80,
		lookupAddr:  net.DefaultResolver.LookupAddr,
		tuyaScan:    tuyalocal.Scan,
		dialHub: func(ctx context.Context, cfg tuyalocal.HubConfig) (deviceapi.HubSession, error) {
			return tuyalocal.Dial(ctx, cfg)
		},
		tuyaWait: tuyalocal.DefaultScanWait,
	}
}

// markerHits returns the automation markers found in the blob, in
// marker-list order.
func markerHits(blob string) []string {
	blob = strings.ToLower(blob)
	var hits []string
	for _, marker := range automationMarkers {
		if strings.Contains(blob, marker) {
			hits = append(hits, marker)
		}
	}
	return hits
}

// probeHost checks one address: TCP dial on the probe port, then an
// HTTP status probe for the device hint. Any failure means the host is
// simply not reported.
func (s *Scanner) probeHost(ctx context.Context, ip string) (Host, bool) {
	host := Host{IP: ip}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", s.probePort)))
	cancel()
	if err != nil {
		return host, false
	}
	conn.Close()
	host.Open = true

	if names, err := s.lookupAddr(ctx, ip); err == nil && len(names) > 0 {
		host.Hostname = strings.TrimSuffix(strings.ToLower(names[0]), ".")
	}

	hint, boost := s.httpProbe(ctx, ip)
	host.DeviceHint = hint
	host.Score = boost

	host.Markers = markerHits(host.Hostname + " " + host.DeviceHint)
	host.Score += len(host.Markers)
	host.AutomationCandidate = host.Score >= candidateMin
	return host, true
}

// httpProbe asks the host's HTTP surface who it is. A parseable
// /api/status with a device_type is the strongest signal, any JSON
// status is next, and a root page with automation markers still counts.
func (s *Scanner) httpProbe(ctx context.Context, ip string) (hint string, boost int) {
	base := fmt.Sprintf("http://%s:%d", ip, s.probePort)

	if body, ok := s.fetch(ctx, base+"/api/status"); ok {
		var status map[string]any
		if err := json.Unmarshal(body, &status); err == nil {
			if dt, _ := status["device_type"].(string); dt != "" {
				return dt, 8
			}
			if name, _ := status["name"].(string); name != "" {
				return name, 6
			}
			return "", 6
		}
	}
	if body, ok := s.fetch(ctx, base+"/"); ok {
		if hits := markerHits(string(body)); len(hits) > 0 {
			return hits[0], 4
		}
	}
	return "", 0
}

func (s *Scanner) fetch(ctx context.Context, url string) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, false
	}
	body := make([]byte, 0, 4096)
	buf := bufio.NewReader(resp.Body)
	chunk := make([]byte, 1024)
	for len(body) < 16*1024 {
		n, err := buf.Read(chunk)
		body = append(body, chunk[:n]...)
		if err != nil {
			break
		}
	}
	return body, true
}

// ScanLAN sweeps the hinted subnet with bounded concurrency. Per-host
// failures mean absence from the result; only setup problems (a bad
// hint, no usable interface) are errors.
func (s *Scanner) ScanLAN(ctx context.Context, hint string, automationOnly bool) (*ScanResult, error) {
	network, err := ParseSubnetHint(hint)
	if err != nil {
		return nil, err
	}
	targets := hostsIn(network, sweepLimit)

	sem := semaphore.NewWeighted(s.concurrency)
	results := make(chan Host, len(targets))
	for _, ip := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(ip string) {
			defer sem.Release(1)
			if host, ok := s.probeHost(ctx, ip); ok {
				results <- host
			}
		}(ip)
	}
	if err := sem.Acquire(ctx, s.concurrency); err != nil {
		return nil, err
	}
	close(results)

	var hosts []Host
	for host := range results {
		hosts = append(hosts, host)
	}
	s.fillMACs(hosts)
	for i := range hosts {
		if len(hosts[i].MAC) > 0 {
			extra := markerHits(hosts[i].MAC)
			for _, m := range extra {
				if !containsStr(hosts[i].Markers, m) {
					hosts[i].Markers = append(hosts[i].Markers, m)
					hosts[i].Score++
				}
			}
			hosts[i].AutomationCandidate = hosts[i].Score >= candidateMin
		}
	}

	if automationOnly {
		kept := hosts[:0]
		for _, host := range hosts {
			if host.AutomationCandidate {
				kept = append(kept, host)
			}
		}
		hosts = kept
	}

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Score != hosts[j].Score {
			return hosts[i].Score > hosts[j].Score
		}
		return lessIP(hosts[i].IP, hosts[j].IP)
	})

	result := &ScanResult{Subnet: network.String(), Scanned: len(targets), Hosts: hosts}
	if s.log != nil {
		s.log.Append(events.EventNetworkScan, map[string]any{
			"subnet":          result.Subnet,
			"scanned":         result.Scanned,
			"hosts":           len(result.Hosts),
			"automation_only": automationOnly,
		})
	}
	s.logger.Info("lan scan finished", "subnet", result.Subnet, "hosts", len(hosts))
	return result, nil
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func lessIP(a, b string) bool {
	ipa, ipb := net.ParseIP(a).To4(), net.ParseIP(b).To4()
	if ipa == nil || ipb == nil {
		return a < b
	}
	for i := 0; i < 4; i++ {
		if ipa[i] != ipb[i] {
			return ipa[i] < ipb[i]
		}
	}
	return false
}

// fillMACs enriches swept hosts with hardware addresses from the
// kernel ARP table. Best effort: missing table or rows are fine.
func (s *Scanner) fillMACs(hosts []Host) {
	f, err := os.Open(arpTablePath)
	if err != nil {
		return
	}
	defer f.Close()

	byIP := map[string]int{}
	for i, host := range hosts {
		byIP[host.IP] = i
	}

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if idx, ok := byIP[fields[0]]; ok && fields[3] != "00:00:00:00:00:00" {
			hosts[idx].MAC = strings.ToLower(fields[3])
		}
	}
}
