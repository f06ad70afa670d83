// Package diagnostics helps an operator find and verify a freshly
// flashed device: pulling IP and hostname candidates out of serial
// text, parsing the firmware's network status lines, pinging, and
// exercising the device HTTP API.
package diagnostics

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	ipv4Re = regexp.MustCompile(`\b((?:25[0-5]|2[0-4]\d|1?\d?\d)(?:\.(?:25[0-5]|2[0-4]\d|1?\d?\d)){3})\b`)
	hostRe = regexp.MustCompile(`\b([a-zA-Z0-9][a-zA-Z0-9-]{1,62}(?:\.local)?)\b`)
	bareIP = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

	netOKRe  = regexp.MustCompile(`(?i)NET_OK\s+name=(\S+)\s+host=(\S+)\s+ip=([0-9.]+)\s+gw=([0-9.]+)\s+mask=([0-9.]+)`)
	netAPRe  = regexp.MustCompile(`(?i)NET_AP\s+name=(\S+)\s+ap_ssid=(\S+)\s+ip=([0-9.]+)\s+gw=([0-9.]+)\s+mask=([0-9.]+)`)
	reasonRe = regexp.MustCompile(`reason\s*=\s*(\d+)`)
)

// ExtractIPs returns IPv4 literals from text in first-appearance order,
// deduplicated.
func ExtractIPs(text string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, m := range ipv4Re.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// ExtractHosts returns hostname candidates from text. Noise words, URL
// fragments, and bare IPs are filtered out.
func ExtractHosts(text string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, m := range hostRe.FindAllString(text, -1) {
		h := strings.ToLower(strings.TrimSpace(m))
		if h == "" || strings.Count(h, ".") > 3 {
			continue
		}
		if strings.HasPrefix(h, "http") || h == "connected" || h == "disconnected" || h == "monitor" {
			continue
		}
		if bareIP.MatchString(h) {
			continue
		}
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// NetworkSummary is the parsed network state reported by the firmware
// over serial. Mode is "sta", "ap", or "unknown".
type NetworkSummary struct {
	Mode               string `json:"mode"`
	DeviceName         string `json:"device_name,omitempty"`
	Hostname           string `json:"hostname,omitempty"`
	APSSID             string `json:"ap_ssid,omitempty"`
	IP                 string `json:"ip,omitempty"`
	Gateway            string `json:"gateway,omitempty"`
	SubnetMask         string `json:"subnet_mask,omitempty"`
	StatusLine         string `json:"status_line,omitempty"`
	APStarting         bool   `json:"ap_starting,omitempty"`
	APStartLine        string `json:"ap_start_line,omitempty"`
	LastWifiReason     int    `json:"last_wifi_reason,omitempty"`
	LastWifiReasonLine string `json:"last_wifi_reason_line,omitempty"`
}

// ParseNetworkSummary scans serial output for NET_OK / NET_AP status
// lines and WiFi disconnect reasons. Later lines win, so the summary
// reflects the device's latest reported state.
func ParseNetworkSummary(text string) NetworkSummary {
	summary := NetworkSummary{Mode: "unknown"}
	for _, line := range strings.Split(text, "\n") {
		if m := netOKRe.FindStringSubmatch(line); m != nil {
			summary.Mode = "sta"
			summary.DeviceName = m[1]
			summary.Hostname = m[2]
			summary.APSSID = ""
			summary.IP = m[3]
			summary.Gateway = m[4]
			summary.SubnetMask = m[5]
			summary.StatusLine = line
		}
		if m := netAPRe.FindStringSubmatch(line); m != nil {
			summary.Mode = "ap"
			summary.DeviceName = m[1]
			summary.APSSID = m[2]
			summary.Hostname = ""
			summary.IP = m[3]
			summary.Gateway = m[4]
			summary.SubnetMask = m[5]
			summary.StatusLine = line
		}
		if strings.Contains(line, "Starting fallback AP ssid=") {
			summary.APStarting = true
			summary.APStartLine = line
		}
		if m := reasonRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				summary.LastWifiReason = n
				summary.LastWifiReasonLine = line
			}
		}
	}
	return summary
}
