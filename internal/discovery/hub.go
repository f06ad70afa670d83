package discovery

import (
	"context"
	"sort"
	"strings"

	"espfleet/internal/events"
	"espfleet/internal/tuyalocal"
)

// hubMarkers score hostname/hint substrings that point at a zigbee/tuya
// gateway. bhub outranks the rest because the fleet's own hubs carry it
// in their hostname.
var hubMarkers = []struct {
	marker string
	score  int
}{
	{"moes", 4},
	{"bhub", 6},
	{"hub", 2},
	{"gateway", 2},
	{"tuya", 2},
}

// HubCandidate is one host that looks like a hub, with the reasons it
// scored what it did.
type HubCandidate struct {
	IP       string   `json:"ip"`
	Hostname string   `json:"hostname,omitempty"`
	MAC      string   `json:"mac,omitempty"`
	DeviceID string   `json:"device_id,omitempty"`
	Version  string   `json:"version,omitempty"`
	Score    int      `json:"score"`
	Reasons  []string `json:"reasons"`
}

// HubDiscoveryResult holds the scored hub candidates plus the raw tuya
// LAN broadcast listing they were merged with.
type HubDiscoveryResult struct {
	Subnet      string             `json:"subnet"`
	Scanned     int                `json:"scanned"`
	Hubs        []HubCandidate     `json:"hubs"`
	TuyaDevices []tuyalocal.Device `json:"tuya_devices"`
	TuyaError   string             `json:"tuya_error,omitempty"`
}

// TuyaScan exposes the raw UDP broadcast listing on its own.
func (s *Scanner) TuyaScan(ctx context.Context) ([]tuyalocal.Device, error) {
	return s.tuyaScan(ctx, s.tuyaWait)
}

// tuyaEntryScore rates one broadcast entry by its own identifiers.
func tuyaEntryScore(dev tuyalocal.Device) int {
	blob := strings.ToLower(dev.ID + " " + dev.ProductKey)
	for _, marker := range []string{"hub", "gateway", "bhub", "moes"} {
		if strings.Contains(blob, marker) {
			return 7
		}
	}
	return 3
}

// DiscoverHub sweeps the subnet, scores hub-looking hosts, and merges
// in whatever announces itself on the tuya UDP broadcast ports. The
// broadcast listen failing is reported, not fatal: the sweep alone can
// still find a hub.
func (s *Scanner) DiscoverHub(ctx context.Context, hint string) (*HubDiscoveryResult, error) {
	scan, err := s.ScanLAN(ctx, hint, false)
	if err != nil {
		return nil, err
	}

	var hubs []HubCandidate
	for _, host := range scan.Hosts {
		blob := strings.ToLower(host.Hostname + " " + host.DeviceHint)
		cand := HubCandidate{IP: host.IP, Hostname: host.Hostname, MAC: host.MAC}
		for _, hm := range hubMarkers {
			if strings.Contains(blob, hm.marker) {
				cand.Score += hm.score
				cand.Reasons = append(cand.Reasons, "contains '"+hm.marker+"'")
			}
		}
		if host.DeviceHint != "" && (strings.Contains(blob, "tuya") || strings.Contains(blob, "gateway")) {
			cand.Score += 2
			cand.Reasons = append(cand.Reasons, "web response has tuya/gateway markers")
		}
		if cand.Score > 0 {
			hubs = append(hubs, cand)
		}
	}

	result := &HubDiscoveryResult{Subnet: scan.Subnet, Scanned: scan.Scanned}

	devices, tuyaErr := s.tuyaScan(ctx, s.tuyaWait)
	if tuyaErr != nil {
		result.TuyaError = tuyaErr.Error()
	}
	result.TuyaDevices = devices
	for _, dev := range devices {
		// A broadcast entry is only worth 7 when its own identifiers
		// carry a hub marker; a plain tuya plug scores 3 and must not
		// outrank hostname-scored candidates.
		score := tuyaEntryScore(dev)
		matched := false
		for i := range hubs {
			if hubs[i].IP == dev.IP {
				if hubs[i].DeviceID == "" {
					hubs[i].DeviceID = dev.ID
				}
				if hubs[i].Version == "" {
					hubs[i].Version = dev.Version
				}
				if hubs[i].MAC == "" {
					hubs[i].MAC = dev.MAC
				}
				if score > hubs[i].Score {
					hubs[i].Score = score
				}
				hubs[i].Reasons = append(hubs[i].Reasons, "matched tuya local scan")
				matched = true
				break
			}
		}
		if !matched {
			hubs = append(hubs, HubCandidate{
				IP:       dev.IP,
				MAC:      dev.MAC,
				DeviceID: dev.ID,
				Version:  dev.Version,
				Score:    score,
				Reasons:  []string{"from tuya local scan"},
			})
		}
	}

	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].Score != hubs[j].Score {
			return hubs[i].Score > hubs[j].Score
		}
		return lessIP(hubs[i].IP, hubs[j].IP)
	})
	result.Hubs = hubs

	if s.log != nil {
		s.log.Append(events.EventHubDiscovery, map[string]any{
			"subnet":       result.Subnet,
			"hubs":         len(result.Hubs),
			"tuya_devices": len(result.TuyaDevices),
		})
	}
	s.logger.Info("hub discovery finished", "subnet", result.Subnet, "hubs", len(hubs))
	return result, nil
}
