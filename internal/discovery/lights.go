package discovery

import (
	"context"
	"errors"
	"fmt"

	"espfleet/internal/deviceapi"
	"espfleet/internal/events"
	"espfleet/internal/tuyalocal"
)

// ChildLight is one child device enumerated behind a hub.
type ChildLight struct {
	CID          string         `json:"cid"`
	DPs          map[string]any `json:"dps,omitempty"`
	OnOffDP      string         `json:"onoff_dp,omitempty"`
	BrightnessDP string         `json:"brightness_dp,omitempty"`
	Light        bool           `json:"light"`
	Error        string         `json:"error,omitempty"`
}

// HubConfigFromSettings resolves the stored hub connection, unsealing
// the local key.
func (s *Scanner) HubConfigFromSettings() (tuyalocal.HubConfig, error) {
	moes, err := s.store.GetSetting("moes")
	if err != nil {
		return tuyalocal.HubConfig{}, err
	}
	cfg := tuyalocal.HubConfig{}
	cfg.ID, _ = moes["hub_device_id"].(string)
	cfg.IP, _ = moes["hub_ip"].(string)
	cfg.Version, _ = moes["hub_version"].(string)
	sealed, _ := moes["hub_local_key"].(string)
	cfg.LocalKey = s.box.Unseal(sealed)
	if cfg.IP == "" {
		return tuyalocal.HubConfig{}, errors.New("hub IP is not configured")
	}
	if cfg.LocalKey == "" {
		return tuyalocal.HubConfig{}, errors.New("hub local key is not configured")
	}
	if cfg.ID == "" {
		cfg.ID = "bhubw-" + cfg.IP
	}
	return cfg, nil
}

// DiscoverChildLights connects to the hub, enumerates its child
// devices, and classifies which of them look like lights. A bad local
// key is a hard error so the operator fixes the config instead of
// reading an empty list.
func (s *Scanner) DiscoverChildLights(ctx context.Context, cfg tuyalocal.HubConfig) ([]ChildLight, error) {
	sess, err := s.dialHub(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect hub %s: %w", cfg.IP, err)
	}
	defer sess.Close()

	cids, err := sess.SubdevQuery(ctx)
	if err != nil {
		if errors.Is(err, tuyalocal.ErrBadLocalKey) {
			return nil, fmt.Errorf("hub %s rejected the local key: %w", cfg.IP, err)
		}
		return nil, fmt.Errorf("list hub children: %w", err)
	}

	var children []ChildLight
	for _, cid := range cids {
		child := ChildLight{CID: cid}
		raw, err := sess.Status(ctx, cid)
		if err != nil {
			if errors.Is(err, tuyalocal.ErrBadLocalKey) {
				return nil, fmt.Errorf("hub %s rejected the local key: %w", cfg.IP, err)
			}
			child.Error = err.Error()
			children = append(children, child)
			continue
		}
		child.DPs = deviceapi.ExtractDPs(raw)
		child.OnOffDP = deviceapi.FindOnOffDP(child.DPs)
		child.BrightnessDP = deviceapi.FindBrightnessDP(child.DPs)
		child.Light = deviceapi.IsLikelyLight("", child.DPs)
		children = append(children, child)
	}

	if s.log != nil {
		lights := 0
		for _, c := range children {
			if c.Light {
				lights++
			}
		}
		s.log.Append(events.EventLightDiscovery, map[string]any{
			"hub_ip":   cfg.IP,
			"children": len(children),
			"lights":   lights,
		})
	}
	return children, nil
}
