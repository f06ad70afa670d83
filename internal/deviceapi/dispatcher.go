package deviceapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"espfleet/internal/secrets"
	"espfleet/internal/store"
	"espfleet/internal/tuyalocal"
)

// HubSession is the slice of tuyalocal.Session the dispatcher uses.
type HubSession interface {
	Status(ctx context.Context, cid string) (map[string]any, error)
	SetDPs(ctx context.Context, cid string, dps map[string]any) (map[string]any, error)
	SubdevQuery(ctx context.Context) ([]string, error)
	Close() error
}

// HubDialer opens a hub session. Swapped for a fake in tests.
type HubDialer func(ctx context.Context, cfg tuyalocal.HubConfig) (HubSession, error)

func dialHub(ctx context.Context, cfg tuyalocal.HubConfig) (HubSession, error) {
	return tuyalocal.Dial(ctx, cfg)
}

// Dispatcher routes device status and control to the right transport:
// hub children over the tuya LAN protocol, everything else over the
// device's own HTTP API.
type Dispatcher struct {
	client *Client
	store  store.Store
	box    *secrets.Box
	dial   HubDialer
	logger *slog.Logger
}

func NewDispatcher(client *Client, s store.Store, box *secrets.Box, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		store:  s,
		box:    box,
		dial:   dialHub,
		logger: logger.With("component", "dispatch"),
	}
}

// hubProviders are the provider names routed through a hub session.
func hubProvider(provider string) bool {
	switch provider {
	case "moes_bhubw", "tuya_local", "tuya":
		return true
	}
	return false
}

func metaString(meta map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// resolveHub builds the hub session config for a child device. Device
// metadata wins; the stored moes settings fill the gaps, unsealing the
// local key.
func (d *Dispatcher) resolveHub(dev *store.Device) (tuyalocal.HubConfig, string, error) {
	meta := dev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	cid := metaString(meta, "moes_cid", "cid", "tuya_device_id")
	if cid == "" {
		return tuyalocal.HubConfig{}, "", fmt.Errorf("device %s is missing cid/tuya_device_id metadata", dev.ID)
	}

	cfg := tuyalocal.HubConfig{
		ID:       metaString(meta, "hub_device_id"),
		IP:       metaString(meta, "hub_ip"),
		LocalKey: metaString(meta, "hub_local_key"),
		Version:  metaString(meta, "hub_version"),
	}

	moes, err := d.store.GetSetting("moes")
	if err != nil {
		return tuyalocal.HubConfig{}, "", err
	}
	if cfg.ID == "" {
		cfg.ID, _ = moes["hub_device_id"].(string)
	}
	if cfg.IP == "" {
		cfg.IP, _ = moes["hub_ip"].(string)
	}
	if cfg.LocalKey == "" {
		sealed, _ := moes["hub_local_key"].(string)
		cfg.LocalKey = d.box.Unseal(sealed)
	}
	if cfg.Version == "" {
		cfg.Version, _ = moes["hub_version"].(string)
	}
	if cfg.IP == "" {
		return tuyalocal.HubConfig{}, "", errors.New("hub IP is not configured")
	}
	if cfg.LocalKey == "" {
		return tuyalocal.HubConfig{}, "", errors.New("hub local key is not configured")
	}
	if cfg.ID == "" {
		cfg.ID = "bhubw-" + cfg.IP
	}
	return cfg, cid, nil
}

// Status fetches the live state of a device through its provider.
func (d *Dispatcher) Status(ctx context.Context, dev *store.Device) (map[string]any, error) {
	if !hubProvider(dev.Provider()) {
		if strings.TrimSpace(dev.Host) == "" {
			return nil, fmt.Errorf("device %s has no host", dev.ID)
		}
		return d.client.Status(ctx, dev.Host)
	}

	cfg, cid, err := d.resolveHub(dev)
	if err != nil {
		return nil, err
	}
	sess, err := d.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	raw, err := sess.Status(ctx, cid)
	if err != nil {
		return nil, err
	}
	dps := ExtractDPs(raw)
	onoff := FindOnOffDP(dps)

	outputs := map[string]any{}
	for k, v := range dps {
		switch v.(type) {
		case bool, float64, string:
			outputs["dp_"+k] = v
		}
	}
	on, _ := dps[onoff].(bool)
	outputs["light"] = on
	outputs["power"] = on

	return map[string]any{
		"ok":        true,
		"provider":  dev.Provider(),
		"mode":      "local_lan",
		"device_id": cid,
		"hub_id":    cfg.ID,
		"hub_ip":    cfg.IP,
		"outputs":   outputs,
		"dps":       dps,
		"raw":       raw,
	}, nil
}

// Control sends a command through the device's provider. Hub commands
// understand state on/off/toggle, dps writes, and brightness with the
// 0-100 to 10-1000 scale fixup for newer lights.
func (d *Dispatcher) Control(ctx context.Context, dev *store.Device, command map[string]any) (map[string]any, error) {
	if !hubProvider(dev.Provider()) {
		if strings.TrimSpace(dev.Host) == "" {
			return nil, fmt.Errorf("device %s has no host", dev.ID)
		}
		passcode := d.box.Unseal(dev.PasscodeSealed)
		return d.client.Control(ctx, dev.Host, passcode, command)
	}

	cfg, cid, err := d.resolveHub(dev)
	if err != nil {
		return nil, err
	}
	sess, err := d.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	raw, err := sess.Status(ctx, cid)
	if err != nil {
		return nil, err
	}
	dps := ExtractDPs(raw)
	onoff := FindOnOffDP(dps)

	state, _ := command["state"].(string)
	state = strings.ToLower(strings.TrimSpace(state))
	resolved := map[string]any{
		"hub_id": cfg.ID,
		"hub_ip": cfg.IP,
		"cid":    cid,
	}

	switch state {
	case "on", "off", "toggle":
		target := state == "on"
		if state == "toggle" {
			current, _ := dps[onoff].(bool)
			target = !current
		}
		result, err := sess.SetDPs(ctx, cid, map[string]any{onoff: target})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"ok": true, "provider": dev.Provider(), "mode": "local_lan",
			"result": result, "resolved": resolved,
		}, nil

	case "set":
		if dpsArg, ok := command["dps"].(map[string]any); ok {
			result, err := sess.SetDPs(ctx, cid, dpsArg)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"ok": true, "provider": dev.Provider(), "mode": "local_lan",
				"result": result, "resolved": resolved,
			}, nil
		}

		brightness := command["brightness"]
		if brightness == nil {
			brightness = command["value"]
		}
		target, ok := asInt(brightness)
		brightnessDP := FindBrightnessDP(dps)
		if ok && brightnessDP != "" {
			// Newer lights use a 10-1000 scale; map a percentage in.
			if current, isInt := asInt(dps[brightnessDP]); isInt && current > 100 && target >= 0 && target <= 100 {
				target = target * 10
				if target < 10 {
					target = 10
				}
				if target > 1000 {
					target = 1000
				}
			}
			result, err := sess.SetDPs(ctx, cid, map[string]any{brightnessDP: target})
			if err != nil {
				return nil, err
			}
			resolved["brightness_dp"] = brightnessDP
			return map[string]any{
				"ok": true, "provider": dev.Provider(), "mode": "local_lan",
				"result": result, "resolved": resolved,
			}, nil
		}
	}
	return nil, fmt.Errorf("unsupported hub command state %q", state)
}
