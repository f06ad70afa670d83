package store

import "time"

// DeviceType enumerates the controller board kinds the fleet manages.
type DeviceType string

const (
	TypeRelaySwitch DeviceType = "relay_switch"
	TypeLightSingle DeviceType = "light_single"
	TypeLightDimmer DeviceType = "light_dimmer"
	TypeLightRGB    DeviceType = "light_rgb"
	TypeLightRGBW   DeviceType = "light_rgbw"
	TypeFan         DeviceType = "fan"
)

// ValidDeviceType reports whether t is one of the known device types.
func ValidDeviceType(t DeviceType) bool {
	switch t {
	case TypeRelaySwitch, TypeLightSingle, TypeLightDimmer, TypeLightRGB, TypeLightRGBW, TypeFan:
		return true
	}
	return false
}

// Device is a registered LAN controller unit. ID is immutable once created.
// Metadata is an open key/value set; metadata["provider"] selects the
// adapter used for status/control instead of the device's own HTTP API.
// The passcode hash and sealed passcode are hidden from API serialization
// via json:"-" and persisted through deviceStorage.
type Device struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           DeviceType     `json:"type"`
	Host           string         `json:"host,omitempty"`
	MAC            string         `json:"mac,omitempty"`
	PasscodeHash   string         `json:"-"`
	PasscodeSealed string         `json:"-"`
	HasPasscode    bool           `json:"has_passcode"`
	IPMode         string         `json:"ip_mode"` // "dhcp" or "static"
	StaticIP       string         `json:"static_ip,omitempty"`
	Gateway        string         `json:"gateway,omitempty"`
	SubnetMask     string         `json:"subnet_mask,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Channels       []Channel      `json:"channels"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastSeenAt     time.Time      `json:"last_seen_at,omitempty"`
}

// Channel is one controllable output on a device. ChannelKey is unique
// within the device; insertion order is preserved across upserts.
type Channel struct {
	ChannelKey  string         `json:"channel_key"`
	ChannelName string         `json:"channel_name"`
	ChannelKind string         `json:"channel_kind"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Provider returns the adapter name from metadata, or "" for the device's
// own firmware API.
func (d *Device) Provider() string {
	if d.Metadata == nil {
		return ""
	}
	p, _ := d.Metadata["provider"].(string)
	return p
}

// UpsertChannel replaces the channel with the same key in place, or
// appends a new one. Insertion order is preserved.
func (d *Device) UpsertChannel(ch Channel) {
	for i := range d.Channels {
		if d.Channels[i].ChannelKey == ch.ChannelKey {
			d.Channels[i] = ch
			return
		}
	}
	d.Channels = append(d.Channels, ch)
}

// RemoveChannel deletes the channel with the given key. Returns false if
// no such channel exists.
func (d *Device) RemoveChannel(key string) bool {
	for i := range d.Channels {
		if d.Channels[i].ChannelKey == key {
			d.Channels = append(d.Channels[:i], d.Channels[i+1:]...)
			return true
		}
	}
	return false
}

// MainTile is a dashboard tile. Its lifecycle is independent of devices:
// a tile may reference a deleted device, and the dangling reference is
// surfaced as a per-tile error at render time.
type MainTile struct {
	ID        string         `json:"id"`
	TileType  string         `json:"tile_type"` // device | spotify | weather | automation
	RefID     string         `json:"ref_id,omitempty"`
	Label     string         `json:"label"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// deviceStorage is the internal struct used for DB serialization,
// preserving secrets on disk that are stripped from API responses.
type deviceStorage struct {
	Device
	PasscodeHashStored   string `json:"passcode_hash,omitempty"`
	PasscodeSealedStored string `json:"passcode_sealed,omitempty"`
}
