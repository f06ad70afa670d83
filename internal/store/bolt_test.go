package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		ID:             "dev-1",
		Name:           "Kitchen Relay",
		Type:           TypeRelaySwitch,
		Host:           "192.168.1.50",
		MAC:            "aa:bb:cc:dd:ee:ff",
		PasscodeHash:   "hash",
		PasscodeSealed: "sealed",
		IPMode:         "dhcp",
		Metadata:       map[string]any{"provider": "esp_firmware"},
		Channels: []Channel{
			{ChannelKey: "relay1", ChannelName: "Relay 1", ChannelKind: "relay"},
		},
		CreatedAt: time.Now().Truncate(time.Millisecond),
		UpdatedAt: time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != dev.Name {
		t.Errorf("name = %q, want %q", got.Name, dev.Name)
	}
	if got.Type != TypeRelaySwitch {
		t.Errorf("type = %q, want %q", got.Type, TypeRelaySwitch)
	}
	if got.PasscodeHash != "hash" || got.PasscodeSealed != "sealed" {
		t.Errorf("passcode fields not persisted: hash=%q sealed=%q", got.PasscodeHash, got.PasscodeSealed)
	}
	if !got.HasPasscode {
		t.Error("has_passcode = false, want true")
	}
	if len(got.Channels) != 1 || got.Channels[0].ChannelKey != "relay1" {
		t.Fatalf("channels = %+v, want relay1", got.Channels)
	}
	if got.Provider() != "esp_firmware" {
		t.Errorf("provider = %q, want esp_firmware", got.Provider())
	}
}

func TestUpdateDevicePreservesID(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{ID: "dev-1", Name: "Old"}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("dev-1", func(dev *Device) error {
		dev.ID = "dev-mutated"
		dev.Name = "New"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "dev-1" {
		t.Errorf("id = %q, want dev-1 (id is immutable)", got.ID)
	}
	if got.Name != "New" {
		t.Errorf("name = %q, want New", got.Name)
	}
}

func TestUpsertChannelOrdering(t *testing.T) {
	dev := &Device{ID: "dev-1"}
	dev.UpsertChannel(Channel{ChannelKey: "relay1", ChannelName: "One"})
	dev.UpsertChannel(Channel{ChannelKey: "relay2", ChannelName: "Two"})
	dev.UpsertChannel(Channel{ChannelKey: "relay1", ChannelName: "One Renamed"})

	if len(dev.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(dev.Channels))
	}
	if dev.Channels[0].ChannelKey != "relay1" || dev.Channels[0].ChannelName != "One Renamed" {
		t.Errorf("channel[0] = %+v, want renamed relay1 in place", dev.Channels[0])
	}
	if dev.Channels[1].ChannelKey != "relay2" {
		t.Errorf("channel[1] = %+v, want relay2", dev.Channels[1])
	}

	if !dev.RemoveChannel("relay1") {
		t.Fatal("remove relay1 = false, want true")
	}
	if dev.RemoveChannel("missing") {
		t.Error("remove missing = true, want false")
	}
	if len(dev.Channels) != 1 || dev.Channels[0].ChannelKey != "relay2" {
		t.Fatalf("channels after remove = %+v", dev.Channels)
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{ID: "dev-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDevice("dev-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDevice("dev-1"); err == nil {
		t.Fatal("expected error after delete, got nil")
	}
	if err := s.DeleteDevice("dev-1"); err == nil {
		t.Fatal("expected not-found on second delete, got nil")
	}
}

func TestTileLifecycleIndependentOfDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{ID: "dev-1"}); err != nil {
		t.Fatal(err)
	}
	tile := &MainTile{ID: "tile-1", TileType: "device", RefID: "dev-1", Label: "Kitchen"}
	if err := s.SaveTile(tile); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice("dev-1"); err != nil {
		t.Fatal(err)
	}

	// Tile survives with a dangling reference.
	got, err := s.GetTile("tile-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RefID != "dev-1" {
		t.Errorf("ref_id = %q, want dev-1", got.RefID)
	}

	tiles, err := s.ListTiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 1 {
		t.Fatalf("tiles = %d, want 1", len(tiles))
	}
}

func TestSettingsSeedDefaults(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetSetting("weather")
	if err != nil {
		t.Fatal(err)
	}
	if got["provider"] != "openweather" {
		t.Errorf("provider = %v, want openweather", got["provider"])
	}

	got["location"] = "Oslo"
	if err := s.SetSetting("weather", got); err != nil {
		t.Fatal(err)
	}

	again, err := s.GetSetting("weather")
	if err != nil {
		t.Fatal(err)
	}
	if again["location"] != "Oslo" {
		t.Errorf("location = %v, want Oslo", again["location"])
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("missing")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
