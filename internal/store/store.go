package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(id string) (*Device, error)
	DeleteDevice(id string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(id string, fn func(dev *Device) error) error

	// Dashboard tiles
	SaveTile(tile *MainTile) error
	GetTile(id string) (*MainTile, error)
	DeleteTile(id string) error
	ListTiles() ([]*MainTile, error)

	// Settings are keyed JSON documents. GetSetting falls back to the
	// registered defaults and persists them on first read.
	GetSetting(key string) (map[string]any, error)
	SetSetting(key string, value map[string]any) error

	// Close the store
	Close() error
}
