package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")
	bucketTiles    = []byte("tiles")
	bucketSettings = []byte("settings")
)

// DefaultSettings seed the settings bucket on first read of each key.
// Secret-bearing fields are stored sealed (see internal/secrets).
var DefaultSettings = map[string]map[string]any{
	"scan": {
		"subnet_hint": "",
	},
	"weather": {
		"provider": "openweather",
		"api_key":  "",
		"location": "",
		"units":    "metric",
	},
	"spotify": {
		"client_id":     "",
		"client_secret": "",
		"refresh_token": "",
		"device_id":     "",
	},
	"tuya": {
		"local_scan_enabled": true,
	},
	"moes": {
		"hub_ip":        "",
		"hub_device_id": "",
		"hub_mac":       "",
		"hub_local_key": "",
		"hub_version":   "3.3",
	},
	"ota": {
		"shared_key": "",
	},
	"admin": {
		"username":      "",
		"password_hash": "",
	},
	"display": {
		"resolution":  "1920x1080",
		"orientation": "landscape",
		"scale":       1.0,
	},
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketTiles, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func marshalDevice(dev *Device) ([]byte, error) {
	st := deviceStorage{
		Device:               *dev,
		PasscodeHashStored:   dev.PasscodeHash,
		PasscodeSealedStored: dev.PasscodeSealed,
	}
	return json.Marshal(st)
}

func unmarshalDevice(data []byte) (*Device, error) {
	var st deviceStorage
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	dev := st.Device
	dev.PasscodeHash = st.PasscodeHashStored
	dev.PasscodeSealed = st.PasscodeSealedStored
	dev.HasPasscode = dev.PasscodeHash != ""
	return &dev, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := marshalDevice(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.ID), data)
	})
}

func (s *BoltStore) GetDevice(id string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		var err error
		dev, err = unmarshalDevice(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			dev, err := unmarshalDevice(v)
			if err != nil {
				return err
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(id string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("device %s: %w", id, ErrNotFound)
		}
		dev, err := unmarshalDevice(data)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		dev.ID = id // id is immutable
		out, err := marshalDevice(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) SaveTile(tile *MainTile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTiles)
		}
		data, err := json.Marshal(tile)
		if err != nil {
			return err
		}
		return b.Put([]byte(tile.ID), data)
	})
}

func (s *BoltStore) GetTile(id string) (*MainTile, error) {
	var tile MainTile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTiles)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("tile %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &tile)
	})
	if err != nil {
		return nil, err
	}
	return &tile, nil
}

func (s *BoltStore) DeleteTile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTiles)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("tile %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListTiles() ([]*MainTile, error) {
	var tiles []*MainTile
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTiles)
		if b == nil {
			return nil
		}
		tiles = make([]*MainTile, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var tile MainTile
			if err := json.Unmarshal(v, &tile); err != nil {
				return err
			}
			tiles = append(tiles, &tile)
			return nil
		})
	})
	return tiles, err
}

func (s *BoltStore) GetSetting(key string) (map[string]any, error) {
	var out map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		return out, nil
	}

	// Seed from defaults so later reads observe a stable document.
	defaults, ok := DefaultSettings[key]
	if !ok {
		defaults = map[string]any{}
	}
	seeded := make(map[string]any, len(defaults))
	for k, v := range defaults {
		seeded[k] = v
	}
	if err := s.SetSetting(key, seeded); err != nil {
		return nil, err
	}
	return seeded, nil
}

func (s *BoltStore) SetSetting(key string, value map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
