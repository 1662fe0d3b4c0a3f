package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices         = []byte("devices")
	bucketClassifications = []byte("classifications")
)

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

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketClassifications} {
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

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDevices, []byte(dev.ID), dev)
	})
}

func (s *BoltStore) GetDevice(id string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketDevices, []byte(id), &dev); err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) UpdateDevice(id string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var dev Device
		if err := getJSON(tx, bucketDevices, []byte(id), &dev); err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}
		if err := fn(&dev); err != nil {
			return err
		}
		return putJSON(tx, bucketDevices, []byte(id), &dev)
	})
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
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
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("device %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveClassification(c *Classification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketClassifications, classificationKey(c.Vendor, c.Model), c)
	})
}

func (s *BoltStore) GetClassification(vendor, model string) (*Classification, error) {
	var c Classification
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketClassifications, classificationKey(vendor, model), &c); err != nil {
			return fmt.Errorf("classification %s/%s: %w", vendor, model, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListClassifications() ([]*Classification, error) {
	var out []*Classification
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClassifications)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var c Classification
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("classification %q: %w", k, err)
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteClassification(vendor, model string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClassifications)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketClassifications)
		}
		return b.Delete(classificationKey(vendor, model))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
