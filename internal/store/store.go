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

	// Learned classifications, keyed by vendor and model.
	SaveClassification(c *Classification) error
	GetClassification(vendor, model string) (*Classification, error)
	ListClassifications() ([]*Classification, error)
	DeleteClassification(vendor, model string) error

	// Close the store
	Close() error
}
