package store

import (
	"time"

	"zigbee-arbiter/internal/protocol"
)

// Device is a known device and its last reported capability values.
type Device struct {
	ID           string         `json:"id"`
	Vendor       string         `json:"vendor,omitempty"`
	Model        string         `json:"model,omitempty"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Endpoint     uint8          `json:"endpoint,omitempty"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Values       map[string]any `json:"values,omitempty"`
}

// Classification is a learned protocol classification for a vendor/model
// pair. It seeds later attachments of the same model.
type Classification struct {
	Vendor         string                  `json:"vendor"`
	Model          string                  `json:"model"`
	Classification protocol.Classification `json:"classification"`
	Methods        []protocol.Method       `json:"methods,omitempty"`
	LearnedAt      time.Time               `json:"learned_at"`
	// Device is the device the classification was learned from.
	Device string `json:"device,omitempty"`
}

func classificationKey(vendor, model string) []byte {
	return []byte(vendor + "\x00" + model)
}
