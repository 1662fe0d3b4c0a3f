package zcl

import "fmt"

// Cluster IDs with a built-in capability mapping.
const (
	ClusterPowerConfig    uint16 = 0x0001
	ClusterOnOff          uint16 = 0x0006
	ClusterLevelControl   uint16 = 0x0008
	ClusterThermostat     uint16 = 0x0201
	ClusterIlluminance    uint16 = 0x0400
	ClusterTemperature    uint16 = 0x0402
	ClusterPressure       uint16 = 0x0403
	ClusterHumidity       uint16 = 0x0405
	ClusterOccupancy      uint16 = 0x0406
	ClusterIASZone        uint16 = 0x0500
	ClusterElectrical     uint16 = 0x0B04
	ClusterWindowCovering uint16 = 0x0102
)

// AttrRef addresses one attribute of a cluster together with its wire type.
type AttrRef struct {
	Cluster   uint16 `json:"cluster" yaml:"cluster"`
	Attribute uint16 `json:"attribute" yaml:"attribute"`
	Type      uint8  `json:"type" yaml:"type"`
	// Scale divides reported values; writes are multiplied by it. Zero means 1.
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
}

func (a AttrRef) String() string {
	return fmt.Sprintf("0x%04X/0x%04X", a.Cluster, a.Attribute)
}

// StandardCapabilities maps common capabilities to their standard attribute.
var StandardCapabilities = map[string]AttrRef{
	"onoff":              {ClusterOnOff, 0x0000, TypeBool, 0},
	"brightness":         {ClusterLevelControl, 0x0000, TypeUint8, 0},
	"battery":            {ClusterPowerConfig, 0x0021, TypeUint8, 2},
	"local_temperature":  {ClusterThermostat, 0x0000, TypeInt16, 100},
	"target_temperature": {ClusterThermostat, 0x0012, TypeInt16, 100},
	"system_mode":        {ClusterThermostat, 0x001C, TypeEnum8, 0},
	"illuminance":        {ClusterIlluminance, 0x0000, TypeUint16, 0},
	"temperature":        {ClusterTemperature, 0x0000, TypeInt16, 100},
	"pressure":           {ClusterPressure, 0x0000, TypeInt16, 0},
	"humidity":           {ClusterHumidity, 0x0000, TypeUint16, 100},
	"occupancy":          {ClusterOccupancy, 0x0000, TypeBitmap8, 0},
	"zone_status":        {ClusterIASZone, 0x0002, TypeBitmap16, 0},
	"power":              {ClusterElectrical, 0x050B, TypeInt16, 0},
	"voltage":            {ClusterElectrical, 0x0505, TypeUint16, 0},
	"current":            {ClusterElectrical, 0x0508, TypeUint16, 1000},
	"position":           {ClusterWindowCovering, 0x0008, TypeUint8, 0},
}

// CapabilityFor returns the capability name of a standard attribute from
// the built-in map.
func CapabilityFor(cluster, attr uint16) (string, AttrRef, bool) {
	for name, ref := range StandardCapabilities {
		if ref.Cluster == cluster && ref.Attribute == attr {
			return name, ref, true
		}
	}
	return "", AttrRef{}, false
}
