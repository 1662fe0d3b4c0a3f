package knowledge

import (
	"fmt"

	"zigbee-arbiter/internal/tuya"
	"zigbee-arbiter/internal/zcl"
)

// ManufacturerGroup groups models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string       `json:"name" yaml:"name"`
	Models []Definition `json:"models" yaml:"models"`
}

// Definition describes how one device model maps to capabilities.
type Definition struct {
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	Model        string `json:"model" yaml:"model"`
	FriendlyName string `json:"friendly_name,omitempty" yaml:"friendly_name,omitempty"`
	// Protocol optionally pins the classification (dp_only, standard_only, hybrid).
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	// Endpoint used for outbound commands; 0 means 1.
	Endpoint   uint8     `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	DPs        []DPDef   `json:"dps,omitempty" yaml:"dps,omitempty"`
	Attributes []AttrDef `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	dpByID  map[uint8]DPDef
	dpByCap map[string]DPDef
	attrs   map[string]AttrDef
}

// DPDef names one Data Point of a model.
type DPDef struct {
	ID         uint8  `json:"id" yaml:"id"`
	Capability string `json:"capability" yaml:"capability"`
	Kind       string `json:"kind" yaml:"kind"`
	// Transform is a named transform (divide_10, ...) or a "lua:" expression.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
	// Scale multiplies outbound values before encoding; zero means 1.
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty"`

	kind tuya.Kind
}

// TuyaKind returns the wire kind of the DP.
func (d DPDef) TuyaKind() tuya.Kind {
	return d.kind
}

// AttrDef overrides or extends the standard capability map for a model.
type AttrDef struct {
	Capability string  `json:"capability" yaml:"capability"`
	Cluster    uint16  `json:"cluster" yaml:"cluster"`
	Attribute  uint16  `json:"attribute" yaml:"attribute"`
	Type       string  `json:"type" yaml:"type"`
	Scale      float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Transform  string  `json:"transform,omitempty" yaml:"transform,omitempty"`

	ref zcl.AttrRef
}

// Ref returns the resolved attribute reference.
func (a AttrDef) Ref() zcl.AttrRef {
	return a.ref
}

func (d *Definition) compile() error {
	d.dpByID = make(map[uint8]DPDef, len(d.DPs))
	d.dpByCap = make(map[string]DPDef, len(d.DPs))
	for i := range d.DPs {
		dp := &d.DPs[i]
		if dp.Capability == "" {
			return fmt.Errorf("dp %d: missing capability", dp.ID)
		}
		k, ok := tuya.KindByName(dp.Kind)
		if !ok {
			return fmt.Errorf("dp %d: unknown kind %q", dp.ID, dp.Kind)
		}
		dp.kind = k
		d.dpByID[dp.ID] = *dp
		if _, dup := d.dpByCap[dp.Capability]; !dup {
			d.dpByCap[dp.Capability] = *dp
		}
	}

	d.attrs = make(map[string]AttrDef, len(d.Attributes))
	for i := range d.Attributes {
		a := &d.Attributes[i]
		t, ok := zcl.TypeByName(a.Type)
		if !ok {
			return fmt.Errorf("attribute %s: unknown type %q", a.Capability, a.Type)
		}
		a.ref = zcl.AttrRef{Cluster: a.Cluster, Attribute: a.Attribute, Type: t, Scale: a.Scale}
		d.attrs[a.Capability] = *a
	}
	return nil
}

// CommandEndpoint returns the endpoint outbound commands are addressed to.
func (d *Definition) CommandEndpoint() uint8 {
	if d == nil || d.Endpoint == 0 {
		return 1
	}
	return d.Endpoint
}

// DP returns the definition of a DP id.
func (d *Definition) DP(id uint8) (DPDef, bool) {
	if d == nil {
		return DPDef{}, false
	}
	dp, ok := d.dpByID[id]
	return dp, ok
}

// DPFor returns the first DP mapped to a capability.
func (d *Definition) DPFor(capability string) (DPDef, bool) {
	if d == nil {
		return DPDef{}, false
	}
	dp, ok := d.dpByCap[capability]
	return dp, ok
}

// AttrFor resolves the standard attribute for a capability: the model's own
// attribute list first, then the built-in standard map.
func (d *Definition) AttrFor(capability string) (AttrDef, bool) {
	if d != nil {
		if a, ok := d.attrs[capability]; ok {
			return a, true
		}
	}
	ref, ok := zcl.StandardCapabilities[capability]
	if !ok {
		return AttrDef{}, false
	}
	return AttrDef{
		Capability: capability,
		Cluster:    ref.Cluster,
		Attribute:  ref.Attribute,
		Type:       zcl.TypeName(ref.Type),
		Scale:      ref.Scale,
		ref:        ref,
	}, true
}

// CapabilityOf resolves the capability for a reported standard attribute.
func (d *Definition) CapabilityOf(cluster, attr uint16) (AttrDef, bool) {
	if d != nil {
		for _, a := range d.attrs {
			if a.Cluster == cluster && a.Attribute == attr {
				return a, true
			}
		}
	}
	name, ref, ok := zcl.CapabilityFor(cluster, attr)
	if !ok {
		return AttrDef{}, false
	}
	return AttrDef{
		Capability: name,
		Cluster:    cluster,
		Attribute:  attr,
		Type:       zcl.TypeName(ref.Type),
		Scale:      ref.Scale,
		ref:        ref,
	}, true
}

// Capabilities lists every capability the model can report or accept.
func (d *Definition) Capabilities() []string {
	if d == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, dp := range d.DPs {
		if !seen[dp.Capability] {
			seen[dp.Capability] = true
			out = append(out, dp.Capability)
		}
	}
	for _, a := range d.Attributes {
		if !seen[a.Capability] {
			seen[a.Capability] = true
			out = append(out, a.Capability)
		}
	}
	return out
}
