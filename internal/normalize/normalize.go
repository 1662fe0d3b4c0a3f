// Package normalize turns inbound payloads of either dialect into uniform
// capability records. It never fails: input it cannot interpret yields no
// records.
package normalize

import (
	"fmt"
	"log/slog"

	"zigbee-arbiter/internal/knowledge"
	"zigbee-arbiter/internal/protocol"
	"zigbee-arbiter/internal/tuya"
)

// Confidence levels attached to records.
const (
	ConfidenceMapped  = 1.0 // capability named by a definition or the standard map
	ConfidenceGuessed = 0.5 // capability derived from a DP id or attribute id
	ConfidenceOpaque  = 0.3 // raw payload that only matched the binary fallback
)

// Source identifies where a payload came from.
type Source struct {
	DeviceID string
	Vendor   string
	Model    string
	Method   protocol.Method
}

// Record is one normalized capability observation.
type Record struct {
	SubjectID  string          `json:"subject_id"`
	Capability string          `json:"capability"`
	Value      any             `json:"value"`
	Confidence float64         `json:"confidence"`
	Method     protocol.Method `json:"method"`
	// Origin names the DP or attribute the value came from.
	Origin string `json:"origin"`
}

// Attribute is a decoded standard attribute report.
type Attribute struct {
	Cluster  uint16
	ID       uint16
	DataType uint8
	Value    any
}

// Definitions resolves model definitions; *knowledge.Base satisfies it.
type Definitions interface {
	Definition(vendor, model string) *knowledge.Definition
}

// Normalizer converts payloads to records.
type Normalizer struct {
	defs       Definitions
	transforms *Transformer
	logger     *slog.Logger
}

// New creates a Normalizer. defs may be nil.
func New(defs Definitions, transforms *Transformer, logger *slog.Logger) *Normalizer {
	if transforms == nil {
		transforms = NewTransformer()
	}
	return &Normalizer{
		defs:       defs,
		transforms: transforms,
		logger:     logger.With("component", "normalizer"),
	}
}

// Normalize dispatches on the payload shape. Pre-decoded frames and
// attribute reports are handled first; the loosely typed shapes are tried
// in a fixed order because some are subsets of others:
//
//  1. a record with "dp" and "data"
//  2. a record with "dpId" and "dpValue"
//  3. a sequence of records carrying "dp"
//  4. an object wrapping a "datapoints" sequence
//  5. an opaque byte buffer of DP frames
func (n *Normalizer) Normalize(raw any, src Source) []Record {
	def := n.definition(src)

	switch v := raw.(type) {
	case tuya.Frame:
		return n.fromFrames(def, src, []tuya.Frame{v})
	case []tuya.Frame:
		return n.fromFrames(def, src, v)
	case Attribute:
		return n.fromAttributes(def, src, []Attribute{v})
	case []Attribute:
		return n.fromAttributes(def, src, v)
	case map[string]any:
		if recs, ok := n.fromObject(def, src, v); ok {
			return recs
		}
	case []map[string]any:
		items := make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
		if recs, ok := n.fromSequence(def, src, items); ok {
			return recs
		}
	case []any:
		if recs, ok := n.fromSequence(def, src, v); ok {
			return recs
		}
	case []byte:
		frames := tuya.DecodeMulti(v)
		if len(frames) > 0 {
			recs := n.fromFrames(def, src, frames)
			for i := range recs {
				if recs[i].Confidence < ConfidenceMapped {
					recs[i].Confidence = ConfidenceOpaque
				}
			}
			return recs
		}
	}

	n.logger.Debug("unrecognized payload", "device", src.DeviceID, "method", src.Method,
		"type", fmt.Sprintf("%T", raw))
	return nil
}

func (n *Normalizer) definition(src Source) *knowledge.Definition {
	if n.defs == nil {
		return nil
	}
	return n.defs.Definition(src.Vendor, src.Model)
}

// fromObject handles shapes 1, 2 and 4.
func (n *Normalizer) fromObject(def *knowledge.Definition, src Source, obj map[string]any) ([]Record, bool) {
	if dp, ok := dpID(obj["dp"]); ok {
		if data, ok := obj["data"]; ok {
			return n.fromDP(def, src, dp, data), true
		}
	}
	if dp, ok := dpID(obj["dpId"]); ok {
		if data, ok := obj["dpValue"]; ok {
			return n.fromDP(def, src, dp, data), true
		}
	}
	if seq, ok := obj["datapoints"].([]any); ok {
		return n.fromSequence(def, src, seq)
	}
	if seq, ok := obj["datapoints"].([]map[string]any); ok {
		items := make([]any, len(seq))
		for i := range seq {
			items[i] = seq[i]
		}
		return n.fromSequence(def, src, items)
	}
	return nil, false
}

// fromSequence handles shape 3. Items without a usable "dp" are skipped; the
// sequence matches only if at least one item carries a dp.
func (n *Normalizer) fromSequence(def *knowledge.Definition, src Source, items []any) ([]Record, bool) {
	var recs []Record
	matched := false
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		dp, ok := dpID(obj["dp"])
		if !ok {
			continue
		}
		matched = true
		data, ok := obj["data"]
		if !ok {
			data, ok = obj["value"]
		}
		if !ok {
			continue
		}
		recs = append(recs, n.fromDP(def, src, dp, data)...)
	}
	return recs, matched
}

// fromDP maps one loosely typed DP value.
func (n *Normalizer) fromDP(def *knowledge.Definition, src Source, dp uint8, data any) []Record {
	value := Coerce(data)
	d, mapped := def.DP(dp)
	if mapped {
		value = conform(d.TuyaKind(), value)
	}
	return []Record{n.dpRecord(src, dp, d, mapped, value)}
}

func (n *Normalizer) fromFrames(def *knowledge.Definition, src Source, frames []tuya.Frame) []Record {
	recs := make([]Record, 0, len(frames))
	for _, f := range frames {
		d, mapped := def.DP(f.ID)
		recs = append(recs, n.dpRecord(src, f.ID, d, mapped, f.Value()))
	}
	return recs
}

func (n *Normalizer) dpRecord(src Source, dp uint8, d knowledge.DPDef, mapped bool, value any) Record {
	rec := Record{
		SubjectID:  src.DeviceID,
		Capability: fmt.Sprintf("dp_%d", dp),
		Value:      value,
		Confidence: ConfidenceGuessed,
		Method:     src.Method,
		Origin:     fmt.Sprintf("dp:%d", dp),
	}
	if mapped {
		rec.Capability = d.Capability
		rec.Confidence = ConfidenceMapped
		rec.Value = n.transform(src, d.Transform, value)
	}
	return rec
}

func (n *Normalizer) fromAttributes(def *knowledge.Definition, src Source, attrs []Attribute) []Record {
	recs := make([]Record, 0, len(attrs))
	for _, a := range attrs {
		rec := Record{
			SubjectID:  src.DeviceID,
			Capability: fmt.Sprintf("attr_%04x_%04x", a.Cluster, a.ID),
			Value:      a.Value,
			Confidence: ConfidenceGuessed,
			Method:     src.Method,
			Origin:     fmt.Sprintf("attr:0x%04X/0x%04X", a.Cluster, a.ID),
		}
		if ad, ok := def.CapabilityOf(a.Cluster, a.ID); ok {
			rec.Capability = ad.Capability
			rec.Confidence = ConfidenceMapped
			switch {
			case ad.Transform != "":
				rec.Value = n.transform(src, ad.Transform, a.Value)
			case ad.Scale != 0 && ad.Scale != 1:
				if f, ok := asFloat(a.Value); ok {
					rec.Value = f / ad.Scale
				}
			}
		}
		recs = append(recs, rec)
	}
	return recs
}

func (n *Normalizer) transform(src Source, name string, v any) any {
	out, err := n.transforms.Apply(name, v)
	if err != nil {
		n.logger.Warn("transform failed", "device", src.DeviceID, "transform", name, "err", err)
		return v
	}
	return out
}

// dpID accepts DP ids as decoded from JSON (float64) or as Go integers.
func dpID(v any) (uint8, bool) {
	if v == nil {
		return 0, false
	}
	if s, ok := v.(string); ok {
		v = Coerce(s)
	}
	i, ok := asInt(v)
	if !ok || i < 0 || i > 0xFF {
		return 0, false
	}
	return uint8(i), true
}
