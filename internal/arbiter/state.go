package arbiter

import (
	"sync"
	"time"

	"zigbee-arbiter/internal/protocol"
)

// MethodStat is the traffic record of one method on one device.
type MethodStat struct {
	Count      uint64    `json:"count"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Enabled    bool      `json:"enabled"`
}

// State is a read-only copy of a device's protocol state.
type State struct {
	DeviceID          string                         `json:"device_id"`
	Vendor            string                         `json:"vendor"`
	Model             string                         `json:"model"`
	Classification    protocol.Classification        `json:"classification"`
	Source            protocol.KnowledgeSource       `json:"knowledge_source"`
	Rule              string                         `json:"rule,omitempty"`
	Locked            bool                           `json:"locked"`
	Methods           map[protocol.Method]MethodStat `json:"methods"`
	AttachedAt        time.Time                      `json:"attached_at"`
	LearningStartedAt time.Time                      `json:"learning_started_at"`
	ClassifiedAt      time.Time                      `json:"classified_at"`
}

// Enabled lists the enabled methods in the fixed method order.
func (s State) Enabled() []protocol.Method {
	var out []protocol.Method
	for _, m := range protocol.Methods {
		if s.Methods[m].Enabled {
			out = append(out, m)
		}
	}
	return out
}

// stat is the mutable per-method record. baseline is the count at the last
// classification; a disabled method whose count grew past it has produced
// data since.
type stat struct {
	count    uint64
	lastSeen time.Time
	enabled  bool
	baseline uint64
}

// device is the state of one attached device, guarded by mu.
type device struct {
	mu sync.Mutex

	id     string
	vendor string
	model  string
	gen    uint64

	class        protocol.Classification
	source       protocol.KnowledgeSource
	rule         string
	locked       bool
	stats        map[protocol.Method]*stat
	attachedAt   time.Time
	learnStarted time.Time
	classifiedAt time.Time

	timer    Timer
	armSeq   uint64
	detached bool
}

func newDevice(id, vendor, model string, gen uint64, now time.Time) *device {
	d := &device{
		id:         id,
		vendor:     vendor,
		model:      model,
		gen:        gen,
		stats:      make(map[protocol.Method]*stat, len(protocol.Methods)),
		attachedAt: now,
	}
	for _, m := range protocol.Methods {
		d.stats[m] = &stat{enabled: true}
	}
	return d
}

// snapshot copies the state. Caller holds d.mu.
func (d *device) snapshot() State {
	s := State{
		DeviceID:          d.id,
		Vendor:            d.vendor,
		Model:             d.model,
		Classification:    d.class,
		Source:            d.source,
		Rule:              d.rule,
		Locked:            d.locked,
		Methods:           make(map[protocol.Method]MethodStat, len(d.stats)),
		AttachedAt:        d.attachedAt,
		LearningStartedAt: d.learnStarted,
		ClassifiedAt:      d.classifiedAt,
	}
	for m, st := range d.stats {
		s.Methods[m] = MethodStat{Count: st.count, LastSeenAt: st.lastSeen, Enabled: st.enabled}
	}
	return s
}

// enableFamilies enables exactly the methods allowed by c.
func (d *device) enableFamilies(c protocol.Classification) {
	for m, st := range d.stats {
		st.enabled = c.Allows(m.Family())
	}
}

// enabledClassification derives the classification from the enabled set.
func (d *device) enabledClassification() protocol.Classification {
	var dp, std bool
	for m, st := range d.stats {
		if !st.enabled {
			continue
		}
		switch m.Family() {
		case protocol.FamilyDP:
			dp = true
		case protocol.FamilyStandard:
			std = true
		}
	}
	return classify(dp, std)
}

func (d *device) resetBaselines() {
	for _, st := range d.stats {
		st.baseline = st.count
	}
}

func classify(dp, std bool) protocol.Classification {
	switch {
	case dp && std:
		return protocol.Hybrid
	case dp:
		return protocol.DpOnly
	case std:
		return protocol.StandardOnly
	default:
		return protocol.Learning
	}
}
