// Package knowledge maps device identities to protocol classifications
// observed before, and holds the per-model definitions that name DPs and
// standard attributes.
//
// A Base is assembled once with a Builder at startup and is read-only
// afterwards, so lookups need no locking.
package knowledge

import (
	"fmt"
	"regexp"

	"zigbee-arbiter/internal/protocol"
)

// Known is a classification the arbiter may seed a device with.
type Known struct {
	Classification protocol.Classification `json:"classification"`
	Source         protocol.KnowledgeSource `json:"source"`
	// Methods, when non-empty, lists the methods that were enabled when the
	// entry was learned.
	Methods []protocol.Method `json:"methods,omitempty"`
	// Rule names the table entry that matched, for diagnostics.
	Rule string `json:"rule"`
}

// Learned is a classification settled in an earlier run.
type Learned struct {
	Vendor         string
	Model          string
	Classification protocol.Classification
	Methods        []protocol.Method
}

// Known converts a learned entry into a heuristic seed.
func (l Learned) Known() Known {
	return Known{
		Classification: l.Classification,
		Source:         protocol.Heuristic,
		Methods:        append([]protocol.Method(nil), l.Methods...),
		Rule:           "learned",
	}
}

type pattern struct {
	vendor *regexp.Regexp
	model  *regexp.Regexp
	class  protocol.Classification
	rule   string
}

func (p pattern) match(vendor, model string) bool {
	if p.vendor != nil && !p.vendor.MatchString(vendor) {
		return false
	}
	if p.model != nil && !p.model.MatchString(model) {
		return false
	}
	return true
}

// Base is the read-only knowledge table.
type Base struct {
	exact    map[string]protocol.Classification
	patterns []pattern
	learned  map[string]Learned
	defs     map[string]*Definition
}

func key(vendor, model string) string {
	return vendor + "\x00" + model
}

// Lookup returns the seed classification for a device. Exact entries win
// over patterns, and patterns over classifications learned in earlier runs.
// A false result means the device must be learned.
func (b *Base) Lookup(vendor, model string) (Known, bool) {
	if b == nil {
		return Known{}, false
	}
	if c, ok := b.exact[key(vendor, model)]; ok {
		return Known{Classification: c, Source: protocol.KnownDevice, Rule: "exact:" + vendor + "/" + model}, true
	}
	if c, ok := b.exact[key(vendor, "")]; ok {
		return Known{Classification: c, Source: protocol.KnownDevice, Rule: "exact:" + vendor}, true
	}
	for _, p := range b.patterns {
		if p.match(vendor, model) {
			return Known{Classification: p.class, Source: protocol.KnownDevice, Rule: "pattern:" + p.rule}, true
		}
	}
	if l, ok := b.learned[key(vendor, model)]; ok {
		return l.Known(), true
	}
	return Known{}, false
}

// Definition returns the model definition, falling back to a
// manufacturer-wide definition (empty model). It returns nil if neither exists.
func (b *Base) Definition(vendor, model string) *Definition {
	if b == nil {
		return nil
	}
	if d, ok := b.defs[key(vendor, model)]; ok {
		return d
	}
	return b.defs[key(vendor, "")]
}

// Len returns the number of exact, pattern, learned and definition entries.
func (b *Base) Len() (exact, patterns, learned, defs int) {
	return len(b.exact), len(b.patterns), len(b.learned), len(b.defs)
}

// Builder accumulates entries for a Base. It is not safe for concurrent use.
type Builder struct {
	base *Base
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{base: &Base{
		exact:   make(map[string]protocol.Classification),
		learned: make(map[string]Learned),
		defs:    make(map[string]*Definition),
	}}
}

// AddExact registers a classification for a vendor, or for one model of a
// vendor when model is non-empty.
func (bl *Builder) AddExact(vendor, model string, c protocol.Classification) error {
	if !c.Settled() {
		return fmt.Errorf("exact %s/%s: classification %s cannot seed a device", vendor, model, c)
	}
	bl.base.exact[key(vendor, model)] = c
	return nil
}

// AddPattern registers a regular-expression rule. Either expression may be
// empty to match anything; patterns are tried in insertion order.
func (bl *Builder) AddPattern(vendorExpr, modelExpr string, c protocol.Classification) error {
	if !c.Settled() {
		return fmt.Errorf("pattern %q/%q: classification %s cannot seed a device", vendorExpr, modelExpr, c)
	}
	if vendorExpr == "" && modelExpr == "" {
		return fmt.Errorf("pattern: vendor and model expressions are both empty")
	}
	p := pattern{class: c, rule: vendorExpr + "/" + modelExpr}
	var err error
	if vendorExpr != "" {
		if p.vendor, err = regexp.Compile(vendorExpr); err != nil {
			return fmt.Errorf("pattern vendor %q: %w", vendorExpr, err)
		}
	}
	if modelExpr != "" {
		if p.model, err = regexp.Compile(modelExpr); err != nil {
			return fmt.Errorf("pattern model %q: %w", modelExpr, err)
		}
	}
	bl.base.patterns = append(bl.base.patterns, p)
	return nil
}

// AddLearned registers a classification settled in an earlier run.
func (bl *Builder) AddLearned(l Learned) {
	if !l.Classification.Settled() {
		return
	}
	bl.base.learned[key(l.Vendor, l.Model)] = l
}

// AddDefinition registers a model definition. A definition that declares
// a protocol also becomes an exact entry.
func (bl *Builder) AddDefinition(def Definition) error {
	d := def
	d.DPs = append([]DPDef(nil), def.DPs...)
	d.Attributes = append([]AttrDef(nil), def.Attributes...)
	if err := d.compile(); err != nil {
		return fmt.Errorf("definition %s/%s: %w", def.Manufacturer, def.Model, err)
	}
	if d.Protocol != "" {
		c, err := protocol.ParseClassification(d.Protocol)
		if err != nil {
			return fmt.Errorf("definition %s/%s: %w", def.Manufacturer, def.Model, err)
		}
		if err := bl.AddExact(d.Manufacturer, d.Model, c); err != nil {
			return err
		}
	}
	bl.base.defs[key(d.Manufacturer, d.Model)] = &d
	return nil
}

// Build returns the finished Base. The builder must not be used afterwards.
func (bl *Builder) Build() *Base {
	b := bl.base
	bl.base = nil
	return b
}
