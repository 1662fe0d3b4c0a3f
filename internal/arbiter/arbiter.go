// Package arbiter decides, per device, which protocol dialect is
// authoritative. Devices without prior knowledge spend a learning window
// with every method enabled; when the window closes, methods that stayed
// silent are disabled and the device is classified from the methods that
// produced data.
package arbiter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zigbee-arbiter/internal/knowledge"
	"zigbee-arbiter/internal/protocol"
)

// Defaults.
const (
	DefaultLearningWindow     = 15 * time.Minute
	DefaultReevaluateInterval = time.Hour
)

// Timer is a cancellable deferred callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms deferred callbacks. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// KnowledgeBase is the seed lookup consulted on Attach.
type KnowledgeBase interface {
	Lookup(vendor, model string) (knowledge.Known, bool)
}

// Config configures an Arbiter.
type Config struct {
	LearningWindow     time.Duration
	ReevaluateInterval time.Duration
	Scheduler          Scheduler
	Now                func() time.Time
	// OnClassified is called, outside any lock, after a device settles or a
	// re-evaluation changes its classification.
	OnClassified func(State)
}

// Handle identifies one attachment of a device. A stale handle cannot
// detach a later attachment of the same device ID.
type Handle struct {
	ID  string
	gen uint64
}

// Arbiter owns the protocol state of every attached device.
type Arbiter struct {
	kb     KnowledgeBase
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex // guards devices map only
	devices map[string]*device
	gen     atomic.Uint64
}

// New creates an Arbiter. kb may be nil, in which case every device learns.
func New(kb KnowledgeBase, cfg Config, logger *slog.Logger) *Arbiter {
	if cfg.LearningWindow <= 0 {
		cfg.LearningWindow = DefaultLearningWindow
	}
	if cfg.ReevaluateInterval <= 0 {
		cfg.ReevaluateInterval = DefaultReevaluateInterval
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Arbiter{
		kb:      kb,
		cfg:     cfg,
		logger:  logger.With("component", "arbiter"),
		devices: make(map[string]*device),
	}
}

// Attach creates the protocol state of a device, seeding it from the
// knowledge base or starting its learning window. Attaching an ID that is
// already attached replaces the previous state.
func (a *Arbiter) Attach(id, vendor, model string) Handle {
	d := newDevice(id, vendor, model, a.gen.Add(1), a.cfg.Now())

	var seeded bool
	if a.kb != nil {
		var known knowledge.Known
		if known, seeded = a.kb.Lookup(vendor, model); seeded {
			a.seed(d, known)
		}
	}

	d.mu.Lock()
	if !seeded {
		d.class = protocol.Learning
		d.source = protocol.Unclassified
		d.learnStarted = d.attachedAt
		a.armLocked(d)
	}
	d.mu.Unlock()

	a.mu.Lock()
	prev := a.devices[id]
	a.devices[id] = d
	a.mu.Unlock()
	if prev != nil {
		prev.retire()
	}

	if seeded {
		a.logger.Info("device seeded", "device", id, "vendor", vendor, "model", model,
			"classification", d.class, "source", d.source, "rule", d.rule)
	} else {
		a.logger.Info("device learning", "device", id, "vendor", vendor, "model", model,
			"window", a.cfg.LearningWindow)
	}
	return Handle{ID: id, gen: d.gen}
}

func (a *Arbiter) seed(d *device, known knowledge.Known) {
	d.class = known.Classification
	d.source = known.Source
	d.rule = known.Rule
	d.classifiedAt = d.attachedAt
	if known.Source == protocol.KnownDevice {
		d.locked = true
		d.enableFamilies(known.Classification)
		return
	}
	if len(known.Methods) == 0 {
		d.enableFamilies(known.Classification)
		return
	}
	for m, st := range d.stats {
		st.enabled = false
		for _, km := range known.Methods {
			if km == m {
				st.enabled = true
			}
		}
	}
	if c := d.enabledClassification(); c.Settled() {
		d.class = c
	} else {
		d.enableFamilies(known.Classification)
	}
}

// Detach destroys the state of the attachment identified by h and cancels
// its learning timer. It reports whether anything was detached.
func (a *Arbiter) Detach(h Handle) bool {
	a.mu.Lock()
	d, ok := a.devices[h.ID]
	if !ok || d.gen != h.gen {
		a.mu.Unlock()
		return false
	}
	delete(a.devices, h.ID)
	a.mu.Unlock()

	d.retire()
	a.logger.Info("device detached", "device", h.ID)
	return true
}

// retire stops the timer and makes any late callback a no-op.
func (d *device) retire() {
	d.mu.Lock()
	d.detached = true
	d.armSeq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}

func (a *Arbiter) get(id string) *device {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.devices[id]
}

// RecordObservation counts one inbound message on method for the device and
// reports whether the method is currently enabled. subject is the logical
// subject the message described, if known; it is only logged.
func (a *Arbiter) RecordObservation(id string, method protocol.Method, subject string) bool {
	if !method.Valid() {
		a.logger.Debug("observation with unknown method", "device", id, "method", method)
		return false
	}
	d := a.get(id)
	if d == nil {
		a.logger.Debug("observation for unattached device", "device", id, "method", method)
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return false
	}
	st := d.stats[method]
	st.count++
	st.lastSeen = a.cfg.Now()
	if d.class == protocol.Learning {
		return true
	}
	if !st.enabled {
		a.logger.Debug("observation on disabled method", "device", id, "method", method, "subject", subject)
	}
	return st.enabled
}

// IsMethodEnabled reports whether inbound data on method is accepted for
// the device. Unattached devices have no enabled methods.
func (a *Arbiter) IsMethodEnabled(id string, method protocol.Method) bool {
	d := a.get(id)
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.class == protocol.Learning {
		return method.Valid()
	}
	st, ok := d.stats[method]
	return ok && st.enabled
}

// Classification returns the device classification, Unknown if unattached.
func (a *Arbiter) Classification(id string) protocol.Classification {
	d := a.get(id)
	if d == nil {
		return protocol.Unknown
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.class
}

// Snapshot returns a copy of the device state.
func (a *Arbiter) Snapshot(id string) (State, bool) {
	d := a.get(id)
	if d == nil {
		return State{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), true
}

// Snapshots returns a copy of every attached device's state.
func (a *Arbiter) Snapshots() []State {
	a.mu.RLock()
	devs := make([]*device, 0, len(a.devices))
	for _, d := range a.devices {
		devs = append(devs, d)
	}
	a.mu.RUnlock()

	out := make([]State, 0, len(devs))
	for _, d := range devs {
		d.mu.Lock()
		out = append(out, d.snapshot())
		d.mu.Unlock()
	}
	return out
}

// Counts returns the number of attached devices per classification.
func (a *Arbiter) Counts() map[protocol.Classification]int {
	counts := make(map[protocol.Classification]int)
	for _, s := range a.Snapshots() {
		counts[s.Classification]++
	}
	return counts
}

// PreferredFamily returns the dialect outbound commands should use.
// Hybrid and learning devices lean towards DP when DP traffic is at least
// as frequent as standard traffic. FamilyNone means there is no evidence
// either way.
func (a *Arbiter) PreferredFamily(id string) protocol.Family {
	d := a.get(id)
	if d == nil {
		return protocol.FamilyNone
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.class {
	case protocol.DpOnly:
		return protocol.FamilyDP
	case protocol.StandardOnly:
		return protocol.FamilyStandard
	}

	var dp, std uint64
	for m, st := range d.stats {
		if !st.enabled {
			continue
		}
		switch m.Family() {
		case protocol.FamilyDP:
			dp += st.count
		case protocol.FamilyStandard:
			std += st.count
		}
	}
	switch {
	case dp == 0 && std == 0:
		if d.class == protocol.Hybrid {
			return protocol.FamilyDP
		}
		return protocol.FamilyNone
	case dp >= std:
		return protocol.FamilyDP
	default:
		return protocol.FamilyStandard
	}
}

// armLocked arms the learning timer. Caller holds d.mu.
func (a *Arbiter) armLocked(d *device) {
	d.armSeq++
	seq := d.armSeq
	d.timer = a.cfg.Scheduler.AfterFunc(a.cfg.LearningWindow, func() {
		a.closeWindow(d, seq)
	})
}

// closeWindow runs the optimization transition when a learning window ends.
func (a *Arbiter) closeWindow(d *device, seq uint64) {
	d.mu.Lock()
	if d.detached || d.armSeq != seq || d.class != protocol.Learning {
		d.mu.Unlock()
		return
	}
	d.timer = nil

	var dp, std bool
	for m, st := range d.stats {
		if st.count == 0 {
			continue
		}
		switch m.Family() {
		case protocol.FamilyDP:
			dp = true
		case protocol.FamilyStandard:
			std = true
		}
	}
	class := classify(dp, std)
	if class == protocol.Learning {
		d.learnStarted = a.cfg.Now()
		a.armLocked(d)
		d.mu.Unlock()
		a.logger.Debug("learning window closed without traffic, re-armed", "device", d.id)
		return
	}

	for _, st := range d.stats {
		st.enabled = st.count > 0
	}
	d.class = class
	d.source = protocol.Heuristic
	d.classifiedAt = a.cfg.Now()
	d.resetBaselines()
	snap := d.snapshot()
	d.mu.Unlock()

	a.logger.Info("device classified", "device", d.id, "classification", class,
		"enabled", snap.Enabled())
	a.notify(snap)
}

// Reevaluate re-enables silent methods that produced data since the device
// was last classified and recomputes the classification. It only ever
// enables methods. Devices seeded from the static table are skipped.
func (a *Arbiter) Reevaluate() {
	a.mu.RLock()
	devs := make([]*device, 0, len(a.devices))
	for _, d := range a.devices {
		devs = append(devs, d)
	}
	a.mu.RUnlock()

	for _, d := range devs {
		a.reevaluateDevice(d)
	}
}

func (a *Arbiter) reevaluateDevice(d *device) {
	d.mu.Lock()
	if d.detached || d.locked || !d.class.Settled() {
		d.mu.Unlock()
		return
	}
	var promoted []protocol.Method
	for _, m := range protocol.Methods {
		st := d.stats[m]
		if !st.enabled && st.count > st.baseline {
			st.enabled = true
			promoted = append(promoted, m)
		}
	}
	if len(promoted) == 0 {
		d.mu.Unlock()
		return
	}
	prev := d.class
	d.class = d.enabledClassification()
	d.source = protocol.Heuristic
	d.classifiedAt = a.cfg.Now()
	d.resetBaselines()
	snap := d.snapshot()
	d.mu.Unlock()

	a.logger.Info("device re-evaluated", "device", d.id, "from", prev, "to", snap.Classification,
		"promoted", promoted)
	a.notify(snap)
}

func (a *Arbiter) notify(s State) {
	if a.cfg.OnClassified != nil {
		a.cfg.OnClassified(s)
	}
}

// Run re-evaluates all devices every ReevaluateInterval until ctx is done.
func (a *Arbiter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReevaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Reevaluate()
		}
	}
}

// Close detaches every device and stops all timers.
func (a *Arbiter) Close() {
	a.mu.Lock()
	devs := a.devices
	a.devices = make(map[string]*device)
	a.mu.Unlock()
	for _, d := range devs {
		d.retire()
	}
}
