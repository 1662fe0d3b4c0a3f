// Package dedup suppresses repeated capability updates that describe the
// same physical event arriving over more than one path.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultWindow         = 300 * time.Millisecond
	DefaultSweepThreshold = 256
	// sweepFactor: entries idle longer than sweepFactor*window are evicted.
	sweepFactor = 10
)

type entry struct {
	fingerprint string
	observedAt  time.Time
}

// shard holds the entries of one subject, keyed by capability.
type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Config configures a Deduplicator.
type Config struct {
	Window         time.Duration
	SweepThreshold int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Deduplicator decides whether an observation should be emitted. It is safe
// for concurrent use; subjects never contend with each other except on the
// shard index.
type Deduplicator struct {
	window    time.Duration
	threshold int
	now       func() time.Time

	mu     sync.RWMutex
	shards map[string]*shard
}

// New creates a Deduplicator.
func New(cfg Config) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepThreshold <= 0 {
		cfg.SweepThreshold = DefaultSweepThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Deduplicator{
		window:    cfg.Window,
		threshold: cfg.SweepThreshold,
		now:       cfg.Now,
		shards:    make(map[string]*shard),
	}
}

// Window returns the configured window.
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// ShouldEmit reports whether the value is new for (subject, capability).
// A true result records the value as the latest accepted observation.
func (d *Deduplicator) ShouldEmit(subject, capability string, value any) bool {
	fp := Fingerprint(value)
	now := d.now()
	s := d.shard(subject)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[capability]; ok && prev.fingerprint == fp && now.Sub(prev.observedAt) < d.window {
		return false
	}
	s.entries[capability] = entry{fingerprint: fp, observedAt: now}
	if len(s.entries) > d.threshold {
		s.sweep(now.Add(-sweepFactor * d.window))
	}
	return true
}

// Forget drops all state for a subject.
func (d *Deduplicator) Forget(subject string) {
	d.mu.Lock()
	delete(d.shards, subject)
	d.mu.Unlock()
}

// Len returns the number of tracked (subject, capability) keys.
func (d *Deduplicator) Len() int {
	d.mu.RLock()
	shards := make([]*shard, 0, len(d.shards))
	for _, s := range d.shards {
		shards = append(shards, s)
	}
	d.mu.RUnlock()

	n := 0
	for _, s := range shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep evicts entries older than the sweep horizon across all subjects and
// drops empty shards. It returns the number of evicted entries.
func (d *Deduplicator) Sweep() int {
	cutoff := d.now().Add(-sweepFactor * d.window)
	d.mu.Lock()
	defer d.mu.Unlock()
	evicted := 0
	for subject, s := range d.shards {
		s.mu.Lock()
		evicted += s.sweep(cutoff)
		empty := len(s.entries) == 0
		s.mu.Unlock()
		if empty {
			delete(d.shards, subject)
		}
	}
	return evicted
}

func (d *Deduplicator) shard(subject string) *shard {
	d.mu.RLock()
	s, ok := d.shards[subject]
	d.mu.RUnlock()
	if ok {
		return s
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok = d.shards[subject]; !ok {
		s = &shard{entries: make(map[string]entry)}
		d.shards[subject] = s
	}
	return s
}

// sweep removes entries observed before cutoff. Caller holds s.mu.
func (s *shard) sweep(cutoff time.Time) int {
	n := 0
	for k, e := range s.entries {
		if e.observedAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Fingerprint returns a structural fingerprint of v: values that are deeply
// equal and of the same dynamic type produce the same fingerprint.
func Fingerprint(v any) string {
	return fmt.Sprintf("%T:%#v", v, v)
}
