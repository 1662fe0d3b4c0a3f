package arbiter

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"zigbee-arbiter/internal/knowledge"
	"zigbee-arbiter/internal/protocol"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeScheduler records armed callbacks; tests fire them explicitly.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// fireAll runs every pending callback that was armed before the call.
func (s *fakeScheduler) fireAll() int {
	s.mu.Lock()
	pending := make([]*fakeTimer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			pending = append(pending, t)
		}
	}
	s.mu.Unlock()
	for _, t := range pending {
		t.f()
	}
	return len(pending)
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type testKB map[string]knowledge.Known

func (kb testKB) Lookup(vendor, model string) (knowledge.Known, bool) {
	k, ok := kb[vendor+"/"+model]
	return k, ok
}

func newTestArbiter(t *testing.T, kb KnowledgeBase) (*Arbiter, *fakeScheduler, *[]State) {
	t.Helper()
	sched := &fakeScheduler{}
	var mu sync.Mutex
	var classified []State
	a := New(kb, Config{
		LearningWindow: time.Minute,
		Scheduler:      sched,
		OnClassified: func(s State) {
			mu.Lock()
			classified = append(classified, s)
			mu.Unlock()
		},
	}, newTestLogger())
	t.Cleanup(a.Close)
	return a, sched, &classified
}

func TestSeededDpOnlyNeverEnablesStandard(t *testing.T) {
	kb := testKB{"_TZE200_x/TS0601": {Classification: protocol.DpOnly, Source: protocol.KnownDevice}}
	a, sched, _ := newTestArbiter(t, kb)

	a.Attach("trv", "_TZE200_x", "TS0601")
	if got := a.Classification("trv"); got != protocol.DpOnly {
		t.Fatalf("classification = %s, want dp_only", got)
	}
	if sched.pending() != 0 {
		t.Error("seeded device must not arm a learning timer")
	}

	// Standard traffic keeps arriving; it is counted but never enabled.
	for range 10 {
		if a.RecordObservation("trv", protocol.MethodAttrReport, "trv") {
			t.Fatal("standard observation accepted on dp_only device")
		}
	}
	a.Reevaluate()
	sched.fireAll()

	for _, m := range protocol.MethodsOf(protocol.FamilyStandard) {
		if a.IsMethodEnabled("trv", m) {
			t.Errorf("%s enabled on seeded dp_only device", m)
		}
	}
	for _, m := range protocol.MethodsOf(protocol.FamilyDP) {
		if !a.IsMethodEnabled("trv", m) {
			t.Errorf("%s disabled on seeded dp_only device", m)
		}
	}
	s, _ := a.Snapshot("trv")
	if s.Methods[protocol.MethodAttrReport].Count != 10 {
		t.Errorf("attr_report count = %d, want 10", s.Methods[protocol.MethodAttrReport].Count)
	}
}

func TestLearningToDpOnly(t *testing.T) {
	a, sched, classified := newTestArbiter(t, nil)

	a.Attach("dev", "Acme", "widget")
	if got := a.Classification("dev"); got != protocol.Learning {
		t.Fatalf("classification = %s, want learning", got)
	}
	for _, m := range protocol.Methods {
		if !a.IsMethodEnabled("dev", m) {
			t.Errorf("%s disabled during learning", m)
		}
	}

	a.RecordObservation("dev", protocol.MethodDPReport, "dev")
	a.RecordObservation("dev", protocol.MethodDPResponse, "dev")
	if n := sched.fireAll(); n != 1 {
		t.Fatalf("fired %d timers, want 1", n)
	}

	if got := a.Classification("dev"); got != protocol.DpOnly {
		t.Fatalf("classification = %s, want dp_only", got)
	}
	if a.IsMethodEnabled("dev", protocol.MethodAttrReport) {
		t.Error("silent standard method still enabled")
	}
	if a.IsMethodEnabled("dev", protocol.MethodDPStatus) {
		t.Error("silent dp method still enabled")
	}
	if !a.IsMethodEnabled("dev", protocol.MethodDPReport) {
		t.Error("observed method disabled")
	}
	if len(*classified) != 1 || (*classified)[0].Source != protocol.Heuristic {
		t.Errorf("OnClassified calls = %+v", *classified)
	}
}

func TestLearningOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		methods []protocol.Method
		want    protocol.Classification
	}{
		{"standard only", []protocol.Method{protocol.MethodAttrReport, protocol.MethodAttrRead}, protocol.StandardOnly},
		{"hybrid", []protocol.Method{protocol.MethodAttrReport, protocol.MethodDPReport}, protocol.Hybrid},
		{"cluster command", []protocol.Method{protocol.MethodClusterCommand}, protocol.StandardOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sched, _ := newTestArbiter(t, nil)
			a.Attach("dev", "Acme", "widget")
			for _, m := range tt.methods {
				a.RecordObservation("dev", m, "dev")
			}
			sched.fireAll()
			if got := a.Classification("dev"); got != tt.want {
				t.Errorf("classification = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSilentDeviceStaysLearning(t *testing.T) {
	a, sched, classified := newTestArbiter(t, nil)
	a.Attach("sleepy", "Acme", "sensor")

	for range 5 {
		if n := sched.fireAll(); n != 1 {
			t.Fatalf("fired %d timers, want 1 (re-armed)", n)
		}
		if got := a.Classification("sleepy"); got != protocol.Learning {
			t.Fatalf("classification = %s, want learning", got)
		}
	}
	for _, m := range protocol.Methods {
		if !a.IsMethodEnabled("sleepy", m) {
			t.Errorf("%s disabled on silent device", m)
		}
	}
	if len(*classified) != 0 {
		t.Error("silent device must not be classified")
	}

	// Traffic finally arrives; the next window settles it.
	a.RecordObservation("sleepy", protocol.MethodAttrReport, "sleepy")
	sched.fireAll()
	if got := a.Classification("sleepy"); got != protocol.StandardOnly {
		t.Errorf("classification = %s, want standard_only", got)
	}
}

func TestDetachCancelsTimer(t *testing.T) {
	a, sched, classified := newTestArbiter(t, nil)
	h := a.Attach("dev", "Acme", "widget")
	a.RecordObservation("dev", protocol.MethodDPReport, "dev")

	// Keep a reference to the armed callback so it can be run late.
	sched.mu.Lock()
	late := sched.timers[0].f
	sched.mu.Unlock()

	if !a.Detach(h) {
		t.Fatal("detach failed")
	}
	if sched.pending() != 0 {
		t.Error("timer not stopped on detach")
	}
	late()
	if len(*classified) != 0 {
		t.Error("late callback after detach must be a no-op")
	}
	if got := a.Classification("dev"); got != protocol.Unknown {
		t.Errorf("classification = %s, want unknown", got)
	}
	if a.RecordObservation("dev", protocol.MethodDPReport, "dev") {
		t.Error("observation accepted for detached device")
	}
}

func TestStaleHandleCannotDetachReattach(t *testing.T) {
	a, _, _ := newTestArbiter(t, nil)
	old := a.Attach("dev", "Acme", "widget")
	a.Attach("dev", "Acme", "widget")
	if a.Detach(old) {
		t.Error("stale handle detached a newer attachment")
	}
	if a.Classification("dev") != protocol.Learning {
		t.Error("newer attachment lost")
	}
}

func TestReattachRetiresOldTimer(t *testing.T) {
	a, sched, classified := newTestArbiter(t, nil)
	a.Attach("dev", "Acme", "widget")
	a.RecordObservation("dev", protocol.MethodDPReport, "dev")
	a.Attach("dev", "Acme", "widget")

	if sched.pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", sched.pending())
	}
	sched.fireAll()
	if len(*classified) != 0 {
		t.Error("fresh attachment has no observations and must stay learning")
	}
}

func TestReevaluatePromotesSilentMethod(t *testing.T) {
	a, sched, classified := newTestArbiter(t, nil)
	a.Attach("plug", "Acme", "plug")
	a.RecordObservation("plug", protocol.MethodDPReport, "plug")
	sched.fireAll()
	if a.Classification("plug") != protocol.DpOnly {
		t.Fatal("setup: want dp_only")
	}

	// Firmware update: the device starts reporting standard attributes.
	if a.RecordObservation("plug", protocol.MethodAttrReport, "plug") {
		t.Error("disabled method accepted before re-evaluation")
	}
	a.Reevaluate()

	if got := a.Classification("plug"); got != protocol.Hybrid {
		t.Fatalf("classification = %s, want hybrid", got)
	}
	if !a.IsMethodEnabled("plug", protocol.MethodAttrReport) {
		t.Error("attr_report not re-enabled")
	}
	if a.IsMethodEnabled("plug", protocol.MethodAttrRead) {
		t.Error("still-silent method must stay disabled")
	}
	if len(*classified) != 2 {
		t.Errorf("OnClassified calls = %d, want 2", len(*classified))
	}

	// A pass without new traffic changes nothing and never demotes.
	a.Reevaluate()
	if len(*classified) != 2 {
		t.Error("idle re-evaluation must not notify")
	}
	if !a.IsMethodEnabled("plug", protocol.MethodDPReport) {
		t.Error("re-evaluation demoted a method")
	}
}

func TestHeuristicSeedFromLearnedMethods(t *testing.T) {
	kb := testKB{"Acme/plug": {
		Classification: protocol.Hybrid,
		Source:         protocol.Heuristic,
		Methods:        []protocol.Method{protocol.MethodDPReport, protocol.MethodAttrReport},
	}}
	a, sched, _ := newTestArbiter(t, kb)
	a.Attach("plug", "Acme", "plug")

	if sched.pending() != 0 {
		t.Error("learned device must skip the learning window")
	}
	s, _ := a.Snapshot("plug")
	if s.Locked {
		t.Error("learned seed must not lock")
	}
	if got := s.Enabled(); len(got) != 2 {
		t.Errorf("enabled = %v, want dp_report and attr_report", got)
	}

	a.RecordObservation("plug", protocol.MethodDPStatus, "plug")
	a.Reevaluate()
	if !a.IsMethodEnabled("plug", protocol.MethodDPStatus) {
		t.Error("heuristic device should be promoted by re-evaluation")
	}
}

func TestPreferredFamily(t *testing.T) {
	kb := testKB{
		"V/dp":  {Classification: protocol.DpOnly, Source: protocol.KnownDevice},
		"V/std": {Classification: protocol.StandardOnly, Source: protocol.KnownDevice},
		"V/hyb": {Classification: protocol.Hybrid, Source: protocol.KnownDevice},
	}
	a, _, _ := newTestArbiter(t, kb)
	a.Attach("dp", "V", "dp")
	a.Attach("std", "V", "std")
	a.Attach("hyb", "V", "hyb")
	a.Attach("new", "V", "new")

	if got := a.PreferredFamily("dp"); got != protocol.FamilyDP {
		t.Errorf("dp: %s", got)
	}
	if got := a.PreferredFamily("std"); got != protocol.FamilyStandard {
		t.Errorf("std: %s", got)
	}
	if got := a.PreferredFamily("hyb"); got != protocol.FamilyDP {
		t.Errorf("hybrid without traffic leans dp, got %s", got)
	}
	if got := a.PreferredFamily("new"); got != protocol.FamilyNone {
		t.Errorf("learning without traffic: %s", got)
	}

	a.RecordObservation("hyb", protocol.MethodAttrReport, "hyb")
	a.RecordObservation("hyb", protocol.MethodAttrReport, "hyb")
	a.RecordObservation("hyb", protocol.MethodDPReport, "hyb")
	if got := a.PreferredFamily("hyb"); got != protocol.FamilyStandard {
		t.Errorf("hybrid with more standard traffic: %s", got)
	}
	if got := a.PreferredFamily("missing"); got != protocol.FamilyNone {
		t.Errorf("unattached: %s", got)
	}
}

func TestUnknownMethodIgnored(t *testing.T) {
	a, _, _ := newTestArbiter(t, nil)
	a.Attach("dev", "Acme", "widget")
	if a.RecordObservation("dev", protocol.Method("write"), "dev") {
		t.Error("unknown method accepted")
	}
}

func TestConcurrentDevices(t *testing.T) {
	a, sched, _ := newTestArbiter(t, nil)
	var wg sync.WaitGroup
	for i := range 20 {
		id := fmt.Sprintf("dev%d", i)
		a.Attach(id, "Acme", "widget")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				m := protocol.MethodDPReport
				if j%2 == 0 && i%2 == 0 {
					m = protocol.MethodAttrReport
				}
				a.RecordObservation(id, m, id)
				a.IsMethodEnabled(id, m)
			}
		}()
	}
	wg.Wait()
	sched.fireAll()

	counts := a.Counts()
	if counts[protocol.Hybrid] != 10 || counts[protocol.DpOnly] != 10 {
		t.Errorf("counts = %v, want 10 hybrid and 10 dp_only", counts)
	}
	for _, s := range a.Snapshots() {
		var total uint64
		for _, st := range s.Methods {
			total += st.Count
		}
		if total != 200 {
			t.Errorf("%s: total observations = %d, want 200", s.DeviceID, total)
		}
	}
}
