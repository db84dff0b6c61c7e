package device

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type recordingPublisher struct {
	sets []ChangeSet
}

func (p *recordingPublisher) Publish(cs ChangeSet) {
	p.sets = append(p.sets, cs)
}

// changes flattens every published change for path.
func (p *recordingPublisher) changes(path string) []any {
	var out []any
	for _, cs := range p.sets {
		for _, c := range cs.Changes {
			if c.Path == path {
				out = append(out, c.Value)
			}
		}
	}
	return out
}

type recordingObserver struct {
	sets  []ChangeSet
	snaps []*State
}

func (o *recordingObserver) Observe(cs ChangeSet, snap *State) {
	o.sets = append(o.sets, cs)
	o.snaps = append(o.snaps, snap)
}

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}
func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func bedEvent(at time.Time, current float64) Event {
	return Event{
		Kind:         EventReport,
		ReceivedAt:   at,
		Temperatures: map[Zone]Reading{ZoneBed: {Current: ptr(current)}},
	}
}

func statusEvent(at time.Time, s PrintStatus) Event {
	return Event{Kind: EventReport, ReceivedAt: at, PrintStatus: ptr(s)}
}

// fakeClock is the subset of the clockwork fake used by these tests.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

func newTestReconciler(window, grace time.Duration) (*Reconciler, *recordingPublisher, fakeClock) {
	clock := clockwork.NewFakeClockAt(t0)
	pub := &recordingPublisher{}
	r := NewReconciler(ReconcilerOptions{
		Clock:          clock,
		DebounceWindow: window,
		JobClearGrace:  grace,
		Publisher:      pub,
	})
	return r, pub, clock
}

func TestNewState_FullyPopulated(t *testing.T) {
	s := NewState()

	if s.ConnectionStatus != ConnectionDisconnected || s.PrintStatus != PrintUnknown {
		t.Errorf("initial statuses = %v/%v", s.ConnectionStatus, s.PrintStatus)
	}
	for _, z := range Zones() {
		if _, ok := s.Temperatures[z]; !ok {
			t.Errorf("zone %q missing", z)
		}
	}
	for _, f := range Fans() {
		if _, ok := s.Fans[f]; !ok {
			t.Errorf("fan %q missing", f)
		}
	}
	for _, l := range Lights() {
		if _, ok := s.Lights[l]; !ok {
			t.Errorf("light %q missing", l)
		}
	}
	if s.Job != nil {
		t.Error("Job should be nil while idle")
	}
}

func TestReconciler_LastWriteWinsBumpsRevisionPerChange(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)

	r.Apply(bedEvent(t0, 20))
	r.Apply(bedEvent(t0.Add(time.Second), 25))
	r.Apply(bedEvent(t0.Add(2*time.Second), 30))

	snap := r.Snapshot()
	if got := snap.Temperatures[ZoneBed].CurrentC; got != 30 {
		t.Errorf("bed current = %v, want 30", got)
	}
	if snap.Revision != 3 {
		t.Errorf("Revision = %d, want 3", snap.Revision)
	}
}

func TestReconciler_StaleSequenceDiscarded(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)

	ev := bedEvent(t0, 50)
	ev.Sequence, ev.HasSequence = 10, true
	r.Apply(ev)

	stale := bedEvent(t0.Add(time.Second), 40)
	stale.Sequence, stale.HasSequence = 9, true
	cs := r.Apply(stale)

	if !cs.Empty() {
		t.Errorf("stale event produced change-set %+v", cs)
	}
	snap := r.Snapshot()
	if got := snap.Temperatures[ZoneBed].CurrentC; got != 50 {
		t.Errorf("bed current = %v, want 50 (stale frame must not win)", got)
	}
	if snap.Revision != 1 {
		t.Errorf("Revision = %d, want 1", snap.Revision)
	}
	if snap.LastEventSequence != 10 {
		t.Errorf("LastEventSequence = %d, want 10", snap.LastEventSequence)
	}
	if r.Stats().Stale != 1 {
		t.Errorf("Stats().Stale = %d, want 1", r.Stats().Stale)
	}
}

func TestReconciler_UnsequencedEventsAlwaysApply(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)

	ev := bedEvent(t0, 50)
	ev.Sequence, ev.HasSequence = 10, true
	r.Apply(ev)
	r.Apply(bedEvent(t0.Add(time.Second), 40))

	if got := r.Snapshot().Temperatures[ZoneBed].CurrentC; got != 40 {
		t.Errorf("bed current = %v, want 40", got)
	}
}

func TestReconciler_ConnectionEventsResetSequenceAfterReconnect(t *testing.T) {
	r, pub, _ := newTestReconciler(0, 0)

	r.Apply(ConnectionEvent(ConnectionConnected, t0))
	ev := bedEvent(t0, 50)
	ev.Sequence, ev.HasSequence = 100, true
	r.Apply(ev)

	r.Apply(ConnectionEvent(ConnectionDisconnected, t0.Add(time.Second)))
	r.Apply(ConnectionEvent(ConnectionConnected, t0.Add(2*time.Second)))

	after := bedEvent(t0.Add(3*time.Second), 55)
	after.Sequence, after.HasSequence = 5, true
	r.Apply(after)

	snap := r.Snapshot()
	if got := snap.Temperatures[ZoneBed].CurrentC; got != 55 {
		t.Errorf("bed current = %v, want 55 after printer restart", got)
	}
	if snap.ConnectionStatus != ConnectionConnected {
		t.Errorf("ConnectionStatus = %v, want connected", snap.ConnectionStatus)
	}
	if got := pub.changes(PathConnectionStatus); len(got) != 3 {
		t.Errorf("connection notifications = %v, want 3", got)
	}
}

func TestReconciler_DegradedRecoveryKeepsSequence(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)

	r.Apply(ConnectionEvent(ConnectionConnected, t0))
	ev := bedEvent(t0, 50)
	ev.Sequence, ev.HasSequence = 100, true
	r.Apply(ev)
	r.Apply(ConnectionEvent(ConnectionDegraded, t0.Add(time.Second)))
	r.Apply(ConnectionEvent(ConnectionConnected, t0.Add(2*time.Second)))

	if got := r.Snapshot().LastEventSequence; got != 100 {
		t.Errorf("LastEventSequence = %d, want 100", got)
	}
}

func TestReconciler_DebounceCoalescesNumericPaths(t *testing.T) {
	r, pub, clock := newTestReconciler(250*time.Millisecond, 0)

	for i, v := range []float64{20, 21, 22} {
		cs := r.Apply(bedEvent(t0.Add(time.Duration(i)*50*time.Millisecond), v))
		if !cs.Empty() {
			t.Fatalf("Apply #%d emitted %+v inside the window", i, cs.Changes)
		}
	}

	// State is current even while the notification is pending.
	if got := r.Snapshot().Temperatures[ZoneBed].CurrentC; got != 22 {
		t.Errorf("bed current = %v, want 22", got)
	}

	clock.Advance(200 * time.Millisecond)
	if cs := r.Tick(); !cs.Empty() {
		t.Fatalf("Tick before window elapsed emitted %+v", cs.Changes)
	}

	clock.Advance(50 * time.Millisecond)
	cs := r.Tick()

	got := pub.changes(TemperatureCurrentPath(ZoneBed))
	if len(got) != 1 || got[0] != 22.0 {
		t.Errorf("bed notifications = %v, want exactly [22]", got)
	}
	if cs.Revision != 3 {
		t.Errorf("flushed change-set revision = %d, want 3", cs.Revision)
	}
}

func TestReconciler_StatusAndLightsNeverDebounced(t *testing.T) {
	r, pub, _ := newTestReconciler(250*time.Millisecond, 0)

	cs := r.Apply(statusEvent(t0, PrintPrinting))
	if !cs.Has(PathPrintStatus) {
		t.Fatalf("print_status not delivered immediately: %+v", cs.Changes)
	}
	if !cs.Has(PathJob) {
		t.Errorf("job not delivered immediately on entering printing: %+v", cs.Changes)
	}

	cs = r.Apply(Event{
		Kind:       EventReport,
		ReceivedAt: t0.Add(10 * time.Millisecond),
		Lights:     map[LightID]bool{LightChamber: true},
	})
	if v, ok := cs.Value(LightPath(LightChamber)); !ok || v != true {
		t.Errorf("light change = %v/%v, want immediate true", v, ok)
	}
	if len(pub.sets) != 2 {
		t.Errorf("published %d change-sets, want 2", len(pub.sets))
	}
}

func TestReconciler_ZeroWindowDisablesDebounce(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)

	cs := r.Apply(bedEvent(t0, 60))
	if v, ok := cs.Value(TemperatureCurrentPath(ZoneBed)); !ok || v != 60.0 {
		t.Errorf("bed change = %v/%v, want immediate 60", v, ok)
	}
}

func TestReconciler_JobLifecycle(t *testing.T) {
	r, pub, clock := newTestReconciler(0, 5*time.Second)

	r.Apply(statusEvent(t0, PrintReady))

	start := Event{
		Kind:        EventReport,
		ReceivedAt:  t0.Add(time.Second),
		PrintStatus: ptr(PrintPrinting),
		Job: JobUpdate{
			Filename:    ptr("benchy.3mf"),
			TotalLayers: ptr(120),
		},
	}
	cs := r.Apply(start)

	v, ok := cs.Value(PathJob)
	if !ok {
		t.Fatalf("job change missing: %+v", cs.Changes)
	}
	job, isJob := v.(*Job)
	if !isJob || job.Filename != "benchy.3mf" || job.TotalLayers != 120 {
		t.Errorf("job change value = %#v, want filename and layers folded in", v)
	}
	if cs.HasPrefix(PrefixJob) {
		t.Errorf("job.* paths should be folded into the job object on start: %+v", cs.Changes)
	}

	r.Apply(Event{Kind: EventReport, ReceivedAt: t0.Add(2 * time.Second), Job: JobUpdate{ProgressPercent: ptr(140.0)}})
	if got := r.Snapshot().Job.ProgressPercent; got != 100 {
		t.Errorf("progress = %v, want clamped to 100", got)
	}

	clock.Advance(3 * time.Second)
	r.Apply(statusEvent(clock.Now(), PrintComplete))

	if r.Snapshot().Job == nil {
		t.Fatal("job cleared immediately; want grace period")
	}

	clock.Advance(4 * time.Second)
	r.Tick()
	if r.Snapshot().Job == nil {
		t.Fatal("job cleared before grace elapsed")
	}

	clock.Advance(time.Second)
	cs = r.Tick()
	if v, ok := cs.Value(PathJob); !ok || v != nil {
		t.Errorf("job clear change = %v/%v, want job=null", v, ok)
	}
	if r.Snapshot().Job != nil {
		t.Error("job still present after grace")
	}
	if got := pub.changes(PathJob); len(got) != 2 {
		t.Errorf("job notifications = %d, want 2 (start, clear)", len(got))
	}
}

func TestReconciler_ReenterActiveCancelsClear(t *testing.T) {
	r, _, clock := newTestReconciler(0, 5*time.Second)

	r.Apply(statusEvent(t0, PrintPrinting))
	r.Apply(statusEvent(t0.Add(time.Second), PrintCancelled))
	r.Apply(statusEvent(t0.Add(2*time.Second), PrintPreparing))

	clock.Advance(10 * time.Second)
	r.Tick()

	snap := r.Snapshot()
	if snap.Job == nil {
		t.Fatal("new job cleared by the previous job's timer")
	}
	if !snap.Job.StartedAt.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("job StartedAt = %v, want the new job's start", snap.Job.StartedAt)
	}
}

func TestReconciler_JobClearDropsPendingJobNotes(t *testing.T) {
	r, pub, clock := newTestReconciler(250*time.Millisecond, 0)

	r.Apply(statusEvent(t0, PrintPrinting))
	r.Apply(Event{Kind: EventReport, ReceivedAt: t0.Add(10 * time.Millisecond), Job: JobUpdate{ProgressPercent: ptr(50.0)}})
	r.Apply(statusEvent(t0.Add(20*time.Millisecond), PrintError))

	clock.Advance(time.Second)
	r.Tick()

	if got := pub.changes(PathJobProgress); len(got) != 0 {
		t.Errorf("progress notified after job cleared: %v", got)
	}
	if got := pub.changes(PathJob); len(got) != 2 || got[1] != nil {
		t.Errorf("job notifications = %v, want start then null", got)
	}
}

func TestReconciler_AgeOnlyRefreshKeepsRevision(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)

	r.Apply(bedEvent(t0, 60))
	cs := r.Apply(bedEvent(t0.Add(time.Second), 60))

	if !cs.Empty() {
		t.Errorf("unchanged value emitted %+v", cs.Changes)
	}
	snap := r.Snapshot()
	if snap.Revision != 1 {
		t.Errorf("Revision = %d, want 1", snap.Revision)
	}
	if got := snap.Temperatures[ZoneBed].LastUpdatedAt; !got.Equal(t0.Add(time.Second)) {
		t.Errorf("LastUpdatedAt = %v, want refreshed", got)
	}
}

func TestReconciler_ObserversSeeEveryChange(t *testing.T) {
	obs := &recordingObserver{}
	r := NewReconciler(ReconcilerOptions{
		Clock:          clockwork.NewFakeClockAt(t0),
		DebounceWindow: time.Hour,
		Observers:      []Observer{obs},
	})

	r.Apply(bedEvent(t0, 20))
	r.Apply(bedEvent(t0.Add(time.Millisecond), 21))

	if len(obs.sets) != 2 {
		t.Fatalf("observer calls = %d, want 2", len(obs.sets))
	}
	if v, _ := obs.sets[1].Value(TemperatureCurrentPath(ZoneBed)); v != 21.0 {
		t.Errorf("observed value = %v, want 21", v)
	}
	if obs.snaps[1].Revision != 2 {
		t.Errorf("observed snapshot revision = %d, want 2", obs.snaps[1].Revision)
	}
}

func TestReconciler_SnapshotIsACopy(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)
	r.Apply(statusEvent(t0, PrintPrinting))

	snap := r.Snapshot()
	snap.Temperatures[ZoneBed] = Temperature{CurrentC: 999}
	snap.Job.Filename = "mutated"
	snap.Fans[FanPart] = 1

	again := r.Snapshot()
	if again.Temperatures[ZoneBed].CurrentC == 999 || again.Job.Filename == "mutated" || again.Fans[FanPart] == 1 {
		t.Error("mutating a snapshot leaked into the reconciler state")
	}
}

func TestReconciler_FanDutyClamped(t *testing.T) {
	r, _, _ := newTestReconciler(0, 0)
	r.Apply(Event{Kind: EventReport, ReceivedAt: t0, Fans: map[FanID]int{FanAux: 400}})

	if got := r.Snapshot().Fans[FanAux]; got != MaxFanDuty {
		t.Errorf("aux duty = %d, want %d", got, MaxFanDuty)
	}
}

func TestReconciler_UnexpectedTransitionLoggedAndAccepted(t *testing.T) {
	logger := &recordingLogger{}
	r := NewReconciler(ReconcilerOptions{Clock: clockwork.NewFakeClockAt(t0), Logger: logger})

	r.Apply(statusEvent(t0, PrintReady))
	r.Apply(statusEvent(t0.Add(time.Second), PrintComplete))

	if got := r.Snapshot().PrintStatus; got != PrintComplete {
		t.Errorf("PrintStatus = %v, want complete", got)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warnings = %v, want one unexpected-transition warning", logger.warns)
	}
}

func TestReconciler_NoneEventIgnored(t *testing.T) {
	r, pub, _ := newTestReconciler(0, 0)
	cs := r.Apply(Event{Kind: EventNone})

	if !cs.Empty() || len(pub.sets) != 0 {
		t.Error("EventNone produced notifications")
	}
	if r.Stats().Ignored != 1 {
		t.Errorf("Stats().Ignored = %d, want 1", r.Stats().Ignored)
	}
}
