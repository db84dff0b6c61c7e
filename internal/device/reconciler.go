package device

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Publisher receives the notification change-sets, after debouncing.
// Publish must not block.
type Publisher interface {
	Publish(cs ChangeSet)
}

// Observer receives every applied change-set, undebounced, together with the
// resulting snapshot. The snapshot is shared between observers and must be
// treated as read-only. Observe must not block.
type Observer interface {
	Observe(cs ChangeSet, snapshot *State)
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	Clock clockwork.Clock

	// DebounceWindow coalesces notifications for numeric paths. Zero
	// disables coalescing.
	DebounceWindow time.Duration

	// JobClearGrace delays clearing Job after the print leaves the active
	// states, so clients can read the final progress.
	JobClearGrace time.Duration

	Publisher Publisher
	Observers []Observer
	Logger    Logger
}

// ReconcilerStats counts reconciler activity since start.
type ReconcilerStats struct {
	Applied       uint64 `json:"applied"`
	Stale         uint64 `json:"stale"`
	Ignored       uint64 `json:"ignored"`
	Notifications uint64 `json:"notifications"`
}

// note is a pending debounced notification.
type note struct {
	value    any
	openedAt time.Time
}

// Reconciler folds events into the authoritative State.
//
// Apply and Tick must be called from a single goroutine; that goroutine is
// the only writer of the state. Snapshot is safe from any goroutine: it loads
// the last published immutable snapshot and returns a copy.
type Reconciler struct {
	clock     clockwork.Clock
	window    time.Duration
	grace     time.Duration
	publisher Publisher
	observers []Observer
	logger    Logger

	// state is the working copy owned by the writer goroutine.
	state    *State
	snapshot atomic.Pointer[State]

	notes      map[string]*note
	noteOrder  []string
	jobClearAt time.Time

	applied  atomic.Uint64
	stale    atomic.Uint64
	ignored  atomic.Uint64
	notified atomic.Uint64
}

// NewReconciler creates a reconciler holding a fresh, fully populated state.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	r := &Reconciler{
		clock:     opts.Clock,
		window:    opts.DebounceWindow,
		grace:     opts.JobClearGrace,
		publisher: opts.Publisher,
		observers: slices.Clone(opts.Observers),
		logger:    opts.Logger,
		state:     NewState(),
		notes:     make(map[string]*note),
	}
	r.state.UpdatedAt = r.clock.Now()
	r.snapshot.Store(r.state.Clone())
	return r
}

// AddObserver registers an observer. It must be called before the first Apply.
func (r *Reconciler) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// SetPublisher replaces the publisher. It must be called before the first Apply.
func (r *Reconciler) SetPublisher(p Publisher) {
	r.publisher = p
}

// Snapshot returns a copy of the last published state.
func (r *Reconciler) Snapshot() *State {
	return r.snapshot.Load().Clone()
}

// Stats returns activity counters.
func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Applied:       r.applied.Load(),
		Stale:         r.stale.Load(),
		Ignored:       r.ignored.Load(),
		Notifications: r.notified.Load(),
	}
}

// step accumulates the effects of one Apply or Tick.
type step struct {
	at       time.Time
	applied  []Change
	touched  bool
	jobIndex int
}

func newStep(at time.Time) *step {
	return &step{at: at, jobIndex: -1}
}

func (st *step) set(path string, value any) {
	st.applied = append(st.applied, Change{Path: path, Value: value})
}

// Apply merges ev into the state and returns the notification change-set
// emitted for this step, which may be empty.
func (r *Reconciler) Apply(ev Event) ChangeSet {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = r.clock.Now()
	}
	st := newStep(at)

	switch ev.Kind {
	case EventConnection:
		r.applyConnection(st, ev.Connection)
	case EventReport:
		if ev.HasSequence && ev.Sequence <= r.state.LastEventSequence {
			r.stale.Add(1)
			r.logger.Debug("stale report discarded",
				"sequence", ev.Sequence,
				"last_sequence", r.state.LastEventSequence,
			)
			return r.commit(st)
		}
		if ev.HasSequence {
			r.state.LastEventSequence = ev.Sequence
		}
		r.applyReport(st, ev)
	default:
		r.ignored.Add(1)
	}

	return r.commit(st)
}

// Tick flushes debounce windows that have elapsed and runs the job-clear timer.
func (r *Reconciler) Tick() ChangeSet {
	st := newStep(r.clock.Now())
	if !r.jobClearAt.IsZero() && !st.at.Before(r.jobClearAt) {
		r.clearJob(st)
	}
	return r.commit(st)
}

func (r *Reconciler) applyConnection(st *step, status ConnectionStatus) {
	prev := r.state.ConnectionStatus
	if status == "" || status == prev {
		return
	}

	r.state.ConnectionStatus = status
	st.set(PathConnectionStatus, status)

	// A fresh session may come from a rebooted printer whose sequence
	// counter restarted.
	if status == ConnectionConnected && (prev == ConnectionDisconnected || prev == ConnectionConnecting) {
		r.state.LastEventSequence = 0
	}

	r.logger.Info("connection status changed", "from", prev, "to", status)
}

func (r *Reconciler) applyReport(st *step, ev Event) {
	if ev.PrintStatus != nil {
		r.applyPrintStatus(st, *ev.PrintStatus)
	}

	r.applyJob(st, ev.Job)

	for _, z := range Zones() {
		if rd, ok := ev.Temperatures[z]; ok {
			r.applyTemperature(st, z, rd)
		}
	}

	for _, id := range Fans() {
		if duty, ok := ev.Fans[id]; ok {
			duty = min(max(duty, 0), MaxFanDuty)
			if r.state.Fans[id] != duty {
				r.state.Fans[id] = duty
				st.set(FanPath(id), duty)
			}
		}
	}

	for _, id := range Lights() {
		if on, ok := ev.Lights[id]; ok && r.state.Lights[id] != on {
			r.state.Lights[id] = on
			st.set(LightPath(id), on)
		}
	}
}

func (r *Reconciler) applyPrintStatus(st *step, next PrintStatus) {
	prev := r.state.PrintStatus
	if next == prev {
		return
	}

	if transitionExpected(prev, next) {
		r.logger.Info("print status changed", "from", prev, "to", next)
	} else {
		r.logger.Warn("unexpected print status transition", "from", prev, "to", next)
	}

	r.state.PrintStatus = next
	st.set(PathPrintStatus, next)

	switch {
	case next.Active() && !prev.Active():
		r.jobClearAt = time.Time{}
		r.dropJobNotes()
		r.state.Job = &Job{StartedAt: st.at}
		st.jobIndex = len(st.applied)
	case !next.Active() && prev.Active():
		if r.grace <= 0 {
			r.clearJob(st)
		} else {
			r.jobClearAt = st.at.Add(r.grace)
		}
	}
}

func (r *Reconciler) applyJob(st *step, upd JobUpdate) {
	job := r.state.Job
	if job == nil || upd.Empty() {
		return
	}

	if upd.Filename != nil && *upd.Filename != job.Filename {
		job.Filename = *upd.Filename
		st.set(PathJobFilename, job.Filename)
	}
	if upd.ProgressPercent != nil {
		p := min(max(*upd.ProgressPercent, 0), 100)
		if p != job.ProgressPercent {
			job.ProgressPercent = p
			st.set(PathJobProgress, p)
		}
	}
	if upd.CurrentLayer != nil && *upd.CurrentLayer != job.CurrentLayer {
		job.CurrentLayer = *upd.CurrentLayer
		st.set(PathJobCurrentLayer, job.CurrentLayer)
	}
	if upd.TotalLayers != nil && *upd.TotalLayers != job.TotalLayers {
		job.TotalLayers = *upd.TotalLayers
		st.set(PathJobTotalLayers, job.TotalLayers)
	}
	if upd.ETASeconds != nil && *upd.ETASeconds != job.ETASeconds {
		job.ETASeconds = *upd.ETASeconds
		st.set(PathJobETA, job.ETASeconds)
	}
}

func (r *Reconciler) applyTemperature(st *step, z Zone, rd Reading) {
	if rd.Current == nil && rd.Target == nil {
		return
	}

	t := r.state.Temperatures[z]
	if rd.Current != nil && *rd.Current != t.CurrentC {
		t.CurrentC = *rd.Current
		st.set(TemperatureCurrentPath(z), t.CurrentC)
	}
	if rd.Target != nil && *rd.Target != t.TargetC {
		t.TargetC = *rd.Target
		st.set(TemperatureTargetPath(z), t.TargetC)
	}
	t.LastUpdatedAt = st.at
	st.touched = true
	r.state.Temperatures[z] = t
}

func (r *Reconciler) clearJob(st *step) {
	r.jobClearAt = time.Time{}
	if r.state.Job == nil {
		return
	}
	r.state.Job = nil
	r.dropJobNotes()
	st.set(PathJob, nil)
}

// commit bumps the revision, publishes the snapshot and routes notifications.
func (r *Reconciler) commit(st *step) ChangeSet {
	if st.jobIndex >= 0 {
		// Fields merged after the job started are folded into the job object.
		job := *r.state.Job
		st.applied = slices.DeleteFunc(st.applied, func(c Change) bool {
			return strings.HasPrefix(c.Path, PrefixJob)
		})
		st.applied = slices.Insert(st.applied, min(st.jobIndex, len(st.applied)), Change{Path: PathJob, Value: &job})
	}

	mutated := len(st.applied) > 0
	if mutated {
		r.state.Revision++
		r.state.UpdatedAt = st.at
		r.applied.Add(1)
	}

	var notify []Change
	notify = append(notify, r.flushDue(st.at)...)
	for _, c := range st.applied {
		if r.window > 0 && debounced(c.Path) {
			r.hold(c, st.at)
			continue
		}
		notify = append(notify, c)
	}

	var snap *State
	if mutated || st.touched {
		snap = r.state.Clone()
		r.snapshot.Store(snap)
	}

	cs := ChangeSet{Revision: r.state.Revision, At: st.at, Changes: notify}
	if len(notify) > 0 {
		r.notified.Add(1)
		if r.publisher != nil {
			r.publisher.Publish(cs)
		}
	}

	if mutated {
		full := ChangeSet{Revision: r.state.Revision, At: st.at, Changes: st.applied}
		for _, o := range r.observers {
			o.Observe(full, snap)
		}
	}

	return cs
}

// hold opens or refreshes the debounce window for a change.
func (r *Reconciler) hold(c Change, at time.Time) {
	if n, ok := r.notes[c.Path]; ok {
		n.value = c.Value
		return
	}
	r.notes[c.Path] = &note{value: c.Value, openedAt: at}
	r.noteOrder = append(r.noteOrder, c.Path)
}

// flushDue returns the pending notifications whose window has elapsed.
func (r *Reconciler) flushDue(now time.Time) []Change {
	if len(r.noteOrder) == 0 {
		return nil
	}

	var out []Change
	kept := r.noteOrder[:0]
	for _, path := range r.noteOrder {
		n := r.notes[path]
		if now.Sub(n.openedAt) >= r.window {
			out = append(out, Change{Path: path, Value: n.value})
			delete(r.notes, path)
			continue
		}
		kept = append(kept, path)
	}
	r.noteOrder = kept
	return out
}

// dropJobNotes discards pending job.* notifications.
func (r *Reconciler) dropJobNotes() {
	kept := r.noteOrder[:0]
	for _, path := range r.noteOrder {
		if strings.HasPrefix(path, PrefixJob) {
			delete(r.notes, path)
			continue
		}
		kept = append(kept, path)
	}
	r.noteOrder = kept
}

// expectedTransitions is the abstract print state machine. Transitions
// outside it are accepted but logged.
var expectedTransitions = map[PrintStatus][]PrintStatus{
	PrintReady:     {PrintPreparing, PrintPrinting},
	PrintPreparing: {PrintPrinting, PrintPaused, PrintError, PrintCancelled, PrintReady},
	PrintPrinting:  {PrintPaused, PrintComplete, PrintError, PrintCancelled},
	PrintPaused:    {PrintPrinting, PrintError, PrintCancelled},
	PrintComplete:  {PrintReady, PrintPreparing, PrintPrinting},
	PrintError:     {PrintReady, PrintPreparing, PrintPrinting},
	PrintCancelled: {PrintReady, PrintPreparing, PrintPrinting},
}

func transitionExpected(from, to PrintStatus) bool {
	if from == PrintUnknown || to == PrintUnknown {
		return true
	}
	return slices.Contains(expectedTransitions[from], to)
}
