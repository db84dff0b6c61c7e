package command

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/device"
)

// Translator defaults.
const (
	defaultDeadline       = 10 * time.Second
	defaultRetainResolved = 5 * time.Minute
	defaultExpireInterval = 250 * time.Millisecond
	defaultFileRoot       = "/sdcard"

	// temperatureTolerance is how far a reported target may be from the
	// requested one and still count as applied.
	temperatureTolerance = 0.5

	// fanTolerance is one step of the printer's 0-15 fan scale.
	fanTolerance = device.MaxFanDuty / 15

	fieldPrint = "print"
	fieldMacro = "macro"
)

// Sender transmits native requests. *bambu.Bridge implements it.
type Sender interface {
	Send(msg bambu.Message) (string, error)
}

// Source provides the current snapshot.
type Source interface {
	Snapshot() *device.State
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TranslatorOptions configures a Translator.
type TranslatorOptions struct {
	Sender Sender

	// Source is checked right after a send, so a command whose effect is
	// already in place resolves without waiting for a change. Optional.
	Source Source

	Capabilities bambu.Capabilities
	Limits       Limits

	// Macros defaults to the built-in set.
	Macros *Macros

	// Deadline defaults to 10s.
	Deadline time.Duration

	// RetainResolved is how long resolved commands stay readable through
	// Get. Defaults to 5m.
	RetainResolved time.Duration

	// NozzleOffUsesWait sends M109 S0 instead of M104 S0.
	NozzleOffUsesWait bool

	// FileRoot prefixes relative file names for StartPrint. Defaults to
	// /sdcard.
	FileRoot string

	Clock  clockwork.Clock
	Logger Logger
}

// Translator turns abstract requests into native messages and tracks each
// one until its effect is observed, it fails, or its deadline passes.
//
// In-flight commands are keyed by the field they target. A newer command on
// the same field supersedes the older one, and sends for one field never
// interleave, so the in-flight command is always the one sent last. All
// methods are safe for concurrent use.
type Translator struct {
	sender        Sender
	source        Source
	caps          bambu.Capabilities
	limits        Limits
	macros        *Macros
	deadline      time.Duration
	retain        time.Duration
	nozzleOffWait bool
	fileRoot      string
	clock         clockwork.Clock
	logger        Logger

	inflight   sync.Map // field -> *entry
	entries    sync.Map // id -> *entry
	fieldLocks sync.Map // field -> *sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func(Pending)
}

// NewTranslator creates a translator.
func NewTranslator(opts TranslatorOptions) (*Translator, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Macros == nil {
		m, err := NewMacros(nil)
		if err != nil {
			return nil, err
		}
		opts.Macros = m
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultDeadline
	}
	if opts.RetainResolved <= 0 {
		opts.RetainResolved = defaultRetainResolved
	}
	if opts.FileRoot == "" {
		opts.FileRoot = defaultFileRoot
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Translator{
		sender:        opts.Sender,
		source:        opts.Source,
		caps:          opts.Capabilities,
		limits:        opts.Limits,
		macros:        opts.Macros,
		deadline:      opts.Deadline,
		retain:        opts.RetainResolved,
		nozzleOffWait: opts.NozzleOffUsesWait,
		fileRoot:      opts.FileRoot,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}, nil
}

// Capabilities returns the capabilities commands are validated against.
func (t *Translator) Capabilities() bambu.Capabilities {
	return t.caps
}

// Limits returns the temperature ceilings.
func (t *Translator) Limits() Limits {
	return t.limits
}

// Macros returns the accepted macros.
func (t *Translator) Macros() *Macros {
	return t.macros
}

// OnResolve registers fn to run whenever a command reaches a final status.
// fn runs on the resolving goroutine and must not block.
func (t *Translator) OnResolve(fn func(Pending)) {
	t.hooksMu.Lock()
	t.hooks = append(t.hooks, fn)
	t.hooksMu.Unlock()
}

// Submit validates req, sends the native messages and returns the tracked
// command. Validation failures return a *ValidationError and send nothing.
// A transport failure returns the Failed command and an error wrapping
// ErrSendFailed.
func (t *Translator) Submit(ctx context.Context, req Request) (Pending, error) {
	p, err := t.plan(req)
	if err != nil {
		return Pending{}, err
	}
	if err := ctx.Err(); err != nil {
		return Pending{}, err
	}

	now := t.clock.Now()
	e := &entry{
		expect: p.expect,
		p: Pending{
			ID:          uuid.NewString(),
			Kind:        req.Kind,
			Field:       p.field,
			Gcode:       p.gcode,
			SubmittedAt: now,
			Deadline:    now.Add(t.deadline),
			Status:      StatusSent,
			Limitations: p.limitations,
		},
	}
	t.entries.Store(e.p.ID, e)

	if p.expect == nil {
		if err := t.send(e, p.messages); err != nil {
			t.finish(e, StatusFailed, err)
			return e.snapshot(), err
		}
		t.logger.Debug("command sent", "id", e.p.ID, "kind", req.Kind, "messages", len(p.messages))
		t.finish(e, StatusAcknowledged, nil)
		return e.snapshot(), nil
	}

	unlock := t.lockField(p.field)
	if prev, loaded := t.inflight.Swap(p.field, e); loaded {
		t.finish(prev.(*entry), StatusCancelled, ErrSuperseded)
	}
	if err := t.send(e, p.messages); err != nil {
		t.settle(e, StatusFailed, err)
		unlock()
		return e.snapshot(), err
	}
	unlock()

	t.logger.Debug("command sent", "id", e.p.ID, "kind", req.Kind, "field", p.field, "messages", len(p.messages))

	if t.source != nil {
		if snap := t.source.Snapshot(); snap != nil && p.expect(snap) {
			t.settle(e, StatusAcknowledged, nil)
		}
	}
	return e.snapshot(), nil
}

func (t *Translator) send(e *entry, msgs []bambu.Message) error {
	for _, msg := range msgs {
		seq, err := t.sender.Send(msg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		e.addSequence(seq)
	}
	return nil
}

// lockField serializes swap-and-send for one field and returns the unlock.
func (t *Translator) lockField(field string) func() {
	v, _ := t.fieldLocks.LoadOrStore(field, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Observe resolves in-flight commands whose effect is visible in snapshot.
// It implements device.Observer.
func (t *Translator) Observe(_ device.ChangeSet, snapshot *device.State) {
	if snapshot == nil {
		return
	}
	t.inflight.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.expect(snapshot) {
			t.settle(e, StatusAcknowledged, nil)
		}
		return true
	})
}

// HandleAck resolves the command that sent a rejected request as Failed.
// Successful acks are ignored; success is judged by the observed state.
// It implements bambu.AckHandler.
func (t *Translator) HandleAck(ack device.CommandAck) {
	if ack.Succeeded() || ack.Sequence == "" {
		return
	}
	reason := ack.Reason
	if reason == "" {
		reason = ack.Result
	}
	t.inflight.Range(func(_, v any) bool {
		e := v.(*entry)
		if !e.hasSequence(ack.Sequence) {
			return true
		}
		t.settle(e, StatusFailed, fmt.Errorf("%w: %s: %s", ErrRejected, ack.Command, reason))
		return false
	})
}

// Expire times out every in-flight command whose deadline is not after now.
// It returns the number of commands expired.
func (t *Translator) Expire(now time.Time) int {
	expired := 0
	t.inflight.Range(func(_, v any) bool {
		e := v.(*entry)
		if now.Before(e.p.Deadline) {
			return true
		}
		if t.settle(e, StatusTimedOut, fmt.Errorf("%w after %s", ErrTimeout, t.deadline)) {
			expired++
			t.logger.Warn("command timed out",
				"id", e.p.ID,
				"kind", e.p.Kind,
				"field", e.p.Field,
				"deadline", t.deadline)
		}
		return true
	})
	return expired
}

// Get returns a command by id. Resolved commands stay readable for the
// retention window.
func (t *Translator) Get(id string) (Pending, error) {
	v, ok := t.entries.Load(id)
	if !ok {
		return Pending{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v.(*entry).snapshot(), nil
}

// InFlight returns the unresolved commands, oldest first.
func (t *Translator) InFlight() []Pending {
	var out []Pending
	t.inflight.Range(func(_, v any) bool {
		out = append(out, v.(*entry).snapshot())
		return true
	})
	slices.SortFunc(out, func(a, b Pending) int { return a.SubmittedAt.Compare(b.SubmittedAt) })
	return out
}

// Recent returns every retained command, newest first.
func (t *Translator) Recent() []Pending {
	var out []Pending
	t.entries.Range(func(_, v any) bool {
		out = append(out, v.(*entry).snapshot())
		return true
	})
	slices.SortFunc(out, func(a, b Pending) int {
		return cmp.Or(b.SubmittedAt.Compare(a.SubmittedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Run expires deadlines and prunes old resolved commands until ctx is done.
func (t *Translator) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(defaultExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			now := t.clock.Now()
			t.Expire(now)
			t.prune(now)
		}
	}
}

func (t *Translator) prune(now time.Time) {
	t.entries.Range(func(k, v any) bool {
		if e := v.(*entry); e.resolvedBefore(now.Add(-t.retain)) {
			t.entries.Delete(k)
		}
		return true
	})
}

// settle removes e from the in-flight table and resolves it. Only the caller
// that wins the removal resolves.
func (t *Translator) settle(e *entry, status Status, err error) bool {
	if !t.inflight.CompareAndDelete(e.p.Field, e) {
		return false
	}
	return t.finish(e, status, err)
}

func (t *Translator) finish(e *entry, status Status, err error) bool {
	if !e.resolve(status, err, t.clock.Now()) {
		return false
	}
	p := e.snapshot()
	if status != StatusAcknowledged {
		t.logger.Info("command resolved", "id", p.ID, "kind", p.Kind, "status", status, "error", err)
	} else {
		t.logger.Debug("command acknowledged", "id", p.ID, "kind", p.Kind)
	}

	t.hooksMu.RLock()
	hooks := slices.Clone(t.hooks)
	t.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(p)
	}
	return true
}

// plan is the validated native form of a request.
type plan struct {
	field       string
	messages    []bambu.Message
	gcode       []string
	limitations []Limitation

	// expect is nil for commands acknowledged on transmit.
	expect func(*device.State) bool
}

func (t *Translator) plan(req Request) (plan, error) {
	switch req.Kind {
	case KindPause:
		return plan{
			field:    fieldPrint,
			messages: []bambu.Message{bambu.Pause()},
			expect:   func(s *device.State) bool { return s.PrintStatus == device.PrintPaused },
		}, nil

	case KindResume:
		return plan{
			field:    fieldPrint,
			messages: []bambu.Message{bambu.Resume()},
			expect:   func(s *device.State) bool { return s.PrintStatus == device.PrintPrinting },
		}, nil

	case KindCancel:
		return plan{
			field:    fieldPrint,
			messages: []bambu.Message{bambu.Stop()},
			expect:   func(s *device.State) bool { return !s.PrintStatus.Active() },
		}, nil

	case KindStartPrint:
		if err := ValidateFilename(req.Filename); err != nil {
			return plan{}, err
		}
		return plan{
			field:    fieldPrint,
			messages: []bambu.Message{bambu.StartGcodeFile(joinRoot(t.fileRoot, req.Filename))},
			expect: func(s *device.State) bool {
				return s.PrintStatus == device.PrintPreparing || s.PrintStatus == device.PrintPrinting
			},
		}, nil

	case KindSetTemperature:
		return t.planTemperature(req)

	case KindSetFan:
		return t.planFan(req)

	case KindSetLight:
		return t.planLight(req)

	case KindRunMacro:
		mac, ok := t.macros.Lookup(req.Macro)
		if !ok {
			return plan{}, invalid("macro", req.Macro, "unknown macro")
		}
		exp, err := mac.Expand(NormalizeParams(req.Params), t.limits)
		if err != nil {
			return plan{}, err
		}
		if err := checkGcodeTemperatures(exp.Lines, t.limits, t.caps); err != nil {
			return plan{}, err
		}
		return t.macroPlan(exp), nil

	case KindGcode:
		script, err := cleanGcode(req.Gcode)
		if err != nil {
			return plan{}, err
		}
		if err := checkGcodeTemperatures([]string{script}, t.limits, t.caps); err != nil {
			return plan{}, err
		}
		return gcodePlan([]string{script}), nil
	}
	return plan{}, invalid("kind", req.Kind, "unknown command")
}

func (t *Translator) planTemperature(req Request) (plan, error) {
	zone, err := ResolveHeater(req.Heater)
	if err != nil {
		return plan{}, err
	}
	if req.Target == nil {
		return plan{}, invalid("target", nil, "required")
	}
	if err := validateTarget(zone, *req.Target, t.limits, t.caps); err != nil {
		return plan{}, err
	}

	setpoint := int(math.Round(*req.Target))
	wait := req.Wait || (zone == device.ZoneNozzle && setpoint == 0 && t.nozzleOffWait)
	line := fmt.Sprintf("%s S%d", temperatureCode(zone, wait), setpoint)

	p := plan{
		field:    device.TemperatureTargetPath(zone),
		messages: []bambu.Message{bambu.GcodeLine(line)},
		gcode:    []string{line},
	}
	if setpoint == 0 && t.caps.HeaterOffUnreliable {
		p.limitations = []Limitation{LimitationHeaterOffUnverified}
		return p, nil
	}
	want := float64(setpoint)
	p.expect = func(s *device.State) bool {
		return math.Abs(s.Temperatures[zone].TargetC-want) <= temperatureTolerance
	}
	return p, nil
}

func temperatureCode(z device.Zone, wait bool) string {
	switch {
	case z == device.ZoneBed && wait:
		return "M190"
	case z == device.ZoneBed:
		return "M140"
	case z == device.ZoneChamber && wait:
		return "M191"
	case z == device.ZoneChamber:
		return "M141"
	case wait:
		return "M109"
	}
	return "M104"
}

func (t *Translator) planFan(req Request) (plan, error) {
	id, err := ResolveFan(req.Fan)
	if err != nil {
		return plan{}, err
	}
	if !fanSupported(t.caps, id) {
		return plan{}, invalid("fan", req.Fan, fmt.Sprintf("model %s has no %s fan", t.caps.Model, id))
	}
	duty, err := fanDuty(req)
	if err != nil {
		return plan{}, err
	}

	line := fmt.Sprintf("M106 P%d S%d", fanChannels[id], duty)
	return plan{
		field:    device.FanPath(id),
		messages: []bambu.Message{bambu.GcodeLine(line)},
		gcode:    []string{line},
		expect: func(s *device.State) bool {
			d := s.Fans[id] - duty
			return d >= -fanTolerance && d <= fanTolerance
		},
	}, nil
}

func (t *Translator) planLight(req Request) (plan, error) {
	id, err := ResolveLight(req.Light)
	if err != nil {
		return plan{}, err
	}
	if id == device.LightChamber && !t.caps.ChamberLight {
		return plan{}, invalid("light", req.Light, fmt.Sprintf("model %s has no chamber light", t.caps.Model))
	}
	if req.On == nil {
		return plan{}, invalid("on", nil, "required")
	}
	on := *req.On
	return plan{
		field:    device.LightPath(id),
		messages: bambu.LEDControl(id, on),
		expect:   func(s *device.State) bool { return s.Lights[id] == on },
	}, nil
}

// macroPlan tracks a macro against its effect. Zero heater targets are left
// out when the model does not reliably report them.
func (t *Translator) macroPlan(exp Expansion) plan {
	p := gcodePlan(exp.Lines)
	if exp.Effect == nil {
		return p
	}
	p.limitations = nil

	targets := make(map[device.Zone]float64, len(exp.Effect.Targets))
	for z, v := range exp.Effect.Targets {
		if v == 0 && t.caps.HeaterOffUnreliable {
			if !slices.Contains(p.limitations, LimitationHeaterOffUnverified) {
				p.limitations = append(p.limitations, LimitationHeaterOffUnverified)
			}
			continue
		}
		targets[z] = v
	}
	fans := maps.Clone(exp.Effect.Fans)
	if len(targets) == 0 && len(fans) == 0 {
		return p
	}

	p.field = fieldMacro
	p.expect = func(s *device.State) bool {
		for z, want := range targets {
			if math.Abs(s.Temperatures[z].TargetC-want) > temperatureTolerance {
				return false
			}
		}
		for id, want := range fans {
			if d := s.Fans[id] - want; d < -fanTolerance || d > fanTolerance {
				return false
			}
		}
		return true
	}
	return p
}

func gcodePlan(lines []string) plan {
	msgs := make([]bambu.Message, len(lines))
	for i, line := range lines {
		msgs[i] = bambu.GcodeLine(line)
	}
	return plan{
		messages:    msgs,
		gcode:       lines,
		limitations: []Limitation{LimitationNoFeedback},
	}
}

// entry is the mutable record behind a Pending.
// ID, Kind, Field and Deadline never change after creation.
type entry struct {
	expect func(*device.State) bool

	mu sync.Mutex
	p  Pending
}

func (e *entry) snapshot() Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.p
	p.Sequences = slices.Clone(e.p.Sequences)
	p.Gcode = slices.Clone(e.p.Gcode)
	p.Limitations = slices.Clone(e.p.Limitations)
	return p
}

func (e *entry) addSequence(seq string) {
	e.mu.Lock()
	e.p.Sequences = append(e.p.Sequences, seq)
	e.mu.Unlock()
}

func (e *entry) hasSequence(seq string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Contains(e.p.Sequences, seq)
}

// resolve sets a final status once. Later calls are ignored.
func (e *entry) resolve(status Status, err error, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.Status.Resolved() {
		return false
	}
	e.p.Status = status
	e.p.ResolvedAt = at
	if err != nil {
		e.p.err = err
		e.p.Error = err.Error()
	}
	return true
}

func (e *entry) resolvedBefore(cutoff time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Status.Resolved() && e.p.ResolvedAt.Before(cutoff)
}
