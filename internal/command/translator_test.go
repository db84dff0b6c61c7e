package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/device"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// MockSender records every message and can be told to fail.
type MockSender struct {
	mu   sync.Mutex
	sent []bambu.Message
	seq  int
	err  error
}

func (m *MockSender) Send(msg bambu.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.seq++
	m.sent = append(m.sent, msg)
	return fmt.Sprint(m.seq), nil
}

func (m *MockSender) messages() []bambu.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *MockSender) params() []string {
	var out []string
	for _, msg := range m.messages() {
		out = append(out, msg.Param())
	}
	return out
}

// MockSource serves a settable snapshot.
type MockSource struct {
	mu    sync.Mutex
	state *device.State
}

func (m *MockSource) Snapshot() *device.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

func (m *MockSource) set(fn func(*device.State)) *device.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
	return m.state.Clone()
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

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type harness struct {
	tr     *Translator
	sender *MockSender
	source *MockSource
	clock  fakeClock
	logger *recordingLogger
}

func newHarness(t *testing.T, model string, opts ...func(*TranslatorOptions)) *harness {
	t.Helper()
	h := &harness{
		sender: &MockSender{},
		source: &MockSource{state: device.NewState()},
		clock:  clockwork.NewFakeClockAt(t0),
		logger: &recordingLogger{},
	}
	topts := TranslatorOptions{
		Sender:            h.sender,
		Source:            h.source,
		Capabilities:      bambu.CapabilitiesFor(model),
		NozzleOffUsesWait: true,
		Clock:             h.clock,
		Logger:            h.logger,
	}
	for _, opt := range opts {
		opt(&topts)
	}
	tr, err := NewTranslator(topts)
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	h.tr = tr
	return h
}

func (h *harness) submit(t *testing.T, req Request) Pending {
	t.Helper()
	p, err := h.tr.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit(%+v) error = %v", req, err)
	}
	return p
}

func (h *harness) get(t *testing.T, id string) Pending {
	t.Helper()
	p, err := h.tr.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return p
}

func setTemp(heater string, target float64) Request {
	return Request{Kind: KindSetTemperature, Heater: heater, Target: &target}
}

func TestNewTranslator_RequiresSender(t *testing.T) {
	if _, err := NewTranslator(TranslatorOptions{}); err == nil {
		t.Fatal("NewTranslator() without sender should fail")
	}
}

func TestSubmit_OutOfRangeRejectedWithoutSend(t *testing.T) {
	tests := []struct {
		name  string
		model string
		req   Request
		field string
	}{
		{"bed above max", "X1C", setTemp("bed", 121), "target"},
		{"nozzle above max", "X1C", setTemp("extruder", 301), "target"},
		{"negative", "X1C", setTemp("heater_bed", -1), "target"},
		{"NaN", "X1C", setTemp("nozzle", math.NaN()), "target"},
		{"Inf", "X1C", setTemp("nozzle", math.Inf(1)), "target"},
		{"chamber above max", "X1E", setTemp("chamber", 61), "target"},
		{"chamber without heater", "X1C", setTemp("chamber", 40), "heater"},
		{"missing target", "X1C", Request{Kind: KindSetTemperature, Heater: "bed"}, "target"},
		{"unknown heater", "X1C", setTemp("hotbed", 60), "heater"},
		{"unknown fan", "X1C", Request{Kind: KindSetFan, Fan: "blower", Speed: ptr(0.5)}, "fan"},
		{"fan not on model", "P1P", Request{Kind: KindSetFan, Fan: "aux", Speed: ptr(0.5)}, "fan"},
		{"fan speed NaN", "X1C", Request{Kind: KindSetFan, Speed: ptr(math.NaN())}, "speed"},
		{"unknown light", "X1C", Request{Kind: KindSetLight, Light: "disco", On: ptr(true)}, "light"},
		{"light without state", "X1C", Request{Kind: KindSetLight, Light: "caselight"}, "on"},
		{"unknown macro", "X1C", Request{Kind: KindRunMacro, Macro: "NOPE"}, "macro"},
		{"macro param out of range", "X1C", Request{Kind: KindRunMacro, Macro: "PREHEAT", Params: map[string]string{"BED": "500"}}, ParamBedTemp},
		{"empty gcode", "X1C", Request{Kind: KindGcode, Gcode: "  "}, "gcode"},
		{"gcode nozzle above max", "X1C", Request{Kind: KindGcode, Gcode: "G1 X10\nM104 S400"}, "target"},
		{"gcode negative bed", "X1C", Request{Kind: KindGcode, Gcode: "m140 s-5 ; cool"}, "target"},
		{"gcode wait above max", "X1C", Request{Kind: KindGcode, Gcode: "M190 S121"}, "target"},
		{"gcode chamber without heater", "X1C", Request{Kind: KindGcode, Gcode: "M141 S40"}, "heater"},
		{"gcode target missing", "X1C", Request{Kind: KindGcode, Gcode: "M109 T0"}, "target"},
		{"gcode target not a number", "X1C", Request{Kind: KindGcode, Gcode: "M104 Shot"}, "target"},
		{"escaping filename", "X1C", Request{Kind: KindStartPrint, Filename: "../etc/passwd"}, "filename"},
		{"unknown kind", "X1C", Request{Kind: "dance"}, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.model)
			_, err := h.tr.Submit(context.Background(), tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("ValidationError = %+v, want field %q", ve, tt.field)
			}
			if n := len(h.sender.messages()); n != 0 {
				t.Errorf("sent %d messages, want none", n)
			}
			if len(h.tr.Recent()) != 0 {
				t.Error("rejected request should not be tracked")
			}
		})
	}
}

func TestSubmit_TemperatureMapping(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		req       Request
		param     string
		ackOnSend bool
	}{
		{"bed", "X1C", setTemp("bed", 60), "M140 S60\n", false},
		{"bed rounded", "X1C", setTemp("heater_bed", 59.6), "M140 S60\n", false},
		{"bed wait", "X1C", Request{Kind: KindSetTemperature, Heater: "bed", Target: ptr(70.0), Wait: true}, "M190 S70\n", false},
		{"nozzle", "X1C", setTemp("extruder", 215), "M104 S215\n", false},
		{"nozzle wait", "X1C", Request{Kind: KindSetTemperature, Heater: "hotend", Target: ptr(220.0), Wait: true}, "M109 S220\n", false},
		{"nozzle off", "X1C", setTemp("nozzle", 0), "M109 S0\n", true},
		{"bed off", "X1C", setTemp("bed", 0), "M140 S0\n", true},
		{"chamber", "X1E", setTemp("chamber", 45), "M141 S45\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.model)
			p := h.submit(t, tt.req)

			params := h.sender.params()
			if len(params) != 1 || params[0] != tt.param {
				t.Fatalf("params = %q, want [%q]", params, tt.param)
			}
			if got := h.sender.messages()[0].Command(); got != "gcode_line" {
				t.Errorf("command = %q, want gcode_line", got)
			}

			if tt.ackOnSend {
				if p.Status != StatusAcknowledged || !p.HasLimitation(LimitationHeaterOffUnverified) {
					t.Errorf("heater off = %s %v, want acknowledged with heater_off_unverified", p.Status, p.Limitations)
				}
				return
			}
			if p.Status != StatusSent || len(p.Limitations) != 0 {
				t.Errorf("pending = %s %v, want sent without limitations", p.Status, p.Limitations)
			}
			if !strings.HasPrefix(p.Field, device.PrefixTemperatures) {
				t.Errorf("Field = %q, want a temperature target path", p.Field)
			}
		})
	}
}

func TestObserve_AcknowledgesWithinTolerance(t *testing.T) {
	h := newHarness(t, "X1C")
	p := h.submit(t, setTemp("bed", 60))
	if p.Field != "temperatures.bed.target_c" {
		t.Errorf("Field = %q", p.Field)
	}

	snap := h.source.set(func(s *device.State) {
		s.Temperatures[device.ZoneBed] = device.Temperature{TargetC: 61}
	})
	h.tr.Observe(device.ChangeSet{}, snap)
	if got := h.get(t, p.ID).Status; got != StatusSent {
		t.Fatalf("status after 61 = %s, want sent", got)
	}

	snap = h.source.set(func(s *device.State) {
		s.Temperatures[device.ZoneBed] = device.Temperature{TargetC: 60.4}
	})
	h.tr.Observe(device.ChangeSet{}, snap)

	got := h.get(t, p.ID)
	if got.Status != StatusAcknowledged || got.Err() != nil {
		t.Errorf("status = %s (%v), want acknowledged", got.Status, got.Err())
	}
	if got.ResolvedAt.IsZero() {
		t.Error("ResolvedAt not set")
	}
	if len(h.tr.InFlight()) != 0 {
		t.Errorf("InFlight = %v, want empty", h.tr.InFlight())
	}
}

func TestExpire_TimesOut(t *testing.T) {
	h := newHarness(t, "X1C")
	p := h.submit(t, Request{Kind: KindPause})

	if n := h.tr.Expire(h.clock.Now()); n != 0 {
		t.Fatalf("Expire() before deadline = %d", n)
	}
	h.clock.Advance(defaultDeadline)
	if n := h.tr.Expire(h.clock.Now()); n != 1 {
		t.Fatalf("Expire() at deadline = %d, want 1", n)
	}

	got := h.get(t, p.ID)
	if got.Status != StatusTimedOut || !errors.Is(got.Err(), ErrTimeout) {
		t.Errorf("pending = %s (%v), want timed out", got.Status, got.Err())
	}
	if got.Error == "" {
		t.Error("Error string not recorded")
	}
	if len(h.logger.warns) != 1 {
		t.Errorf("warns = %v, want one timeout warning", h.logger.warns)
	}

	// A late effect does not revive it.
	h.tr.Observe(device.ChangeSet{}, h.source.set(func(s *device.State) { s.PrintStatus = device.PrintPaused }))
	if got := h.get(t, p.ID).Status; got != StatusTimedOut {
		t.Errorf("status after late effect = %s", got)
	}
}

func TestSubmit_SupersedeCancelsPrior(t *testing.T) {
	h := newHarness(t, "X1C")
	first := h.submit(t, Request{Kind: KindSetFan, Fan: "part_cooling", Speed: ptr(1.0)})
	second := h.submit(t, Request{Kind: KindSetFan, Fan: "part", Speed: ptr(0.0)})

	old := h.get(t, first.ID)
	if old.Status != StatusCancelled || !errors.Is(old.Err(), ErrSuperseded) {
		t.Errorf("first = %s (%v), want cancelled by supersede", old.Status, old.Err())
	}
	if cur := h.get(t, second.ID); cur.Status != StatusSent {
		t.Errorf("second = %s, want sent", cur.Status)
	}
	if want := []string{"M106 P1 S255\n", "M106 P1 S0\n"}; !slices.Equal(h.sender.params(), want) {
		t.Errorf("params = %q, want %q", h.sender.params(), want)
	}

	inflight := h.tr.InFlight()
	if len(inflight) != 1 || inflight[0].ID != second.ID {
		t.Errorf("InFlight = %+v", inflight)
	}
}

func TestSubmit_ConcurrentSupersedeLeavesOne(t *testing.T) {
	h := newHarness(t, "X1C")
	h.source.set(func(s *device.State) { s.Fans[device.FanPart] = device.MaxFanDuty })

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			duty := i
			if _, err := h.tr.Submit(context.Background(), Request{Kind: KindSetFan, Duty: &duty}); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(h.tr.InFlight()); n != 1 {
		t.Fatalf("InFlight = %d, want 1", n)
	}
	cancelled := 0
	for _, p := range h.tr.Recent() {
		if p.Status == StatusCancelled {
			cancelled++
		}
	}
	if cancelled != 49 {
		t.Errorf("cancelled = %d, want 49", cancelled)
	}

	// The survivor is the command whose message went out last.
	params := h.sender.params()
	if got := h.tr.InFlight()[0].Gcode[0] + "\n"; got != params[len(params)-1] {
		t.Errorf("in flight %q, last sent %q", got, params[len(params)-1])
	}
}

// gatedSender holds the first Send until release is closed.
type gatedSender struct {
	MockSender
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSender) Send(msg bambu.Message) (string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.MockSender.Send(msg)
}

func TestSubmit_SupersedeFollowsSendOrder(t *testing.T) {
	sender := &gatedSender{entered: make(chan struct{}), release: make(chan struct{})}
	tr, err := NewTranslator(TranslatorOptions{
		Sender:       sender,
		Capabilities: bambu.CapabilitiesFor("X1C"),
		Clock:        clockwork.NewFakeClockAt(t0),
	})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}

	submit := func(target float64, out chan<- Pending) {
		p, err := tr.Submit(context.Background(), setTemp("bed", target))
		if err != nil {
			t.Errorf("Submit(%g) error = %v", target, err)
		}
		out <- p
	}

	firstCh := make(chan Pending, 1)
	go submit(50, firstCh)
	<-sender.entered

	// The second submission starts while the first is still sending.
	secondCh := make(chan Pending, 1)
	go submit(70, secondCh)
	time.Sleep(20 * time.Millisecond)
	close(sender.release)

	first, second := <-firstCh, <-secondCh

	if want := []string{"M140 S50\n", "M140 S70\n"}; !slices.Equal(sender.params(), want) {
		t.Errorf("params = %q, want %q", sender.params(), want)
	}
	inflight := tr.InFlight()
	if len(inflight) != 1 || inflight[0].ID != second.ID {
		t.Errorf("InFlight = %+v, want the second command", inflight)
	}
	got, err := tr.Get(first.ID)
	if err != nil || got.Status != StatusCancelled {
		t.Errorf("first = %+v (%v), want cancelled", got, err)
	}
}

func TestSubmit_SendFailureReleasesField(t *testing.T) {
	h := newHarness(t, "X1C")
	held := h.submit(t, setTemp("bed", 60))

	h.sender.mu.Lock()
	h.sender.err = errors.New("broker gone")
	h.sender.mu.Unlock()
	if _, err := h.tr.Submit(context.Background(), setTemp("bed", 70)); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("error = %v, want ErrSendFailed", err)
	}

	if got := h.get(t, held.ID).Status; got != StatusCancelled {
		t.Errorf("earlier command = %s, want cancelled", got)
	}
	if n := len(h.tr.InFlight()); n != 0 {
		t.Errorf("InFlight = %d, want 0 after send failure", n)
	}

	h.sender.mu.Lock()
	h.sender.err = nil
	h.sender.mu.Unlock()
	p := h.submit(t, setTemp("bed", 80))
	if inflight := h.tr.InFlight(); len(inflight) != 1 || inflight[0].ID != p.ID {
		t.Errorf("InFlight = %+v", inflight)
	}
}

func TestSubmit_SendFailure(t *testing.T) {
	h := newHarness(t, "X1C")
	h.sender.err = errors.New("broker gone")

	p, err := h.tr.Submit(context.Background(), Request{Kind: KindResume})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("error = %v, want ErrSendFailed", err)
	}
	if p.Status != StatusFailed || !errors.Is(p.Err(), ErrSendFailed) {
		t.Errorf("pending = %s (%v), want failed", p.Status, p.Err())
	}
	if len(h.tr.InFlight()) != 0 {
		t.Error("failed command left in flight")
	}
}

func TestSubmit_CancelledContext(t *testing.T) {
	h := newHarness(t, "X1C")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.tr.Submit(ctx, Request{Kind: KindPause}); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(h.sender.messages()) != 0 {
		t.Error("message sent for cancelled context")
	}
}

func TestHandleAck_FailResolvesFailed(t *testing.T) {
	h := newHarness(t, "X1C")
	p := h.submit(t, Request{Kind: KindPause})

	h.tr.HandleAck(device.CommandAck{Sequence: "999", Command: "pause", Result: "fail"})
	if got := h.get(t, p.ID).Status; got != StatusSent {
		t.Fatalf("unrelated ack resolved command: %s", got)
	}

	h.tr.HandleAck(device.CommandAck{Sequence: p.Sequences[0], Command: "pause", Result: "success"})
	if got := h.get(t, p.ID).Status; got != StatusSent {
		t.Fatalf("success ack resolved command: %s", got)
	}

	h.tr.HandleAck(device.CommandAck{Sequence: p.Sequences[0], Command: "pause", Result: "fail", Reason: "not printing"})
	got := h.get(t, p.ID)
	if got.Status != StatusFailed || !errors.Is(got.Err(), ErrRejected) {
		t.Errorf("pending = %s (%v), want failed with ErrRejected", got.Status, got.Err())
	}
}

func TestSubmit_AlreadySatisfied(t *testing.T) {
	h := newHarness(t, "X1C")
	h.source.set(func(s *device.State) { s.PrintStatus = device.PrintPaused })

	p := h.submit(t, Request{Kind: KindPause})
	if p.Status != StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", p.Status)
	}
}

func TestSubmit_PrintControl(t *testing.T) {
	tests := []struct {
		req     Request
		command string
		param   string
		before  device.PrintStatus
		after   device.PrintStatus
	}{
		{Request{Kind: KindPause}, "pause", "", device.PrintPrinting, device.PrintPaused},
		{Request{Kind: KindResume}, "resume", "", device.PrintPaused, device.PrintPrinting},
		{Request{Kind: KindCancel}, "stop", "", device.PrintPrinting, device.PrintCancelled},
		{Request{Kind: KindStartPrint, Filename: "models/cube.gcode"}, "gcode_file", "/sdcard/models/cube.gcode", device.PrintReady, device.PrintPreparing},
	}

	for _, tt := range tests {
		t.Run(string(tt.req.Kind), func(t *testing.T) {
			h := newHarness(t, "P1S")
			h.source.set(func(s *device.State) { s.PrintStatus = tt.before })

			p := h.submit(t, tt.req)
			msgs := h.sender.messages()
			if len(msgs) != 1 || msgs[0].Family != bambu.FamilyPrint || msgs[0].Command() != tt.command || msgs[0].Param() != tt.param {
				t.Fatalf("messages = %+v", msgs)
			}
			if p.Status != StatusSent {
				t.Fatalf("status = %s, want sent", p.Status)
			}

			h.tr.Observe(device.ChangeSet{}, h.source.set(func(s *device.State) { s.PrintStatus = tt.after }))
			if got := h.get(t, p.ID).Status; got != StatusAcknowledged {
				t.Errorf("status = %s, want acknowledged", got)
			}
		})
	}
}

func TestSubmit_FanDuty(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		param string
	}{
		{"ratio", Request{Kind: KindSetFan, Speed: ptr(0.5)}, "M106 P1 S128\n"},
		{"duty", Request{Kind: KindSetFan, Fan: "aux", Speed: ptr(200.0)}, "M106 P2 S200\n"},
		{"duty clamped", Request{Kind: KindSetFan, Fan: "exhaust", Duty: ptr(300)}, "M106 P3 S255\n"},
		{"negative clamped", Request{Kind: KindSetFan, Fan: "fan", Speed: ptr(-4.0)}, "M106 P1 S0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "X1C")
			h.submit(t, tt.req)
			if got := h.sender.params(); len(got) != 1 || got[0] != tt.param {
				t.Errorf("params = %q, want [%q]", got, tt.param)
			}
		})
	}
}

func TestObserve_FanWithinOneStep(t *testing.T) {
	h := newHarness(t, "X1C")
	p := h.submit(t, Request{Kind: KindSetFan, Speed: ptr(0.5)})

	// 7/15 of full scale, one step below the requested 128.
	h.tr.Observe(device.ChangeSet{}, h.source.set(func(s *device.State) { s.Fans[device.FanPart] = 119 }))
	if got := h.get(t, p.ID).Status; got != StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", got)
	}
}

func TestSubmit_LightBothFamilies(t *testing.T) {
	h := newHarness(t, "A1")
	p := h.submit(t, Request{Kind: KindSetLight, Light: "caselight", On: ptr(true)})

	msgs := h.sender.messages()
	if len(msgs) != 2 || msgs[0].Family != bambu.FamilySystem || msgs[1].Family != bambu.FamilyPrint {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(p.Sequences) != 2 {
		t.Errorf("Sequences = %v, want two", p.Sequences)
	}

	h.tr.Observe(device.ChangeSet{}, h.source.set(func(s *device.State) { s.Lights[device.LightChamber] = true }))
	if got := h.get(t, p.ID).Status; got != StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", got)
	}
}

func TestSubmit_MacroTrackedAgainstEffect(t *testing.T) {
	h := newHarness(t, "X1C")

	p := h.submit(t, Request{Kind: KindRunMacro, Macro: "start_print", Params: map[string]string{"BED": "60", "EXTRUDER": "215"}})
	want := []string{"G28\n", "M140 S60\n", "M104 S215\n", "M190 S60\n", "M109 S215\n"}
	if !slices.Equal(h.sender.params(), want) {
		t.Errorf("params = %q, want %q", h.sender.params(), want)
	}
	if p.Status != StatusSent || p.Field != fieldMacro || len(p.Limitations) != 0 {
		t.Fatalf("macro = %s field %q %v, want sent on the macro field", p.Status, p.Field, p.Limitations)
	}

	// Only the bed has reached its target.
	h.tr.Observe(device.ChangeSet{}, h.source.set(func(s *device.State) {
		s.Temperatures[device.ZoneBed] = device.Temperature{TargetC: 60}
	}))
	if got := h.get(t, p.ID).Status; got != StatusSent {
		t.Fatalf("status with nozzle pending = %s, want sent", got)
	}

	h.tr.Observe(device.ChangeSet{}, h.source.set(func(s *device.State) {
		s.Temperatures[device.ZoneNozzle] = device.Temperature{TargetC: 215}
	}))
	if got := h.get(t, p.ID).Status; got != StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", got)
	}
}

func TestSubmit_MacroTimesOutWithoutEffect(t *testing.T) {
	h := newHarness(t, "X1C")
	p := h.submit(t, Request{Kind: KindRunMacro, Macro: "PREHEAT"})
	if p.Status != StatusSent || p.HasLimitation(LimitationNoFeedback) {
		t.Fatalf("PREHEAT = %s %v, want sent and tracked", p.Status, p.Limitations)
	}

	h.clock.Advance(defaultDeadline)
	if n := h.tr.Expire(h.clock.Now()); n != 1 {
		t.Fatalf("Expire() = %d, want 1", n)
	}
	if got := h.get(t, p.ID); got.Status != StatusTimedOut || !errors.Is(got.Err(), ErrTimeout) {
		t.Errorf("PREHEAT = %s (%v), want timed out", got.Status, got.Err())
	}
}

func TestSubmit_MacroSupersedesMacro(t *testing.T) {
	h := newHarness(t, "X1C")
	first := h.submit(t, Request{Kind: KindRunMacro, Macro: "PREHEAT"})
	second := h.submit(t, Request{Kind: KindRunMacro, Macro: "PREHEAT", Params: map[string]string{"BED": "100"}})

	if got := h.get(t, first.ID); got.Status != StatusCancelled || !errors.Is(got.Err(), ErrSuperseded) {
		t.Errorf("first = %s (%v), want cancelled by supersede", got.Status, got.Err())
	}
	inflight := h.tr.InFlight()
	if len(inflight) != 1 || inflight[0].ID != second.ID {
		t.Errorf("InFlight = %+v", inflight)
	}
}

func TestSubmit_MacroHeaterOff(t *testing.T) {
	h := newHarness(t, "X1C")

	p := h.submit(t, Request{Kind: KindRunMacro, Macro: "COOLDOWN"})
	if p.Status != StatusAcknowledged || !p.HasLimitation(LimitationHeaterOffUnverified) {
		t.Errorf("COOLDOWN = %s %v, want acknowledged with heater_off_unverified", p.Status, p.Limitations)
	}

	// PRINT_END still waits for the part fan to stop.
	h.source.set(func(s *device.State) { s.Fans[device.FanPart] = device.MaxFanDuty })
	p = h.submit(t, Request{Kind: KindRunMacro, Macro: "END_PRINT"})
	if p.Status != StatusSent || !p.HasLimitation(LimitationHeaterOffUnverified) {
		t.Fatalf("PRINT_END = %s %v, want sent with heater_off_unverified", p.Status, p.Limitations)
	}
	h.tr.Observe(device.ChangeSet{}, h.source.set(func(s *device.State) { s.Fans[device.FanPart] = 0 }))
	if got := h.get(t, p.ID).Status; got != StatusAcknowledged {
		t.Errorf("PRINT_END status = %s, want acknowledged", got)
	}
}

func TestSubmit_UntrackedAckOnSend(t *testing.T) {
	h := newHarness(t, "X1C", func(o *TranslatorOptions) {
		m, err := NewMacros(map[string][]string{"WARM": {"M140 S{bed_temp}", "M104 S{nozzle_temp}"}})
		if err != nil {
			t.Fatalf("NewMacros() error = %v", err)
		}
		o.Macros = m
	})

	for _, req := range []Request{
		{Kind: KindRunMacro, Macro: "HOME"},
		{Kind: KindRunMacro, Macro: "WARM", Params: map[string]string{"BED_TEMP": "60", "NOZZLE": "200"}},
		{Kind: KindGcode, Gcode: "G1 X10\r\nM104 S200"},
	} {
		p := h.submit(t, req)
		if p.Status != StatusAcknowledged || p.Field != "" || !p.HasLimitation(LimitationNoFeedback) {
			t.Errorf("%s %s = %s field %q %v, want acknowledged with no_state_feedback", req.Kind, req.Macro, p.Status, p.Field, p.Limitations)
		}
	}
	params := h.sender.params()
	if last := params[len(params)-1]; last != "G1 X10\nM104 S200\n" {
		t.Errorf("raw param = %q", last)
	}
}

func TestSubmit_TemplateMacroOutOfRangeRejected(t *testing.T) {
	h := newHarness(t, "X1C", func(o *TranslatorOptions) {
		m, err := NewMacros(map[string][]string{
			"WARM": {"M140 S{bed_temp}", "M104 S{nozzle_temp}"},
			"HOT":  {"M104 S{temp}"},
		})
		if err != nil {
			t.Fatalf("NewMacros() error = %v", err)
		}
		o.Macros = m
	})

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"known parameter", Request{Kind: KindRunMacro, Macro: "WARM", Params: map[string]string{"BED_TEMP": "500", "NOZZLE": "999"}}, ParamBedTemp},
		{"free parameter", Request{Kind: KindRunMacro, Macro: "HOT", Params: map[string]string{"TEMP": "999"}}, "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.tr.Submit(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("Submit() error = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
	if n := len(h.sender.messages()); n != 0 {
		t.Errorf("sent %d messages, want none", n)
	}
}

func TestOnResolve(t *testing.T) {
	h := newHarness(t, "X1C")
	var (
		mu  sync.Mutex
		got []Status
	)
	h.tr.OnResolve(func(p Pending) {
		mu.Lock()
		got = append(got, p.Status)
		mu.Unlock()
	})

	h.submit(t, Request{Kind: KindGcode, Gcode: "M400"})
	h.submit(t, Request{Kind: KindPause})
	// Supersedes the pause and is already satisfied by an idle printer.
	h.submit(t, Request{Kind: KindCancel})
	h.submit(t, setTemp("bed", 60))
	h.clock.Advance(defaultDeadline)
	h.tr.Expire(h.clock.Now())

	want := []Status{StatusAcknowledged, StatusCancelled, StatusAcknowledged, StatusTimedOut}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, want) {
		t.Errorf("resolutions = %v, want %v", got, want)
	}
}

func TestRun_ExpiresAndPrunes(t *testing.T) {
	h := newHarness(t, "X1C")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.tr.Run(ctx) }()

	p := h.submit(t, Request{Kind: KindPause})

	waitUntil(t, h.clock, "timeout", func() bool {
		got, err := h.tr.Get(p.ID)
		return err == nil && got.Status == StatusTimedOut
	})
	waitUntil(t, h.clock, "prune", func() bool {
		_, err := h.tr.Get(p.ID)
		return errors.Is(err, ErrNotFound)
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// waitUntil advances the fake clock in expire-interval steps until cond holds.
func waitUntil(t *testing.T, clock fakeClock, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		clock.Advance(30 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
