package bambu

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/nerrad567/printbridge/internal/device"
	"github.com/nerrad567/printbridge/internal/hub"
	"github.com/nerrad567/printbridge/internal/infrastructure/mqtt"
)

const testSerial = "01S00A000000001"

// MockTransport is a Transport backed by a channel.
type MockTransport struct {
	frames chan mqtt.Frame

	mu         sync.Mutex
	published  []publishedMsg
	publishErr error
	onConnect  func()
	streamErr  error
	topic      string
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func newMockTransport() *MockTransport {
	return &MockTransport{frames: make(chan mqtt.Frame, 64)}
}

func (m *MockTransport) Stream(topic string) (<-chan mqtt.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	m.topic = topic
	return m.frames, nil
}

func (m *MockTransport) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (m *MockTransport) SetOnConnect(callback func()) {
	m.mu.Lock()
	m.onConnect = callback
	m.mu.Unlock()
}

func (m *MockTransport) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.published {
		for _, family := range []string{FamilyPrint, FamilyPushing, FamilyInfo, FamilySystem} {
			if c := gjson.GetBytes(p.payload, family+".command"); c.Exists() {
				out = append(out, c.Str)
			}
		}
	}
	return out
}

func (m *MockTransport) report(payload string) {
	m.frames <- mqtt.Frame{Topic: ReportTopic(testSerial), Payload: []byte(payload), ReceivedAt: time.Now()}
}

func (m *MockTransport) status(s mqtt.Status) {
	m.frames <- mqtt.Frame{StatusChange: true, Status: s, ReceivedAt: time.Now()}
}

type recordingAcks struct {
	mu   sync.Mutex
	acks []device.CommandAck
}

func (r *recordingAcks) HandleAck(ack device.CommandAck) {
	r.mu.Lock()
	r.acks = append(r.acks, ack)
	r.mu.Unlock()
}

func (r *recordingAcks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks)
}

type harness struct {
	bridge     *Bridge
	transport  *MockTransport
	reconciler *device.Reconciler
	hub        *hub.Hub
	clock      interface {
		clockwork.Clock
		Advance(d time.Duration)
	}
}

func newHarness(t *testing.T, staleAfter time.Duration) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	rec := device.NewReconciler(device.ReconcilerOptions{Clock: clock})
	h := hub.New(rec, hub.Options{})
	rec.SetPublisher(h)

	transport := newMockTransport()
	b, err := NewBridge(BridgeOptions{
		Serial:       testSerial,
		Transport:    transport,
		Reconciler:   rec,
		Clock:        clock,
		TickInterval: 100 * time.Millisecond,
		StaleAfter:   staleAfter,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		b.Stop()
		h.Close()
	})

	return &harness{bridge: b, transport: transport, reconciler: rec, hub: h, clock: clock}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewBridge_Validation(t *testing.T) {
	rec := device.NewReconciler(device.ReconcilerOptions{})
	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"no serial", BridgeOptions{Transport: newMockTransport(), Reconciler: rec}},
		{"no transport", BridgeOptions{Serial: testSerial, Reconciler: rec}},
		{"no reconciler", BridgeOptions{Serial: testSerial, Transport: newMockTransport()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() error = nil")
			}
		})
	}
}

func TestBridge_StartStreamsReportTopic(t *testing.T) {
	h := newHarness(t, -1)

	h.transport.mu.Lock()
	topic := h.transport.topic
	h.transport.mu.Unlock()
	if topic != "device/"+testSerial+"/report" {
		t.Errorf("streamed topic = %q", topic)
	}
	if err := h.bridge.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil")
	}
}

func TestBridge_StartStreamError(t *testing.T) {
	transport := newMockTransport()
	transport.streamErr = mqtt.ErrStreamActive
	b, err := NewBridge(BridgeOptions{
		Serial:     testSerial,
		Transport:  transport,
		Reconciler: device.NewReconciler(device.ReconcilerOptions{}),
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, mqtt.ErrStreamActive) {
		t.Errorf("Start() error = %v, want ErrStreamActive", err)
	}
}

func TestBridge_PrintingProgressPausedScenario(t *testing.T) {
	h := newHarness(t, -1)
	sub := h.hub.Subscribe()
	defer sub.Cancel()

	h.transport.status(mqtt.StatusConnected)
	h.transport.report(`{"print":{"command":"push_status","sequence_id":"1","gcode_state":"RUNNING","subtask_name":"benchy","mc_percent":10}}`)
	h.transport.report(`{"print":{"command":"push_status","sequence_id":"2","mc_percent":50}}`)
	h.transport.report(`{"print":{"command":"push_status","sequence_id":"3","gcode_state":"PAUSE"}}`)

	var paths []string
	timeout := time.After(2 * time.Second)
	for !slices.Contains(paths, device.PathPrintStatus+"="+string(device.PrintPaused)) {
		select {
		case cs := <-sub.C():
			for _, c := range cs.Changes {
				paths = append(paths, describe(c))
			}
		case <-timeout:
			t.Fatalf("did not observe paused; saw %v", paths)
		}
	}

	want := []string{
		device.PathConnectionStatus + "=" + string(device.ConnectionConnected),
		device.PathPrintStatus + "=" + string(device.PrintPrinting),
		device.PathJob + "=benchy",
		device.PathJobProgress + "=50",
		device.PathPrintStatus + "=" + string(device.PrintPaused),
	}
	idx := 0
	for _, p := range paths {
		if idx < len(want) && p == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Errorf("notifications %v do not contain %v in order", paths, want)
	}

	snap := h.hub.CurrentSnapshot()
	if snap.PrintStatus != device.PrintPaused {
		t.Errorf("PrintStatus = %v, want paused", snap.PrintStatus)
	}
	if snap.Job == nil || snap.Job.ProgressPercent != 50 || snap.Job.Filename != "benchy" {
		t.Errorf("Job = %+v", snap.Job)
	}
	if snap.LastEventSequence != 3 {
		t.Errorf("LastEventSequence = %d, want 3", snap.LastEventSequence)
	}
}

func describe(c device.Change) string {
	switch v := c.Value.(type) {
	case *device.Job:
		return c.Path + "=" + v.Filename
	case device.PrintStatus:
		return c.Path + "=" + string(v)
	case device.ConnectionStatus:
		return c.Path + "=" + string(v)
	case float64:
		return c.Path + "=" + strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return c.Path
	}
}

func TestBridge_StaleReportDiscarded(t *testing.T) {
	h := newHarness(t, -1)

	h.transport.report(`{"print":{"command":"push_status","sequence_id":"5","bed_temper":60}}`)
	h.transport.report(`{"print":{"command":"push_status","sequence_id":"4","bed_temper":20}}`)
	h.transport.report(`{"print":{"chamber_temper":33}}`)

	waitFor(t, "chamber reading", func() bool {
		return h.reconciler.Snapshot().Temperatures[device.ZoneChamber].CurrentC == 33
	})
	if got := h.reconciler.Snapshot().Temperatures[device.ZoneBed].CurrentC; got != 60 {
		t.Errorf("bed = %v, want 60", got)
	}
	if h.reconciler.Stats().Stale != 1 {
		t.Errorf("Stale = %d, want 1", h.reconciler.Stats().Stale)
	}
}

func TestBridge_ParseErrorsCountedAndSkipped(t *testing.T) {
	h := newHarness(t, -1)

	h.transport.report(`not json`)
	h.transport.report(`{"print":{"bed_temper":45}}`)

	waitFor(t, "valid report", func() bool {
		return h.reconciler.Snapshot().Temperatures[device.ZoneBed].CurrentC == 45
	})
	stats := h.bridge.Stats()
	if stats.Frames != 2 || stats.ParseErrors != 1 {
		t.Errorf("Stats() = %+v, want 2 frames and 1 parse error", stats)
	}
}

func TestBridge_AcksRouted(t *testing.T) {
	h := newHarness(t, -1)
	acks := &recordingAcks{}
	h.bridge.SetAckHandler(acks)

	h.transport.report(`{"print":{"command":"gcode_line","sequence_id":"7","result":"fail","reason":"busy"}}`)

	waitFor(t, "ack", func() bool { return acks.count() == 1 })
	acks.mu.Lock()
	got := acks.acks[0]
	acks.mu.Unlock()
	if got.Sequence != "7" || got.Result != "fail" {
		t.Errorf("ack = %+v", got)
	}
}

func TestBridge_SendSequencesRequests(t *testing.T) {
	h := newHarness(t, -1)

	first, err := h.bridge.Send(Pause())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	second, err := h.bridge.Send(Resume())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if first == second {
		t.Errorf("sequence ids repeat: %q", first)
	}

	h.transport.mu.Lock()
	msg := h.transport.published[0]
	h.transport.mu.Unlock()

	if msg.topic != RequestTopic(testSerial) {
		t.Errorf("topic = %q", msg.topic)
	}
	if gjson.GetBytes(msg.payload, "print.sequence_id").Str != first {
		t.Errorf("payload %s does not carry sequence %q", msg.payload, first)
	}
}

func TestBridge_SendFailure(t *testing.T) {
	h := newHarness(t, -1)
	h.transport.mu.Lock()
	h.transport.publishErr = mqtt.ErrNotConnected
	h.transport.mu.Unlock()

	_, err := h.bridge.Send(Stop())
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrSendFailed wrapping ErrNotConnected", err)
	}
	if h.bridge.Stats().SendErrors != 1 {
		t.Errorf("SendErrors = %d, want 1", h.bridge.Stats().SendErrors)
	}
}

func TestBridge_SendAfterStop(t *testing.T) {
	h := newHarness(t, -1)
	h.bridge.Stop()
	h.bridge.Stop()

	if _, err := h.bridge.Send(Pause()); !errors.Is(err, ErrBridgeStopped) {
		t.Errorf("Send() error = %v, want ErrBridgeStopped", err)
	}
}

func TestBridge_OnConnectRequestsFullSync(t *testing.T) {
	h := newHarness(t, -1)

	h.transport.mu.Lock()
	hook := h.transport.onConnect
	h.transport.mu.Unlock()
	if hook == nil {
		t.Fatal("OnConnect hook not registered")
	}
	hook()

	cmds := h.transport.commands()
	if len(cmds) != 2 || cmds[0] != "pushall" || cmds[1] != "get_version" {
		t.Errorf("commands = %v, want [pushall get_version]", cmds)
	}
}

func TestBridge_ConnectionStatusFrames(t *testing.T) {
	h := newHarness(t, -1)

	h.transport.status(mqtt.StatusConnecting)
	waitFor(t, "connecting", func() bool {
		return h.reconciler.Snapshot().ConnectionStatus == device.ConnectionConnecting
	})
	h.transport.status(mqtt.StatusConnected)
	waitFor(t, "connected", func() bool {
		return h.reconciler.Snapshot().ConnectionStatus == device.ConnectionConnected
	})
	h.transport.status(mqtt.StatusDisconnected)
	waitFor(t, "disconnected", func() bool {
		return h.reconciler.Snapshot().ConnectionStatus == device.ConnectionDisconnected
	})
}

func TestBridge_StaleWatchdog(t *testing.T) {
	h := newHarness(t, 30*time.Second)

	h.transport.status(mqtt.StatusConnected)
	waitFor(t, "connected", func() bool {
		return h.reconciler.Snapshot().ConnectionStatus == device.ConnectionConnected
	})

	deadline := time.Now().Add(2 * time.Second)
	for h.reconciler.Snapshot().ConnectionStatus != device.ConnectionDegraded {
		if time.Now().After(deadline) {
			t.Fatal("printer never marked degraded")
		}
		h.clock.Advance(time.Second)
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, "resync request", func() bool {
		return slices.Contains(h.transport.commands(), "pushall")
	})

	h.transport.report(`{"print":{"bed_temper":21}}`)
	waitFor(t, "recovery", func() bool {
		return h.reconciler.Snapshot().ConnectionStatus == device.ConnectionConnected
	})
	if h.bridge.Stats().Degraded == 0 {
		t.Error("Degraded counter not incremented")
	}
}
