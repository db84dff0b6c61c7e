package bambu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/device"
	"github.com/nerrad567/printbridge/internal/infrastructure/mqtt"
)

// Bridge defaults.
const (
	// defaultTickInterval drives debounce flushing and the stale watchdog.
	defaultTickInterval = 50 * time.Millisecond

	// defaultStaleAfter is how long a connected printer may stay silent
	// before it is marked degraded.
	defaultStaleAfter = 30 * time.Second
)

// Transport is the subset of *mqtt.Client the bridge uses.
// This allows mocking in tests.
type Transport interface {
	// Stream subscribes to topic and returns the inbound frame sequence.
	Stream(topic string) (<-chan mqtt.Frame, error)

	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// SetOnConnect registers a hook run after every (re)connect.
	SetOnConnect(callback func())
}

// AckHandler receives device acknowledgements of our requests.
type AckHandler interface {
	HandleAck(ack device.CommandAck)
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

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Serial is the printer serial number used in topics.
	Serial string

	// Transport is the MQTT session with the printer.
	Transport Transport

	// Reconciler receives every normalised event. The bridge is its only
	// writer.
	Reconciler *device.Reconciler

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// TickInterval defaults to 50ms.
	TickInterval time.Duration

	// StaleAfter defaults to 30s. Negative disables the watchdog.
	StaleAfter time.Duration

	// QoS for requests.
	QoS byte

	// Logger is optional structured logger.
	Logger Logger
}

// Stats counts bridge activity since start.
type Stats struct {
	Frames      uint64 `json:"frames"`
	ParseErrors uint64 `json:"parse_errors"`
	Acks        uint64 `json:"acks"`
	Sent        uint64 `json:"sent"`
	SendErrors  uint64 `json:"send_errors"`
	Degraded    uint64 `json:"degraded"`
}

// Bridge runs the ingestion loop between the printer session and the
// reconciler, and sends native requests.
//
// Thread Safety: All exported methods are safe for concurrent use. Only the
// ingestion goroutine started by Start touches the reconciler.
type Bridge struct {
	serial     string
	transport  Transport
	reconciler *device.Reconciler
	clock      clockwork.Clock
	tick       time.Duration
	staleAfter time.Duration
	qos        byte
	logger     Logger
	seq        Sequencer

	acks   AckHandler
	acksMu sync.RWMutex

	// Owned by the ingestion goroutine.
	session    device.ConnectionStatus
	lastReport time.Time

	frames      atomic.Uint64
	parseErrors atomic.Uint64
	ackCount    atomic.Uint64
	sent        atomic.Uint64
	sendErrors  atomic.Uint64
	degraded    atomic.Uint64

	started  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBridge creates a bridge. Call Start to begin ingestion.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Serial == "" {
		return nil, fmt.Errorf("printer serial is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Bridge{
		serial:     opts.Serial,
		transport:  opts.Transport,
		reconciler: opts.Reconciler,
		clock:      opts.Clock,
		tick:       opts.TickInterval,
		staleAfter: opts.StaleAfter,
		qos:        opts.QoS,
		logger:     opts.Logger,
		session:    device.ConnectionDisconnected,
		done:       make(chan struct{}),
	}, nil
}

// SetAckHandler registers the receiver of device acknowledgements.
func (b *Bridge) SetAckHandler(h AckHandler) {
	b.acksMu.Lock()
	b.acks = h
	b.acksMu.Unlock()
}

// Start subscribes to the report topic and launches the ingestion loop.
// It returns once the loop is running; the loop ends on Stop, on ctx
// cancellation or when the transport closes the stream.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already started")
	}

	b.transport.SetOnConnect(func() {
		if err := b.RequestFullSync(); err != nil {
			b.logger.Warn("initial sync request failed", "error", err)
		}
	})

	frames, err := b.transport.Stream(ReportTopic(b.serial))
	if err != nil {
		return fmt.Errorf("stream reports: %w", err)
	}

	b.wg.Add(1)
	go b.run(ctx, frames)

	b.logger.Info("bridge started", "serial", b.serial, "report_topic", ReportTopic(b.serial))
	return nil
}

// Stop ends the ingestion loop and waits for it to exit.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.logger.Info("bridge stopped")
	})
}

// Done is closed when Stop has been called.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Send publishes msg with a fresh sequence id and returns that id.
func (b *Bridge) Send(msg Message) (string, error) {
	select {
	case <-b.done:
		return "", ErrBridgeStopped
	default:
	}

	seq := b.seq.Next()
	payload, err := msg.Marshal(seq)
	if err != nil {
		return "", err
	}

	if err := b.transport.Publish(RequestTopic(b.serial), payload, b.qos, false); err != nil {
		b.sendErrors.Add(1)
		return "", fmt.Errorf("%w: %s.%s: %w", ErrSendFailed, msg.Family, msg.Command(), err)
	}

	b.sent.Add(1)
	b.logger.Debug("request sent", "family", msg.Family, "command", msg.Command(), "sequence_id", seq)
	return seq, nil
}

// RequestFullSync asks the printer for a complete report and its versions.
func (b *Bridge) RequestFullSync() error {
	var errs []error
	for _, msg := range InitialSync() {
		if _, err := b.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns activity counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Frames:      b.frames.Load(),
		ParseErrors: b.parseErrors.Load(),
		Acks:        b.ackCount.Load(),
		Sent:        b.sent.Load(),
		SendErrors:  b.sendErrors.Load(),
		Degraded:    b.degraded.Load(),
	}
}

func (b *Bridge) run(ctx context.Context, frames <-chan mqtt.Frame) {
	defer b.wg.Done()

	ticker := b.clock.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case f, ok := <-frames:
			if !ok {
				b.logger.Info("report stream closed")
				return
			}
			b.handleFrame(f)
		case <-ticker.Chan():
			b.handleTick()
		}
	}
}

func (b *Bridge) handleFrame(f mqtt.Frame) {
	if f.StatusChange {
		b.handleStatus(f)
		return
	}

	b.frames.Add(1)
	ev, err := Normalize(f.Payload, f.ReceivedAt)
	if err != nil {
		b.parseErrors.Add(1)
		b.logger.Warn("discarding unparsable report", "topic", f.Topic, "error", err)
		return
	}

	b.lastReport = b.clock.Now()
	if b.session == device.ConnectionDegraded {
		b.setSession(device.ConnectionConnected, f.ReceivedAt)
		b.logger.Info("printer reports resumed")
	}

	b.reconciler.Apply(ev)

	if ev.Ack != nil {
		b.ackCount.Add(1)
		if !ev.Ack.Succeeded() {
			b.logger.Warn("printer rejected request",
				"command", ev.Ack.Command,
				"sequence_id", ev.Ack.Sequence,
				"reason", ev.Ack.Reason)
		}
		b.acksMu.RLock()
		h := b.acks
		b.acksMu.RUnlock()
		if h != nil {
			h.HandleAck(*ev.Ack)
		}
	}
}

func (b *Bridge) handleStatus(f mqtt.Frame) {
	var status device.ConnectionStatus
	switch f.Status {
	case mqtt.StatusConnected:
		status = device.ConnectionConnected
		b.lastReport = b.clock.Now()
	case mqtt.StatusConnecting:
		status = device.ConnectionConnecting
	default:
		status = device.ConnectionDisconnected
	}
	if f.Err != nil {
		b.logger.Warn("printer session changed", "status", status, "error", f.Err)
	}
	b.setSession(status, f.ReceivedAt)
}

func (b *Bridge) setSession(status device.ConnectionStatus, at time.Time) {
	b.session = status
	b.reconciler.Apply(device.ConnectionEvent(status, at))
}

func (b *Bridge) handleTick() {
	b.reconciler.Tick()

	if b.staleAfter < 0 {
		return
	}
	if b.session != device.ConnectionConnected && b.session != device.ConnectionDegraded {
		return
	}
	now := b.clock.Now()
	if now.Sub(b.lastReport) < b.staleAfter {
		return
	}

	if b.session == device.ConnectionConnected {
		b.degraded.Add(1)
		b.logger.Warn("no report from printer, marking degraded", "silent_for", now.Sub(b.lastReport))
		b.setSession(device.ConnectionDegraded, now)
	}
	// Retry the full sync once per stale period while silent.
	b.lastReport = now

	// Publishing waits on the broker; keep it off the ingestion loop.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.RequestFullSync(); err != nil {
			b.logger.Warn("resync request failed", "error", err)
		}
	}()
}
