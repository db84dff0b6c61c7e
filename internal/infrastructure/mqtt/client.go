package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/infrastructure/config"
)

// Status is the logical session state reported by the supervisor.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client owns the single logical MQTT session with one printer.
//
// A supervisor goroutine connects, restores subscriptions after every
// reconnect and retries with exponential backoff. Connect returns as soon as
// the supervisor is running; an unreachable printer is reported through
// status transitions, not as a startup error.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	client    pahomqtt.Client
	options   *pahomqtt.ClientOptions
	cfg       config.MQTTConfig
	clock     clockwork.Clock
	backoff   *Backoff
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	status Status
	connMu sync.RWMutex

	// lost receives connection-lost notifications from paho.
	lost chan error

	// frames carries data and status frames to the single stream consumer.
	frames    chan Frame
	streaming bool
	closed    bool
	streamMu  sync.RWMutex

	onConnect  func()
	onStatus   func(Status, error)
	callbackMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked by the paho router goroutine and should not block
// for extended periods.
type MessageHandler func(topic string, payload []byte) error

// Connect starts the supervised session with the printer.
//
// It performs the following setup:
//  1. Validates the host and port
//  2. Builds connection options (TLS, username, access code)
//  3. Starts the supervisor goroutine, which connects in the background
//
// The returned client is usable immediately: Subscribe and Stream record
// their topics and are applied as soon as the session comes up.
func Connect(ctx context.Context, printer config.PrinterConfig, cfg config.MQTTConfig, opts ...Option) (*Client, error) {
	if printer.Host == "" {
		return nil, fmt.Errorf("%w: printer host is required", ErrConnectionFailed)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrConnectionFailed, cfg.Port)
	}

	frameBuffer := cfg.FrameBuffer
	if frameBuffer <= 0 {
		frameBuffer = defaultFrameBuffer
	}

	c := &Client{
		cfg:           cfg,
		clock:         clockwork.NewRealClock(),
		newClient:     pahomqtt.NewClient,
		subscriptions: make(map[string]subscription),
		lost:          make(chan error, 1),
		frames:        make(chan Frame, frameBuffer),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.backoff = NewBackoff(cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.Jitter)
	c.options = buildClientOptions(printer, cfg, clientID(cfg))
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})
	c.client = c.newClient(c.options)

	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.supervise()

	return c, nil
}

// supervise runs the connect / wait-for-loss / back-off loop until Close.
func (c *Client) supervise() {
	defer close(c.done)

	for {
		c.setStatus(StatusConnecting, nil)

		if err := c.connectOnce(); err != nil {
			c.setStatus(StatusDisconnected, err)
			if logger := c.getLogger(); logger != nil {
				logger.Warn("mqtt connect failed", "error", err, "attempt", c.backoff.Attempt()+1)
			}
		} else {
			c.backoff.Reset()
			c.markConnected()
			c.fireOnConnect()

			select {
			case err := <-c.lost:
				c.setStatus(StatusDisconnected, err)
				if logger := c.getLogger(); logger != nil {
					logger.Warn("mqtt connection lost", "error", err)
				}
			case <-c.ctx.Done():
				return
			}
		}

		delay := c.backoff.Next()
		select {
		case <-c.clock.After(delay):
		case <-c.ctx.Done():
			return
		}
	}
}

// connectOnce makes a single connection attempt bounded by the connect timeout.
func (c *Client) connectOnce() error {
	// Drop a stale loss notification from the previous session.
	select {
	case <-c.lost:
	default:
	}

	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// handleConnectionLost is called by paho when an established session drops.
func (c *Client) handleConnectionLost(err error) {
	if err == nil {
		err = ErrNotConnected
	}
	select {
	case c.lost <- err:
	default:
	}
}

// markConnected restores subscriptions and flips the status while holding
// the subscription lock, so a concurrent Subscribe is either restored here or
// sees the session as connected and subscribes itself.
func (c *Client) markConnected() {
	c.subMu.Lock()
	c.restoreSubscriptionsLocked()
	changed := c.storeStatus(StatusConnected)
	c.subMu.Unlock()

	if changed {
		c.announce(StatusConnected, nil)
	}
}

// setStatus records a transition and announces it.
func (c *Client) setStatus(s Status, err error) {
	if c.storeStatus(s) {
		c.announce(s, err)
	}
}

func (c *Client) storeStatus(s Status) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	changed := c.status != s
	c.status = s
	return changed
}

// announce notifies the status hook and emits a synthetic frame so the
// stream consumer sees the transition in order with data.
func (c *Client) announce(s Status, err error) {
	c.callbackMu.RLock()
	callback := c.onStatus
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(s, err)
	}

	c.emit(Frame{
		ReceivedAt:   c.clock.Now(),
		StatusChange: true,
		Status:       s,
		Err:          err,
	})
}

func (c *Client) fireOnConnect() {
	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// restoreSubscriptionsLocked re-subscribes to all tracked topics after
// reconnect. The caller holds subMu.
func (c *Client) restoreSubscriptionsLocked() {
	for _, sub := range c.subscriptions {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		if !token.WaitTimeout(defaultPublishTimeout) || token.Error() != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("mqtt resubscribe failed", "topic", sub.topic, "error", token.Error())
			}
		}
	}
}

// Close stops the supervisor, disconnects and ends the frame stream.
//
// Close is idempotent.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done

		if c.client.IsConnected() {
			c.client.Disconnect(defaultDisconnectQuiesce)
		}

		c.connMu.Lock()
		c.status = StatusDisconnected
		c.connMu.Unlock()

		c.streamMu.Lock()
		c.closed = true
		close(c.frames)
		c.streamMu.Unlock()
	})

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected && c.client.IsConnected()
}

// Status returns the last status set by the supervisor.
func (c *Client) Status() Status {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.status
}

// SetOnConnect sets a callback invoked after every successful (re)connect,
// once subscriptions are restored. The bridge uses it to request a full sync.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnStatus sets a callback invoked on every status transition.
func (c *Client) SetOnStatus(callback func(Status, error)) {
	c.callbackMu.Lock()
	c.onStatus = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}

// now is used by handlers to stamp frames.
func (c *Client) now() time.Time {
	return c.clock.Now()
}
