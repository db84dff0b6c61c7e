package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is used when the config leaves connect_timeout unset.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is used when the config leaves keepalive unset.
	defaultKeepAlive = 60 * time.Second

	// defaultFrameBuffer is the stream channel capacity when unset.
	defaultFrameBuffer = 256

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// clientIDPrefix prefixes generated client identifiers.
	clientIDPrefix = "printbridge-"
)

// Option customises a Client at Connect time.
type Option func(*Client)

// WithClock replaces the wall clock used for backoff delays.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger sets the logger before the supervisor starts.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// withClientFactory swaps the paho constructor. Tests use it to inject a fake session.
func withClientFactory(factory func(*pahomqtt.ClientOptions) pahomqtt.Client) Option {
	return func(c *Client) {
		c.newClient = factory
	}
}

// clientID returns the configured id or a generated one. The device allows a
// single id per session, so the generated id is fixed for the process lifetime.
func clientID(cfg config.MQTTConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return clientIDPrefix + uuid.NewString()[:8]
}

// buildClientOptions creates paho MQTT options for the printer session.
//
// This configures:
//   - Broker URL (ssl:// on the device port when TLS is enabled)
//   - Client ID for identification
//   - Username and access code as credentials
//   - TLS with optional certificate verification skip (device certs are self-signed)
//   - Clean session mode
//
// Paho's own reconnect logic is disabled. The supervisor owns reconnection so
// that backoff, subscription restore and the initial sync happen in one place.
func buildClientOptions(printer config.PrinterConfig, cfg config.MQTTConfig, id string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, printer.Host, cfg.Port))

	opts.SetClientID(id)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(printer.AccessCode)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tlsMinVersion,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // printer ships a self-signed certificate
		})
	}

	return opts
}
