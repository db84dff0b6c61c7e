package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for printbridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Printer    PrinterConfig    `yaml:"printer"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	FTPS       FTPSConfig       `yaml:"ftps"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Commands   CommandsConfig   `yaml:"commands"`
	Hub        HubConfig        `yaml:"hub"`
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// PrinterConfig identifies the printer on the LAN.
type PrinterConfig struct {
	Host       string `yaml:"host"`
	Serial     string `yaml:"serial"`
	AccessCode string `yaml:"access_code"`

	// Model selects the capability profile (X1C, X1E, P1S, P1P, A1, A1MINI, H2D).
	Model string `yaml:"model"`
}

// MQTTConfig contains the device MQTT session settings.
type MQTTConfig struct {
	Port               int                 `yaml:"port"`
	Username           string              `yaml:"username"`
	TLS                bool                `yaml:"tls"`
	InsecureSkipVerify bool                `yaml:"insecure_skip_verify"`
	ClientID           string              `yaml:"client_id"`
	QoS                int                 `yaml:"qos"`
	KeepAlive          time.Duration       `yaml:"keepalive"`
	ConnectTimeout     time.Duration       `yaml:"connect_timeout"`
	FrameBuffer        int                 `yaml:"frame_buffer"`
	Reconnect          MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTReconnectConfig contains reconnection backoff settings.
type MQTTReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`

	// Jitter is the fractional spread applied to each delay (0.2 = ±20%).
	Jitter float64 `yaml:"jitter"`
}

// FTPSConfig contains the implicit-TLS file channel settings.
type FTPSConfig struct {
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	UploadDir          string        `yaml:"upload_dir"`
	Timeout            time.Duration `yaml:"timeout"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// ReconcilerConfig tunes state folding.
type ReconcilerConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
	JobClearGrace  time.Duration `yaml:"job_clear_grace"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	TickInterval   time.Duration `yaml:"tick_interval"`
}

// CommandsConfig contains command translation settings.
type CommandsConfig struct {
	Deadline          time.Duration       `yaml:"deadline"`
	RetainResolved    time.Duration       `yaml:"retain_resolved"`
	NozzleOffUsesWait bool                `yaml:"nozzle_off_uses_wait"`
	Limits            TemperatureLimits   `yaml:"limits"`
	Macros            map[string][]string `yaml:"macros"`
}

// TemperatureLimits holds the maximum accepted target per heater zone.
type TemperatureLimits struct {
	BedMax     float64 `yaml:"bed_max"`
	NozzleMax  float64 `yaml:"nozzle_max"`
	ChamberMax float64 `yaml:"chamber_max"`
}

// HubConfig contains subscription hub settings.
type HubConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	TLS         TLSConfig        `yaml:"tls"`
	Timeouts    APITimeoutConfig `yaml:"timeouts"`
	CORS        CORSConfig       `yaml:"cors"`
	MaxUploadMB int              `yaml:"max_upload_mb"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// TelemetryConfig controls temperature sampling.
type TelemetryConfig struct {
	SampleInterval       time.Duration `yaml:"sample_interval"`
	TemperatureStoreSize int           `yaml:"temperature_store_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains API access settings.
type SecurityConfig struct {
	// APIKey, when set, is required on every API request (X-Api-Key header
	// or a oneshot token).
	APIKey      string          `yaml:"api_key"`
	TokenSecret string          `yaml:"token_secret"`
	OneshotTTL  time.Duration   `yaml:"oneshot_ttl"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. A .env file next to the config file, if present
//  3. YAML file values (override defaults)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: PRINTBRIDGE_SECTION_KEY
// For example: PRINTBRIDGE_PRINTER_HOST, PRINTBRIDGE_PRINTER_ACCESS_CODE
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	// Variables already set in the process environment win over the .env file.
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Printer: PrinterConfig{
			Model: "X1C",
		},
		MQTT: MQTTConfig{
			Port:               8883,
			Username:           "bblp",
			TLS:                true,
			InsecureSkipVerify: true,
			QoS:                0,
			KeepAlive:          60 * time.Second,
			ConnectTimeout:     10 * time.Second,
			FrameBuffer:        256,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Jitter:       0.2,
			},
		},
		FTPS: FTPSConfig{
			Port:               990,
			Username:           "bblp",
			UploadDir:          "/",
			Timeout:            30 * time.Second,
			CacheTTL:           30 * time.Second,
			InsecureSkipVerify: true,
		},
		Reconciler: ReconcilerConfig{
			DebounceWindow: 250 * time.Millisecond,
			JobClearGrace:  5 * time.Second,
			StaleAfter:     30 * time.Second,
			TickInterval:   50 * time.Millisecond,
		},
		Commands: CommandsConfig{
			Deadline:          10 * time.Second,
			RetainResolved:    5 * time.Minute,
			NozzleOffUsesWait: true,
			Limits: TemperatureLimits{
				BedMax:     120,
				NozzleMax:  300,
				ChamberMax: 60,
			},
		},
		Hub: HubConfig{
			QueueSize: 64,
		},
		Database: DatabaseConfig{
			Path:        "./data/printbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 7125,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 120,
				Idle:  60,
			},
			MaxUploadMB: 512,
		},
		WebSocket: WebSocketConfig{
			Path:           "/websocket",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Telemetry: TelemetryConfig{
			SampleInterval:       time.Second,
			TemperatureStoreSize: 1200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			OneshotTTL: 5 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PRINTBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Printer
	if v := os.Getenv("PRINTBRIDGE_PRINTER_HOST"); v != "" {
		cfg.Printer.Host = v
	}
	if v := os.Getenv("PRINTBRIDGE_PRINTER_SERIAL"); v != "" {
		cfg.Printer.Serial = v
	}
	if v := os.Getenv("PRINTBRIDGE_PRINTER_ACCESS_CODE"); v != "" {
		cfg.Printer.AccessCode = v
	}
	if v := os.Getenv("PRINTBRIDGE_PRINTER_MODEL"); v != "" {
		cfg.Printer.Model = v
	}

	// Database
	if v := os.Getenv("PRINTBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("PRINTBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PRINTBRIDGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("PRINTBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("PRINTBRIDGE_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("PRINTBRIDGE_TOKEN_SECRET"); v != "" {
		cfg.Security.TokenSecret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Printer validation
	if c.Printer.Host == "" {
		errs = append(errs, "printer.host is required")
	}
	if c.Printer.Serial == "" {
		errs = append(errs, "printer.serial is required")
	}
	if c.Printer.AccessCode == "" {
		errs = append(errs, "printer.access_code is required (set PRINTBRIDGE_PRINTER_ACCESS_CODE environment variable)")
	}

	// MQTT validation
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.InitialDelay <= 0 || c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect delays must be positive with max_delay >= initial_delay")
	}
	if c.MQTT.Reconnect.Jitter < 0 || c.MQTT.Reconnect.Jitter >= 1 {
		errs = append(errs, "mqtt.reconnect.jitter must be in [0, 1)")
	}

	// FTPS validation
	if c.FTPS.Port < 1 || c.FTPS.Port > 65535 {
		errs = append(errs, "ftps.port must be between 1 and 65535")
	}

	// Reconciler validation
	if c.Reconciler.DebounceWindow < 0 {
		errs = append(errs, "reconciler.debounce_window must not be negative")
	}
	if c.Reconciler.TickInterval <= 0 {
		errs = append(errs, "reconciler.tick_interval must be positive")
	}

	// Commands validation
	if c.Commands.Deadline <= 0 {
		errs = append(errs, "commands.deadline must be positive")
	}
	if c.Commands.Limits.BedMax <= 0 || c.Commands.Limits.NozzleMax <= 0 || c.Commands.Limits.ChamberMax <= 0 {
		errs = append(errs, "commands.limits must be positive")
	}

	if c.Hub.QueueSize < 1 {
		errs = append(errs, "hub.queue_size must be at least 1")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// A oneshot token is only as strong as the secret signing it.
	const minTokenSecretLength = 32
	if c.Security.TokenSecret != "" && len(c.Security.TokenSecret) < minTokenSecretLength {
		errs = append(errs, "security.token_secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
