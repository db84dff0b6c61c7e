// Package api provides the HTTP REST API and WebSocket server for printbridge.
//
// It exposes the printer snapshot, command submission and the
// Moonraker-compatible surface used by Mainsail, Fluidd and similar clients.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/files"
	"github.com/nerrad567/printbridge/internal/history"
	"github.com/nerrad567/printbridge/internal/hub"
	"github.com/nerrad567/printbridge/internal/infrastructure/config"
	"github.com/nerrad567/printbridge/internal/infrastructure/logging"
	"github.com/nerrad567/printbridge/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Commander submits and tracks printer commands. *command.Translator
// satisfies it.
type Commander interface {
	Submit(ctx context.Context, req command.Request) (command.Pending, error)
	Get(id string) (command.Pending, error)
	InFlight() []command.Pending
	Recent() []command.Pending
	Capabilities() bambu.Capabilities
	Limits() command.Limits
	Macros() *command.Macros
}

// FileStore is the printer storage. *files.Adapter satisfies it.
type FileStore interface {
	List(ctx context.Context, dir string) ([]files.Entry, error)
	Upload(ctx context.Context, name string, data []byte) (files.FileRef, error)
	Delete(ctx context.Context, name string) error
}

// NamespaceStore is the client key/value database. *storage.Store
// satisfies it.
type NamespaceStore interface {
	Namespaces(ctx context.Context) ([]string, error)
	Get(ctx context.Context, namespace, key string) (json.RawMessage, error)
	Post(ctx context.Context, namespace, key string, value json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, namespace, key string) (json.RawMessage, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Printer  config.PrinterConfig
	Logger   *logging.Logger

	// Hub supplies snapshots and change-sets. Required.
	Hub *hub.Hub

	// Commands is required.
	Commands Commander

	// Optional components. Routes backed by a missing component answer 503.
	Files        FileStore
	History      history.Repository
	Database     NamespaceStore
	Temperatures *telemetry.TemperatureStore
	Metrics      http.Handler

	// PanelDir serves the status panel from disk instead of the embedded copy.
	PanelDir string

	Clock   clockwork.Clock
	Version string
}

// Server is the HTTP API server for printbridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket clients.
// The server is created with New() and started with Start().
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	secCfg       config.SecurityConfig
	printer      config.PrinterConfig
	logger       *logging.Logger
	hub          *hub.Hub
	commands     Commander
	files        FileStore
	history      history.Repository
	database     NamespaceStore
	temperatures *telemetry.TemperatureStore
	metrics      http.Handler
	panelDir     string
	clock        clockwork.Clock
	version      string
	startTime    time.Time

	tokens  *tokenStore
	limiter *clientLimiter
	ws      *wsHub
	methods map[string]operation

	mu     sync.Mutex
	ctx    context.Context
	server *http.Server
	cancel context.CancelFunc // cancels background goroutines on Close()
	wg     sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("commander is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	secret := []byte(deps.Security.TokenSecret)
	if len(secret) == 0 {
		// Tokens only need to survive this process.
		secret = make([]byte, 32)
		//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
		rand.Read(secret)
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		secCfg:       deps.Security,
		printer:      deps.Printer,
		logger:       deps.Logger,
		hub:          deps.Hub,
		commands:     deps.Commands,
		files:        deps.Files,
		history:      deps.History,
		database:     deps.Database,
		temperatures: deps.Temperatures,
		metrics:      deps.Metrics,
		panelDir:     deps.PanelDir,
		clock:        deps.Clock,
		version:      deps.Version,
		startTime:    deps.Clock.Now(),
		tokens:       newTokenStore(secret, deps.Security.OneshotTTL, deps.Clock),
		limiter:      newClientLimiter(deps.Security.RateLimit, deps.Clock),
		ctx:          context.Background(),
	}
	s.ws = newWSHub(s.logger)
	s.methods = s.rpcMethods()
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It launches the state relay that feeds WebSocket notifications, the token
// and limiter janitors, and the HTTP listener in a background goroutine. The
// server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.ctx = srvCtx

	s.startBackground(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", srv.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// startBackground launches the goroutines that serve WebSocket clients.
func (s *Server) startBackground(ctx context.Context) {
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.relayState(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.tokens.cleanLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.limiter.cleanLoop(ctx)
	}()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Cancel background goroutines (relay, janitors)
	if cancel != nil {
		cancel()
	}
	s.ws.closeAll()

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// baseContext is the lifetime of work started outside a request, such as
// WebSocket calls.
func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// eventTime is the Moonraker event clock: seconds since the server started.
func (s *Server) eventTime() float64 {
	return s.clock.Since(s.startTime).Seconds()
}
