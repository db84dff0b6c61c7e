// printbridge connects one Bambu Lab printer on the LAN to Moonraker-style
// clients.
//
// It holds the printer's MQTT report stream and FTPS file channel, folds
// reports into a single printer snapshot and serves that snapshot over a
// REST and JSON-RPC WebSocket API that Mainsail, Fluidd and scripts can use.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/printbridge/migrations"

	"github.com/nerrad567/printbridge/internal/api"
	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/device"
	"github.com/nerrad567/printbridge/internal/files"
	"github.com/nerrad567/printbridge/internal/history"
	"github.com/nerrad567/printbridge/internal/hub"
	"github.com/nerrad567/printbridge/internal/infrastructure/config"
	"github.com/nerrad567/printbridge/internal/infrastructure/database"
	"github.com/nerrad567/printbridge/internal/infrastructure/ftps"
	"github.com/nerrad567/printbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/printbridge/internal/infrastructure/logging"
	"github.com/nerrad567/printbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/printbridge/internal/metrics"
	"github.com/nerrad567/printbridge/internal/storage"
	"github.com/nerrad567/printbridge/internal/telemetry"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// Client namespaces created on first start so front-ends find them.
var defaultNamespaces = []string{"mainsail", "fluidd", "printbridge"}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled or a worker
// fails. Deferred closes run in reverse order of opening.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting printbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	clock := clockwork.NewRealClock()

	// Persistence
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := storage.New(db.DB, storage.Options{Clock: clock})
	if nsErr := store.EnsureNamespaces(ctx, defaultNamespaces...); nsErr != nil {
		return fmt.Errorf("creating database namespaces: %w", nsErr)
	}
	jobs := history.NewSQLiteRepository(db.DB)
	recorder := history.NewRecorder(history.RecorderOptions{
		Repository: jobs,
		Clock:      clock,
		Logger:     log.Component("history"),
	})

	// State pipeline: bridge -> reconciler -> hub -> subscribers
	reconciler := device.NewReconciler(device.ReconcilerOptions{
		Clock:          clock,
		DebounceWindow: cfg.Reconciler.DebounceWindow,
		JobClearGrace:  cfg.Reconciler.JobClearGrace,
		Logger:         log.Component("reconciler"),
	})
	stateHub := hub.New(reconciler, hub.Options{
		QueueSize: cfg.Hub.QueueSize,
		Logger:    log.Component("hub"),
	})
	defer stateHub.Close()
	reconciler.SetPublisher(stateHub)
	reconciler.AddObserver(recorder)

	collector := metrics.New()
	reconciler.AddObserver(collector)
	collector.RegisterHub(stateHub.Stats)

	// Printer session
	mqttClient, err := mqtt.Connect(ctx, cfg.Printer, cfg.MQTT,
		mqtt.WithClock(clock),
		mqtt.WithLogger(log.Component("mqtt")),
	)
	if err != nil {
		return fmt.Errorf("connecting to printer MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from printer MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnStatus(func(status mqtt.Status, statusErr error) {
		if statusErr != nil {
			log.Warn("printer MQTT status changed", "status", status.String(), "error", statusErr)
			return
		}
		log.Info("printer MQTT status changed", "status", status.String())
	})
	log.Info("printer MQTT session started",
		"host", cfg.Printer.Host,
		"port", cfg.MQTT.Port,
		"serial", cfg.Printer.Serial,
	)

	bridge, err := bambu.NewBridge(bambu.BridgeOptions{
		Serial:       cfg.Printer.Serial,
		Transport:    mqttClient,
		Reconciler:   reconciler,
		Clock:        clock,
		TickInterval: cfg.Reconciler.TickInterval,
		StaleAfter:   cfg.Reconciler.StaleAfter,
		QoS:          byte(cfg.MQTT.QoS),
		Logger:       log.Component("bambu"),
	})
	if err != nil {
		return fmt.Errorf("creating printer bridge: %w", err)
	}
	collector.RegisterBridge(bridge.Stats)

	macros, err := command.NewMacros(cfg.Commands.Macros)
	if err != nil {
		return fmt.Errorf("loading macros: %w", err)
	}
	caps := bambu.CapabilitiesFor(cfg.Printer.Model)
	if !bambu.Known(cfg.Printer.Model) {
		log.Warn("unknown printer model, using a conservative profile", "model", cfg.Printer.Model)
	}
	translator, err := command.NewTranslator(command.TranslatorOptions{
		Sender:       bridge,
		Source:       reconciler,
		Capabilities: caps,
		Limits: command.Limits{
			BedMax:     cfg.Commands.Limits.BedMax,
			NozzleMax:  cfg.Commands.Limits.NozzleMax,
			ChamberMax: cfg.Commands.Limits.ChamberMax,
		},
		Macros:            macros,
		Deadline:          cfg.Commands.Deadline,
		RetainResolved:    cfg.Commands.RetainResolved,
		NozzleOffUsesWait: cfg.Commands.NozzleOffUsesWait,
		FileRoot:          path.Join("/sdcard", cfg.FTPS.UploadDir),
		Clock:             clock,
		Logger:            log.Component("commands"),
	})
	if err != nil {
		return fmt.Errorf("creating command translator: %w", err)
	}
	translator.OnResolve(collector.CommandResolved)
	reconciler.AddObserver(translator)
	bridge.SetAckHandler(translator)

	// File channel
	ftpsClient, err := ftps.New(cfg.Printer, cfg.FTPS, ftps.WithLogger(log.Component("ftps")))
	if err != nil {
		return fmt.Errorf("creating FTPS client: %w", err)
	}
	defer func() {
		if closeErr := ftpsClient.Close(); closeErr != nil {
			log.Error("error closing FTPS", "error", closeErr)
		}
	}()
	fileStore, err := files.NewAdapter(files.Options{
		Backend:   ftpsClient,
		UploadDir: cfg.FTPS.UploadDir,
		CacheTTL:  cfg.FTPS.CacheTTL,
		Clock:     clock,
		Logger:    log.Component("files"),
	})
	if err != nil {
		return fmt.Errorf("creating file adapter: %w", err)
	}

	// Telemetry
	samplerOpts := telemetry.SamplerOptions{
		Source:   reconciler,
		Store:    telemetry.NewTemperatureStore(cfg.Telemetry.TemperatureStoreSize),
		Serial:   cfg.Printer.Serial,
		Interval: cfg.Telemetry.SampleInterval,
		Clock:    clock,
		Logger:   log.Component("telemetry"),
	}
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		samplerOpts.Sink = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}
	sampler := telemetry.NewSampler(samplerOpts)

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: database: %w", err)
	}

	// API
	apiServer, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Security:     cfg.Security,
		Printer:      cfg.Printer,
		Logger:       log.Component("api"),
		Hub:          stateHub,
		Commands:     translator,
		Files:        fileStore,
		History:      jobs,
		Database:     store,
		Temperatures: sampler.Store(),
		Metrics:      collector.Handler(),
		PanelDir:     os.Getenv("PRINTBRIDGE_PANEL_DIR"),
		Clock:        clock,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := bridge.Start(gctx); err != nil {
		return fmt.Errorf("starting printer bridge: %w", err)
	}
	if err := apiServer.Start(gctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting API server: %w", err)
	}

	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return translator.Run(gctx) })
	g.Go(func() error { return sampler.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("stopping printer bridge")
		bridge.Stop()
		return apiServer.Close()
	})

	log.Info("initialisation complete",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"model", caps.Model,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("printbridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PRINTBRIDGE_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if p := os.Getenv("PRINTBRIDGE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}
