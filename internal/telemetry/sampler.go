package telemetry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/device"
)

const defaultSampleInterval = time.Second

// Source provides the current printer snapshot.
type Source interface {
	Snapshot() *device.State
}

// Sink receives telemetry points. *influxdb.Client implements it.
type Sink interface {
	WriteTemperature(serial, zone string, currentC, targetC float64, at time.Time)
	WriteFan(serial, fan string, duty int, at time.Time)
	WriteJob(serial, status, filename string, progress float64, layer, totalLayers int, at time.Time)
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

// SamplerOptions configures a Sampler.
type SamplerOptions struct {
	Source Source
	Store  *TemperatureStore

	// Sink is optional; nil keeps history in memory only.
	Sink Sink

	// Serial tags every exported point.
	Serial string

	// Interval defaults to one second.
	Interval time.Duration

	Clock  clockwork.Clock
	Logger Logger
}

// Sampler snapshots the printer at a fixed rate into the temperature store
// and, when configured, the time-series sink.
type Sampler struct {
	source   Source
	store    *TemperatureStore
	sink     Sink
	serial   string
	interval time.Duration
	clock    clockwork.Clock
	logger   Logger
}

// NewSampler creates a sampler. Call Run to start it.
func NewSampler(opts SamplerOptions) *Sampler {
	if opts.Store == nil {
		opts.Store = NewTemperatureStore(DefaultStoreSize)
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSampleInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Sampler{
		source:   opts.Source,
		store:    opts.Store,
		sink:     opts.Sink,
		serial:   opts.Serial,
		interval: opts.Interval,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// Store returns the temperature store being filled.
func (s *Sampler) Store() *TemperatureStore {
	return s.store
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("telemetry sampler started", "interval", s.interval, "export", s.sink != nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.Sample()
		}
	}
}

// Sample takes one sample now.
//
// History is recorded whatever the connection state, so the series stays
// evenly spaced. Points are only exported while the printer is connected.
func (s *Sampler) Sample() {
	snap := s.source.Snapshot()
	if snap == nil {
		return
	}
	s.store.Record(snap.Temperatures)

	if s.sink == nil || snap.ConnectionStatus != device.ConnectionConnected {
		return
	}
	at := s.clock.Now()
	for _, z := range device.Zones() {
		t := snap.Temperatures[z]
		s.sink.WriteTemperature(s.serial, string(z), t.CurrentC, t.TargetC, at)
	}
	for _, f := range device.Fans() {
		s.sink.WriteFan(s.serial, string(f), snap.Fans[f], at)
	}
	if job := snap.Job; job != nil {
		s.sink.WriteJob(s.serial, string(snap.PrintStatus), job.Filename, job.ProgressPercent, job.CurrentLayer, job.TotalLayers, at)
	}
}
