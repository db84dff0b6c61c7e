package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/device"
	"github.com/nerrad567/printbridge/internal/hub"
)

const namespace = "printbridge"

var (
	printStatuses = []device.PrintStatus{
		device.PrintUnknown, device.PrintReady, device.PrintPreparing, device.PrintPrinting,
		device.PrintPaused, device.PrintComplete, device.PrintError, device.PrintCancelled,
	}
	connectionStatuses = []device.ConnectionStatus{
		device.ConnectionDisconnected, device.ConnectionConnecting,
		device.ConnectionConnected, device.ConnectionDegraded,
	}
)

// Collector exposes printer state and bridge activity as Prometheus metrics.
//
// It observes the reconciler for state gauges and the translator for
// command outcomes. Each Collector owns its registry.
type Collector struct {
	registry *prometheus.Registry

	temperature *prometheus.GaugeVec
	fanDuty     *prometheus.GaugeVec
	light       *prometheus.GaugeVec
	printStatus *prometheus.GaugeVec
	connection  *prometheus.GaugeVec
	jobProgress prometheus.Gauge
	jobLayer    prometheus.Gauge
	revision    prometheus.Gauge

	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
}

// New creates a collector with Go runtime and process metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		temperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "temperature_celsius",
				Help:      "Zone temperature in Celsius (kind is current or target)",
			},
			[]string{"zone", "kind"},
		),
		fanDuty: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fan_duty",
				Help:      "Fan duty, 0-255",
			},
			[]string{"fan"},
		),
		light: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "light_on",
				Help:      "Light state (1=on, 0=off)",
			},
			[]string{"light"},
		),
		printStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "print_status",
				Help:      "1 for the current print status, 0 for the others",
			},
			[]string{"status"},
		),
		connection: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_status",
				Help:      "1 for the current printer connection status, 0 for the others",
			},
			[]string{"status"},
		),
		jobProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_progress_percent",
			Help:      "Progress of the print in progress, 0 when idle",
		}),
		jobLayer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_layer",
			Help:      "Current layer of the print in progress, 0 when idle",
		}),
		revision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_revision",
			Help:      "Revision of the printer state snapshot",
		}),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_resolved_total",
				Help:      "Commands by kind and final status",
			},
			[]string{"kind", "status"},
		),
		commandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_ack_seconds",
				Help:      "Time from submission to observed effect for acknowledged commands",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind"},
		),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.temperature,
		c.fanDuty,
		c.light,
		c.printStatus,
		c.connection,
		c.jobProgress,
		c.jobLayer,
		c.revision,
		c.commands,
		c.commandLatency,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe implements device.Observer. Gauges are set from the snapshot, so a
// change-set only decides whether there is anything to do.
func (c *Collector) Observe(cs device.ChangeSet, snapshot *device.State) {
	if snapshot == nil || cs.Empty() {
		return
	}

	for z, t := range snapshot.Temperatures {
		c.temperature.WithLabelValues(string(z), "current").Set(t.CurrentC)
		c.temperature.WithLabelValues(string(z), "target").Set(t.TargetC)
	}
	for f, duty := range snapshot.Fans {
		c.fanDuty.WithLabelValues(string(f)).Set(float64(duty))
	}
	for l, on := range snapshot.Lights {
		c.light.WithLabelValues(string(l)).Set(boolValue(on))
	}
	for _, s := range printStatuses {
		c.printStatus.WithLabelValues(string(s)).Set(boolValue(s == snapshot.PrintStatus))
	}
	for _, s := range connectionStatuses {
		c.connection.WithLabelValues(string(s)).Set(boolValue(s == snapshot.ConnectionStatus))
	}

	if job := snapshot.Job; job != nil {
		c.jobProgress.Set(job.ProgressPercent)
		c.jobLayer.Set(float64(job.CurrentLayer))
	} else {
		c.jobProgress.Set(0)
		c.jobLayer.Set(0)
	}
	c.revision.Set(float64(snapshot.Revision))
}

// CommandResolved records a resolved command. Register it with
// Translator.OnResolve.
func (c *Collector) CommandResolved(p command.Pending) {
	c.commands.WithLabelValues(string(p.Kind), string(p.Status)).Inc()
	if p.Status == command.StatusAcknowledged && !p.ResolvedAt.IsZero() {
		c.commandLatency.WithLabelValues(string(p.Kind)).Observe(p.ResolvedAt.Sub(p.SubmittedAt).Seconds())
	}
}

// RegisterBridge exposes the bridge activity counters.
func (c *Collector) RegisterBridge(stats func() bambu.Stats) {
	counter := func(name, help string, get func(bambu.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(stats())) })
	}
	c.registry.MustRegister(
		counter("frames_total", "Report frames received", func(s bambu.Stats) uint64 { return s.Frames }),
		counter("parse_errors_total", "Report frames discarded as unparsable", func(s bambu.Stats) uint64 { return s.ParseErrors }),
		counter("acks_total", "Request acknowledgements received", func(s bambu.Stats) uint64 { return s.Acks }),
		counter("requests_sent_total", "Requests published to the printer", func(s bambu.Stats) uint64 { return s.Sent }),
		counter("send_errors_total", "Requests that failed to publish", func(s bambu.Stats) uint64 { return s.SendErrors }),
		counter("degraded_total", "Times the printer went silent while connected", func(s bambu.Stats) uint64 { return s.Degraded }),
	)
}

// RegisterHub exposes subscription hub activity.
func (c *Collector) RegisterHub(stats func() hub.Stats) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Active change-set subscribers",
		}, func() float64 { return float64(stats().Subscribers) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "overflows_total",
			Help:      "Subscriber queues dropped for a resync",
		}, func() float64 { return float64(stats().Overflows) }),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
