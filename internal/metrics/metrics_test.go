package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/device"
	"github.com/nerrad567/printbridge/internal/hub"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func printingState() *device.State {
	s := device.NewState()
	s.ConnectionStatus = device.ConnectionConnected
	s.PrintStatus = device.PrintPrinting
	s.Temperatures[device.ZoneNozzle] = device.Temperature{CurrentC: 219.5, TargetC: 220}
	s.Fans[device.FanPart] = 128
	s.Lights[device.LightChamber] = true
	s.Job = &device.Job{Filename: "benchy.gcode", ProgressPercent: 42, CurrentLayer: 12}
	s.Revision = 7
	return s
}

func changed() device.ChangeSet {
	return device.ChangeSet{Revision: 7, At: t0, Changes: []device.Change{{Path: device.PathPrintStatus, Value: device.PrintPrinting}}}
}

func TestCollector_ObserveSetsGauges(t *testing.T) {
	c := New()
	c.Observe(changed(), printingState())

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"nozzle current", testutil.ToFloat64(c.temperature.WithLabelValues("nozzle", "current")), 219.5},
		{"nozzle target", testutil.ToFloat64(c.temperature.WithLabelValues("nozzle", "target")), 220},
		{"part fan", testutil.ToFloat64(c.fanDuty.WithLabelValues("part")), 128},
		{"chamber light", testutil.ToFloat64(c.light.WithLabelValues("chamber_light")), 1},
		{"work light", testutil.ToFloat64(c.light.WithLabelValues("work_light")), 0},
		{"printing", testutil.ToFloat64(c.printStatus.WithLabelValues("printing")), 1},
		{"ready", testutil.ToFloat64(c.printStatus.WithLabelValues("ready")), 0},
		{"connected", testutil.ToFloat64(c.connection.WithLabelValues("connected")), 1},
		{"progress", testutil.ToFloat64(c.jobProgress), 42},
		{"layer", testutil.ToFloat64(c.jobLayer), 12},
		{"revision", testutil.ToFloat64(c.revision), 7},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestCollector_JobClearedResetsProgress(t *testing.T) {
	c := New()
	c.Observe(changed(), printingState())

	idle := printingState()
	idle.PrintStatus = device.PrintComplete
	idle.Job = nil
	c.Observe(changed(), idle)

	if got := testutil.ToFloat64(c.jobProgress); got != 0 {
		t.Errorf("progress = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.printStatus.WithLabelValues("printing")); got != 0 {
		t.Errorf("printing = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.printStatus.WithLabelValues("complete")); got != 1 {
		t.Errorf("complete = %v, want 1", got)
	}
}

func TestCollector_ObserveIgnoresEmpty(t *testing.T) {
	c := New()
	c.Observe(device.ChangeSet{}, printingState())
	c.Observe(changed(), nil)

	if got := testutil.ToFloat64(c.revision); got != 0 {
		t.Errorf("revision = %v, want untouched", got)
	}
}

func TestCollector_CommandResolved(t *testing.T) {
	c := New()

	c.CommandResolved(command.Pending{Kind: command.KindSetFan, Status: command.StatusAcknowledged, SubmittedAt: t0, ResolvedAt: t0.Add(300 * time.Millisecond)})
	c.CommandResolved(command.Pending{Kind: command.KindSetFan, Status: command.StatusAcknowledged, SubmittedAt: t0, ResolvedAt: t0.Add(time.Second)})
	c.CommandResolved(command.Pending{Kind: command.KindPause, Status: command.StatusTimedOut, SubmittedAt: t0, ResolvedAt: t0.Add(10 * time.Second)})

	if got := testutil.ToFloat64(c.commands.WithLabelValues("set_fan", "acknowledged")); got != 2 {
		t.Errorf("set_fan acknowledged = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.commands.WithLabelValues("pause", "timed_out")); got != 1 {
		t.Errorf("pause timed_out = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.commandLatency); n != 1 {
		t.Errorf("latency series = %d, want 1 (acknowledged kinds only)", n)
	}
}

func TestCollector_HandlerExposesRegisteredStats(t *testing.T) {
	c := New()
	c.RegisterBridge(func() bambu.Stats { return bambu.Stats{Frames: 1024, ParseErrors: 3} })
	c.RegisterHub(func() hub.Stats { return hub.Stats{Subscribers: 2, Overflows: 1} })
	c.Observe(changed(), printingState())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	for _, want := range []string{
		"printbridge_bridge_frames_total 1024",
		"printbridge_bridge_parse_errors_total 3",
		"printbridge_hub_subscribers 2",
		"printbridge_hub_overflows_total 1",
		`printbridge_fan_duty{fan="part"} 128`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
