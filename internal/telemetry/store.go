package telemetry

import (
	"sync"

	"github.com/nerrad567/printbridge/internal/device"
)

// DefaultStoreSize keeps twenty minutes of history at one sample per second.
const DefaultStoreSize = 1200

// Series is the recorded history of one zone, oldest first.
type Series struct {
	Temperatures []float64 `json:"temperatures"`
	Targets      []float64 `json:"targets"`
}

// ring is a fixed-capacity buffer that overwrites its oldest value.
type ring struct {
	values []float64
	next   int
	full   bool
}

func newRing(size int) *ring {
	return &ring{values: make([]float64, size)}
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.values)
	}
	return r.next
}

// tail copies up to n of the newest values, oldest first. n <= 0 means all.
func (r *ring) tail(n int) []float64 {
	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]float64, n)
	start := r.next - n
	if start < 0 {
		start += len(r.values)
	}
	for i := range out {
		out[i] = r.values[(start+i)%len(r.values)]
	}
	return out
}

type zoneHistory struct {
	temperatures *ring
	targets      *ring
}

// TemperatureStore keeps a bounded history of every zone's readings.
// It is safe for concurrent use.
type TemperatureStore struct {
	mu    sync.RWMutex
	size  int
	zones map[device.Zone]*zoneHistory
}

// NewTemperatureStore creates a store holding size samples per zone.
func NewTemperatureStore(size int) *TemperatureStore {
	if size <= 0 {
		size = DefaultStoreSize
	}
	s := &TemperatureStore{size: size, zones: make(map[device.Zone]*zoneHistory, 3)}
	for _, z := range device.Zones() {
		s.zones[z] = &zoneHistory{temperatures: newRing(size), targets: newRing(size)}
	}
	return s
}

// Size returns the capacity per zone.
func (s *TemperatureStore) Size() int {
	return s.size
}

// Record appends one sample of every zone in the snapshot.
func (s *TemperatureStore) Record(temps map[device.Zone]device.Temperature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for z, h := range s.zones {
		t, ok := temps[z]
		if !ok {
			continue
		}
		h.temperatures.add(t.CurrentC)
		h.targets.add(t.TargetC)
	}
}

// Len returns how many samples are held for zone.
func (s *TemperatureStore) Len(z device.Zone) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.zones[z]
	if !ok {
		return 0
	}
	return h.temperatures.len()
}

// History returns up to the last n samples of every zone. n <= 0 returns
// everything held.
func (s *TemperatureStore) History(n int) map[device.Zone]Series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[device.Zone]Series, len(s.zones))
	for z, h := range s.zones {
		out[z] = Series{
			Temperatures: h.temperatures.tail(n),
			Targets:      h.targets.tail(n),
		}
	}
	return out
}
