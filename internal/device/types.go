package device

import (
	"maps"
	"time"
)

// ConnectionStatus is the state of the session with the printer.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"

	// ConnectionDegraded means the session is up but reports have stopped.
	ConnectionDegraded ConnectionStatus = "degraded"
)

// PrintStatus is the abstract print state.
type PrintStatus string

const (
	PrintUnknown   PrintStatus = "unknown"
	PrintReady     PrintStatus = "ready"
	PrintPreparing PrintStatus = "preparing"
	PrintPrinting  PrintStatus = "printing"
	PrintPaused    PrintStatus = "paused"
	PrintComplete  PrintStatus = "complete"
	PrintError     PrintStatus = "error"
	PrintCancelled PrintStatus = "cancelled"
)

// Active reports whether a job is in progress in this state.
func (s PrintStatus) Active() bool {
	return s == PrintPreparing || s == PrintPrinting || s == PrintPaused
}

// Terminal reports whether this state ends a job.
func (s PrintStatus) Terminal() bool {
	return s == PrintComplete || s == PrintError || s == PrintCancelled
}

// Zone identifies a temperature zone.
type Zone string

const (
	ZoneBed     Zone = "bed"
	ZoneNozzle  Zone = "nozzle"
	ZoneChamber Zone = "chamber"
)

// Zones lists every zone present in a snapshot.
func Zones() []Zone {
	return []Zone{ZoneBed, ZoneNozzle, ZoneChamber}
}

// FanID identifies a fan.
type FanID string

const (
	FanPart    FanID = "part"
	FanAux     FanID = "aux"
	FanChamber FanID = "chamber"
)

// Fans lists every fan present in a snapshot.
func Fans() []FanID {
	return []FanID{FanPart, FanAux, FanChamber}
}

// LightID identifies a light.
type LightID string

const (
	LightChamber LightID = "chamber_light"
	LightWork    LightID = "work_light"
)

// Lights lists every light present in a snapshot.
func Lights() []LightID {
	return []LightID{LightChamber, LightWork}
}

// MaxFanDuty is the top of the fan duty range.
const MaxFanDuty = 255

// Temperature is the reading for one zone.
type Temperature struct {
	CurrentC float64 `json:"current_c"`
	TargetC  float64 `json:"target_c"`

	// LastUpdatedAt is refreshed whenever a frame carries this zone, even if
	// the values did not change.
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Job describes the print in progress.
type Job struct {
	Filename        string    `json:"filename"`
	ProgressPercent float64   `json:"progress_percent"`
	CurrentLayer    int       `json:"current_layer"`
	TotalLayers     int       `json:"total_layers"`
	ETASeconds      int       `json:"eta_seconds"`
	StartedAt       time.Time `json:"started_at"`
}

// State is the single authoritative printer snapshot.
//
// The reconciler is its only writer. Every other component reads a copy
// obtained from Snapshot or a ChangeSet.
type State struct {
	ConnectionStatus  ConnectionStatus     `json:"connection_status"`
	PrintStatus       PrintStatus          `json:"print_status"`
	Temperatures      map[Zone]Temperature `json:"temperatures"`
	Job               *Job                 `json:"job"`
	Fans              map[FanID]int        `json:"fans"`
	Lights            map[LightID]bool     `json:"lights"`
	LastEventSequence uint64               `json:"last_event_sequence"`
	Revision          uint64               `json:"revision"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// NewState returns a fully populated initial snapshot.
func NewState() *State {
	s := &State{
		ConnectionStatus: ConnectionDisconnected,
		PrintStatus:      PrintUnknown,
		Temperatures:     make(map[Zone]Temperature, 3),
		Fans:             make(map[FanID]int, 3),
		Lights:           make(map[LightID]bool, 2),
	}
	for _, z := range Zones() {
		s.Temperatures[z] = Temperature{}
	}
	for _, f := range Fans() {
		s.Fans[f] = 0
	}
	for _, l := range Lights() {
		s.Lights[l] = false
	}
	return s
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Temperatures = maps.Clone(s.Temperatures)
	c.Fans = maps.Clone(s.Fans)
	c.Lights = maps.Clone(s.Lights)
	if s.Job != nil {
		job := *s.Job
		c.Job = &job
	}
	return &c
}
