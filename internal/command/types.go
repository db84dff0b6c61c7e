package command

import (
	"slices"
	"time"
)

// Kind is the abstract command vocabulary.
type Kind string

const (
	KindPause          Kind = "pause"
	KindResume         Kind = "resume"
	KindCancel         Kind = "cancel"
	KindStartPrint     Kind = "start_print"
	KindSetTemperature Kind = "set_temperature"
	KindSetFan         Kind = "set_fan"
	KindSetLight       Kind = "set_light"
	KindRunMacro       Kind = "run_macro"
	KindGcode          Kind = "gcode"
)

// Request is one abstract command. Only the fields relevant to Kind are read.
// Names of heaters, fans, lights and macros may use any known alias.
type Request struct {
	Kind Kind `json:"kind"`

	// SetTemperature.
	Heater string   `json:"heater,omitempty"`
	Target *float64 `json:"target,omitempty"`
	Wait   bool     `json:"wait,omitempty"`

	// SetFan. Speed is a 0-1 ratio or a 0-255 duty; Duty is always a duty
	// and wins when both are set.
	Fan   string   `json:"fan,omitempty"`
	Speed *float64 `json:"speed,omitempty"`
	Duty  *int     `json:"duty,omitempty"`

	// SetLight.
	Light string `json:"light,omitempty"`
	On    *bool  `json:"on,omitempty"`

	// RunMacro.
	Macro  string            `json:"macro,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	// Gcode.
	Gcode string `json:"gcode,omitempty"`

	// StartPrint.
	Filename string `json:"filename,omitempty"`
}

// Status is the lifecycle state of a submitted command.
type Status string

const (
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusTimedOut     Status = "timed_out"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Resolved reports whether the status is final.
func (s Status) Resolved() bool {
	return s != StatusSent
}

// Limitation flags a protocol quirk that applies to one command.
type Limitation string

const (
	// LimitationHeaterOffUnverified: the printer does not reliably report a
	// zero target, so heater-off is acknowledged once transmitted.
	LimitationHeaterOffUnverified Limitation = "heater_off_unverified"

	// LimitationNoFeedback: the command has no observable effect on the
	// snapshot and is acknowledged once transmitted.
	LimitationNoFeedback Limitation = "no_state_feedback"
)

// Pending is a point-in-time copy of a submitted command.
type Pending struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Field       string       `json:"field,omitempty"`
	Sequences   []string     `json:"sequence_ids,omitempty"`
	Gcode       []string     `json:"gcode,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Deadline    time.Time    `json:"deadline"`
	ResolvedAt  time.Time    `json:"resolved_at,omitzero"`
	Status      Status       `json:"status"`
	Limitations []Limitation `json:"limitations,omitempty"`
	Error       string       `json:"error,omitempty"`

	err error
}

// Err returns the failure cause, if any. It matches ErrTimeout, ErrSendFailed,
// ErrRejected or ErrSuperseded with errors.Is.
func (p Pending) Err() error {
	return p.err
}

// HasLimitation reports whether l applies.
func (p Pending) HasLimitation(l Limitation) bool {
	return slices.Contains(p.Limitations, l)
}
