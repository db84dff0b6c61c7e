package device

import "time"

// EventKind classifies an Event.
type EventKind int

const (
	// EventNone carries nothing to apply. Unparseable frames produce it.
	EventNone EventKind = iota

	// EventReport is a partial state update from a device report.
	EventReport

	// EventConnection is a session status transition.
	EventConnection
)

// Reading is a partial temperature update. Nil fields were absent.
type Reading struct {
	Current *float64
	Target  *float64
}

// JobUpdate holds the job fields present in a report.
type JobUpdate struct {
	Filename        *string
	ProgressPercent *float64
	CurrentLayer    *int
	TotalLayers     *int
	ETASeconds      *int
}

// Empty reports whether no job field is present.
func (j JobUpdate) Empty() bool {
	return j.Filename == nil && j.ProgressPercent == nil && j.CurrentLayer == nil &&
		j.TotalLayers == nil && j.ETASeconds == nil
}

// CommandAck is the device's acknowledgement of a command we sent.
type CommandAck struct {
	// Sequence echoes the sequence_id of the request.
	Sequence string
	Command  string
	Result   string
	Reason   string
}

// Succeeded reports whether the device accepted the command.
func (a CommandAck) Succeeded() bool {
	return a.Result == "" || a.Result == "success"
}

// Event is one normalised, typed partial update.
//
// Only fields present in the source frame are set. The reconciler merges
// present fields and leaves everything else untouched.
type Event struct {
	Kind EventKind

	// Sequence is the source ordering id. It is meaningful only when
	// HasSequence is true; events without one are applied last-write-wins.
	Sequence    uint64
	HasSequence bool

	ReceivedAt time.Time

	// Connection is set for EventConnection.
	Connection ConnectionStatus

	PrintStatus  *PrintStatus
	Temperatures map[Zone]Reading
	Job          JobUpdate
	Fans         map[FanID]int
	Lights       map[LightID]bool

	Ack *CommandAck
}

// ConnectionEvent builds an EventConnection.
func ConnectionEvent(status ConnectionStatus, at time.Time) Event {
	return Event{Kind: EventConnection, Connection: status, ReceivedAt: at}
}
