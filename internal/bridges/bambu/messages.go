package bambu

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tidwall/sjson"

	"github.com/nerrad567/printbridge/internal/device"
)

// Command families: the top-level key of every request and report.
const (
	FamilyPrint   = "print"
	FamilyInfo    = "info"
	FamilySystem  = "system"
	FamilyPushing = "pushing"
)

// LED timing parameters the firmware expects alongside a plain on/off.
const (
	ledOnTime   = 500
	ledOffTime  = 500
	ledLoops    = 0
	ledInterval = 0
)

// Message is one native request before sequencing.
type Message struct {
	Family string
	Body   map[string]any
}

// Command returns the body's command name.
func (m Message) Command() string {
	s, _ := m.Body["command"].(string)
	return s
}

// Param returns the body's param string, if any.
func (m Message) Param() string {
	s, _ := m.Body["param"].(string)
	return s
}

// Validate checks the family and command.
func (m Message) Validate() error {
	switch m.Family {
	case FamilyPrint, FamilyInfo, FamilySystem, FamilyPushing:
	default:
		return fmt.Errorf("%w: unknown family %q", ErrInvalidMessage, m.Family)
	}
	if m.Command() == "" {
		return fmt.Errorf("%w: missing command", ErrInvalidMessage)
	}
	return nil
}

// Marshal renders the wire payload with the given sequence id.
func (m Message) Marshal(seq string) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := sjson.SetBytes(nil, m.Family, m.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	payload, err = sjson.SetBytes(payload, m.Family+".sequence_id", seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return payload, nil
}

func printCommand(command string, extra map[string]any) Message {
	body := map[string]any{"command": command}
	maps.Copy(body, extra)
	return Message{Family: FamilyPrint, Body: body}
}

// Pause pauses the running print.
func Pause() Message { return printCommand("pause", nil) }

// Resume resumes a paused print.
func Resume() Message { return printCommand("resume", nil) }

// Stop cancels the running print.
func Stop() Message { return printCommand("stop", nil) }

// GcodeLine sends raw gcode. The firmware only executes newline-terminated
// lines, so a terminator is added when missing.
func GcodeLine(line string) Message {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return printCommand("gcode_line", map[string]any{"param": line})
}

// StartGcodeFile starts printing a file already on the printer's storage.
func StartGcodeFile(path string) Message {
	return printCommand("gcode_file", map[string]any{"param": path})
}

// LEDControl switches a light. Firmware revisions disagree on which family
// carries ledctrl, so it is sent in both.
func LEDControl(light device.LightID, on bool) []Message {
	mode := "off"
	if on {
		mode = "on"
	}
	body := map[string]any{
		"command":       "ledctrl",
		"led_node":      string(light),
		"led_mode":      mode,
		"led_on_time":   ledOnTime,
		"led_off_time":  ledOffTime,
		"loop_times":    ledLoops,
		"interval_time": ledInterval,
	}
	return []Message{
		{Family: FamilySystem, Body: maps.Clone(body)},
		{Family: FamilyPrint, Body: body},
	}
}

// PushAll asks the printer for a full status report.
func PushAll() Message {
	return Message{Family: FamilyPushing, Body: map[string]any{
		"command":     "pushall",
		"version":     1,
		"push_target": 1,
	}}
}

// GetVersion asks the printer for its module versions.
func GetVersion() Message {
	return Message{Family: FamilyInfo, Body: map[string]any{"command": "get_version"}}
}

// InitialSync is the full-state pull sent after every (re)connect.
func InitialSync() []Message {
	return []Message{PushAll(), GetVersion()}
}

// Sequencer allocates request sequence ids.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next id as the decimal string the firmware expects.
func (s *Sequencer) Next() string {
	return strconv.FormatUint(s.n.Add(1), 10)
}
