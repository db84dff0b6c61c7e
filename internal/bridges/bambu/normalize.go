package bambu

import (
	"bytes"
	"math"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/nerrad567/printbridge/internal/device"
)

// Report constants.
const (
	// commandPushStatus marks periodic status reports, the only frames that
	// carry the device's own ordering sequence.
	commandPushStatus = "push_status"

	// printErrorCancelled is the print_error a user cancel leaves behind.
	printErrorCancelled = 50348044

	// fanSteps is the top of the device's fan speed scale.
	fanSteps = 15
)

var gcodeStates = map[string]device.PrintStatus{
	"IDLE":    device.PrintReady,
	"PREPARE": device.PrintPreparing,
	"SLICING": device.PrintPreparing,
	"INIT":    device.PrintPreparing,
	"RUNNING": device.PrintPrinting,
	"PAUSE":   device.PrintPaused,
	"FINISH":  device.PrintComplete,
}

var fanFields = []struct {
	key string
	id  device.FanID
}{
	{"cooling_fan_speed", device.FanPart},
	{"big_fan1_speed", device.FanAux},
	{"big_fan2_speed", device.FanChamber},
}

// Normalize converts one raw report into a typed event.
//
// It never panics. An empty, non-UTF-8, malformed or non-object payload
// yields an EventNone event and a *ParseError. Fields are extracted
// tolerantly: numbers may arrive as JSON strings and absent or unreadable
// fields are simply left unset.
func Normalize(payload []byte, receivedAt time.Time) (device.Event, error) {
	none := device.Event{Kind: device.EventNone, ReceivedAt: receivedAt}

	switch {
	case len(bytes.TrimSpace(payload)) == 0:
		return none, newParseError("empty payload", payload)
	case !utf8.Valid(payload):
		return none, newParseError("payload is not valid UTF-8", payload)
	case !gjson.ValidBytes(payload):
		return none, newParseError("malformed JSON", payload)
	}

	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return none, newParseError("payload is not a JSON object", payload)
	}

	ev := device.Event{Kind: device.EventReport, ReceivedAt: receivedAt}

	if p := root.Get("print"); p.IsObject() {
		normalizePrint(&ev, p)
	}
	for _, family := range []string{FamilySystem, FamilyInfo} {
		if f := root.Get(family); f.IsObject() && ev.Ack == nil {
			ev.Ack = ackFrom(f)
		}
	}

	return ev, nil
}

func normalizePrint(ev *device.Event, p gjson.Result) {
	command := p.Get("command").Str

	if command == commandPushStatus {
		if seq, ok := number(p.Get("sequence_id")); ok && seq > 0 && seq == math.Trunc(seq) {
			ev.Sequence = uint64(seq)
			ev.HasSequence = true
		}
	}

	if state := p.Get("gcode_state"); state.Exists() {
		if status, ok := printStatus(strings.ToUpper(strings.TrimSpace(state.String())), p.Get("print_error")); ok {
			ev.PrintStatus = &status
		}
	}

	temps := make(map[device.Zone]device.Reading)
	readZone(temps, device.ZoneNozzle, p.Get("nozzle_temper"), p.Get("nozzle_target_temper"))
	readZone(temps, device.ZoneBed, p.Get("bed_temper"), p.Get("bed_target_temper"))
	readZone(temps, device.ZoneChamber, p.Get("chamber_temper"), gjson.Result{})
	if len(temps) > 0 {
		ev.Temperatures = temps
	}

	if v, ok := number(p.Get("mc_percent")); ok {
		ev.Job.ProgressPercent = &v
	}
	if v, ok := integer(p.Get("layer_num")); ok {
		ev.Job.CurrentLayer = &v
	}
	if v, ok := integer(p.Get("total_layer_num")); ok {
		ev.Job.TotalLayers = &v
	}
	if v, ok := integer(p.Get("mc_remaining_time")); ok && v >= 0 {
		eta := v * 60
		ev.Job.ETASeconds = &eta
	}
	if name := filename(p); name != "" {
		ev.Job.Filename = &name
	}

	fans := make(map[device.FanID]int)
	for _, f := range fanFields {
		if v, ok := number(p.Get(f.key)); ok {
			fans[f.id] = scaleFan(v)
		}
	}
	if len(fans) > 0 {
		ev.Fans = fans
	}

	if lr := p.Get("lights_report"); lr.IsArray() {
		lights := make(map[device.LightID]bool)
		lr.ForEach(func(_, entry gjson.Result) bool {
			id, err := device.ParseLight(entry.Get("node").Str)
			if err != nil {
				return true
			}
			mode := strings.ToLower(entry.Get("mode").Str)
			lights[id] = mode == "on" || mode == "flashing"
			return true
		})
		if len(lights) > 0 {
			ev.Lights = lights
		}
	}

	if command != commandPushStatus {
		ev.Ack = ackFrom(p)
	}
}

func printStatus(state string, printError gjson.Result) (device.PrintStatus, bool) {
	if state == "FAILED" {
		if code, ok := number(printError); ok && int64(code) == printErrorCancelled {
			return device.PrintCancelled, true
		}
		return device.PrintError, true
	}
	s, ok := gcodeStates[state]
	return s, ok
}

func readZone(temps map[device.Zone]device.Reading, z device.Zone, current, target gjson.Result) {
	var rd device.Reading
	if v, ok := number(current); ok {
		rd.Current = &v
	}
	if v, ok := number(target); ok {
		rd.Target = &v
	}
	if rd.Current != nil || rd.Target != nil {
		temps[z] = rd
	}
}

// filename prefers the subtask name and falls back to the gcode path.
func filename(p gjson.Result) string {
	if name := sanitize(p.Get("subtask_name").Str); name != "" {
		return name
	}
	file := sanitize(p.Get("gcode_file").Str)
	if file == "" {
		return ""
	}
	base := path.Base(file)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func ackFrom(family gjson.Result) *device.CommandAck {
	result := family.Get("result")
	if !result.Exists() {
		return nil
	}
	return &device.CommandAck{
		Sequence: sanitize(family.Get("sequence_id").String()),
		Command:  sanitize(family.Get("command").Str),
		Result:   strings.ToLower(sanitize(result.String())),
		Reason:   sanitize(family.Get("reason").String()),
	}
}

// scaleFan maps the device's 0-15 fan scale onto a 0-255 duty.
func scaleFan(v float64) int {
	v = min(max(v, 0), fanSteps)
	return int(math.Round(v * device.MaxFanDuty / fanSteps))
}

// number reads a finite float from a JSON number or numeric string.
func number(r gjson.Result) (float64, bool) {
	var f float64
	switch r.Type {
	case gjson.Number:
		f = r.Num
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		f = v
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func integer(r gjson.Result) (int, bool) {
	f, ok := number(r)
	if !ok || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// sanitize strips control characters from decoded strings.
func sanitize(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}
