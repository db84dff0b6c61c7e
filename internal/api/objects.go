package api

import (
	"encoding/json"
	"maps"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/command"
	"github.com/nerrad567/printbridge/internal/device"
)

// Printer object names.
const (
	objWebhooks      = "webhooks"
	objPrintStats    = "print_stats"
	objVirtualSDCard = "virtual_sdcard"
	objDisplayStatus = "display_status"
	objPauseResume   = "pause_resume"
	objIdleTimeout   = "idle_timeout"
	objToolhead      = "toolhead"
	objHeaters       = "heaters"
	objConfigfile    = "configfile"
	objExtruder      = "extruder"
	objHeaterBed     = "heater_bed"
	objChamberHeater = "heater_generic chamber"
	objChamberSensor = "temperature_sensor chamber"
	objFan           = "fan"
	objAuxFan        = "fan_generic aux"
	objChamberFan    = "fan_generic chamber"
	objCaseLight     = "output_pin caselight"
	objWorkLight     = "output_pin work_light"

	macroPrefix = "gcode_macro "
)

// status is a set of printer objects and their fields.
type status map[string]map[string]any

// objectQuery names the objects to report. A nil field list means every field.
type objectQuery map[string][]string

// objectModel projects the printer snapshot onto Klipper-style objects.
type objectModel struct {
	caps   bambu.Capabilities
	limits command.Limits
	macros []*command.Macro
}

func newObjectModel(c Commander) objectModel {
	return objectModel{
		caps:   c.Capabilities(),
		limits: c.Limits(),
		macros: c.Macros().All(),
	}
}

// chamberObject returns the object that reports the chamber, if any.
func (m objectModel) chamberObject() string {
	switch {
	case m.caps.ChamberHeater:
		return objChamberHeater
	case m.caps.ChamberSensor:
		return objChamberSensor
	}
	return ""
}

// zoneObject maps a temperature zone to its object name.
func (m objectModel) zoneObject(z device.Zone) string {
	switch z {
	case device.ZoneNozzle:
		return objExtruder
	case device.ZoneBed:
		return objHeaterBed
	case device.ZoneChamber:
		return m.chamberObject()
	}
	return ""
}

// names lists every object the printer exposes.
func (m objectModel) names() []string {
	names := []string{
		objWebhooks, objPrintStats, objVirtualSDCard, objDisplayStatus,
		objPauseResume, objIdleTimeout, objToolhead, objHeaters, objConfigfile,
		objExtruder, objHeaterBed, objFan, objWorkLight,
	}
	if ch := m.chamberObject(); ch != "" {
		names = append(names, ch)
	}
	if m.caps.AuxFan {
		names = append(names, objAuxFan)
	}
	if m.caps.ChamberFan {
		names = append(names, objChamberFan)
	}
	if m.caps.ChamberLight {
		names = append(names, objCaseLight)
	}
	for _, mac := range m.macros {
		names = append(names, macroPrefix+strings.ToLower(mac.Name))
	}
	slices.Sort(names)
	return names
}

func (m objectModel) heaters() (heaters, sensors []string) {
	heaters = []string{objExtruder, objHeaterBed}
	if m.caps.ChamberHeater {
		heaters = append(heaters, objChamberHeater)
	}
	sensors = slices.Clone(heaters)
	if !m.caps.ChamberHeater && m.caps.ChamberSensor {
		sensors = append(sensors, objChamberSensor)
	}
	return heaters, sensors
}

// status builds every object from snap. now drives job durations.
func (m objectModel) status(snap *device.State, now time.Time) status {
	if snap == nil {
		snap = device.NewState()
	}
	st := make(status, 24)

	klippy, message := klippyState(snap.ConnectionStatus)
	st[objWebhooks] = map[string]any{"state": klippy, "state_message": message}

	var (
		filename     string
		progress     float64
		layer, total int
		elapsed      float64
		active       = snap.PrintStatus.Active()
		paused       = snap.PrintStatus == device.PrintPaused
	)
	if job := snap.Job; job != nil {
		filename = job.Filename
		progress = job.ProgressPercent / 100
		layer, total = job.CurrentLayer, job.TotalLayers
		if !job.StartedAt.IsZero() {
			elapsed = max(now.Sub(job.StartedAt).Seconds(), 0)
		}
	}

	st[objPrintStats] = map[string]any{
		"state":          printStatsState(snap.PrintStatus),
		"filename":       filename,
		"total_duration": elapsed,
		"print_duration": elapsed,
		"filament_used":  0.0,
		"message":        "",
		"info":           map[string]any{"total_layer": total, "current_layer": layer},
	}
	st[objVirtualSDCard] = map[string]any{
		"file_path":     filename,
		"progress":      progress,
		"is_active":     active && !paused,
		"file_position": 0,
	}
	st[objDisplayStatus] = map[string]any{"progress": progress, "message": ""}
	st[objPauseResume] = map[string]any{"is_paused": paused}

	idle := "Ready"
	if active {
		idle = "Printing"
	}
	st[objIdleTimeout] = map[string]any{"state": idle, "printing_time": elapsed}

	st[objToolhead] = map[string]any{
		"homed_axes": "xyz",
		"position":   []float64{0, 0, 0, 0},
		"extruder":   objExtruder,
		"status":     "Ready",
	}

	heaters, sensors := m.heaters()
	st[objHeaters] = map[string]any{"available_heaters": heaters, "available_sensors": sensors}
	st[objConfigfile] = map[string]any{"settings": m.settings(), "save_config_pending": false}

	for _, z := range device.Zones() {
		name := m.zoneObject(z)
		if name == "" {
			continue
		}
		t := snap.Temperatures[z]
		obj := map[string]any{"temperature": t.CurrentC}
		if name != objChamberSensor {
			obj["target"] = t.TargetC
			obj["power"] = power(t)
		}
		if z == device.ZoneNozzle {
			obj["can_extrude"] = t.CurrentC >= 170
		}
		st[name] = obj
	}

	st[objFan] = map[string]any{"speed": fanSpeed(snap.Fans[device.FanPart])}
	if m.caps.AuxFan {
		st[objAuxFan] = map[string]any{"speed": fanSpeed(snap.Fans[device.FanAux])}
	}
	if m.caps.ChamberFan {
		st[objChamberFan] = map[string]any{"speed": fanSpeed(snap.Fans[device.FanChamber])}
	}
	if m.caps.ChamberLight {
		st[objCaseLight] = map[string]any{"value": lightValue(snap.Lights[device.LightChamber])}
	}
	st[objWorkLight] = map[string]any{"value": lightValue(snap.Lights[device.LightWork])}

	for _, mac := range m.macros {
		st[macroPrefix+strings.ToLower(mac.Name)] = map[string]any{}
	}
	return st
}

// settings is the configfile view clients read limits and macros from.
func (m objectModel) settings() map[string]any {
	settings := map[string]any{
		"printer":        map[string]any{"kinematics": "corexy"},
		objExtruder:      map[string]any{"min_temp": 0.0, "max_temp": m.limits.NozzleMax, "nozzle_diameter": 0.4},
		objHeaterBed:     map[string]any{"min_temp": 0.0, "max_temp": m.limits.BedMax},
		objVirtualSDCard: map[string]any{"path": "gcodes"},
		objPauseResume:   map[string]any{},
		objDisplayStatus: map[string]any{},
		objWorkLight:     map[string]any{"pwm": false, "value": 0.0},
	}
	if m.caps.ChamberHeater {
		settings[objChamberHeater] = map[string]any{"min_temp": 0.0, "max_temp": m.limits.ChamberMax}
	}
	if m.caps.ChamberLight {
		settings[objCaseLight] = map[string]any{"pwm": false, "value": 0.0}
	}
	for _, mac := range m.macros {
		settings[macroPrefix+strings.ToLower(mac.Name)] = map[string]any{"description": mac.Description}
	}
	return settings
}

// klippyState maps the printer session onto the Klipper host state.
func klippyState(c device.ConnectionStatus) (string, string) {
	switch c {
	case device.ConnectionConnected:
		return "ready", "Printer is ready"
	case device.ConnectionDegraded:
		return "ready", "Printer reports are delayed"
	case device.ConnectionConnecting:
		return "startup", "Connecting to printer"
	}
	return "shutdown", "Printer is disconnected"
}

func printStatsState(p device.PrintStatus) string {
	switch p {
	case device.PrintPreparing, device.PrintPrinting:
		return "printing"
	case device.PrintPaused:
		return "paused"
	case device.PrintComplete:
		return "complete"
	case device.PrintError:
		return "error"
	case device.PrintCancelled:
		return "cancelled"
	}
	return "standby"
}

func fanSpeed(duty int) float64 {
	return float64(duty) / device.MaxFanDuty
}

func lightValue(on bool) float64 {
	if on {
		return 1
	}
	return 0
}

// power is reported as full while a heater is below a set target.
func power(t device.Temperature) float64 {
	if t.TargetC > 0 && t.CurrentC < t.TargetC {
		return 1
	}
	return 0
}

// pick returns the requested objects and fields of st. Unknown objects and
// fields are skipped.
func (st status) pick(q objectQuery) status {
	out := make(status, len(q))
	for name, fields := range q {
		obj, ok := st[name]
		if !ok {
			continue
		}
		if len(fields) == 0 {
			out[name] = maps.Clone(obj)
			continue
		}
		sel := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := obj[f]; ok {
				sel[f] = v
			}
		}
		out[name] = sel
	}
	return out
}

// diff returns the fields of st that differ from prev.
func (st status) diff(prev status) status {
	out := make(status)
	for name, obj := range st {
		old := prev[name]
		var changed map[string]any
		for f, v := range obj {
			if ov, ok := old[f]; ok && reflect.DeepEqual(ov, v) {
				continue
			}
			if changed == nil {
				changed = make(map[string]any)
			}
			changed[f] = v
		}
		if changed != nil {
			out[name] = changed
		}
	}
	return out
}

// parseObjectQuery reads the objects of an HTTP query. Both the plain
// form (?extruder=target,temperature&toolhead) and a JSON map in an
// "objects" parameter are accepted.
func parseObjectQuery(values url.Values) (objectQuery, error) {
	for _, key := range []string{"objects", "objects:json"} {
		if raw := values.Get(key); raw != "" {
			return decodeObjectQuery([]byte(raw))
		}
	}

	q := make(objectQuery, len(values))
	for name, vals := range values {
		if name == "token" {
			continue
		}
		var fields []string
		for _, v := range vals {
			for f := range strings.SplitSeq(v, ",") {
				if f = strings.TrimSpace(f); f != "" {
					fields = append(fields, f)
				}
			}
		}
		q[name] = fields
	}
	return q, nil
}

// decodeObjectQuery reads {"object": null | ["field", ...]}.
func decodeObjectQuery(raw []byte) (objectQuery, error) {
	if len(raw) == 0 {
		return objectQuery{}, nil
	}
	var m map[string][]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest("invalid objects: %v", err)
	}
	return objectQuery(m), nil
}
