package command

import (
	"strings"

	"github.com/nerrad567/printbridge/internal/device"
)

// Canonical macro parameter names.
const (
	ParamBedTemp     = "bed_temp"
	ParamNozzleTemp  = "nozzle_temp"
	ParamChamberTemp = "chamber_temp"
)

var paramAliases = map[string]string{
	"BED":                 ParamBedTemp,
	"BED_TEMP":            ParamBedTemp,
	"BED_TEMPERATURE":     ParamBedTemp,
	"EXTRUDER":            ParamNozzleTemp,
	"EXTRUDER_TEMP":       ParamNozzleTemp,
	"HOTEND":              ParamNozzleTemp,
	"HOTEND_TEMP":         ParamNozzleTemp,
	"NOZZLE":              ParamNozzleTemp,
	"NOZZLE_TEMP":         ParamNozzleTemp,
	"CHAMBER":             ParamChamberTemp,
	"CHAMBER_TEMP":        ParamChamberTemp,
	"CHAMBER_TEMPERATURE": ParamChamberTemp,
}

var heaterAliases = map[string]device.Zone{
	"extruder":   device.ZoneNozzle,
	"nozzle":     device.ZoneNozzle,
	"hotend":     device.ZoneNozzle,
	"heater_bed": device.ZoneBed,
	"bed":        device.ZoneBed,
	"chamber":    device.ZoneChamber,
}

var fanAliases = map[string]device.FanID{
	"part":         device.FanPart,
	"part_cooling": device.FanPart,
	"toolhead":     device.FanPart,
	"fan":          device.FanPart,
	"aux":          device.FanAux,
	"auxiliary":    device.FanAux,
	"chamber":      device.FanChamber,
	"rear":         device.FanChamber,
	"case":         device.FanChamber,
	"exhaust":      device.FanChamber,
}

var lightAliases = map[string]device.LightID{
	"caselight":     device.LightChamber,
	"chamber_light": device.LightChamber,
	"light":         device.LightChamber,
	"work_light":    device.LightWork,
}

// fanChannels is the M106 P index of each fan.
var fanChannels = map[device.FanID]int{
	device.FanPart:    1,
	device.FanAux:     2,
	device.FanChamber: 3,
}

func aliasKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeParam maps a macro parameter onto its canonical name. Unknown
// parameters are lower-cased and kept.
func NormalizeParam(name string) string {
	key := strings.ToUpper(strings.TrimSpace(name))
	if canonical, ok := paramAliases[key]; ok {
		return canonical
	}
	return strings.ToLower(key)
}

// NormalizeParams applies NormalizeParam to every key. When two aliases
// collide the later one in iteration order is kept, so callers should not
// pass both.
func NormalizeParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[NormalizeParam(k)] = strings.TrimSpace(v)
	}
	return out
}

// ResolveHeater maps a heater name onto its zone.
func ResolveHeater(name string) (device.Zone, error) {
	if z, ok := heaterAliases[aliasKey(name)]; ok {
		return z, nil
	}
	return "", invalid("heater", name, "unknown heater")
}

// ResolveFan maps a fan name onto its id. An empty name is the part fan.
func ResolveFan(name string) (device.FanID, error) {
	key := aliasKey(name)
	if key == "" {
		return device.FanPart, nil
	}
	if id, ok := fanAliases[key]; ok {
		return id, nil
	}
	return "", invalid("fan", name, "unknown fan")
}

// ResolveLight maps a light name onto its id. An empty name is the chamber
// light.
func ResolveLight(name string) (device.LightID, error) {
	key := aliasKey(name)
	if key == "" {
		return device.LightChamber, nil
	}
	if id, ok := lightAliases[key]; ok {
		return id, nil
	}
	return "", invalid("light", name, "unknown light")
}

// fanForChannel maps an M106 P index back onto a fan. P0 and a missing P
// address the part fan.
func fanForChannel(p int) (device.FanID, bool) {
	if p == 0 {
		return device.FanPart, true
	}
	for id, ch := range fanChannels {
		if ch == p {
			return id, true
		}
	}
	return "", false
}
