package command

import (
	"fmt"
	"math"
	"path"
	"strings"
	"unicode"

	"github.com/nerrad567/printbridge/internal/bridges/bambu"
	"github.com/nerrad567/printbridge/internal/device"
	"github.com/nerrad567/printbridge/internal/files"
)

// Limits holds the highest accepted target per heater zone.
type Limits struct {
	BedMax     float64 `json:"bed_max"`
	NozzleMax  float64 `json:"nozzle_max"`
	ChamberMax float64 `json:"chamber_max"`
}

// DefaultLimits returns the stock temperature ceilings.
func DefaultLimits() Limits {
	return Limits{BedMax: 120, NozzleMax: 300, ChamberMax: 60}
}

// Max returns the ceiling for a zone.
func (l Limits) Max(z device.Zone) float64 {
	switch z {
	case device.ZoneBed:
		return l.BedMax
	case device.ZoneNozzle:
		return l.NozzleMax
	case device.ZoneChamber:
		return l.ChamberMax
	}
	return 0
}

func validateTarget(z device.Zone, target float64, limits Limits, caps bambu.Capabilities) error {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return invalid("target", target, "not a finite number")
	}
	if z == device.ZoneChamber && !caps.ChamberHeater {
		return invalid("heater", string(z), fmt.Sprintf("model %s has no chamber heater", caps.Model))
	}
	if upper := limits.Max(z); target < 0 || target > upper {
		return invalid("target", target, fmt.Sprintf("%s target must be between 0 and %g", z, upper))
	}
	return nil
}

func fanSupported(caps bambu.Capabilities, id device.FanID) bool {
	switch id {
	case device.FanAux:
		return caps.AuxFan
	case device.FanChamber:
		return caps.ChamberFan
	}
	return true
}

// fanDuty resolves a request's fan speed to a 0-255 duty. Speed values up to
// 1 are a ratio, larger values are already a duty.
func fanDuty(req Request) (int, error) {
	if req.Duty != nil {
		return clampDuty(float64(*req.Duty)), nil
	}
	if req.Speed == nil {
		return 0, invalid("speed", nil, "required")
	}
	v := *req.Speed
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, invalid("speed", v, "not a finite number")
	}
	if v <= 1 {
		v *= device.MaxFanDuty
	}
	return clampDuty(v), nil
}

func clampDuty(v float64) int {
	return int(math.Round(min(max(v, 0), device.MaxFanDuty)))
}

// cleanGcode trims a raw script and rejects control characters other than
// line breaks and tabs.
func cleanGcode(script string) (string, error) {
	script = strings.TrimSpace(strings.ReplaceAll(script, "\r\n", "\n"))
	if script == "" {
		return "", invalid("gcode", nil, "empty script")
	}
	for _, r := range script {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return "", invalid("gcode", fmt.Sprintf("%U", r), "control character in script")
		}
	}
	return script, nil
}

// checkGcodeTemperatures validates the S target of every heater command in
// lines. A line may hold several newline-separated commands.
func checkGcodeTemperatures(lines []string, limits Limits, caps bambu.Capabilities) error {
	for _, block := range lines {
		for _, line := range strings.Split(block, "\n") {
			if i := strings.IndexByte(line, ';'); i >= 0 {
				line = line[:i]
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			cmd := strings.ToUpper(fields[0])
			code, ok := temperatureCodes[cmd]
			if !ok {
				continue
			}
			s, ok := marlinWords(fields[1:])['S']
			if !ok {
				return invalid("target", nil, cmd+" requires S")
			}
			target, err := parseNumber("target", s)
			if err != nil {
				return err
			}
			zone, err := ResolveHeater(code.heater)
			if err != nil {
				return err
			}
			if err := validateTarget(zone, target, limits, caps); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateFilename checks a printer-side file name. Names are relative to the
// storage root and may not escape it.
func ValidateFilename(name string) error {
	if err := files.ValidateName(name); err != nil {
		return invalid("filename", name, strings.TrimPrefix(err.Error(), files.ErrInvalidName.Error()+": "))
	}
	return nil
}

func joinRoot(root, name string) string {
	return path.Join(root, strings.ReplaceAll(name, "\\", "/"))
}
