package command

import (
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/printbridge/internal/device"
)

var temperatureCodes = map[string]struct {
	heater string
	wait   bool
}{
	"M104": {"nozzle", false},
	"M109": {"nozzle", true},
	"M140": {"bed", false},
	"M190": {"bed", true},
	"M141": {"chamber", false},
	"M191": {"chamber", true},
}

// ParseScript splits a Klipper or Marlin style gcode script into requests.
//
// Commands with an abstract equivalent (pause, fans, heaters, lights, macros)
// become typed requests so they are validated and tracked. Consecutive lines
// without one are merged into a single raw gcode request. Text after ';' is
// a comment.
func ParseScript(script string, macros *Macros) ([]Request, error) {
	var (
		out []Request
		raw []string
	)
	flush := func() {
		if len(raw) > 0 {
			out = append(out, Request{Kind: KindGcode, Gcode: strings.Join(raw, "\n")})
			raw = nil
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		req, ok, err := parseLine(line, macros)
		if err != nil {
			return nil, err
		}
		if !ok {
			raw = append(raw, line)
			continue
		}
		flush()
		out = append(out, req)
	}
	flush()

	if len(out) == 0 {
		return nil, invalid("script", nil, "empty script")
	}
	return out, nil
}

func parseLine(line string, macros *Macros) (Request, bool, error) {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "PAUSE":
		return Request{Kind: KindPause}, true, nil
	case "RESUME":
		return Request{Kind: KindResume}, true, nil
	case "CANCEL_PRINT":
		return Request{Kind: KindCancel}, true, nil

	case "SET_PIN":
		kv := keyValues(args)
		if _, err := ResolveLight(kv["PIN"]); err != nil || kv["PIN"] == "" {
			return Request{}, false, nil
		}
		v, err := parseNumber("VALUE", kv["VALUE"])
		if err != nil {
			return Request{}, false, err
		}
		on := v > 0
		return Request{Kind: KindSetLight, Light: kv["PIN"], On: &on}, true, nil

	case "SET_FAN_SPEED":
		kv := keyValues(args)
		speed, err := parseSpeed(kv["SPEED"])
		if err != nil {
			return Request{}, false, err
		}
		return Request{Kind: KindSetFan, Fan: kv["FAN"], Speed: &speed}, true, nil

	case "M106", "M107":
		words := marlinWords(args)
		fan := device.FanPart
		if p, ok := words['P']; ok {
			n, err := parseNumber("P", p)
			if err != nil {
				return Request{}, false, err
			}
			id, ok := fanForChannel(int(n))
			if !ok {
				return Request{}, false, invalid("fan", p, "unknown fan index")
			}
			fan = id
		}
		duty := 0
		if cmd == "M106" {
			duty = device.MaxFanDuty
			if s, ok := words['S']; ok {
				n, err := parseNumber("S", s)
				if err != nil {
					return Request{}, false, err
				}
				duty = clampDuty(n)
			}
		}
		return Request{Kind: KindSetFan, Fan: string(fan), Duty: &duty}, true, nil

	case "M104", "M109", "M140", "M190", "M141", "M191":
		code := temperatureCodes[cmd]
		s, ok := marlinWords(args)['S']
		if !ok {
			return Request{}, false, invalid("target", nil, cmd+" requires S")
		}
		target, err := parseNumber("S", s)
		if err != nil {
			return Request{}, false, err
		}
		return Request{Kind: KindSetTemperature, Heater: code.heater, Target: &target, Wait: code.wait}, true, nil

	case "SET_HEATER_TEMPERATURE":
		kv := keyValues(args)
		target, err := parseNumber("TARGET", kv["TARGET"])
		if err != nil {
			return Request{}, false, err
		}
		wait := kv["WAIT"] == "1" || strings.EqualFold(kv["WAIT"], "true")
		return Request{Kind: KindSetTemperature, Heater: kv["HEATER"], Target: &target, Wait: wait}, true, nil
	}

	if mac, ok := macros.Lookup(cmd); ok {
		return Request{Kind: KindRunMacro, Macro: mac.Name, Params: keyValues(args)}, true, nil
	}
	return Request{}, false, nil
}

// keyValues reads Klipper style KEY=value arguments. Keys are upper-cased.
func keyValues(args []string) map[string]string {
	kv := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			continue
		}
		kv[strings.ToUpper(k)] = v
	}
	return kv
}

// marlinWords reads Marlin style letter-prefixed arguments such as S200.
func marlinWords(args []string) map[byte]string {
	words := make(map[byte]string, len(args))
	for _, a := range args {
		if a == "" {
			continue
		}
		letter := a[0]
		if letter >= 'a' && letter <= 'z' {
			letter -= 'a' - 'A'
		}
		words[letter] = a[1:]
	}
	return words
}

func parseNumber(field, s string) (float64, error) {
	if s == "" {
		return 0, invalid(field, nil, "required")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, invalid(field, s, "not a finite number")
	}
	return v, nil
}

// parseSpeed accepts a 0-1 ratio, a 0-255 duty or a percentage such as 50%.
func parseSpeed(s string) (float64, error) {
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := parseNumber("SPEED", pct)
		if err != nil {
			return 0, err
		}
		return min(max(v, 0), 100) / 100, nil
	}
	return parseNumber("SPEED", s)
}
