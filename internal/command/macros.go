package command

import (
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/nerrad567/printbridge/internal/device"
)

// Preheat defaults when PREHEAT is run without parameters.
const (
	preheatBed    = 60
	preheatNozzle = 200
)

// Macro is a named gcode sequence.
type Macro struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description"`
	BuiltIn     bool     `json:"built_in"`

	expand func(params map[string]string, limits Limits) (Expansion, error)
}

// Expansion is a rendered macro.
type Expansion struct {
	Lines []string

	// Effect is nil when the macro leaves nothing in the snapshot to check.
	Effect *Effect
}

// Effect is the state a macro leaves once the printer has applied it.
type Effect struct {
	Targets map[device.Zone]float64
	Fans    map[device.FanID]int
}

func (e *Effect) target(z device.Zone, v int) {
	if e.Targets == nil {
		e.Targets = make(map[device.Zone]float64)
	}
	e.Targets[z] = float64(v)
}

// Expand renders the macro. params must already be normalized with
// NormalizeParams.
func (m *Macro) Expand(params map[string]string, limits Limits) (Expansion, error) {
	return m.expand(params, limits)
}

// templateTemps are the parameters range-checked before a template renders.
var templateTemps = []struct {
	param string
	zone  device.Zone
}{
	{ParamBedTemp, device.ZoneBed},
	{ParamNozzleTemp, device.ZoneNozzle},
	{ParamChamberTemp, device.ZoneChamber},
}

// Macros is the set of macros a translator accepts.
type Macros struct {
	byName map[string]*Macro
	list   []*Macro
}

// NewMacros returns the built-in macros plus the configured templates.
// Template lines may reference parameters as {bed_temp}, {nozzle_temp} or any
// other normalized parameter name.
func NewMacros(templates map[string][]string) (*Macros, error) {
	m := &Macros{byName: make(map[string]*Macro)}
	for _, b := range builtinMacros() {
		m.add(b)
	}

	for _, name := range slices.Sorted(maps.Keys(templates)) {
		key := strings.ToUpper(strings.TrimSpace(name))
		if key == "" {
			return nil, fmt.Errorf("macro name is empty")
		}
		if _, exists := m.byName[key]; exists {
			return nil, fmt.Errorf("macro %s conflicts with a built-in macro", key)
		}
		lines := slices.Clone(templates[name])
		if len(lines) == 0 {
			return nil, fmt.Errorf("macro %s has no lines", key)
		}
		m.add(&Macro{
			Name:        key,
			Description: "configured macro",
			expand: func(params map[string]string, limits Limits) (Expansion, error) {
				for _, tp := range templateTemps {
					if _, _, err := tempParam(params, tp.param, tp.zone, limits); err != nil {
						return Expansion{}, err
					}
				}
				rendered, err := renderTemplate(key, lines, params)
				if err != nil {
					return Expansion{}, err
				}
				return Expansion{Lines: rendered}, nil
			},
		})
	}
	return m, nil
}

func (m *Macros) add(mac *Macro) {
	m.list = append(m.list, mac)
	m.byName[mac.Name] = mac
	for _, alias := range mac.Aliases {
		m.byName[alias] = mac
	}
}

// Lookup finds a macro by name or alias, ignoring case.
func (m *Macros) Lookup(name string) (*Macro, bool) {
	if m == nil {
		return nil, false
	}
	mac, ok := m.byName[strings.ToUpper(strings.TrimSpace(name))]
	return mac, ok
}

// All returns every macro, built-ins first.
func (m *Macros) All() []*Macro {
	if m == nil {
		return nil
	}
	return slices.Clone(m.list)
}

func builtinMacros() []*Macro {
	return []*Macro{
		{
			Name:        "PRINT_START",
			Aliases:     []string{"START_PRINT"},
			Description: "Home, then heat bed and nozzle and wait for both",
			BuiltIn:     true,
			expand: func(params map[string]string, limits Limits) (Expansion, error) {
				bed, hasBed, err := tempParam(params, ParamBedTemp, device.ZoneBed, limits)
				if err != nil {
					return Expansion{}, err
				}
				nozzle, hasNozzle, err := tempParam(params, ParamNozzleTemp, device.ZoneNozzle, limits)
				if err != nil {
					return Expansion{}, err
				}
				exp := Expansion{Lines: []string{"G28"}}
				if !hasBed && !hasNozzle {
					return exp, nil
				}
				effect := &Effect{}
				if hasBed {
					exp.Lines = append(exp.Lines, fmt.Sprintf("M140 S%d", bed))
					effect.target(device.ZoneBed, bed)
				}
				if hasNozzle {
					exp.Lines = append(exp.Lines, fmt.Sprintf("M104 S%d", nozzle))
					effect.target(device.ZoneNozzle, nozzle)
				}
				if hasBed {
					exp.Lines = append(exp.Lines, fmt.Sprintf("M190 S%d", bed))
				}
				if hasNozzle {
					exp.Lines = append(exp.Lines, fmt.Sprintf("M109 S%d", nozzle))
				}
				exp.Effect = effect
				return exp, nil
			},
		},
		{
			Name:        "PRINT_END",
			Aliases:     []string{"END_PRINT"},
			Description: "Turn off heaters and the part fan",
			BuiltIn:     true,
			expand: func(map[string]string, Limits) (Expansion, error) {
				return Expansion{
					Lines:  []string{"M400", "M104 S0", "M140 S0", "M106 P1 S0"},
					Effect: &Effect{
						Targets: map[device.Zone]float64{device.ZoneNozzle: 0, device.ZoneBed: 0},
						Fans:    map[device.FanID]int{device.FanPart: 0},
					},
				}, nil
			},
		},
		{
			Name:        "PREHEAT",
			Description: "Heat bed and nozzle without waiting",
			BuiltIn:     true,
			expand: func(params map[string]string, limits Limits) (Expansion, error) {
				bed, hasBed, err := tempParam(params, ParamBedTemp, device.ZoneBed, limits)
				if err != nil {
					return Expansion{}, err
				}
				if !hasBed {
					bed = preheatBed
				}
				nozzle, hasNozzle, err := tempParam(params, ParamNozzleTemp, device.ZoneNozzle, limits)
				if err != nil {
					return Expansion{}, err
				}
				if !hasNozzle {
					nozzle = preheatNozzle
				}
				effect := &Effect{}
				effect.target(device.ZoneBed, bed)
				effect.target(device.ZoneNozzle, nozzle)
				return Expansion{
					Lines:  []string{fmt.Sprintf("M140 S%d", bed), fmt.Sprintf("M104 S%d", nozzle)},
					Effect: effect,
				}, nil
			},
		},
		{
			Name:        "COOLDOWN",
			Aliases:     []string{"TURN_OFF_HEATERS"},
			Description: "Turn off bed and nozzle heaters",
			BuiltIn:     true,
			expand: func(map[string]string, Limits) (Expansion, error) {
				return Expansion{
					Lines:  []string{"M104 S0", "M140 S0"},
					Effect: &Effect{Targets: map[device.Zone]float64{device.ZoneNozzle: 0, device.ZoneBed: 0}},
				}, nil
			},
		},
		{
			Name:        "HOME",
			Aliases:     []string{"G28"},
			Description: "Home all axes",
			BuiltIn:     true,
			expand: func(map[string]string, Limits) (Expansion, error) {
				return Expansion{Lines: []string{"G28"}}, nil
			},
		},
	}
}

func tempParam(params map[string]string, key string, z device.Zone, limits Limits) (int, bool, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, invalid(key, raw, "not a number")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, invalid(key, raw, "not a finite number")
	}
	if upper := limits.Max(z); v < 0 || v > upper {
		return 0, false, invalid(key, v, fmt.Sprintf("must be between 0 and %g", upper))
	}
	return int(math.Round(v)), true, nil
}

var placeholder = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

func renderTemplate(name string, lines []string, params map[string]string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for k, v := range params {
		if strings.ContainsFunc(v, unicode.IsControl) {
			return nil, invalid(k, v, "control character in parameter")
		}
	}

	var missing []string
	for _, line := range lines {
		rendered := placeholder.ReplaceAllStringFunc(line, func(m string) string {
			key := NormalizeParam(m[1 : len(m)-1])
			v, ok := params[key]
			if !ok {
				missing = append(missing, key)
				return m
			}
			return v
		})
		if rendered = strings.TrimSpace(rendered); rendered != "" {
			out = append(out, rendered)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, invalid("params", strings.Join(slices.Compact(missing), ","), "missing parameters for macro "+name)
	}
	return out, nil
}
