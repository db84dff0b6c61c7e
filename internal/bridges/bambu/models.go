package bambu

import "strings"

// Capabilities describes what a printer model supports.
type Capabilities struct {
	Model         string `json:"model"`
	ChamberHeater bool   `json:"chamber_heater"`
	ChamberSensor bool   `json:"chamber_sensor"`
	AuxFan        bool   `json:"aux_fan"`
	ChamberFan    bool   `json:"chamber_fan"`
	ChamberLight  bool   `json:"chamber_light"`

	// HeaterOffUnreliable means a zero target is not always reflected in
	// reports, so heater-off commands cannot be verified.
	HeaterOffUnreliable bool `json:"heater_off_unreliable"`

	// SingleClient means the firmware accepts only one control session.
	SingleClient bool `json:"single_client"`
}

var models = map[string]Capabilities{
	"X1C":    {ChamberSensor: true, AuxFan: true, ChamberFan: true, ChamberLight: true},
	"X1":     {ChamberSensor: true, AuxFan: true, ChamberFan: true, ChamberLight: true},
	"X1E":    {ChamberHeater: true, ChamberSensor: true, AuxFan: true, ChamberFan: true, ChamberLight: true},
	"H2D":    {ChamberHeater: true, ChamberSensor: true, AuxFan: true, ChamberFan: true, ChamberLight: true},
	"P1S":    {AuxFan: true, ChamberFan: true, ChamberLight: true, SingleClient: true},
	"P1P":    {ChamberLight: true, SingleClient: true},
	"A1":     {ChamberLight: true, SingleClient: true},
	"A1MINI": {ChamberLight: true, SingleClient: true},
}

// CapabilitiesFor returns the capabilities of a model. Unknown models get
// the most conservative set.
func CapabilitiesFor(model string) Capabilities {
	caps, ok := models[modelKey(model)]
	if !ok {
		caps = Capabilities{ChamberLight: true, SingleClient: true}
	}
	caps.Model = model
	caps.HeaterOffUnreliable = true
	return caps
}

// Known reports whether the model is in the capability table.
func Known(model string) bool {
	_, ok := models[modelKey(model)]
	return ok
}

var modelSeparators = strings.NewReplacer(" ", "", "-", "", "_", "")

// modelKey folds "A1 mini", "a1-mini" and "A1MINI" together.
func modelKey(model string) string {
	return strings.ToUpper(modelSeparators.Replace(model))
}
