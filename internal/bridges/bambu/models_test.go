package bambu

import "testing"

func TestCapabilitiesFor(t *testing.T) {
	tests := []struct {
		model         string
		chamberHeater bool
		auxFan        bool
		chamberFan    bool
		singleClient  bool
	}{
		{"X1C", false, true, true, false},
		{"x1-carbon", false, false, false, true},
		{"X1E", true, true, true, false},
		{"H2D", true, true, true, false},
		{"P1S", false, true, true, true},
		{"P1P", false, false, false, true},
		{"A1 mini", false, false, false, true},
		{"", false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			c := CapabilitiesFor(tt.model)
			if c.ChamberHeater != tt.chamberHeater || c.AuxFan != tt.auxFan ||
				c.ChamberFan != tt.chamberFan || c.SingleClient != tt.singleClient {
				t.Errorf("CapabilitiesFor(%q) = %+v", tt.model, c)
			}
			if !c.HeaterOffUnreliable {
				t.Error("HeaterOffUnreliable should be true for every model")
			}
			if c.Model != tt.model {
				t.Errorf("Model = %q, want %q", c.Model, tt.model)
			}
		})
	}
}

func TestKnown(t *testing.T) {
	if !Known("a1_mini") || Known("Ender 3") {
		t.Error("Known() mismatch")
	}
}
