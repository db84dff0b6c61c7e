package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrUnknownZone) {
//	    // reject the request
//	}
var (
	// ErrUnknownZone is returned when a zone name is not recognised.
	ErrUnknownZone = errors.New("device: unknown zone")

	// ErrUnknownFan is returned when a fan name is not recognised.
	ErrUnknownFan = errors.New("device: unknown fan")

	// ErrUnknownLight is returned when a light name is not recognised.
	ErrUnknownLight = errors.New("device: unknown light")
)

// ParseZone converts a canonical zone name.
func ParseZone(s string) (Zone, error) {
	for _, z := range Zones() {
		if string(z) == s {
			return z, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownZone, s)
}

// ParseFan converts a canonical fan name.
func ParseFan(s string) (FanID, error) {
	for _, f := range Fans() {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFan, s)
}

// ParseLight converts a canonical light name.
func ParseLight(s string) (LightID, error) {
	for _, l := range Lights() {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLight, s)
}
