// Package tsl2591 describes the measurement characteristics of the TSL2591
// two-channel light sensor used by the densitometer. The register-level
// driver lives on the sensor board; this package only carries the values
// the measurement core needs to interpret readings.
package tsl2591

// Gain is one of the four discrete sensor amplification settings.
type Gain uint8

const (
	GainLow     Gain = 0 // 1x
	GainMedium  Gain = 1 // ~24.5x
	GainHigh    Gain = 2 // ~400x
	GainMaximum Gain = 3 // ~9200x (CH0) / ~9900x (CH1)
)

// Time is one of the six integration time settings.
type Time uint8

const (
	Time100ms Time = 0
	Time200ms Time = 1
	Time300ms Time = 2
	Time400ms Time = 3
	Time500ms Time = 4
	Time600ms Time = 5
)

// Saturation ceilings for a raw channel count. The 100ms integration time
// hits the analog ceiling before the 16-bit counter rolls over; all longer
// times can count up to the digital limit.
const (
	AnalogSaturation  uint16 = 36863
	DigitalSaturation uint16 = 65535
)

// Plausible gain ranges relative to GainLow (defined as 1.0x), from the
// device datasheet. Empirically calibrated gain values outside these
// ranges are replaced with the typical value.
const (
	GainMediumMin float32 = 22.0
	GainMediumTyp float32 = 24.5
	GainMediumMax float32 = 27.0

	GainHighMin float32 = 360.0
	GainHighTyp float32 = 400.0
	GainHighMax float32 = 440.0

	GainMaximumCh0Min float32 = 8500.0
	GainMaximumCh0Typ float32 = 9200.0
	GainMaximumCh0Max float32 = 9900.0

	GainMaximumCh1Min float32 = 9100.0
	GainMaximumCh1Typ float32 = 9900.0
	GainMaximumCh1Max float32 = 10700.0
)

// Lux equation coefficients. Basic-count conversion divides these out so
// readings taken at different gain/time settings are comparable.
const (
	LuxDF float32 = 408.0 // device factor
	LuxGA float32 = 1.0   // glass attenuation
)

// Milliseconds returns the nominal integration time in milliseconds.
func (t Time) Milliseconds() float32 {
	switch t {
	case Time100ms:
		return 100
	case Time200ms:
		return 200
	case Time300ms:
		return 300
	case Time400ms:
		return 400
	case Time500ms:
		return 500
	case Time600ms:
		return 600
	default:
		return 100
	}
}

// Valid reports whether g is one of the defined gain settings.
func (g Gain) Valid() bool {
	return g <= GainMaximum
}

// Valid reports whether t is one of the defined integration time settings.
func (t Time) Valid() bool {
	return t <= Time600ms
}

// SaturationLimit returns the raw count ceiling for the integration time.
func (t Time) SaturationLimit() uint16 {
	if t == Time100ms {
		return AnalogSaturation
	}
	return DigitalSaturation
}

func (g Gain) String() string {
	switch g {
	case GainLow:
		return "low"
	case GainMedium:
		return "medium"
	case GainHigh:
		return "high"
	case GainMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

func (t Time) String() string {
	switch t {
	case Time100ms:
		return "100ms"
	case Time200ms:
		return "200ms"
	case Time300ms:
		return "300ms"
	case Time400ms:
		return "400ms"
	case Time500ms:
		return "500ms"
	case Time600ms:
		return "600ms"
	default:
		return "unknown"
	}
}
