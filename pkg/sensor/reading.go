package sensor

import (
	"time"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

// LightSource selects which LED channel illuminates the target.
type LightSource uint8

const (
	LightOff LightSource = iota
	LightReflection
	LightTransmission
)

// Idle brightness values, distinct from off. The reflection LED idles
// dimly lit so the user can position the target against the aperture;
// the transmission LED idles dark.
const (
	ReflectionIdleBrightness   uint8 = 16
	TransmissionIdleBrightness uint8 = 0
)

func (l LightSource) String() string {
	switch l {
	case LightOff:
		return "off"
	case LightReflection:
		return "reflection"
	case LightTransmission:
		return "transmission"
	default:
		return "unknown"
	}
}

// Reading is one completed sensor integration cycle. Produced once per
// cycle by the device and discarded after conversion.
type Reading struct {
	Ch0       uint16       // raw channel 0 (full spectrum) count
	Ch1       uint16       // raw channel 1 (infrared) count
	Gain      tsl2591.Gain // gain the cycle was integrated at
	Time      tsl2591.Time // integration time of the cycle
	Count     uint32       // monotonic cycle counter
	Timestamp time.Time    // acquisition time
}

// Saturated reports whether either channel met or exceeded the raw count
// ceiling for the reading's integration time.
func (r Reading) Saturated() bool {
	limit := r.Time.SaturationLimit()
	return r.Ch0 >= limit || r.Ch1 >= limit
}
