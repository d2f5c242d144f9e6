package sensor

import "github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"

// Device is the sensor board abstraction: a configured TSL2591 plus the
// dual-channel LED driver, delivering one Reading per integration cycle.
type Device interface {
	Connect() error
	Close() error

	// Configure sets the sensor gain and integration time. It fails if
	// the board does not acknowledge the change.
	Configure(gain tsl2591.Gain, time tsl2591.Time) error

	// Start begins continuous sampling. Stop is always safe to call,
	// whether or not sampling is active.
	Start() error
	Stop() error

	// SetLight activates a light channel at the given brightness. With
	// nextCycle set, the change is deferred to the next sensor cycle
	// boundary so exposure and illumination stay phase aligned.
	SetLight(source LightSource, nextCycle bool, brightness uint8) error

	Readings() <-chan Reading
	IsConnected() bool
}

var _ Device = (*Serial)(nil)
var _ Device = (*Sim)(nil)
