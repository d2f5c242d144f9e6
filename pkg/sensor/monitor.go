package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/config"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

// DefaultReadTimeout is how long NextReading waits for a cycle before
// declaring a timeout. It covers the longest integration time with
// margin.
const DefaultReadTimeout = 2 * time.Second

// Monitor wraps a Device with the bookkeeping the measurement
// procedures need: bounded waits for readings, cycle contiguity
// checking, calibrated basic-count conversion, and calibrated light
// brightness lookup.
type Monitor struct {
	// ReadTimeout bounds each NextReading wait when the caller passes a
	// zero timeout.
	ReadTimeout time.Duration

	dev      Device
	settings *config.Settings

	mu        sync.Mutex
	lastCount uint32
	haveLast  bool
}

// NewMonitor creates a monitor over a connected device.
func NewMonitor(dev Device, settings *config.Settings) *Monitor {
	return &Monitor{
		ReadTimeout: DefaultReadTimeout,
		dev:         dev,
		settings:    settings,
	}
}

// Device returns the underlying device.
func (m *Monitor) Device() Device {
	return m.dev
}

// Configure sets the sensor gain and integration time.
func (m *Monitor) Configure(gain tsl2591.Gain, time tsl2591.Time) error {
	if err := m.dev.Configure(gain, time); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	return nil
}

// Start begins sampling. Readings left over from an earlier run are
// drained first and contiguity tracking restarts.
func (m *Monitor) Start() error {
	m.Flush()

	if err := m.dev.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// Stop halts sampling.
func (m *Monitor) Stop() error {
	if err := m.dev.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// SetLight sets the LED state directly.
func (m *Monitor) SetLight(source LightSource, nextCycle bool, brightness uint8) error {
	if err := m.dev.SetLight(source, nextCycle, brightness); err != nil {
		return fmt.Errorf("set light: %w", err)
	}
	return nil
}

// SetMeasurementLight turns on the calibrated measurement brightness for
// the source, deferred to the next cycle boundary so the first exposed
// cycle is fully illuminated.
func (m *Monitor) SetMeasurementLight(source LightSource) error {
	return m.SetLight(source, true, m.readBrightness(source))
}

// SetLightIdle returns the LEDs to their idle state for the given mode:
// the reflection LED idles dim for target positioning, everything else
// goes dark.
func (m *Monitor) SetLightIdle(source LightSource) error {
	switch source {
	case LightReflection:
		return m.SetLight(LightReflection, false, ReflectionIdleBrightness)
	case LightTransmission:
		return m.SetLight(LightTransmission, false, TransmissionIdleBrightness)
	default:
		return m.SetLight(LightOff, false, 0)
	}
}

// readBrightness returns the calibrated measurement brightness for a
// light source.
func (m *Monitor) readBrightness(source LightSource) uint8 {
	l, _ := m.settings.LightCalibration()
	switch source {
	case LightReflection:
		return l.Reflection
	case LightTransmission:
		return l.Transmission
	default:
		return 0
	}
}

// NextReading waits for the next sensor cycle. A zero timeout uses the
// monitor's ReadTimeout. The cycle counter must advance by exactly one
// between consecutive readings; a gap or repeat means cycles were
// dropped and the caller's averaging window is no longer contiguous.
func (m *Monitor) NextReading(timeout time.Duration) (Reading, error) {
	if timeout == 0 {
		timeout = m.ReadTimeout
	}

	select {
	case r, ok := <-m.dev.Readings():
		if !ok {
			return Reading{}, fmt.Errorf("%w: readings channel closed", ErrSensor)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.haveLast && r.Count != m.lastCount+1 {
			last := m.lastCount
			m.lastCount = r.Count
			return Reading{}, fmt.Errorf("%w: count %d after %d", ErrTiming, r.Count, last)
		}
		m.lastCount = r.Count
		m.haveLast = true
		return r, nil
	case <-time.After(timeout):
		return Reading{}, ErrTimeout
	}
}

// Flush discards any buffered readings and resets contiguity tracking.
// Called after a deliberate pause so stale cycles from before the pause
// cannot poison an averaging window.
func (m *Monitor) Flush() {
	for {
		select {
		case _, ok := <-m.dev.Readings():
			if !ok {
				m.resetContiguity()
				return
			}
		default:
			m.resetContiguity()
			return
		}
	}
}

func (m *Monitor) resetContiguity() {
	m.mu.Lock()
	m.haveLast = false
	m.mu.Unlock()
}

// ToBasicCounts converts a raw reading to gain- and time-normalized
// basic counts using the calibrated gain factors:
//
//	basic = raw / (atime_ms * gain / (GA * DF))
func (m *Monitor) ToBasicCounts(r Reading) (ch0, ch1 float32) {
	return m.BasicCounts(float32(r.Ch0), float32(r.Ch1), r.Gain, r.Time)
}

// BasicCounts applies the basic-count conversion to already averaged raw
// channel values taken at a known gain and integration time.
func (m *Monitor) BasicCounts(ch0Raw, ch1Raw float32, gain tsl2591.Gain, t tsl2591.Time) (ch0, ch1 float32) {
	g, _ := m.settings.GainCalibration()
	gainCh0, gainCh1 := g.Fields(gain)
	atime := t.Milliseconds()

	cpl0 := atime * gainCh0 / (tsl2591.LuxGA * tsl2591.LuxDF)
	cpl1 := atime * gainCh1 / (tsl2591.LuxGA * tsl2591.LuxDF)

	return ch0Raw / cpl0, ch1Raw / cpl1
}
