package sensor

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chewxy/math32"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/config"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

// GainCalStatus identifies the phase a gain calibration run is in,
// reported through the progress callback.
type GainCalStatus uint8

const (
	GainCalInit     GainCalStatus = iota // finding the measurement brightness
	GainCalMedium                        // measuring the medium tier
	GainCalHigh                          // measuring the high tier
	GainCalMaximum                       // measuring the maximum tier
	GainCalLED                           // waiting for the LED to settle
	GainCalCooldown                      // cooling down between phases
	GainCalDone                          // finished, results persisted
	GainCalFailed                        // finished, nothing persisted
)

func (s GainCalStatus) String() string {
	switch s {
	case GainCalInit:
		return "init"
	case GainCalMedium:
		return "medium"
	case GainCalHigh:
		return "high"
	case GainCalMaximum:
		return "maximum"
	case GainCalLED:
		return "led"
	case GainCalCooldown:
		return "cooldown"
	case GainCalDone:
		return "done"
	case GainCalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// GainCalCallback reports calibration progress. Returning false aborts
// the run; an aborted run persists nothing.
type GainCalCallback func(status GainCalStatus, param int) bool

const (
	// calReadCount is how many contiguous samples each calibration
	// measurement averages.
	calReadCount = 5

	// mediumCalBrightness is the fixed full brightness for the
	// low-vs-medium ratio measurement. The low tier needs all the
	// light it can get.
	mediumCalBrightness = 128

	// Brightness search windows, end exclusive. The high-tier search
	// walks upward toward the brightest level that stays below
	// saturation; the maximum-tier search walks downward to the first
	// level that fits comfortably under it.
	highSearchStart = 64
	highSearchEnd   = 128
	maxSearchStart  = 16
	maxSearchEnd    = 3

	// Target fractions of the saturation ceiling for the two searches.
	highTargetFactor = 0.98
	maxTargetFactor  = 0.75
)

// GainCalibrator measures the true analog gain of each sensor tier
// relative to the low tier, using the transmission LED as a stable
// light source. A tier that measures outside its plausible range is
// replaced with the datasheet typical value before composition.
type GainCalibrator struct {
	// LEDSettleLow and LEDSettleHigh are the waits for the LED output
	// to thermally stabilize after a brightness change, at levels
	// below 64 and at or above it.
	LEDSettleLow  time.Duration
	LEDSettleHigh time.Duration
	// CooldownTick and CooldownTicks pace the dark cooldown between
	// illuminated phases.
	CooldownTick  time.Duration
	CooldownTicks int

	monitor  *Monitor
	settings *config.Settings
}

// NewGainCalibrator creates a calibrator with hardware-appropriate
// timing. Tests shrink the delays.
func NewGainCalibrator(m *Monitor, settings *config.Settings) *GainCalibrator {
	return &GainCalibrator{
		LEDSettleLow:  1 * time.Second,
		LEDSettleHigh: 2 * time.Second,
		CooldownTick:  1 * time.Second,
		CooldownTicks: 5,
		monitor:       m,
		settings:      settings,
	}
}

// Run executes the full calibration sequence. On success the light and
// gain records are persisted before the done callback fires; on any
// failure or abort the stored records are untouched and the light and
// sensor are forced back off.
func (c *GainCalibrator) Run(cb GainCalCallback) error {
	err := c.run(cb)

	if serr := c.monitor.Stop(); serr != nil && err == nil {
		err = serr
	}
	if lerr := c.monitor.SetLight(LightOff, false, 0); lerr != nil && err == nil {
		err = lerr
	}

	if err != nil {
		c.notify(cb, GainCalFailed, 0)
		return err
	}
	c.notify(cb, GainCalDone, 0)
	return nil
}

func (c *GainCalibrator) run(cb GainCalCallback) error {
	if err := c.step(cb, GainCalInit, 0); err != nil {
		return err
	}

	// Phase 1: find the measurement brightness, the brightest level
	// the high tier can integrate without saturating.
	measBrightness, err := c.findGainBrightness(cb, GainCalInit, tsl2591.GainHigh,
		highSearchStart, highSearchEnd, highTargetFactor)
	if err != nil {
		return err
	}
	if measBrightness == 0 {
		return errors.New("gain calibration: no usable measurement brightness")
	}
	log.Printf("Gain calibration: measurement brightness %d", measBrightness)

	if err := c.cooldown(cb); err != nil {
		return err
	}

	// Phase 2: medium tier relative to low, at full brightness with the
	// longest integration so the low tier has signal to work with.
	lo0, lo1, err := c.measure(cb, GainCalMedium, tsl2591.GainLow, tsl2591.Time600ms, mediumCalBrightness)
	if err != nil {
		return err
	}
	if err := c.cooldown(cb); err != nil {
		return err
	}
	med0, med1, err := c.measure(cb, GainCalMedium, tsl2591.GainMedium, tsl2591.Time600ms, mediumCalBrightness)
	if err != nil {
		return err
	}
	medGain0 := clampGain(med0/lo0, tsl2591.GainMediumMin, tsl2591.GainMediumMax, tsl2591.GainMediumTyp)
	medGain1 := clampGain(med1/lo1, tsl2591.GainMediumMin, tsl2591.GainMediumMax, tsl2591.GainMediumTyp)
	log.Printf("Gain calibration: medium ch0=%f ch1=%f", medGain0, medGain1)

	if err := c.cooldown(cb); err != nil {
		return err
	}

	// Phase 3: high tier, composed multiplicatively through a fresh
	// medium measurement at the measurement brightness.
	medRef0, medRef1, err := c.measure(cb, GainCalHigh, tsl2591.GainMedium, tsl2591.Time200ms, measBrightness)
	if err != nil {
		return err
	}
	if err := c.cooldown(cb); err != nil {
		return err
	}
	hi0, hi1, err := c.measure(cb, GainCalHigh, tsl2591.GainHigh, tsl2591.Time200ms, measBrightness)
	if err != nil {
		return err
	}
	highGain0 := clampGain(medGain0*(hi0/medRef0), tsl2591.GainHighMin, tsl2591.GainHighMax, tsl2591.GainHighTyp)
	highGain1 := clampGain(medGain1*(hi1/medRef1), tsl2591.GainHighMin, tsl2591.GainHighMax, tsl2591.GainHighTyp)
	log.Printf("Gain calibration: high ch0=%f ch1=%f", highGain0, highGain1)

	if err := c.cooldown(cb); err != nil {
		return err
	}

	// Phase 4: the maximum tier saturates at the measurement
	// brightness, so it gets its own dimmer level, approached from the
	// high side.
	dimBrightness, err := c.findGainBrightness(cb, GainCalMaximum, tsl2591.GainMaximum,
		maxSearchStart, maxSearchEnd, maxTargetFactor)
	if err != nil {
		return err
	}
	if dimBrightness == 0 {
		return errors.New("gain calibration: no usable dim brightness")
	}
	log.Printf("Gain calibration: dim brightness %d", dimBrightness)

	// Phase 5: maximum tier, composed through a high measurement at
	// the dim level.
	hiDim0, hiDim1, err := c.measure(cb, GainCalMaximum, tsl2591.GainHigh, tsl2591.Time200ms, dimBrightness)
	if err != nil {
		return err
	}
	if err := c.cooldown(cb); err != nil {
		return err
	}
	max0, max1, err := c.measure(cb, GainCalMaximum, tsl2591.GainMaximum, tsl2591.Time200ms, dimBrightness)
	if err != nil {
		return err
	}
	maxGain0 := clampGain(highGain0*(max0/hiDim0), tsl2591.GainMaximumCh0Min, tsl2591.GainMaximumCh0Max, tsl2591.GainMaximumCh0Typ)
	maxGain1 := clampGain(highGain1*(max1/hiDim1), tsl2591.GainMaximumCh1Min, tsl2591.GainMaximumCh1Max, tsl2591.GainMaximumCh1Typ)
	log.Printf("Gain calibration: maximum ch0=%f ch1=%f", maxGain0, maxGain1)

	light := config.CalLight{Reflection: 128, Transmission: measBrightness}
	if err := c.settings.SetLightCalibration(light); err != nil {
		return fmt.Errorf("failed to save light calibration: %w", err)
	}

	cal := config.CalGain{
		Ch0Medium:  medGain0,
		Ch1Medium:  medGain1,
		Ch0High:    highGain0,
		Ch1High:    highGain1,
		Ch0Maximum: maxGain0,
		Ch1Maximum: maxGain1,
	}
	if err := c.settings.SetGainCalibration(cal); err != nil {
		return fmt.Errorf("failed to save gain calibration: %w", err)
	}

	return nil
}

// findGainBrightness walks the transmission LED brightness from start
// toward end (exclusive) at the given gain, looking for the level whose
// channel 0 count best fits targetFactor of the saturation ceiling.
// Walking upward it returns the brightest level not exceeding the
// target; walking downward, the first level at or under it. Returns 0
// when no level fits.
func (c *GainCalibrator) findGainBrightness(cb GainCalCallback, status GainCalStatus,
	gain tsl2591.Gain, start, end int, targetFactor float32) (uint8, error) {

	itime := tsl2591.Time200ms
	if err := c.monitor.Configure(gain, itime); err != nil {
		return 0, err
	}
	if err := c.monitor.Start(); err != nil {
		return 0, err
	}
	defer c.monitor.Stop()

	target := targetFactor * float32(itime.SaturationLimit())
	step := 1
	if end < start {
		step = -1
	}

	best := 0
	for i := start; i != end; i += step {
		if err := c.step(cb, status, i); err != nil {
			return 0, err
		}

		level, err := c.searchLevel(uint8(i))
		if err != nil {
			return 0, err
		}

		if step > 0 {
			if level > target {
				break
			}
			best = i
		} else {
			if level <= target {
				best = i
				break
			}
		}
	}

	return uint8(best), nil
}

// searchLevel reads the channel 0 level at one brightness candidate:
// LED on at the next cycle boundary, discard the transition reading,
// average two samples, then LED off and the thermal cooldown delay
// before the next candidate. Saturation is not an error here; it reads
// as the ceiling so the search moves past it.
func (c *GainCalibrator) searchLevel(brightness uint8) (float32, error) {
	if err := c.monitor.SetLight(LightTransmission, true, brightness); err != nil {
		return 0, err
	}
	c.monitor.Flush()

	if _, err := c.monitor.NextReading(0); err != nil {
		return 0, err
	}

	var level float32
	for i := 0; i < 2; i++ {
		r, err := c.monitor.NextReading(0)
		if err != nil {
			return 0, err
		}
		if r.Saturated() {
			level = float32(r.Time.SaturationLimit())
			break
		}
		level += float32(r.Ch0) / 2
	}

	if err := c.monitor.SetLight(LightOff, false, 0); err != nil {
		return 0, err
	}
	time.Sleep(c.settleDelay(brightness))
	return level, nil
}

// measure takes one averaged calibration reading at a gain, integration
// time, and brightness, waiting out the LED settle time first.
func (c *GainCalibrator) measure(cb GainCalCallback, status GainCalStatus,
	gain tsl2591.Gain, itime tsl2591.Time, brightness uint8) (ch0, ch1 float32, err error) {

	if err := c.step(cb, status, int(brightness)); err != nil {
		return 0, 0, err
	}

	if err := c.monitor.Configure(gain, itime); err != nil {
		return 0, 0, err
	}
	if err := c.monitor.SetLight(LightTransmission, true, brightness); err != nil {
		return 0, 0, err
	}
	if err := c.monitor.Start(); err != nil {
		return 0, 0, err
	}
	defer func() {
		if serr := c.monitor.Stop(); serr != nil && err == nil {
			err = serr
		}
	}()

	if err := c.step(cb, GainCalLED, int(brightness)); err != nil {
		return 0, 0, err
	}
	time.Sleep(c.settleDelay(brightness))
	c.monitor.Flush()

	// Skip the cycle in progress when the flush happened.
	if _, err := c.monitor.NextReading(0); err != nil {
		return 0, 0, err
	}

	return c.monitor.RawReadLoop(calReadCount)
}

// cooldown turns the LED off and waits between illuminated reads so
// LED self-heating from one read does not bias the next.
func (c *GainCalibrator) cooldown(cb GainCalCallback) error {
	if err := c.monitor.SetLight(LightOff, false, 0); err != nil {
		return err
	}
	for i := c.CooldownTicks; i > 0; i-- {
		if err := c.step(cb, GainCalCooldown, i); err != nil {
			return err
		}
		time.Sleep(c.CooldownTick)
	}
	return nil
}

func (c *GainCalibrator) settleDelay(brightness uint8) time.Duration {
	if brightness < 64 {
		return c.LEDSettleLow
	}
	return c.LEDSettleHigh
}

func (c *GainCalibrator) step(cb GainCalCallback, status GainCalStatus, param int) error {
	if !c.notify(cb, status, param) {
		return ErrAborted
	}
	return nil
}

func (c *GainCalibrator) notify(cb GainCalCallback, status GainCalStatus, param int) bool {
	if cb == nil {
		return true
	}
	return cb(status, param)
}

func clampGain(v, min, max, typ float32) float32 {
	if math32.IsNaN(v) || v < min || v > max {
		return typ
	}
	return v
}
