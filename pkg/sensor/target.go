package sensor

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

// autoRangeThreshold is the raw channel 0 count above which a target is
// too bright for maximum gain and measurement drops to high gain.
const autoRangeThreshold = 32700

// RawReadLoop averages a contiguous run of raw readings as the
// geometric mean of each channel. The geometric mean suits the
// logarithmic density math downstream. Any saturated reading aborts the
// loop with ErrSaturated.
func (m *Monitor) RawReadLoop(count int) (ch0, ch1 float32, err error) {
	if count < 1 {
		return 0, 0, fmt.Errorf("%w: read count %d", ErrParameter, count)
	}

	var sumLog0, sumLog1 float32
	for i := 0; i < count; i++ {
		r, err := m.NextReading(0)
		if err != nil {
			return 0, 0, err
		}
		if r.Saturated() {
			return 0, 0, fmt.Errorf("%w: ch0=%d ch1=%d at gain %s", ErrSaturated, r.Ch0, r.Ch1, r.Gain)
		}
		sumLog0 += math32.Log(float32(r.Ch0))
		sumLog1 += math32.Log(float32(r.Ch1))
	}

	n := float32(count)
	return math32.Exp(sumLog0 / n), math32.Exp(sumLog1 / n), nil
}

// ReadTarget runs one full illuminated measurement: it lights the target
// with the calibrated brightness for the source, auto-ranges the gain,
// and returns the averaged reading in basic counts. The light is turned
// off and sampling stopped before returning, on every path.
func (m *Monitor) ReadTarget(source LightSource, iterations int) (ch0, ch1 float32, err error) {
	if source != LightReflection && source != LightTransmission {
		return 0, 0, fmt.Errorf("%w: light source %s", ErrParameter, source)
	}
	if iterations < 1 {
		return 0, 0, fmt.Errorf("%w: iterations %d", ErrParameter, iterations)
	}

	gain := tsl2591.GainMaximum
	if err := m.Configure(gain, tsl2591.Time100ms); err != nil {
		return 0, 0, err
	}
	if err := m.SetMeasurementLight(source); err != nil {
		return 0, 0, err
	}
	if err := m.Start(); err != nil {
		return 0, 0, err
	}
	defer func() {
		if serr := m.Stop(); serr != nil && err == nil {
			err = serr
		}
		if lerr := m.SetLight(LightOff, false, 0); lerr != nil && err == nil {
			err = lerr
		}
	}()

	// The light latches at the first cycle boundary, so the first cycle
	// is only partly exposed.
	if _, err = m.NextReading(0); err != nil {
		return 0, 0, err
	}

	// Range check at maximum gain. Saturation here is expected for
	// bright targets and just selects the lower tier.
	r, err := m.NextReading(0)
	if err != nil {
		return 0, 0, err
	}
	if r.Ch0 > autoRangeThreshold {
		gain = tsl2591.GainHigh
	}

	itime := tsl2591.Time200ms
	if err = m.Configure(gain, itime); err != nil {
		return 0, 0, err
	}

	// Discard the cycle that straddles the reconfiguration.
	if _, err = m.NextReading(0); err != nil {
		return 0, 0, err
	}

	rawCh0, rawCh1, err := m.RawReadLoop(iterations)
	if err != nil {
		return 0, 0, err
	}

	ch0, ch1 = m.BasicCounts(rawCh0, rawCh1, gain, itime)
	return ch0, ch1, nil
}
