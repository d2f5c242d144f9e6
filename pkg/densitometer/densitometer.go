// Package densitometer turns calibrated sensor readings into optical
// density values for reflection and transmission targets.
package densitometer

import (
	"fmt"
	"sync"

	"github.com/chewxy/math32"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/config"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/sensor"
)

const (
	// MaxReflectionDensity and MaxTransmissionDensity bound the density
	// arguments accepted for calibration points.
	MaxReflectionDensity   = 2.5
	MaxTransmissionDensity = 4.0

	// noiseFloor is the minimum basic-count value a calibration capture
	// may record. Anything lower means the target was not illuminated
	// or the aperture was blocked.
	noiseFloor = 0.01

	measureIterations   = 2
	calibrateIterations = 5
)

// TargetReader provides averaged illuminated target readings. Satisfied
// by sensor.Monitor.
type TargetReader interface {
	ReadTarget(source sensor.LightSource, iterations int) (ch0, ch1 float32, err error)
	SetLightIdle(source sensor.LightSource) error
}

// Densitometer is a measurement session over one sensor. It owns the
// per-mode last reading values, which update only on successful
// measurements.
type Densitometer struct {
	reader   TargetReader
	settings *config.Settings

	mu               sync.Mutex
	lastReflection   float32
	lastTransmission float32
}

// New creates a session. The last reading values start as NaN until the
// first successful measurement in each mode.
func New(reader TargetReader, settings *config.Settings) *Densitometer {
	return &Densitometer{
		reader:           reader,
		settings:         settings,
		lastReflection:   math32.NaN(),
		lastTransmission: math32.NaN(),
	}
}

// MeasureReflection reads a reflection target and interpolates its
// density in log space between the two stored calibration points:
//
//	D = loD + (hiD-loD)/(log10(hiV)-log10(loV)) * (log10(meas)-log10(loV))
func (d *Densitometer) MeasureReflection() (float32, error) {
	cal, ok := d.settings.ReflectionCalibration()
	if !ok {
		return 0, fmt.Errorf("%w: reflection calibration not set", ErrCalibration)
	}

	meas, err := d.readTarget(sensor.LightReflection, measureIterations)
	if err != nil {
		return 0, err
	}

	loLL := math32.Log10(cal.LoReading)
	hiLL := math32.Log10(cal.HiReading)
	measLL := math32.Log10(meas)

	slope := (cal.HiDensity - cal.LoDensity) / (hiLL - loLL)
	density := cal.LoDensity + slope*(measLL-loLL)

	d.mu.Lock()
	d.lastReflection = density
	d.mu.Unlock()
	return density, nil
}

// MeasureTransmission reads a transmission target and computes its
// density against the zero-light reference, scaled so the stored high
// calibration point reproduces its density exactly:
//
//	measD = -log10(meas/zero)
//	D     = measD * hiD / -log10(hiV/zero)
func (d *Densitometer) MeasureTransmission() (float32, error) {
	cal, ok := d.settings.TransmissionCalibration()
	if !ok {
		return 0, fmt.Errorf("%w: transmission calibration not set", ErrCalibration)
	}

	meas, err := d.readTarget(sensor.LightTransmission, measureIterations)
	if err != nil {
		return 0, err
	}

	measD := -math32.Log10(meas / cal.ZeroReading)
	calHiD := -math32.Log10(cal.HiReading / cal.ZeroReading)
	density := measD * (cal.HiDensity / calHiD)

	d.mu.Lock()
	d.lastTransmission = density
	d.mu.Unlock()
	return density, nil
}

// CalibrateReflectionLo captures the low reflection calibration point
// for a target of known density.
func (d *Densitometer) CalibrateReflectionLo(density float32) error {
	if !validDensity(density, MaxReflectionDensity) {
		return fmt.Errorf("%w: reflection density %f", ErrParameter, density)
	}
	meas, err := d.calibrationReading(sensor.LightReflection)
	if err != nil {
		return err
	}
	return d.settings.SetReflectionLo(density, meas)
}

// CalibrateReflectionHi captures the high reflection calibration point
// for a target of known density.
func (d *Densitometer) CalibrateReflectionHi(density float32) error {
	if !validDensity(density, MaxReflectionDensity) {
		return fmt.Errorf("%w: reflection density %f", ErrParameter, density)
	}
	meas, err := d.calibrationReading(sensor.LightReflection)
	if err != nil {
		return err
	}
	return d.settings.SetReflectionHi(density, meas)
}

// CalibrateTransmissionZero captures the zero-light transmission
// reference with nothing in the light path.
func (d *Densitometer) CalibrateTransmissionZero() error {
	meas, err := d.calibrationReading(sensor.LightTransmission)
	if err != nil {
		return err
	}
	return d.settings.SetTransmissionZero(meas)
}

// CalibrateTransmissionHi captures the high transmission calibration
// point for a target of known density.
func (d *Densitometer) CalibrateTransmissionHi(density float32) error {
	if !validDensity(density, MaxTransmissionDensity) {
		return fmt.Errorf("%w: transmission density %f", ErrParameter, density)
	}
	meas, err := d.calibrationReading(sensor.LightTransmission)
	if err != nil {
		return err
	}
	return d.settings.SetTransmissionHi(density, meas)
}

// ApplySlopeCorrection maps a basic-count reading through the stored
// quadratic slope correction in log space. It is a separate downstream
// step, never applied inside the measurement paths. Non-positive or
// non-finite readings, or an unset slope record, pass through
// unchanged.
func (d *Densitometer) ApplySlopeCorrection(reading float32) float32 {
	if math32.IsNaN(reading) || math32.IsInf(reading, 0) || reading <= 0 {
		return reading
	}
	sl, ok := d.settings.SlopeCalibration()
	if !ok {
		return reading
	}
	l := math32.Log10(reading)
	return math32.Pow(10, sl.B0+sl.B1*l+sl.B2*l*l)
}

// LastReflection returns the most recent successful reflection density,
// or NaN if there has not been one.
func (d *Densitometer) LastReflection() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReflection
}

// LastTransmission returns the most recent successful transmission
// density, or NaN if there has not been one.
func (d *Densitometer) LastTransmission() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTransmission
}

// readTarget takes an averaged reading and reduces it to the single
// visible-light value the density math uses. The light always returns
// to idle, even on error.
func (d *Densitometer) readTarget(source sensor.LightSource, iterations int) (float32, error) {
	defer d.reader.SetLightIdle(source)

	ch0, ch1, err := d.reader.ReadTarget(source, iterations)
	if err != nil {
		return 0, err
	}
	return subtractChannels(ch0, ch1), nil
}

// calibrationReading takes the longer averaged reading used for
// calibration captures and enforces the noise floor.
func (d *Densitometer) calibrationReading(source sensor.LightSource) (float32, error) {
	meas, err := d.readTarget(source, calibrateIterations)
	if err != nil {
		return 0, err
	}
	if meas < noiseFloor {
		return 0, fmt.Errorf("%w: reading %f below noise floor", ErrCalibration, meas)
	}
	return meas, nil
}

// subtractChannels removes the IR channel's contribution from the full
// spectrum channel. An IR value at or above the full spectrum value is
// cross-talk and is treated as zero rather than producing a negative
// reading.
func subtractChannels(ch0, ch1 float32) float32 {
	if ch1 >= ch0 {
		return ch0
	}
	return ch0 - ch1
}

func validDensity(d, max float32) bool {
	return !math32.IsNaN(d) && d >= 0 && d <= max
}
