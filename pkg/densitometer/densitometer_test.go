package densitometer

import (
	"fmt"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/config"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/sensor"
)

// stubReader feeds canned basic-count readings into the density math.
type stubReader struct {
	ch0, ch1 float32
	err      error

	readCalls      int
	lastSource     sensor.LightSource
	lastIterations int
	idleCalls      []sensor.LightSource
}

func (r *stubReader) ReadTarget(source sensor.LightSource, iterations int) (float32, float32, error) {
	r.readCalls++
	r.lastSource = source
	r.lastIterations = iterations
	if r.err != nil {
		return 0, 0, r.err
	}
	return r.ch0, r.ch1, nil
}

func (r *stubReader) SetLightIdle(source sensor.LightSource) error {
	r.idleCalls = append(r.idleCalls, source)
	return nil
}

func reflectionSettings(t *testing.T) *config.Settings {
	t.Helper()
	s, err := config.Open("")
	require.NoError(t, err)
	require.NoError(t, s.SetReflectionCalibration(config.CalReflection{
		LoDensity: 0.0, LoReading: 200.0,
		HiDensity: 2.0, HiReading: 2.0,
	}))
	return s
}

func transmissionSettings(t *testing.T) *config.Settings {
	t.Helper()
	s, err := config.Open("")
	require.NoError(t, err)
	require.NoError(t, s.SetTransmissionCalibration(config.CalTransmission{
		ZeroReading: 326.0, HiDensity: 3.0, HiReading: 0.326,
	}))
	return s
}

func TestMeasureReflection(t *testing.T) {
	tests := []struct {
		name    string
		reading float32
		want    float32
	}{
		{
			name:    "lo point reproduces lo density",
			reading: 200.0,
			want:    0.0,
		},
		{
			name:    "hi point reproduces hi density",
			reading: 2.0,
			want:    2.0,
		},
		{
			name:    "log midpoint yields midpoint density",
			reading: 20.0,
			want:    1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &stubReader{ch0: tt.reading}
			d := New(reader, reflectionSettings(t))

			density, err := d.MeasureReflection()
			require.NoError(t, err)
			assert.InDelta(t, tt.want, density, 0.001)
			assert.InDelta(t, tt.want, d.LastReflection(), 0.001)

			assert.Equal(t, sensor.LightReflection, reader.lastSource)
			assert.Equal(t, 2, reader.lastIterations)
			assert.Equal(t, []sensor.LightSource{sensor.LightReflection}, reader.idleCalls)
		})
	}
}

func TestMeasureReflectionWithoutCalibration(t *testing.T) {
	s, err := config.Open("")
	require.NoError(t, err)
	reader := &stubReader{ch0: 20.0}
	d := New(reader, s)

	_, err = d.MeasureReflection()
	assert.ErrorIs(t, err, ErrCalibration)
	assert.Equal(t, 0, reader.readCalls)
	assert.True(t, math32.IsNaN(d.LastReflection()))
}

func TestMeasureTransmission(t *testing.T) {
	tests := []struct {
		name    string
		reading float32
		want    float32
	}{
		{
			name:    "zero reference yields zero density",
			reading: 326.0,
			want:    0.0,
		},
		{
			name:    "hi point reproduces hi density",
			reading: 0.326,
			want:    3.0,
		},
		{
			name:    "one decade down yields unit density",
			reading: 32.6,
			want:    1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &stubReader{ch0: tt.reading}
			d := New(reader, transmissionSettings(t))

			density, err := d.MeasureTransmission()
			require.NoError(t, err)
			assert.InDelta(t, tt.want, density, 0.001)
			assert.InDelta(t, tt.want, d.LastTransmission(), 0.001)
			assert.Equal(t, []sensor.LightSource{sensor.LightTransmission}, reader.idleCalls)
		})
	}
}

func TestCrossTalkClamp(t *testing.T) {
	// IR at or above the full spectrum channel reads as zero, never as
	// a negative subtraction.
	reader := &stubReader{ch0: 50.0, ch1: 60.0}
	d := New(reader, reflectionSettings(t))

	density, err := d.MeasureReflection()
	require.NoError(t, err)
	want := math32.Log10(200.0 / 50.0)
	assert.InDelta(t, want, density, 0.001)

	// Ordinary subtraction when IR is below the full spectrum channel.
	reader.ch0 = 60.0
	reader.ch1 = 10.0
	density, err = d.MeasureReflection()
	require.NoError(t, err)
	assert.InDelta(t, want, density, 0.001)
}

func TestSensorErrorLeavesLastReadingUnchanged(t *testing.T) {
	reader := &stubReader{ch0: 20.0}
	d := New(reader, reflectionSettings(t))

	density, err := d.MeasureReflection()
	require.NoError(t, err)
	require.InDelta(t, 1.0, density, 0.001)

	reader.err = fmt.Errorf("%w: port gone", sensor.ErrSensor)
	_, err = d.MeasureReflection()
	assert.ErrorIs(t, err, sensor.ErrSensor)
	assert.InDelta(t, 1.0, d.LastReflection(), 0.001)

	// Light still returns to idle on the failed path.
	assert.Equal(t, []sensor.LightSource{sensor.LightReflection, sensor.LightReflection}, reader.idleCalls)
}

func TestCalibrateParameterValidation(t *testing.T) {
	tests := []struct {
		name string
		call func(*Densitometer) error
	}{
		{
			name: "reflection lo negative",
			call: func(d *Densitometer) error { return d.CalibrateReflectionLo(-0.1) },
		},
		{
			name: "reflection hi above max",
			call: func(d *Densitometer) error { return d.CalibrateReflectionHi(2.6) },
		},
		{
			name: "transmission hi above max",
			call: func(d *Densitometer) error { return d.CalibrateTransmissionHi(4.5) },
		},
		{
			name: "reflection lo nan",
			call: func(d *Densitometer) error { return d.CalibrateReflectionLo(math32.NaN()) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := config.Open("")
			require.NoError(t, err)
			reader := &stubReader{ch0: 100.0}
			d := New(reader, s)

			assert.ErrorIs(t, tt.call(d), ErrParameter)
			// Validation happens before any hardware activity.
			assert.Equal(t, 0, reader.readCalls)
		})
	}
}

func TestCalibrationCaptureEndToEnd(t *testing.T) {
	s, err := config.Open("")
	require.NoError(t, err)
	reader := &stubReader{}
	d := New(reader, s)

	reader.ch0 = 200.0
	require.NoError(t, d.CalibrateReflectionLo(0.0))
	assert.Equal(t, 5, reader.lastIterations)

	reader.ch0 = 2.0
	require.NoError(t, d.CalibrateReflectionHi(2.0))

	reader.ch0 = 20.0
	density, err := d.MeasureReflection()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, density, 0.001)
}

func TestCalibrateTransmission(t *testing.T) {
	s, err := config.Open("")
	require.NoError(t, err)
	reader := &stubReader{}
	d := New(reader, s)

	reader.ch0 = 326.0
	require.NoError(t, d.CalibrateTransmissionZero())

	reader.ch0 = 0.326
	require.NoError(t, d.CalibrateTransmissionHi(3.0))

	reader.ch0 = 32.6
	density, err := d.MeasureTransmission()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, density, 0.001)
}

func TestCalibrateRejectsNoiseFloor(t *testing.T) {
	s, err := config.Open("")
	require.NoError(t, err)
	reader := &stubReader{ch0: 0.005}
	d := New(reader, s)

	assert.ErrorIs(t, d.CalibrateReflectionLo(0.0), ErrCalibration)
	assert.ErrorIs(t, d.CalibrateTransmissionZero(), ErrCalibration)

	_, ok := s.ReflectionCalibration()
	assert.False(t, ok)
	_, ok = s.TransmissionCalibration()
	assert.False(t, ok)
}

func TestApplySlopeCorrection(t *testing.T) {
	s, err := config.Open("")
	require.NoError(t, err)
	d := New(&stubReader{}, s)

	// No stored record passes readings through untouched.
	assert.Equal(t, float32(42.0), d.ApplySlopeCorrection(42.0))

	// Identity coefficients reproduce the input.
	require.NoError(t, s.SetSlopeCalibration(config.CalSlope{B0: 0, B1: 1, B2: 0}))
	assert.InDelta(t, 42.0, d.ApplySlopeCorrection(42.0), 0.01)

	// A constant offset in log space scales the reading.
	require.NoError(t, s.SetSlopeCalibration(config.CalSlope{B0: 0.1, B1: 1, B2: 0}))
	want := 42.0 * math32.Pow(10, 0.1)
	assert.InDelta(t, want, d.ApplySlopeCorrection(42.0), 0.01)

	// Non-positive and non-finite readings pass through.
	assert.Equal(t, float32(-5.0), d.ApplySlopeCorrection(-5.0))
	assert.Equal(t, float32(0), d.ApplySlopeCorrection(0))
	assert.True(t, math32.IsNaN(d.ApplySlopeCorrection(math32.NaN())))
}
