package sensor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/config"
	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

type lightCall struct {
	source     LightSource
	nextCycle  bool
	brightness uint8
}

// stubDevice is a hand-fed Device for exercising the monitor without
// timing dependencies.
type stubDevice struct {
	readings chan Reading
	lights   []lightCall
	failAll  bool
}

func newStubDevice() *stubDevice {
	return &stubDevice{readings: make(chan Reading, 16)}
}

func (d *stubDevice) Connect() error { return nil }
func (d *stubDevice) Close() error   { return nil }

func (d *stubDevice) Configure(gain tsl2591.Gain, time tsl2591.Time) error {
	if d.failAll {
		return ErrSensor
	}
	return nil
}

func (d *stubDevice) Start() error {
	if d.failAll {
		return ErrSensor
	}
	return nil
}

func (d *stubDevice) Stop() error {
	if d.failAll {
		return ErrSensor
	}
	return nil
}

func (d *stubDevice) SetLight(source LightSource, nextCycle bool, brightness uint8) error {
	if d.failAll {
		return ErrSensor
	}
	d.lights = append(d.lights, lightCall{source, nextCycle, brightness})
	return nil
}

func (d *stubDevice) Readings() <-chan Reading { return d.readings }
func (d *stubDevice) IsConnected() bool        { return true }

func (d *stubDevice) push(count uint32, ch0, ch1 uint16, gain tsl2591.Gain, t tsl2591.Time) {
	d.readings <- Reading{Ch0: ch0, Ch1: ch1, Gain: gain, Time: t, Count: count, Timestamp: time.Now()}
}

func newTestSettings(t *testing.T) *config.Settings {
	t.Helper()
	s, err := config.Open("")
	require.NoError(t, err)
	return s
}

func TestNextReadingTimeout(t *testing.T) {
	m := NewMonitor(newStubDevice(), newTestSettings(t))

	_, err := m.NextReading(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrSensor)
}

func TestNextReadingClosedChannel(t *testing.T) {
	dev := newStubDevice()
	m := NewMonitor(dev, newTestSettings(t))

	close(dev.readings)
	_, err := m.NextReading(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrSensor)
}

func TestNextReadingContiguity(t *testing.T) {
	dev := newStubDevice()
	m := NewMonitor(dev, newTestSettings(t))

	dev.push(1, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)
	dev.push(2, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)
	dev.push(4, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)

	r, err := m.NextReading(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.Count)

	r, err = m.NextReading(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), r.Count)

	_, err = m.NextReading(0)
	assert.ErrorIs(t, err, ErrTiming)
}

func TestNextReadingRepeatIsTimingFault(t *testing.T) {
	dev := newStubDevice()
	m := NewMonitor(dev, newTestSettings(t))

	dev.push(5, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)
	dev.push(5, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)

	_, err := m.NextReading(0)
	require.NoError(t, err)
	_, err = m.NextReading(0)
	assert.ErrorIs(t, err, ErrTiming)
}

func TestStartResetsContiguity(t *testing.T) {
	dev := newStubDevice()
	m := NewMonitor(dev, newTestSettings(t))

	dev.push(7, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)
	_, err := m.NextReading(0)
	require.NoError(t, err)

	require.NoError(t, m.Start())

	// A fresh run restarts its counter; no fault expected.
	dev.push(1, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)
	_, err = m.NextReading(0)
	assert.NoError(t, err)
}

func TestStartFlushesStaleReadings(t *testing.T) {
	dev := newStubDevice()
	m := NewMonitor(dev, newTestSettings(t))

	dev.push(40, 999, 1, tsl2591.GainMedium, tsl2591.Time100ms)
	dev.push(41, 999, 1, tsl2591.GainMedium, tsl2591.Time100ms)

	require.NoError(t, m.Start())
	dev.push(1, 10, 1, tsl2591.GainMedium, tsl2591.Time100ms)

	r, err := m.NextReading(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.Count)
	assert.Equal(t, uint16(10), r.Ch0)
}

func TestToBasicCounts(t *testing.T) {
	settings := newTestSettings(t)
	require.NoError(t, settings.SetGainCalibration(config.CalGain{
		Ch0Medium:  24.5,
		Ch1Medium:  24.5,
		Ch0High:    400.0,
		Ch1High:    400.0,
		Ch0Maximum: 9200.0,
		Ch1Maximum: 9900.0,
	}))
	m := NewMonitor(newStubDevice(), settings)

	tests := []struct {
		name     string
		r        Reading
		wantCh0  float32
		wantCh1  float32
		tolerant float32
	}{
		{
			name:     "medium gain 100ms",
			r:        Reading{Ch0: 2450, Ch1: 245, Gain: tsl2591.GainMedium, Time: tsl2591.Time100ms},
			wantCh0:  408.0,
			wantCh1:  40.8,
			tolerant: 0.01,
		},
		{
			name:     "low gain normalizes by time only",
			r:        Reading{Ch0: 100, Ch1: 100, Gain: tsl2591.GainLow, Time: tsl2591.Time100ms},
			wantCh0:  408.0,
			wantCh1:  408.0,
			tolerant: 0.01,
		},
		{
			name:     "maximum gain differs per channel",
			r:        Reading{Ch0: 9200, Ch1: 9900, Gain: tsl2591.GainMaximum, Time: tsl2591.Time200ms},
			wantCh0:  2.04,
			wantCh1:  2.04,
			tolerant: 0.001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch0, ch1 := m.ToBasicCounts(tt.r)
			assert.InDelta(t, tt.wantCh0, ch0, float64(tt.tolerant))
			assert.InDelta(t, tt.wantCh1, ch1, float64(tt.tolerant))
		})
	}
}

func TestSetLightIdle(t *testing.T) {
	dev := newStubDevice()
	m := NewMonitor(dev, newTestSettings(t))

	require.NoError(t, m.SetLightIdle(LightReflection))
	require.NoError(t, m.SetLightIdle(LightTransmission))
	require.NoError(t, m.SetLightIdle(LightOff))

	require.Len(t, dev.lights, 3)
	assert.Equal(t, lightCall{LightReflection, false, ReflectionIdleBrightness}, dev.lights[0])
	assert.Equal(t, lightCall{LightTransmission, false, TransmissionIdleBrightness}, dev.lights[1])
	assert.Equal(t, lightCall{LightOff, false, 0}, dev.lights[2])
}

func TestSetMeasurementLight(t *testing.T) {
	dev := newStubDevice()
	settings := newTestSettings(t)
	require.NoError(t, settings.SetLightCalibration(config.CalLight{Reflection: 128, Transmission: 90}))
	m := NewMonitor(dev, settings)

	require.NoError(t, m.SetMeasurementLight(LightTransmission))
	require.NoError(t, m.SetMeasurementLight(LightReflection))

	require.Len(t, dev.lights, 2)
	assert.Equal(t, lightCall{LightTransmission, true, 90}, dev.lights[0])
	assert.Equal(t, lightCall{LightReflection, true, 128}, dev.lights[1])
}

func TestMonitorWrapsDeviceErrors(t *testing.T) {
	dev := newStubDevice()
	dev.failAll = true
	m := NewMonitor(dev, newTestSettings(t))

	assert.True(t, errors.Is(m.Configure(tsl2591.GainLow, tsl2591.Time100ms), ErrSensor))
	assert.True(t, errors.Is(m.Start(), ErrSensor))
	assert.True(t, errors.Is(m.Stop(), ErrSensor))
	assert.True(t, errors.Is(m.SetLight(LightOff, false, 0), ErrSensor))
}
