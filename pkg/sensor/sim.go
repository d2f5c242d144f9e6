package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

// SimConfig describes the optical model of a simulated sensor board.
// The gains are the true analog gains of the simulated part; the flux
// parameters set how much light reaches the sensor at full brightness.
type SimConfig struct {
	// True analog gains per tier, relative to the low tier.
	MediumGain     float32
	HighGain       float32
	MaximumCh0Gain float32
	MaximumCh1Gain float32

	// FullScaleFlux is the channel 0 photon flux at full LED brightness
	// with nothing in the light path, in counts per (gain * millisecond).
	FullScaleFlux float32
	// Ch1Fraction is the portion of the flux seen by the IR channel.
	Ch1Fraction float32
	// Transmittance and Reflectance attenuate the flux for the
	// respective light paths.
	Transmittance float32
	Reflectance   float32
	// DarkCounts is added to every integration regardless of light.
	DarkCounts float32

	// CyclePeriod is the wall-clock time between simulated cycles. It is
	// deliberately much shorter than a real integration so tests run
	// quickly; the density math only ever sees the configured
	// integration time.
	CyclePeriod time.Duration

	// BufferSize is the readings channel capacity.
	BufferSize int
}

// DefaultSimConfig returns a simulated part with datasheet typical gains.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		MediumGain:     tsl2591.GainMediumTyp,
		HighGain:       tsl2591.GainHighTyp,
		MaximumCh0Gain: tsl2591.GainMaximumCh0Typ,
		MaximumCh1Gain: tsl2591.GainMaximumCh1Typ,
		FullScaleFlux:  0.8,
		Ch1Fraction:    0.1,
		Transmittance:  1.0,
		Reflectance:    0.5,
		DarkCounts:     1.0,
		CyclePeriod:    2 * time.Millisecond,
		BufferSize:     DefaultBufferSize,
	}
}

type simLight struct {
	source     LightSource
	brightness uint8
}

// Sim is an in-process Device with a simple optical model, standing in
// for the sensor board during tests and bench bring-up.
type Sim struct {
	cfg SimConfig

	mu        sync.Mutex
	connected bool
	running   bool
	gain      tsl2591.Gain
	time      tsl2591.Time
	light     simLight
	pending   *simLight
	count     uint32
	readings  chan Reading
	stop      chan struct{}
	done      chan struct{}
}

// NewSim creates a simulated device.
func NewSim(cfg SimConfig) *Sim {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.CyclePeriod == 0 {
		cfg.CyclePeriod = 2 * time.Millisecond
	}
	return &Sim{
		cfg:      cfg,
		gain:     tsl2591.GainMedium,
		time:     tsl2591.Time100ms,
		readings: make(chan Reading, cfg.BufferSize),
	}
}

// Connect marks the simulated device as connected.
func (d *Sim) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return fmt.Errorf("already connected")
	}
	d.connected = true
	return nil
}

// Close stops sampling and closes the readings channel.
func (d *Sim) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = false
	stop := d.stop
	done := d.done
	d.stop = nil
	d.done = nil
	d.running = false
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	close(d.readings)
	return nil
}

// IsConnected returns whether the device is connected.
func (d *Sim) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Configure sets the simulated gain and integration time.
func (d *Sim) Configure(gain tsl2591.Gain, time tsl2591.Time) error {
	if !gain.Valid() || !time.Valid() {
		return fmt.Errorf("%w: gain=%d time=%d", ErrParameter, gain, time)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("%w: not connected", ErrSensor)
	}
	d.gain = gain
	d.time = time
	return nil
}

// Start begins emitting one reading per cycle period. The cycle counter
// restarts from zero.
func (d *Sim) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("%w: not connected", ErrSensor)
	}
	if d.running {
		return nil
	}
	d.count = 0
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
	return nil
}

// Stop halts the cycle loop. Safe to call when not sampling.
func (d *Sim) Stop() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrSensor)
	}
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	stop := d.stop
	done := d.done
	d.stop = nil
	d.done = nil
	d.running = false
	d.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// SetLight changes the simulated LED state. With nextCycle set while
// sampling, the change latches at the next cycle boundary.
func (d *Sim) SetLight(source LightSource, nextCycle bool, brightness uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("%w: not connected", ErrSensor)
	}
	l := simLight{source: source, brightness: brightness}
	if nextCycle && d.running {
		d.pending = &l
	} else {
		d.light = l
		d.pending = nil
	}
	return nil
}

// Readings returns the channel of simulated cycles.
func (d *Sim) Readings() <-chan Reading {
	return d.readings
}

func (d *Sim) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.CyclePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			r := d.cycle(now)
			select {
			case d.readings <- r:
			case <-stop:
				return
			}
		}
	}
}

// cycle latches any pending light change, then integrates one reading
// from the optical model.
func (d *Sim) cycle(now time.Time) Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		d.light = *d.pending
		d.pending = nil
	}

	flux := d.flux()
	atime := d.time.Milliseconds()
	limit := d.time.SaturationLimit()

	ch0 := flux*d.gainFactor(0)*atime + d.cfg.DarkCounts
	ch1 := flux*d.cfg.Ch1Fraction*d.gainFactor(1)*atime + d.cfg.DarkCounts

	d.count++
	return Reading{
		Ch0:       clampCount(ch0, limit),
		Ch1:       clampCount(ch1, limit),
		Gain:      d.gain,
		Time:      d.time,
		Count:     d.count,
		Timestamp: now,
	}
}

func (d *Sim) flux() float32 {
	b := float32(d.light.brightness) / 128.0
	switch d.light.source {
	case LightReflection:
		return d.cfg.FullScaleFlux * b * d.cfg.Reflectance
	case LightTransmission:
		return d.cfg.FullScaleFlux * b * d.cfg.Transmittance
	default:
		return 0
	}
}

func (d *Sim) gainFactor(channel int) float32 {
	switch d.gain {
	case tsl2591.GainMedium:
		return d.cfg.MediumGain
	case tsl2591.GainHigh:
		return d.cfg.HighGain
	case tsl2591.GainMaximum:
		if channel == 0 {
			return d.cfg.MaximumCh0Gain
		}
		return d.cfg.MaximumCh1Gain
	default:
		return 1.0
	}
}

func clampCount(v float32, limit uint16) uint16 {
	if math32.IsNaN(v) || v < 0 {
		return 0
	}
	if v >= float32(limit) {
		return limit
	}
	return uint16(v)
}
