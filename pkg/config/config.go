// Package config is the persistent settings store for the densitometer's
// calibration records. Records are read and written as complete structs;
// there are no partial-field updates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chewxy/math32"
	"gopkg.in/yaml.v3"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

// CalGain holds the empirically calibrated per-channel gain factors for
// each tier, expressed relative to the low tier (defined as 1.0x).
type CalGain struct {
	Ch0Medium  float32 `yaml:"ch0_medium"`
	Ch1Medium  float32 `yaml:"ch1_medium"`
	Ch0High    float32 `yaml:"ch0_high"`
	Ch1High    float32 `yaml:"ch1_high"`
	Ch0Maximum float32 `yaml:"ch0_maximum"`
	Ch1Maximum float32 `yaml:"ch1_maximum"`
}

// Fields returns the channel gain factor pair for a tier.
func (g CalGain) Fields(gain tsl2591.Gain) (ch0, ch1 float32) {
	switch gain {
	case tsl2591.GainMedium:
		return g.Ch0Medium, g.Ch1Medium
	case tsl2591.GainHigh:
		return g.Ch0High, g.Ch1High
	case tsl2591.GainMaximum:
		return g.Ch0Maximum, g.Ch1Maximum
	default:
		return 1.0, 1.0
	}
}

// CalLight holds the calibrated LED brightness bytes (0-128 scale) for
// the two read cycles.
type CalLight struct {
	Reflection   uint8 `yaml:"reflection"`
	Transmission uint8 `yaml:"transmission"`
}

// CalReflection holds the two reflection density reference points.
type CalReflection struct {
	LoDensity float32 `yaml:"lo_density"`
	LoReading float32 `yaml:"lo_reading"`
	HiDensity float32 `yaml:"hi_density"`
	HiReading float32 `yaml:"hi_reading"`
}

// CalTransmission holds the zero-light reference and the high density
// reference point.
type CalTransmission struct {
	ZeroReading float32 `yaml:"zero_reading"`
	HiDensity   float32 `yaml:"hi_density"`
	HiReading   float32 `yaml:"hi_reading"`
}

// CalSlope holds the quadratic slope-correction coefficients, applied in
// log-density space.
type CalSlope struct {
	B0 float32 `yaml:"b0"`
	B1 float32 `yaml:"b1"`
	B2 float32 `yaml:"b2"`
}

type calData struct {
	Gain         CalGain         `yaml:"gain"`
	Light        CalLight        `yaml:"light"`
	Reflection   CalReflection   `yaml:"reflection"`
	Transmission CalTransmission `yaml:"transmission"`
	Slope        CalSlope        `yaml:"slope"`
}

// Settings is a file-backed calibration store. A Settings with an empty
// path keeps records in memory only, which is useful for tests.
type Settings struct {
	path string
	mu   sync.RWMutex
	data calData
}

// DefaultGain returns the datasheet typical gain factors, used when no
// stored gain calibration is usable.
func DefaultGain() CalGain {
	return CalGain{
		Ch0Medium:  tsl2591.GainMediumTyp,
		Ch1Medium:  tsl2591.GainMediumTyp,
		Ch0High:    tsl2591.GainHighTyp,
		Ch1High:    tsl2591.GainHighTyp,
		Ch0Maximum: tsl2591.GainMaximumCh0Typ,
		Ch1Maximum: tsl2591.GainMaximumCh1Typ,
	}
}

// DefaultLight returns the full-brightness light values used before a
// gain calibration has found a measurement brightness.
func DefaultLight() CalLight {
	return CalLight{Reflection: 128, Transmission: 128}
}

// Open loads the settings file at path, or returns a store with zeroed
// records if the file does not exist yet. An empty path yields an
// in-memory store.
func Open(path string) (*Settings, error) {
	s := &Settings{path: path}

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	return s, nil
}

// GainCalibration returns the stored gain record. An unusable record is
// replaced with the datasheet typical values and reported invalid.
func (s *Settings) GainCalibration() (CalGain, bool) {
	s.mu.RLock()
	g := s.data.Gain
	s.mu.RUnlock()

	if !gainFieldOK(g.Ch0Medium, tsl2591.GainMediumMin, tsl2591.GainMediumMax) ||
		!gainFieldOK(g.Ch1Medium, tsl2591.GainMediumMin, tsl2591.GainMediumMax) ||
		!gainFieldOK(g.Ch0High, tsl2591.GainHighMin, tsl2591.GainHighMax) ||
		!gainFieldOK(g.Ch1High, tsl2591.GainHighMin, tsl2591.GainHighMax) ||
		!gainFieldOK(g.Ch0Maximum, tsl2591.GainMaximumCh0Min, tsl2591.GainMaximumCh0Max) ||
		!gainFieldOK(g.Ch1Maximum, tsl2591.GainMaximumCh1Min, tsl2591.GainMaximumCh1Max) {
		return DefaultGain(), false
	}
	return g, true
}

// SetGainCalibration replaces the gain record and persists the store.
func (s *Settings) SetGainCalibration(g CalGain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Gain = g
	return s.save()
}

// LightCalibration returns the stored light record, substituting full
// brightness defaults when either channel value is missing.
func (s *Settings) LightCalibration() (CalLight, bool) {
	s.mu.RLock()
	l := s.data.Light
	s.mu.RUnlock()

	if l.Reflection == 0 || l.Transmission == 0 {
		return DefaultLight(), false
	}
	return l, true
}

// SetLightCalibration replaces the light record and persists the store.
func (s *Settings) SetLightCalibration(l CalLight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Light = l
	return s.save()
}

// ReflectionCalibration returns the stored reflection reference points.
// Density must increase while the reading decreases between the lo and hi
// points; anything else is reported invalid with a zeroed record.
func (s *Settings) ReflectionCalibration() (CalReflection, bool) {
	s.mu.RLock()
	r := s.data.Reflection
	s.mu.RUnlock()

	if !finite(r.LoDensity) || !finite(r.HiDensity) || !finite(r.LoReading) || !finite(r.HiReading) ||
		r.LoDensity < 0 || r.HiDensity <= r.LoDensity ||
		r.LoReading <= 0 || r.HiReading <= 0 || r.HiReading >= r.LoReading {
		return CalReflection{}, false
	}
	return r, true
}

// SetReflectionCalibration replaces the reflection record and persists
// the store.
func (s *Settings) SetReflectionCalibration(r CalReflection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Reflection = r
	return s.save()
}

// SetReflectionLo updates only the low reflection reference point and
// persists the store.
func (s *Settings) SetReflectionLo(density, reading float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Reflection.LoDensity = density
	s.data.Reflection.LoReading = reading
	return s.save()
}

// SetReflectionHi updates only the high reflection reference point and
// persists the store.
func (s *Settings) SetReflectionHi(density, reading float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Reflection.HiDensity = density
	s.data.Reflection.HiReading = reading
	return s.save()
}

// TransmissionCalibration returns the stored transmission references.
func (s *Settings) TransmissionCalibration() (CalTransmission, bool) {
	s.mu.RLock()
	tr := s.data.Transmission
	s.mu.RUnlock()

	if !finite(tr.ZeroReading) || !finite(tr.HiDensity) || !finite(tr.HiReading) ||
		tr.ZeroReading <= 0 || tr.HiDensity <= 0 ||
		tr.HiReading <= 0 || tr.HiReading >= tr.ZeroReading {
		return CalTransmission{}, false
	}
	return tr, true
}

// SetTransmissionCalibration replaces the transmission record and
// persists the store.
func (s *Settings) SetTransmissionCalibration(tr CalTransmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Transmission = tr
	return s.save()
}

// SetTransmissionZero updates only the zero-light transmission reference
// and persists the store.
func (s *Settings) SetTransmissionZero(reading float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Transmission.ZeroReading = reading
	return s.save()
}

// SetTransmissionHi updates only the high transmission reference point
// and persists the store.
func (s *Settings) SetTransmissionHi(density, reading float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Transmission.HiDensity = density
	s.data.Transmission.HiReading = reading
	return s.save()
}

// SlopeCalibration returns the stored slope-correction coefficients.
// Slope correction is optional; absence is reported as invalid and the
// consumer passes readings through uncorrected.
func (s *Settings) SlopeCalibration() (CalSlope, bool) {
	s.mu.RLock()
	sl := s.data.Slope
	s.mu.RUnlock()

	if !finite(sl.B0) || !finite(sl.B1) || !finite(sl.B2) {
		return CalSlope{}, false
	}
	if sl.B0 == 0 && sl.B1 == 0 && sl.B2 == 0 {
		return CalSlope{}, false
	}
	return sl, true
}

// SetSlopeCalibration replaces the slope record and persists the store.
func (s *Settings) SetSlopeCalibration(sl CalSlope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Slope = sl
	return s.save()
}

// save writes the whole store to disk via a temp file and rename, so a
// failed write never leaves a truncated settings file. Caller holds the
// write lock.
func (s *Settings) save() error {
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return fmt.Errorf("failed to create settings temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close settings temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

func gainFieldOK(v, min, max float32) bool {
	return finite(v) && v >= min && v <= max
}

func finite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}
