// Package config holds the operator settings (persisted as JSON and edited
// from the settings page) and the daemon options (TOML).
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// Form keys accepted by ApplyForm.
const (
	KeyInterface      = "interface"
	KeySensorType     = "sensor_type"
	KeyPulsesPerLiter = "pulses_per_liter"
	KeyUnits          = "units"
)

// ErrInvalidSetting is returned for form values that cannot be applied.
var ErrInvalidSetting = errors.New("invalid setting")

// Settings is the operator configuration, one per process.
type Settings struct {
	Interface      flow.InterfaceKind `json:"interface"`
	SensorType     string             `json:"sensor_type"`
	PulsesPerLiter float64            `json:"pulses_per_liter"`
	Units          flow.Units         `json:"units"`
	RateUnits      string             `json:"rate_units"` // derived from Units
}

// Defaults returns the settings used when nothing is persisted.
func Defaults() Settings {
	s := Settings{
		Interface:      flow.Simulated,
		SensorType:     "Seeed/Digiten 1/2 inch",
		PulsesPerLiter: 450.0,
		Units:          flow.Liters,
	}
	s.Derive()
	return s
}

// Derive recomputes fields that depend on other settings.
func (s *Settings) Derive() {
	s.RateUnits = s.Units.RateLabel()
}

// Calibration returns the converter inputs.
func (s Settings) Calibration() flow.Calibration {
	return flow.Calibration{PulsesPerLiter: s.PulsesPerLiter, Units: s.Units}
}

// Validate reports the first unusable field.
func (s Settings) Validate() error {
	if !s.Interface.Valid() {
		return fmt.Errorf("%w: interface %q", ErrInvalidSetting, s.Interface)
	}
	if !s.Units.Valid() {
		return fmt.Errorf("%w: units %q", ErrInvalidSetting, s.Units)
	}
	if math.IsNaN(s.PulsesPerLiter) || math.IsInf(s.PulsesPerLiter, 0) || s.PulsesPerLiter <= 0 {
		return fmt.Errorf("%w: pulses_per_liter must be a positive number, got %v", ErrInvalidSetting, s.PulsesPerLiter)
	}
	return nil
}

// ApplyForm returns a copy of s updated from a submitted settings form.
// pulses_per_liter is parsed as a float; other known keys are stored as strings.
// Absent keys keep their current value.
func (s Settings) ApplyForm(form map[string]string) (Settings, error) {
	out := s
	for key, raw := range form {
		v := strings.TrimSpace(raw)
		switch key {
		case KeyPulsesPerLiter:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return s, fmt.Errorf("%w: pulses_per_liter %q", ErrInvalidSetting, raw)
			}
			out.PulsesPerLiter = f
		case KeyInterface:
			out.Interface = flow.InterfaceKind(v)
		case KeySensorType:
			out.SensorType = v
		case KeyUnits:
			out.Units = flow.Units(v)
		default:
			log.Debugf("config: ignoring unknown setting %q", key)
		}
	}
	out.Derive()
	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}
