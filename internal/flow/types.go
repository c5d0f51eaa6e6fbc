// Package flow contains the pure flow-measurement logic: unit conversion,
// per-channel state and run summaries.
// This package has NO external I/O (no serial, GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package flow

import (
	"fmt"
	"time"
)

// NumChannels is the fixed number of sensor slots.
const NumChannels = 8

// LitersPerGallon converts liters to US gallons.
const LitersPerGallon = 3.78541

// Counters holds one raw pulse count per channel.
// Hardware back-ends report integers; the simulator accumulates fractional pulses.
type Counters [NumChannels]float64

// Units is the volume unit used for amounts and rates.
type Units string

const (
	Liters  Units = "Liters"
	Gallons Units = "Gallons"
)

// Valid reports whether u is a known unit.
func (u Units) Valid() bool {
	return u == Liters || u == Gallons
}

// RateLabel returns the display label for a rate in these units.
func (u Units) RateLabel() string {
	if u == Gallons {
		return "GpH"
	}
	return "LpH"
}

// InterfaceKind selects the hardware back-end.
type InterfaceKind string

const (
	Simulated InterfaceKind = "Simulated"
	Serial    InterfaceKind = "Arduino-Serial"
	GPIO      InterfaceKind = "RaspberryPi-GPIO"
)

// Valid reports whether k is a known interface.
func (k InterfaceKind) Valid() bool {
	switch k {
	case Simulated, Serial, GPIO:
		return true
	}
	return false
}

// Calibration is the subset of settings the converter needs.
type Calibration struct {
	PulsesPerLiter float64
	Units          Units
}

// Reading is the published result of one cycle.
type Reading struct {
	Time      time.Time
	Rates     [NumChannels]float64 // volume per hour
	Amounts   [NumChannels]float64 // volume since last reset
	Units     Units
	RateUnits string
}

// RunSummary describes the totals of one run, captured when the next run resets.
type RunSummary struct {
	Start   time.Time
	End     time.Time
	Amounts [NumChannels]float64
	Units   Units
	Cycles  int
}

// Duration returns the run length.
func (r RunSummary) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// ChannelIndexError reports an out-of-range channel index.
type ChannelIndexError int

func (e ChannelIndexError) Error() string {
	return fmt.Sprintf("flow: channel %d out of range [0,%d)", int(e), NumChannels)
}

// CheckChannel returns an error if ch is not a valid channel index.
func CheckChannel(ch int) error {
	if ch < 0 || ch >= NumChannels {
		return ChannelIndexError(ch)
	}
	return nil
}
