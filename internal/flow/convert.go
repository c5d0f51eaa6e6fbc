package flow

import (
	"time"

	"github.com/shopspring/decimal"
)

const secondsPerHour = 3600.0

// Conversion is the output of Convert for one cycle.
type Conversion struct {
	Rates      [NumChannels]float64
	Increments [NumChannels]float64 // volume added since the previous sample
}

// UnitMultiplier returns the volume represented by one pulse.
// Returns 0 for a non-positive calibration so callers never divide by zero.
func UnitMultiplier(cal Calibration) float64 {
	if cal.PulsesPerLiter <= 0 {
		return 0
	}
	m := 1.0 / cal.PulsesPerLiter
	if cal.Units == Gallons {
		m /= LitersPerGallon
	}
	return m
}

// Amount converts an absolute pulse count into volume.
func Amount(cal Calibration, pulses float64) float64 {
	return pulses * UnitMultiplier(cal)
}

// Delta returns the pulses counted between prev and cur.
// A counter that went backwards was reset by the device, so cur is the delta.
func Delta(prev, cur float64) float64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// Convert computes per-channel rates (volume/hour) and volume increments
// from two counter samples taken elapsed apart.
// Rates are 0 when elapsed is not positive.
func Convert(cal Calibration, prev, cur Counters, elapsed time.Duration) Conversion {
	var out Conversion
	mult := UnitMultiplier(cal)
	secs := elapsed.Seconds()

	for i := range cur {
		d := Delta(prev[i], cur[i])
		out.Increments[i] = d * mult
		if secs > 0 {
			out.Rates[i] = d * secondsPerHour * mult / secs
		}
	}
	return out
}

// FormatAmount renders a volume with two decimal places.
func FormatAmount(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
