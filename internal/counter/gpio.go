package counter

import (
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// DefaultGPIOChip is the Raspberry Pi header GPIO controller.
const DefaultGPIOChip = "gpiochip0"

// ChipInfo describes a GPIO controller found by the probe.
type ChipInfo struct {
	Name  string
	Label string
	Lines int
}

// DirectGPIO is reserved for sensors wired straight to the Pi header.
// Pulse counting is not implemented: Reset only checks that the chip is
// present and Read always reports zero counts.
type DirectGPIO struct {
	chip  string
	probe func(chip string) (ChipInfo, error)
}

// NewDirectGPIO creates the placeholder for the named chip.
func NewDirectGPIO(chip string) *DirectGPIO {
	if chip == "" {
		chip = DefaultGPIOChip
	}
	return &DirectGPIO{chip: chip, probe: probeChip}
}

// Reset probes the chip and logs what it found. It never fails.
func (g *DirectGPIO) Reset() error {
	info, err := g.probe(g.chip)
	if err != nil {
		log.Warnf("gpio: %v", err)
		return nil
	}
	log.Infof("gpio: %s (%s) has %d lines; direct pulse counting is not implemented, reporting zero flow",
		info.Name, info.Label, info.Lines)
	return nil
}

// Read returns zero counts.
func (g *DirectGPIO) Read(reset bool) (flow.Counters, error) {
	return flow.Counters{}, nil
}

// Close is a no-op; the probe does not hold the chip open.
func (g *DirectGPIO) Close() error {
	return nil
}
