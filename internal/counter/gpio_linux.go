//go:build linux

package counter

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// probeChip opens the GPIO character device to confirm it exists.
func probeChip(name string) (ChipInfo, error) {
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return ChipInfo{}, fmt.Errorf("open gpio chip %s: %w", name, err)
	}
	defer chip.Close()

	return ChipInfo{
		Name:  chip.Name,
		Label: chip.Label,
		Lines: chip.Lines(),
	}, nil
}
