//go:build !linux

package counter

import "errors"

// probeChip is not available on non-Linux platforms.
func probeChip(name string) (ChipInfo, error) {
	return ChipInfo{}, errors.New("gpio: not supported on this platform (requires Linux)")
}
