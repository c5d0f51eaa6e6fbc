package counter

import (
	"math/rand"
	"sync"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// Pulses added to every simulated channel per read: [simMinStep, simMinStep+simSpread).
const (
	simMinStep = 180.0
	simSpread  = 40.0
)

// Simulated produces steadily increasing counters for exercising the UI
// without hardware.
type Simulated struct {
	mu       sync.Mutex
	rng      *rand.Rand
	counters flow.Counters
}

// NewSimulated creates a simulator. Pass a seeded rng for reproducible output.
func NewSimulated(rng *rand.Rand) *Simulated {
	return &Simulated{rng: rng}
}

// Reset zeroes all counters.
func (s *Simulated) Reset() error {
	s.mu.Lock()
	s.counters = flow.Counters{}
	s.mu.Unlock()
	return nil
}

// Read advances every counter by a random step unless reset is set,
// in which case the counters are zeroed.
func (s *Simulated) Read(reset bool) (flow.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reset {
		s.counters = flow.Counters{}
		return s.counters, nil
	}
	for i := range s.counters {
		s.counters[i] += simMinStep + s.rng.Float64()*simSpread
	}
	return s.counters, nil
}

// Close is a no-op.
func (s *Simulated) Close() error {
	return nil
}
