package counter

import (
	"errors"
	"sync"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// Fake is a test double that returns scripted counter values.
type Fake struct {
	mu sync.Mutex

	// Samples contains scripted counters to return.
	// Each call to Read(false) consumes the next sample.
	Samples []flow.Counters

	// index tracks current position in Samples
	index int

	// ReadError, if set, will be returned by Read().
	ReadError error

	// ResetError, if set, will be returned by Reset().
	ResetError error

	// Resets counts successful Reset calls.
	Resets int

	// Reads counts Read calls, including failed ones.
	Reads int

	// Closed tracks if Close was called.
	Closed bool

	// OnRead, if set, is called at the start of every Read with the lock released.
	OnRead func()
}

// NewFake creates a Fake with the given samples.
func NewFake(samples ...flow.Counters) *Fake {
	return &Fake{Samples: samples}
}

// Reset records the reset and rewinds the script.
func (f *Fake) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResetError != nil {
		return f.ResetError
	}
	f.Resets++
	f.index = 0
	return nil
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *Fake) Read(reset bool) (flow.Counters, error) {
	f.mu.Lock()
	hook := f.OnRead
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads++

	if f.ReadError != nil {
		return flow.Counters{}, f.ReadError
	}
	if reset {
		f.index = 0
		return flow.Counters{}, nil
	}
	if len(f.Samples) == 0 {
		return flow.Counters{}, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return sample, nil
}

// Close marks the fake as closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// SetReadError changes ReadError while a sampler may be running.
func (f *Fake) SetReadError(err error) {
	f.mu.Lock()
	f.ReadError = err
	f.mu.Unlock()
}

// Counts returns the number of resets and reads so far.
func (f *Fake) Counts() (resets, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Resets, f.Reads
}
