package mqtt

import (
	"sync"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// FakePublisher records published messages for test assertions.
// Safe for use from the sampler goroutine while a test reads it
// through the accessor methods.
type FakePublisher struct {
	mu sync.Mutex

	// Readings contains all readings that were published.
	Readings []flow.Reading

	// Payloads contains the JSON payloads of published readings.
	Payloads [][]byte

	// Runs contains all run summaries that were published.
	Runs []flow.RunSummary

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by Publish and PublishRun.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the reading.
func (f *FakePublisher) Publish(r flow.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatPayload(r)
	if err != nil {
		return err
	}
	f.Readings = append(f.Readings, r)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishRun records the run summary.
func (f *FakePublisher) PublishRun(run flow.RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Runs = append(f.Runs, run)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// PublishedReadings returns a copy of the readings recorded so far.
func (f *FakePublisher) PublishedReadings() []flow.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]flow.Reading(nil), f.Readings...)
}

// PublishedRuns returns a copy of the runs recorded so far.
func (f *FakePublisher) PublishedRuns() []flow.RunSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]flow.RunSummary(nil), f.Runs...)
}

// PublishedSystemEvents returns a copy of the system events recorded so far.
func (f *FakePublisher) PublishedSystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.SystemEvents...)
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Readings = nil
	f.Payloads = nil
	f.Runs = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
