// Package counter reads per-channel pulse counters from flow-sensor hardware.
// Back-ends: a simulator, an Arduino on a serial port, and a reserved
// direct-GPIO placeholder. The fake implementation allows testing without hardware.
package counter

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sweeney/flow-sensor/internal/flow"
)

// Interface reads and resets the pulse counters of all channels.
type Interface interface {
	// Reset zeroes the counters (and, for serial devices, reconnects).
	Reset() error

	// Read returns the current counters. With reset set, the counters are
	// zeroed as part of the read and zeros are returned.
	Read(reset bool) (flow.Counters, error)

	// Close releases hardware resources.
	Close() error
}

// StateReporter is implemented by back-ends with a connection lifecycle.
type StateReporter interface {
	State() ConnState
}

// ConnState is the connection state of a back-end.
type ConnState string

const (
	Disconnected ConnState = "DISCONNECTED"
	Connecting   ConnState = "CONNECTING"
	Ready        ConnState = "READY"
)

// StateOf returns the connection state of i, or Ready for back-ends
// without a connection.
func StateOf(i Interface) ConnState {
	if r, ok := i.(StateReporter); ok {
		return r.State()
	}
	return Ready
}

// ErrorKind classifies interface failures.
type ErrorKind int

const (
	ConnectionFailed ErrorKind = iota + 1
	Timeout
	ParseFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionFailed:
		return "connection failed"
	case Timeout:
		return "timeout"
	case ParseFailure:
		return "parse failure"
	}
	return "unknown"
}

// Error is returned by back-ends for any hardware failure.
type Error struct {
	Kind ErrorKind
	Op   string // "reset", "read", "connect"
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrConnectionFailed = &Error{Kind: ConnectionFailed}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrParseFailure     = &Error{Kind: ParseFailure}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("counter %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("counter %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or 0 if err is not an interface error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Options configures the back-ends built by New.
type Options struct {
	Serial   SerialConfig
	GPIOChip string
	// Rand drives the simulator. Nil seeds from the clock.
	Rand *rand.Rand
}

// New builds the back-end for kind.
func New(kind flow.InterfaceKind, opts Options) (Interface, error) {
	switch kind {
	case flow.Simulated:
		rng := opts.Rand
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		return NewSimulated(rng), nil
	case flow.Serial:
		return NewSerialDevice(opts.Serial, OpenSerialPort), nil
	case flow.GPIO:
		return NewDirectGPIO(opts.GPIOChip), nil
	}
	return nil, fmt.Errorf("counter: unknown interface %q", kind)
}
