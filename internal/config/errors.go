package config

import "fmt"

// ErrorKind classifies configuration file failures.
type ErrorKind int

const (
	PersistFailure ErrorKind = iota + 1
	LoadFailure
)

func (k ErrorKind) String() string {
	switch k {
	case PersistFailure:
		return "persist failure"
	case LoadFailure:
		return "load failure"
	}
	return "unknown"
}

// Error reports a failure reading or writing a configuration file.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrPersistFailure = &Error{Kind: PersistFailure}
	ErrLoadFailure    = &Error{Kind: LoadFailure}
)

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
