package boxclient

import (
	"errors"
)

// Error kinds. Every error returned by a [Client] operation is an [*Error] whose Kind is one of
// these, so callers can use errors.Is(err, ErrState) and so on.
var (
	// ErrConfig means the configuration is missing required fields or is malformed.
	ErrConfig = errors.New("config error")
	// ErrIO means a file could not be accessed.
	ErrIO = errors.New("io error")
	// ErrParse means a configuration document could not be parsed.
	ErrParse = errors.New("parse error")
	// ErrState means the operation is not valid in the current lifecycle state.
	ErrState = errors.New("state error")
	// ErrEngine means the proxy engine failed to build, bind, connect or shut down.
	ErrEngine = errors.New("engine error")
)

// Error is a failed Client operation.
type Error struct {
	// Kind is one of ErrConfig, ErrIO, ErrParse, ErrState or ErrEngine.
	Kind error
	// Op is the operation that failed, e.g. "start".
	Op  string
	Err error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	errNotConfigured = errors.New("no configuration loaded")
	errRunning       = errors.New("client is running")
	errNotStarted    = errors.New("client has not been started")
	errDestroyed     = errors.New("client has been destroyed")
	errNilConfig     = errors.New("config is nil")
)
