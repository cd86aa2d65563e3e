package capture

import (
	"errors"
	"fmt"
)

// Kind classifies capture failures.
type Kind string

// Failure kinds.
const (
	KindPermission Kind = "permission"
	KindDeviceBusy Kind = "device_busy"
	KindFinalize   Kind = "finalize"
	KindModeSwitch Kind = "mode_switch"
)

// Provider errors. Providers wrap these so the manager can classify failures.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceBusy       = errors.New("capture device unavailable")
	ErrNoDevice         = errors.New("no capture device found")
)

// Error is a classified capture failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or the empty Kind when err is not a capture error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// acquireError classifies a failure to prepare or start a handle.
func acquireError(op string, err error) *Error {
	kind := KindDeviceBusy
	if errors.Is(err, ErrPermissionDenied) {
		kind = KindPermission
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
