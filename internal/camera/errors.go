package camera

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrRecoveryInProgress is returned by Start while the post-failure
	// cooldown is running.
	ErrRecoveryInProgress = errors.New("camera recovery in progress")

	// ErrMaxFailuresExceeded is returned once consecutive failures hit the
	// ceiling. The Coordinator stays disabled until Reset.
	ErrMaxFailuresExceeded = errors.New("camera disabled: max consecutive failures exceeded")

	// ErrNotRunning is returned by Capture when there is no running handle.
	ErrNotRunning = errors.New("camera not running")
)

// ErrorKind tags a driver error with what went wrong at the hardware level.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindDisconnected
	KindBusy
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindBusy:
		return "busy"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// DriverError is the typed error drivers should return so failures can be
// classified without looking at message text.
type DriverError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// NewDriverError wraps err as a DriverError.
func NewDriverError(op string, kind ErrorKind, err error) *DriverError {
	return &DriverError{Op: op, Kind: kind, Err: err}
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// FailureClass is how the Coordinator reacts to a failed operation.
type FailureClass int

const (
	ClassUnknown FailureClass = iota
	ClassTransient
	ClassHardware
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// hardwareMarkers are message fragments that identify a hardware fault in
// errors that carry no DriverError. Matching is case-insensitive.
var hardwareMarkers = []string{
	"timeout",
	"timed out",
	"dequeue",
	"connector",
	"frontend",
	"no such device",
	"input/output error",
	"device or resource busy",
	"broken pipe",
}

// Classify decides the failure class of err. A DriverError with a known
// kind wins; anything else falls back to message matching.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}

	var de *DriverError
	if errors.As(err, &de) {
		switch de.Kind {
		case KindTimeout, KindDisconnected, KindBusy:
			return ClassHardware
		case KindDecode:
			return ClassTransient
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range hardwareMarkers {
		if strings.Contains(msg, marker) {
			return ClassHardware
		}
	}
	return ClassUnknown
}

// CaptureError reports a classified capture or start failure. When Disabled
// is set this failure tripped the breaker and the error also matches
// ErrMaxFailuresExceeded.
type CaptureError struct {
	Op       string
	Class    FailureClass
	Disabled bool
	Err      error
}

func (e *CaptureError) Error() string {
	if e.Disabled {
		return fmt.Sprintf("camera %s failed (%s), camera disabled: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("camera %s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMaxFailuresExceeded) match a tripping failure.
func (e *CaptureError) Is(target error) bool {
	return e.Disabled && target == ErrMaxFailuresExceeded
}

// IsDisabled reports whether err means the Coordinator has given up on the
// sensor.
func IsDisabled(err error) bool {
	return errors.Is(err, ErrMaxFailuresExceeded)
}
