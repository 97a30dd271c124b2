package camera

import (
	"context"
	"image"
)

// Driver is the hardware contract the Coordinator drives. Implementations
// need not be safe for concurrent use; the Coordinator serializes every call.
//
// Lifecycle: Configure -> Start -> CaptureFrame* -> Stop -> Close. After
// Close the driver is discarded and a fresh one is requested from the
// factory on the next start.
type Driver interface {
	// Configure applies a profile. Only valid while stopped.
	Configure(p Profile) error

	// Start begins streaming from the sensor.
	Start() error

	// CaptureFrame returns the next frame. It should honour ctx.
	CaptureFrame(ctx context.Context) (image.Image, error)

	// Stop halts streaming. Safe to call when not started.
	Stop() error

	// Close releases the device.
	Close() error
}

// DriverFactory opens a fresh driver instance.
type DriverFactory func() (Driver, error)

// HandleState is the lifecycle state of the Coordinator's sensor handle.
type HandleState int

const (
	StateClosed HandleState = iota
	StateConfigured
	StateRunning
)

func (s HandleState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}
