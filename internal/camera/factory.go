package camera

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camera-stream-go/internal/helpers"
)

// FactoryOptions selects and configures a sensor driver.
type FactoryOptions struct {
	Driver       string // "ffmpeg", "webcam" or "pattern"
	Device       string
	Command      string
	Format       string
	FPS          int
	FrameTimeout time.Duration
}

// NewFactory returns a DriverFactory for the configured driver kind.
func NewFactory(opts FactoryOptions, releaser *helpers.DeviceReleaser, logger *zap.SugaredLogger) (DriverFactory, error) {
	switch opts.Driver {
	case "ffmpeg":
		return func() (Driver, error) {
			device := opts.Device
			if opts.Command == "ffmpeg" {
				var err error
				if device, err = ResolveDevice(device); err != nil {
					return nil, err
				}
			}
			return NewPipeDriver(PipeOptions{
				Command: opts.Command,
				Device:  device,
				Format:  opts.Format,
				FPS:     opts.FPS,
			}, releaser, logger), nil
		}, nil

	case "webcam":
		timeout := uint32(opts.FrameTimeout / time.Second)
		return func() (Driver, error) {
			return NewV4L2Driver(opts.Device, opts.Format, timeout, releaser, logger), nil
		}, nil

	case "pattern":
		return func() (Driver, error) {
			return NewPatternDriver(opts.FPS), nil
		}, nil

	default:
		return nil, errors.Errorf("unknown camera driver %q", opts.Driver)
	}
}
