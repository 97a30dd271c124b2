//go:build !linux

package camera

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camera-stream-go/internal/helpers"
)

var errV4L2Unsupported = errors.New("v4l2 capture requires linux")

// V4L2Driver is unavailable off Linux; every operation fails.
type V4L2Driver struct{}

// NewV4L2Driver returns a driver that always fails to start.
func NewV4L2Driver(string, string, uint32, *helpers.DeviceReleaser, *zap.SugaredLogger) *V4L2Driver {
	return &V4L2Driver{}
}

func (d *V4L2Driver) Configure(Profile) error { return nil }
func (d *V4L2Driver) Start() error            { return errV4L2Unsupported }
func (d *V4L2Driver) Stop() error             { return nil }
func (d *V4L2Driver) Close() error            { return nil }

func (d *V4L2Driver) CaptureFrame(context.Context) (image.Image, error) {
	return nil, errV4L2Unsupported
}
