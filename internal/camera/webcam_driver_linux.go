//go:build linux

package camera

import (
	"bytes"
	"context"
	"image"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camera-stream-go/internal/helpers"
)

const (
	pixFmtMJPG = webcam.PixelFormat('M' | 'J'<<8 | 'P'<<16 | 'G'<<24)
	pixFmtYUYV = webcam.PixelFormat('Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24)
)

// V4L2Driver reads frames straight from a V4L2 device via mmap buffers,
// with no encoder subprocess.
type V4L2Driver struct {
	mu       sync.Mutex
	device   string
	prefer   webcam.PixelFormat
	timeout  uint32 // WaitForFrame timeout, seconds
	releaser *helpers.DeviceReleaser
	logger   *zap.SugaredLogger

	profile   Profile
	cam       *webcam.Webcam
	format    webcam.PixelFormat
	width     int
	height    int
	streaming bool
}

// NewV4L2Driver creates a driver for device ("auto" picks the first node).
// format is "mjpeg" or "yuyv" and is only a preference.
func NewV4L2Driver(device, format string, timeoutSec uint32, releaser *helpers.DeviceReleaser, logger *zap.SugaredLogger) *V4L2Driver {
	prefer := pixFmtMJPG
	if format == "yuyv" {
		prefer = pixFmtYUYV
	}
	if timeoutSec == 0 {
		timeoutSec = 1
	}
	return &V4L2Driver{
		device:   device,
		prefer:   prefer,
		timeout:  timeoutSec,
		releaser: releaser,
		logger:   logger.Named("v4l2"),
	}
}

// Configure implements Driver.
func (d *V4L2Driver) Configure(p Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		return NewDriverError("configure", KindBusy, errors.New("cannot reconfigure while streaming"))
	}
	d.profile = p
	return nil
}

// Start implements Driver. Opens the device, negotiates the format and
// begins streaming.
func (d *V4L2Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		return nil
	}
	if d.profile.IsZero() {
		return errors.New("start before configure")
	}

	path, err := ResolveDevice(d.device)
	if err != nil {
		return err
	}
	d.releaser.Release(context.Background(), path)

	cam, err := webcam.Open(path)
	if err != nil {
		return NewDriverError("open", KindDisconnected, errors.Wrapf(err, "open %s", path))
	}

	format, err := pickFormat(cam.GetSupportedFormats(), d.prefer)
	if err != nil {
		cam.Close()
		return err
	}

	got, w, h, err := cam.SetImageFormat(format, uint32(d.profile.Width), uint32(d.profile.Height))
	if err != nil {
		cam.Close()
		return NewDriverError("set format", KindBusy, err)
	}
	if err := cam.SetBufferCount(2); err != nil {
		cam.Close()
		return NewDriverError("set buffers", KindBusy, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return NewDriverError("stream on", KindBusy, err)
	}

	d.cam = cam
	d.format = got
	d.width, d.height = int(w), int(h)
	d.streaming = true
	d.logger.Infow("device streaming",
		"device", path,
		"requested", d.profile,
		"width", w,
		"height", h,
		"mjpeg", got == pixFmtMJPG)
	return nil
}

func pickFormat(supported map[webcam.PixelFormat]string, prefer webcam.PixelFormat) (webcam.PixelFormat, error) {
	if _, ok := supported[prefer]; ok {
		return prefer, nil
	}
	for _, f := range []webcam.PixelFormat{pixFmtMJPG, pixFmtYUYV} {
		if _, ok := supported[f]; ok {
			return f, nil
		}
	}
	return 0, errors.Errorf("no supported pixel format, device offers %v", supported)
}

// CaptureFrame implements Driver.
func (d *V4L2Driver) CaptureFrame(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming {
		return nil, NewDriverError("capture", KindDisconnected, errors.New("device not streaming"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := d.cam.WaitForFrame(d.timeout); err != nil {
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			return nil, NewDriverError("dequeue", KindTimeout, err)
		}
		return nil, NewDriverError("dequeue", KindDisconnected, err)
	}

	frame, err := d.cam.ReadFrame()
	if err != nil {
		return nil, NewDriverError("read", KindDisconnected, err)
	}
	if len(frame) == 0 {
		return nil, NewDriverError("read", KindDecode, errors.New("empty frame"))
	}

	if d.format == pixFmtYUYV {
		img, err := decodeYUYV(frame, d.width, d.height)
		if err != nil {
			return nil, NewDriverError("decode", KindDecode, err)
		}
		return img, nil
	}
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, NewDriverError("decode", KindDecode, err)
	}
	return img, nil
}

// Stop implements Driver.
func (d *V4L2Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming {
		return nil
	}
	d.streaming = false
	return errors.Wrap(d.cam.StopStreaming(), "stream off")
}

// Close implements Driver.
func (d *V4L2Driver) Close() error {
	stopErr := d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cam == nil {
		return stopErr
	}
	err := d.cam.Close()
	d.cam = nil
	if stopErr != nil {
		return stopErr
	}
	return errors.Wrap(err, "close device")
}
