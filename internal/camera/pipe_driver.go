package camera

import (
	"bytes"
	"context"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camera-stream-go/internal/helpers"
)

// =============================================================================
// PipeDriver: sensor frames from an external MJPEG encoder process
// =============================================================================
// Runs ffmpeg (v4l2 input) or rpicam-vid (libcamera input) and reads a
// concatenated MJPEG stream from its stdout. A pump goroutine splits and
// decodes frames into a FrameBuffer; CaptureFrame waits for the next one.
// Process exit surfaces as a disconnected DriverError so the Coordinator
// treats it as a hardware fault.
// =============================================================================

// PipeOptions configures a PipeDriver.
type PipeOptions struct {
	Command string // "ffmpeg" or "rpicam-vid"
	Device  string // v4l2 device path, ffmpeg only
	Format  string // "mjpeg" or "yuyv", ffmpeg input format
	FPS     int
	Quality int // encoder quality, ffmpeg -q:v (2-31, lower is better)
}

// PipeDriver implements Driver over an encoder subprocess.
type PipeDriver struct {
	opts     PipeOptions
	profile  Profile
	logger   *zap.SugaredLogger
	releaser *helpers.DeviceReleaser

	// command builds the process; replaced in tests.
	command func(name string, args ...string) *exec.Cmd

	mu       sync.Mutex
	cmd      *exec.Cmd
	pumpDone chan struct{}
	pumpErr  error
	frames   *FrameBuffer
	lastRead uint64

	decodeErrors atomic.Uint64
}

// NewPipeDriver creates a driver; the process is not started until Start.
func NewPipeDriver(opts PipeOptions, releaser *helpers.DeviceReleaser, logger *zap.SugaredLogger) *PipeDriver {
	if opts.Command == "" {
		opts.Command = "ffmpeg"
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Quality <= 0 {
		opts.Quality = 5
	}
	return &PipeDriver{
		opts:     opts,
		logger:   logger.Named("pipe"),
		releaser: releaser,
		command:  exec.Command,
		frames:   NewFrameBuffer(),
	}
}

// Configure implements Driver.
func (d *PipeDriver) Configure(p Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return NewDriverError("configure", KindBusy, errors.New("cannot reconfigure while streaming"))
	}
	if p.Width <= 0 || p.Height <= 0 {
		return errors.Errorf("invalid profile %s", p)
	}
	d.profile = p
	return nil
}

// Start implements Driver.
func (d *PipeDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return nil
	}
	if d.profile.IsZero() {
		return errors.New("start before configure")
	}

	if d.opts.Command == "ffmpeg" {
		d.releaser.Release(context.Background(), d.opts.Device)
	}

	args := d.args()
	cmd := d.command(d.opts.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return NewDriverError("start", KindDisconnected, errors.Wrapf(err, "exec %s", d.opts.Command))
	}

	d.cmd = cmd
	d.pumpErr = nil
	d.pumpDone = make(chan struct{})
	d.frames.Reset()
	d.lastRead = 0
	go d.pump(stdout, d.pumpDone)

	d.logger.Infow("encoder started",
		"command", d.opts.Command,
		"pid", cmd.Process.Pid,
		"profile", d.profile,
		"fps", d.opts.FPS)
	return nil
}

// args returns the encoder command line for the current profile.
func (d *PipeDriver) args() []string {
	fps := strconv.Itoa(d.opts.FPS)

	if d.opts.Command == "rpicam-vid" {
		return []string{
			"--nopreview",
			"--timeout", "0",
			"--codec", "mjpeg",
			"--width", strconv.Itoa(d.profile.Width),
			"--height", strconv.Itoa(d.profile.Height),
			"--framerate", fps,
			"--output", "-",
		}
	}

	inputFormat := "mjpeg"
	if d.opts.Format == "yuyv" {
		inputFormat = "yuyv422"
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-thread_queue_size", "512", "-probesize", "32", "-analyzeduration", "0",
		"-f", "v4l2", "-input_format", inputFormat,
		"-video_size", d.profile.VideoSize(),
		"-framerate", fps,
		"-i", d.opts.Device,
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", strconv.Itoa(d.opts.Quality), "-",
	}
}

// pump reads frames until the stream ends.
func (d *PipeDriver) pump(r io.Reader, done chan struct{}) {
	defer close(done)
	splitter := newMJPEGSplitter(r)
	for {
		data, err := splitter.Next()
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				d.frames.MarkDropped()
				continue
			}
			d.mu.Lock()
			d.pumpErr = err
			d.mu.Unlock()
			return
		}
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			d.decodeErrors.Add(1)
			d.frames.MarkDropped()
			continue
		}
		d.frames.Write(img)
	}
}

// CaptureFrame implements Driver. It returns the next frame newer than the
// last one returned.
func (d *PipeDriver) CaptureFrame(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	done := d.pumpDone
	last := d.lastRead
	running := d.cmd != nil
	d.mu.Unlock()

	if !running {
		return nil, NewDriverError("capture", KindDisconnected, errors.New("encoder not running"))
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	img, count, err := d.frames.WaitNext(waitCtx, last)
	if err == nil {
		d.mu.Lock()
		d.lastRead = count
		d.mu.Unlock()
		return img, nil
	}

	select {
	case <-done:
		d.mu.Lock()
		perr := d.pumpErr
		d.mu.Unlock()
		if perr == nil || perr == io.EOF {
			perr = errors.New("stream ended")
		}
		return nil, NewDriverError("capture", KindDisconnected, perr)
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, NewDriverError("capture", KindTimeout, errors.New("timed out waiting for frame"))
	}
	return nil, err
}

// Stop implements Driver. Kills and reaps the encoder.
func (d *PipeDriver) Stop() error {
	d.mu.Lock()
	cmd := d.cmd
	done := d.pumpDone
	d.cmd = nil
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	killErr := cmd.Process.Kill()
	// Always reap to avoid zombies; the exit error of a killed process is expected.
	_ = cmd.Wait()
	if done != nil {
		<-done
	}
	d.logger.Infow("encoder stopped", "pid", cmd.Process.Pid)
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return errors.Wrap(killErr, "kill encoder")
	}
	return nil
}

// Close implements Driver.
func (d *PipeDriver) Close() error {
	err := d.Stop()
	d.frames.Reset()
	return err
}

// DecodeErrors returns how many frames failed to decode.
func (d *PipeDriver) DecodeErrors() uint64 {
	return d.decodeErrors.Load()
}
