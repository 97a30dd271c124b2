package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PatternDriver synthesizes frames without hardware. It draws a sky
// gradient with drifting clouds and a blinking corner marker so a viewer
// can tell the stream is live. Used for development and headless demos.
type PatternDriver struct {
	mu       sync.Mutex
	profile  Profile
	running  bool
	frameNum int
	interval time.Duration
	last     time.Time
}

// NewPatternDriver returns a driver that paces frames at fps.
func NewPatternDriver(fps int) *PatternDriver {
	d := &PatternDriver{}
	if fps > 0 {
		d.interval = time.Second / time.Duration(fps)
	}
	return d
}

// Configure implements Driver.
func (d *PatternDriver) Configure(p Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return NewDriverError("configure", KindBusy, errors.New("cannot reconfigure while streaming"))
	}
	d.profile = p
	return nil
}

// Start implements Driver.
func (d *PatternDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.profile.IsZero() {
		return errors.New("start before configure")
	}
	d.running = true
	return nil
}

// CaptureFrame implements Driver.
func (d *PatternDriver) CaptureFrame(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil, NewDriverError("capture", KindDisconnected, errors.New("pattern not started"))
	}
	wait := time.Duration(0)
	if d.interval > 0 && !d.last.IsZero() {
		wait = d.interval - time.Since(d.last)
	}
	d.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = time.Now()
	d.frameNum++
	return drawPattern(d.profile.Width, d.profile.Height, d.frameNum), nil
}

// Stop implements Driver.
func (d *PatternDriver) Stop() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return nil
}

// Close implements Driver.
func (d *PatternDriver) Close() error {
	return d.Stop()
}

func drawPattern(width, height, frameNum int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	cloudW := width/8 + 1
	cloudH := height/8 + 1
	shift := frameNum % width

	for y := 0; y < height; y++ {
		gradient := float64(y) / float64(height)
		sky := color.RGBA{
			R: uint8(135 * (1 - gradient)),
			G: uint8(206 * (1 - gradient)),
			B: uint8(250*(1-gradient) + 5),
			A: 255,
		}
		for x := 0; x < width; x++ {
			c := sky
			if (x+shift)%(cloudW*4) < cloudW && y%(cloudH*4) < cloudH {
				c = color.RGBA{R: 230, G: 230, B: 230, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	// Blink a marker in the top-left corner once a second at 30 fps.
	if (frameNum/15)%2 == 0 {
		mw, mh := width/10+1, height/20+1
		for y := 0; y < mh; y++ {
			for x := 0; x < mw; x++ {
				img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	return img
}
