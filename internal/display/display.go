// Package display adapts output devices to the panel contract used by the
// stream controller: draw an image at a position, fail with an error.
package display

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/display"
)

// Display is a panel frames and status screens are drawn on.
type Display interface {
	Show(img image.Image, x, y int) error
	Close() error
}

// Nop discards everything. Used headless.
type Nop struct{}

func (Nop) Show(image.Image, int, int) error { return nil }

func (Nop) Close() error { return nil }

// Drawer drives any periph.io display device.
type Drawer struct {
	mu     sync.Mutex
	dev    display.Drawer
	logger *zap.SugaredLogger
	frames uint64
}

// NewDrawer wraps dev.
func NewDrawer(dev display.Drawer, logger *zap.SugaredLogger) *Drawer {
	logger = logger.Named("display")
	logger.Infow("panel attached", "device", dev.String(), "bounds", dev.Bounds())
	return &Drawer{dev: dev, logger: logger}
}

// Show draws img with its top-left corner at (x, y), clipped to the panel.
func (d *Drawer) Show(img image.Image, x, y int) error {
	if img == nil {
		return errors.New("display: nil image")
	}
	src := img.Bounds()
	dst := image.Rect(x, y, x+src.Dx(), y+src.Dy()).Intersect(d.dev.Bounds())
	if dst.Empty() {
		return errors.Errorf("display: %v at (%d,%d) is outside the panel %v", src.Size(), x, y, d.dev.Bounds())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Draw(dst, img, src.Min); err != nil {
		return errors.Wrap(err, "display: draw")
	}
	d.frames++
	return nil
}

// Frames returns how many draws succeeded.
func (d *Drawer) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Close halts the device.
func (d *Drawer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Wrap(d.dev.Halt(), "display: halt")
}
