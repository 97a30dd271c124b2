package display

import (
	"image"
	"image/color"
	"sync"
	"testing"

	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/test"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"periph.io/x/conn/v3/display"
)

type fakeDrawer struct {
	mu      sync.Mutex
	bounds  image.Rectangle
	drawn   []image.Rectangle
	halted  bool
	drawErr error
}

func (f *fakeDrawer) String() string { return "fake" }

func (f *fakeDrawer) Halt() error {
	f.halted = true
	return nil
}

func (f *fakeDrawer) ColorModel() color.Model { return color.RGBAModel }

func (f *fakeDrawer) Bounds() image.Rectangle { return f.bounds }

func (f *fakeDrawer) Draw(r image.Rectangle, _ image.Image, _ image.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drawErr != nil {
		return f.drawErr
	}
	f.drawn = append(f.drawn, r)
	return nil
}

var _ display.Drawer = (*fakeDrawer)(nil)

func TestDrawerClipsToPanel(t *testing.T) {
	dev := &fakeDrawer{bounds: image.Rect(0, 0, 128, 128)}
	d := NewDrawer(dev, zaptest.NewLogger(t).Sugar())

	require.NoError(t, d.Show(imaging.New(128, 128, color.Black), 0, 0))
	require.NoError(t, d.Show(imaging.New(64, 64, color.White), 100, 100))
	assert.Equal(t, []image.Rectangle{
		image.Rect(0, 0, 128, 128),
		image.Rect(100, 100, 128, 128),
	}, dev.drawn)
	assert.Equal(t, uint64(2), d.Frames())

	assert.Error(t, d.Show(imaging.New(8, 8, color.White), 200, 0))
	assert.Error(t, d.Show(nil, 0, 0))

	require.NoError(t, d.Close())
	assert.True(t, dev.halted)
}

func TestDrawerWrapsDeviceErrors(t *testing.T) {
	dev := &fakeDrawer{bounds: image.Rect(0, 0, 16, 16), drawErr: errors.New("spi: transfer failed")}
	d := NewDrawer(dev, zaptest.NewLogger(t).Sugar())

	err := d.Show(imaging.New(16, 16, color.Black), 0, 0)
	assert.ErrorContains(t, err, "spi: transfer failed")
	assert.Zero(t, d.Frames())
}

func TestSinkAcceptsFrames(t *testing.T) {
	d, h := NewSink(128, 128, zaptest.NewLogger(t).Sugar())
	require.NotNil(t, h)
	require.NoError(t, d.Show(imaging.New(128, 128, color.White), 0, 0))
	assert.Equal(t, uint64(1), d.Frames())
}

func TestWindowShowsFrames(t *testing.T) {
	a := test.NewApp()
	defer a.Quit()

	w := NewWindow(a, 128, 2, nil, nil, zaptest.NewLogger(t).Sugar())
	red := color.RGBA{R: 255, A: 255}
	require.NoError(t, w.Show(imaging.New(32, 32, red), 10, 20))

	snap := w.Snapshot()
	assert.Equal(t, image.Rect(0, 0, 128, 128), snap.Bounds())
	assert.Equal(t, red, color.RGBAModel.Convert(snap.At(15, 25)))
	assert.Equal(t, color.RGBA{A: 255}, color.RGBAModel.Convert(snap.At(0, 0)))
	assert.Equal(t, uint64(1), w.Frames())

	require.NoError(t, w.Close())
	assert.Error(t, w.Show(imaging.New(1, 1, red), 0, 0))
}

func TestWindowKeysReportPressAndRelease(t *testing.T) {
	a := test.NewApp()
	defer a.Quit()

	type transition struct {
		name string
		down bool
	}
	var got []transition
	w := NewWindow(a, 128, 1, []string{"KEY1", "KEY2", "KEY3"}, func(name string, down bool) {
		got = append(got, transition{name, down})
	}, zaptest.NewLogger(t).Sugar())
	require.Len(t, w.Keys(), 3)

	key1, key3 := w.Keys()[0], w.Keys()[2]
	key1.MouseDown(&desktop.MouseEvent{})
	assert.True(t, key1.Held())
	key1.MouseUp(&desktop.MouseEvent{})
	key1.Tapped(nil) // follows the mouse click, ignored

	test.Tap(key3) // touch: press and release

	assert.Equal(t, []transition{
		{"KEY1", true}, {"KEY1", false},
		{"KEY3", true}, {"KEY3", false},
	}, got)
}
