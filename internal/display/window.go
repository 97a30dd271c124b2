package display

import (
	"image"
	"image/color"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/widget"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// KeyFunc receives on-screen key transitions.
type KeyFunc func(name string, down bool)

// Window shows the panel in a desktop window, scaled up, with on-screen
// keys under it standing in for the HAT buttons.
type Window struct {
	app    fyne.App
	win    fyne.Window
	img    *canvas.Image
	keys   []*KeyButton
	logger *zap.SugaredLogger

	mu     sync.Mutex
	panel  *image.NRGBA
	frames uint64
	closed bool
}

// NewWindow creates the preview window on a. size is the panel edge in
// pixels and scale the on-screen magnification.
func NewWindow(a fyne.App, size int, scale float32, keys []string, onKey KeyFunc, logger *zap.SugaredLogger) *Window {
	if scale < 1 {
		scale = 1
	}
	w := &Window{
		app:    a,
		win:    a.NewWindow("Pi Camera"),
		panel:  imaging.New(size, size, color.Black),
		logger: logger.Named("display"),
	}

	w.img = canvas.NewImageFromImage(w.panel)
	w.img.FillMode = canvas.ImageFillContain
	w.img.ScaleMode = canvas.ImageScalePixels
	edge := float32(size) * scale
	w.img.SetMinSize(fyne.NewSize(edge, edge))

	row := container.NewGridWithColumns(max(len(keys), 1))
	for _, name := range keys {
		name := name
		k := NewKeyButton(name, func(down bool) {
			if onKey != nil {
				onKey(name, down)
			}
		})
		w.keys = append(w.keys, k)
		row.Add(k)
	}

	w.win.SetContent(container.NewBorder(nil, row, nil, nil, w.img))
	w.win.SetOnClosed(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	})
	return w
}

// Show composites img onto the panel at (x, y) and refreshes the window.
func (w *Window) Show(img image.Image, x, y int) error {
	if img == nil {
		return errors.New("display: nil image")
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("display: window closed")
	}
	w.panel = imaging.Paste(w.panel, img, image.Pt(x, y))
	frame := w.panel
	w.frames++
	w.mu.Unlock()

	w.img.Image = frame
	w.img.Refresh()
	return nil
}

// Frames returns how many images were shown.
func (w *Window) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Snapshot returns the current panel contents.
func (w *Window) Snapshot() image.Image {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.panel
}

// Keys returns the on-screen key widgets in creation order.
func (w *Window) Keys() []*KeyButton { return w.keys }

// Run shows the window and blocks in the UI event loop. It must be called
// from the main goroutine.
func (w *Window) Run() {
	w.win.Show()
	w.app.Run()
}

// Close quits the UI event loop.
func (w *Window) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.app.Quit()
	return nil
}

// =============================================================================
// KeyButton: press-and-hold on-screen key
// =============================================================================

// KeyButton reports mouse down and up separately so the button panel can
// time long presses. Touch screens without mouse events get a down/up pair
// on tap.
type KeyButton struct {
	widget.BaseWidget
	bg      *canvas.Rectangle
	label   *canvas.Text
	onPress func(down bool)

	mu       sync.Mutex
	held     bool
	sawMouse bool // the current click already arrived as MouseDown/MouseUp
}

var (
	keyIdle = color.RGBA{R: 50, G: 50, B: 50, A: 255}
	keyHeld = color.RGBA{R: 255, G: 200, B: 0, A: 255}
)

// NewKeyButton creates a key labelled name.
func NewKeyButton(name string, onPress func(down bool)) *KeyButton {
	k := &KeyButton{
		bg:      canvas.NewRectangle(keyIdle),
		label:   canvas.NewText(name, color.White),
		onPress: onPress,
	}
	k.label.Alignment = fyne.TextAlignCenter
	k.ExtendBaseWidget(k)
	return k
}

func (k *KeyButton) CreateRenderer() fyne.WidgetRenderer {
	return widget.NewSimpleRenderer(container.NewStack(k.bg, container.NewCenter(k.label)))
}

// MinSize keeps keys finger-sized.
func (k *KeyButton) MinSize() fyne.Size {
	return fyne.NewSize(64, 40)
}

func (k *KeyButton) MouseDown(*desktop.MouseEvent) {
	k.mu.Lock()
	k.sawMouse = true
	k.mu.Unlock()
	k.set(true)
}

func (k *KeyButton) MouseUp(*desktop.MouseEvent) { k.set(false) }

// Tapped covers touch input, which has no MouseDown/MouseUp. Taps that
// follow a mouse click are ignored.
func (k *KeyButton) Tapped(*fyne.PointEvent) {
	k.mu.Lock()
	mouse := k.sawMouse
	k.sawMouse = false
	k.mu.Unlock()
	if mouse {
		return
	}
	k.set(true)
	k.set(false)
}

// Held reports whether the key is down.
func (k *KeyButton) Held() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.held
}

func (k *KeyButton) set(down bool) {
	k.mu.Lock()
	if k.held == down {
		k.mu.Unlock()
		return
	}
	k.held = down
	k.mu.Unlock()

	if down {
		k.bg.FillColor = keyHeld
	} else {
		k.bg.FillColor = keyIdle
	}
	k.bg.Refresh()
	if k.onPress != nil {
		k.onPress(down)
	}
}
