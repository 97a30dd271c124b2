package codec

import (
	"fmt"
	"image"
	"image/color"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Placeholder frame size for network clients when no live frame exists.
const (
	PlaceholderWidth  = 640
	PlaceholderHeight = 480
)

// Common frame colors.
var (
	Black  = color.RGBA{A: 255}
	White  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Yellow = color.RGBA{R: 255, G: 255, A: 255}
	Slate  = color.RGBA{R: 40, G: 44, B: 52, A: 255}
	Maroon = color.RGBA{R: 90, G: 20, B: 20, A: 255}
)

const lineHeight = 16

// RenderMessage draws lines of text, centered, on a w x h frame.
func RenderMessage(lines []string, w, h int, bg, fg color.Color) *image.RGBA {
	// Backgrounds are opaque, so the NRGBA fill can be viewed as RGBA.
	img := nrgbaAsRGBA(imaging.New(w, h, bg))

	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(fg), Face: face}

	ascent := face.Metrics().Ascent.Ceil()
	top := (h-len(lines)*lineHeight)/2 + ascent
	for i, line := range lines {
		adv := d.MeasureString(line).Ceil()
		x := (w - adv) / 2
		if x < 2 {
			x = 2
		}
		d.Dot = fixed.P(x, top+i*lineHeight)
		d.DrawString(line)
	}
	return img
}

// Message renders lines at panel size, honouring night mode.
func (c *Codec) Message(lines ...string) *image.RGBA {
	fg := color.Color(White)
	if c.opts.NightMode {
		fg = NightColor(White)
	}
	return RenderMessage(lines, c.opts.DisplayWidth, c.opts.DisplayHeight, Black, fg)
}

// Placeholder renders a 640x480 JPEG with a title and message, used when a
// network client asks for frames that cannot be produced.
func (c *Codec) Placeholder(title, message string, bg color.Color) ([]byte, error) {
	img := RenderMessage([]string{title, "", message}, PlaceholderWidth, PlaceholderHeight, bg, White)
	return c.encode(img)
}

// ErrorFrame renders the frame a generator yields after a capture error.
func (c *Codec) ErrorFrame(err error, attempt, limit int) ([]byte, error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	img := RenderMessage([]string{fmt.Sprintf("Frame Error %d/%d", attempt, limit), truncate(msg, errorLineMax)},
		PlaceholderWidth, PlaceholderHeight, Black, Yellow)
	return c.encode(img)
}

// errorLineMax caps the error text on an error frame, in characters.
const errorLineMax = 60

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Thumbnail returns raw scaled down to fit within limit pixels on its
// longest side, preserving aspect ratio.
func Thumbnail(raw image.Image, limit int) image.Image {
	return imaging.Fit(raw, limit, limit, imaging.Lanczos)
}
