// Package codec converts raw sensor frames into the two output forms the
// streamer needs: a fixed-size RGBA frame for the local panel and a JPEG
// for network clients. It also renders text frames for status messages.
package codec

import (
	"bytes"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Options configures a Codec.
type Options struct {
	DisplayWidth  int
	DisplayHeight int
	JPEGQuality   int
	NightMode     bool
}

// DefaultOptions returns the 128x128 panel, quality 85 settings.
func DefaultOptions() Options {
	return Options{DisplayWidth: 128, DisplayHeight: 128, JPEGQuality: 85}
}

// Codec is safe for concurrent use; it holds no per-frame state.
type Codec struct {
	opts Options

	// resize is swapped in tests to observe when resampling happens.
	resize func(img image.Image, w, h int) *image.NRGBA
}

// New creates a Codec. Zero fields in opts take DefaultOptions values.
func New(opts Options) *Codec {
	def := DefaultOptions()
	if opts.DisplayWidth <= 0 || opts.DisplayHeight <= 0 {
		opts.DisplayWidth, opts.DisplayHeight = def.DisplayWidth, def.DisplayHeight
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = def.JPEGQuality
	}
	return &Codec{
		opts: opts,
		resize: func(img image.Image, w, h int) *image.NRGBA {
			return imaging.Resize(img, w, h, imaging.Lanczos)
		},
	}
}

// DisplaySize returns the panel frame size.
func (c *Codec) DisplaySize() image.Point {
	return image.Pt(c.opts.DisplayWidth, c.opts.DisplayHeight)
}

// ToDisplay resamples raw to the panel size (Lanczos) and returns an opaque
// RGBA frame. Frames already at panel size skip the resample.
func (c *Codec) ToDisplay(raw image.Image) *image.RGBA {
	w, h := c.opts.DisplayWidth, c.opts.DisplayHeight

	var src image.Image = raw
	if size := raw.Bounds().Size(); size.X != w || size.Y != h {
		src = c.resize(raw, w, h)
	}

	flat := imaging.Overlay(imaging.New(w, h, color.Black), src, image.Pt(0, 0), 1.0)
	out := nrgbaAsRGBA(flat)
	if c.opts.NightMode {
		return NightMode(out, out)
	}
	return out
}

// ToNetwork composites raw onto white, dropping any alpha channel, and
// encodes it as JPEG.
func (c *Codec) ToNetwork(raw image.Image) ([]byte, error) {
	b := raw.Bounds()
	if b.Empty() {
		return nil, errors.New("codec: empty frame")
	}

	var src image.Image = raw
	if !isOpaque(raw) {
		src = imaging.Overlay(imaging.New(b.Dx(), b.Dy(), color.White), raw, image.Pt(0, 0), 1.0)
	}
	return c.encode(src)
}

func (c *Codec) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(64 * 1024)
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.opts.JPEGQuality)); err != nil {
		return nil, errors.Wrap(err, "codec: jpeg encode")
	}
	return buf.Bytes(), nil
}

// isOpaque reports whether img is known to have no transparent pixels.
func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

// nrgbaAsRGBA reinterprets a fully opaque NRGBA image as RGBA. For alpha
// 255 the premultiplied and straight encodings are identical.
func nrgbaAsRGBA(img *image.NRGBA) *image.RGBA {
	return &image.RGBA{Pix: img.Pix, Stride: img.Stride, Rect: img.Rect}
}
