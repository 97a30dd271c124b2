package codec

import (
	"image"
	"image/color"
)

// =============================================================================
// Night Mode Filter
// =============================================================================
// Red-only rendering for the panel at night: BT.601 luminance, 1.6x gain
// clamped to 255, written to the red channel.
// =============================================================================

var nightLUT [256]uint8

func init() {
	for i := range nightLUT {
		v := float64(i) * 1.6
		if v > 255 {
			v = 255
		}
		nightLUT[i] = uint8(v)
	}
}

func nightLevel(r, g, b uint8) uint8 {
	return nightLUT[(299*uint32(r)+587*uint32(g)+114*uint32(b))/1000]
}

// NightMode writes the red-tinted version of src into dst and returns dst.
// dst may alias src when src is an *image.RGBA of the same size; pass nil
// to allocate.
func NightMode(src image.Image, dst *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if dst == nil || dst.Rect.Dx() != w || dst.Rect.Dy() != h {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	var pix []uint8
	var stride int
	switch s := src.(type) {
	case *image.RGBA:
		pix, stride = s.Pix[s.PixOffset(b.Min.X, b.Min.Y):], s.Stride
	case *image.NRGBA:
		pix, stride = s.Pix[s.PixOffset(b.Min.X, b.Min.Y):], s.Stride
	}

	for y := 0; y < h; y++ {
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			var level uint8
			if pix != nil {
				o := y*stride + x*4
				level = nightLevel(pix[o], pix[o+1], pix[o+2])
			} else {
				r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
				level = nightLevel(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			}
			i := x * 4
			d[i], d[i+1], d[i+2], d[i+3] = level, 0, 0, 255
		}
	}
	return dst
}

// NightColor returns the night-mode equivalent of c.
func NightColor(c color.Color) color.RGBA {
	r, g, b, _ := c.RGBA()
	return color.RGBA{R: nightLevel(uint8(r>>8), uint8(g>>8), uint8(b>>8)), A: 255}
}
