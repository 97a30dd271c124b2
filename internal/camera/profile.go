package camera

import "fmt"

// Profile is a named sensor output configuration.
type Profile struct {
	Name   string
	Width  int
	Height int
}

// Built-in profiles. Preview feeds the 128x128 panel directly without
// resizing; Wide feeds the network stream.
var (
	PreviewProfile = Profile{Name: "preview", Width: 128, Height: 128}
	WideProfile    = Profile{Name: "wide", Width: 640, Height: 480}
)

// NewProfile returns a profile with the given name and size.
func NewProfile(name string, width, height int) Profile {
	return Profile{Name: name, Width: width, Height: height}
}

// IsZero reports whether p is the unset profile.
func (p Profile) IsZero() bool {
	return p.Width == 0 && p.Height == 0
}

// VideoSize returns the profile size in ffmpeg "WxH" form.
func (p Profile) VideoSize() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

func (p Profile) String() string {
	if p.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s(%dx%d)", p.Name, p.Width, p.Height)
}
