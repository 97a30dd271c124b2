package display

import (
	"net/http"

	"go.uber.org/zap"
	"periph.io/x/devices/v3/videosink"
)

// NewSink returns a virtual panel of w x h pixels whose contents are
// served to HTTP clients as a live image stream. It lets a headless unit
// mirror what the LCD would show.
func NewSink(w, h int, logger *zap.SugaredLogger) (*Drawer, http.Handler) {
	dev := videosink.New(&videosink.Options{Width: w, Height: h})
	return NewDrawer(dev, logger), dev
}
