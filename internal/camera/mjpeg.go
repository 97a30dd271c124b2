package camera

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// maxJPEGSize bounds a single frame. A stream that never produces an EOI
// marker within this many bytes is resynchronised.
const maxJPEGSize = 2 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// errFrameTooLarge is returned when no EOI arrives within maxJPEGSize bytes.
var errFrameTooLarge = errors.New("mjpeg: frame exceeds size limit")

// mjpegSplitter cuts a concatenated MJPEG byte stream (ffmpeg image2pipe,
// rpicam-vid --codec mjpeg) into individual JPEG images.
type mjpegSplitter struct {
	r       *bufio.Reader
	pending []byte
	chunk   []byte
}

func newMJPEGSplitter(r io.Reader) *mjpegSplitter {
	return &mjpegSplitter{
		r:       bufio.NewReaderSize(r, 64*1024),
		pending: make([]byte, 0, 64*1024),
		chunk:   make([]byte, 16*1024),
	}
}

// Next returns the next complete JPEG. The returned slice is owned by the
// caller. io.EOF means the stream ended cleanly between frames.
func (s *mjpegSplitter) Next() ([]byte, error) {
	for {
		if frame, ok := s.extract(); ok {
			return frame, nil
		}
		if len(s.pending) > maxJPEGSize {
			s.pending = s.pending[:0]
			return nil, errFrameTooLarge
		}

		n, err := s.r.Read(s.chunk)
		s.pending = append(s.pending, s.chunk[:n]...)
		if err != nil {
			if n > 0 {
				if frame, ok := s.extract(); ok {
					return frame, nil
				}
			}
			if err == io.EOF && bytes.HasPrefix(s.pending, jpegSOI) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// extract pulls one SOI..EOI frame out of pending, discarding any garbage
// before the SOI marker.
func (s *mjpegSplitter) extract() ([]byte, bool) {
	start := bytes.Index(s.pending, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF in case it is the first half of a marker.
		if n := len(s.pending); n > 0 && s.pending[n-1] == 0xFF {
			s.pending = append(s.pending[:0], 0xFF)
		} else {
			s.pending = s.pending[:0]
		}
		return nil, false
	}
	if start > 0 {
		s.pending = append(s.pending[:0], s.pending[start:]...)
	}

	end := bytes.Index(s.pending[len(jpegSOI):], jpegEOI)
	if end < 0 {
		return nil, false
	}
	end += len(jpegSOI) + len(jpegEOI)

	frame := make([]byte, end)
	copy(frame, s.pending[:end])
	s.pending = append(s.pending[:0], s.pending[end:]...)
	return frame, true
}
