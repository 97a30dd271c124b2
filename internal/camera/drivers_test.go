package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func encodeJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, c), imaging.JPEG))
	return buf.Bytes()
}

func TestMJPEGSplitterSplitsConcatenatedFrames(t *testing.T) {
	a := encodeJPEG(t, 16, 16, color.White)
	b := encodeJPEG(t, 32, 8, color.Black)

	var stream bytes.Buffer
	stream.WriteString("garbage")
	stream.Write(a)
	stream.Write([]byte{0x00, 0x01})
	stream.Write(b)

	s := newMJPEGSplitter(&stream)

	got, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMJPEGSplitterTruncatedFrame(t *testing.T) {
	a := encodeJPEG(t, 16, 16, color.White)
	s := newMJPEGSplitter(bytes.NewReader(a[:len(a)/2]))
	_, err := s.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPipeDriverArgs(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	d := NewPipeDriver(PipeOptions{Command: "ffmpeg", Device: "/dev/video2", Format: "yuyv", FPS: 15}, nil, logger)
	require.NoError(t, d.Configure(WideProfile))
	args := strings.Join(d.args(), " ")
	assert.Contains(t, args, "-input_format yuyv422")
	assert.Contains(t, args, "-video_size 640x480")
	assert.Contains(t, args, "-framerate 15")
	assert.Contains(t, args, "-i /dev/video2")
	assert.True(t, strings.HasSuffix(args, " -"))

	d = NewPipeDriver(PipeOptions{Command: "rpicam-vid"}, nil, logger)
	require.NoError(t, d.Configure(PreviewProfile))
	args = strings.Join(d.args(), " ")
	assert.Contains(t, args, "--codec mjpeg")
	assert.Contains(t, args, "--width 128 --height 128")
	assert.Contains(t, args, "--framerate 30")
}

// startFakePump wires a PipeDriver to an in-memory pipe instead of a process.
func startFakePump(d *PipeDriver) *io.PipeWriter {
	pr, pw := io.Pipe()
	d.mu.Lock()
	d.cmd = &exec.Cmd{}
	d.pumpDone = make(chan struct{})
	done := d.pumpDone
	d.mu.Unlock()
	go d.pump(pr, done)
	return pw
}

func TestPipeDriverDeliversFramesAndReportsStreamEnd(t *testing.T) {
	d := NewPipeDriver(PipeOptions{}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, d.Configure(WideProfile))
	pw := startFakePump(d)
	frame := encodeJPEG(t, 64, 48, color.White)

	go func() {
		_, _ = pw.Write(frame)
		_, _ = pw.Write([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}) // undecodable
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	img, err := d.CaptureFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(64, 48), img.Bounds().Size())

	require.Eventually(t, func() bool { return d.DecodeErrors() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, pw.Close())
	_, err = d.CaptureFrame(ctx)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindDisconnected, de.Kind)
	assert.Equal(t, ClassHardware, Classify(err))
}

func TestPipeDriverFrameTimeout(t *testing.T) {
	d := NewPipeDriver(PipeOptions{}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, d.Configure(WideProfile))
	pw := startFakePump(d)
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.CaptureFrame(ctx)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindTimeout, de.Kind)
}

func TestPipeDriverRejectsReconfigureWhileRunning(t *testing.T) {
	d := NewPipeDriver(PipeOptions{}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, d.Configure(WideProfile))
	pw := startFakePump(d)
	defer pw.Close()

	err := d.Configure(PreviewProfile)
	var de *DriverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindBusy, de.Kind)
}

func TestPatternDriver(t *testing.T) {
	d := NewPatternDriver(0)
	_, err := d.CaptureFrame(context.Background())
	require.Error(t, err)

	require.NoError(t, d.Configure(PreviewProfile))
	require.NoError(t, d.Start())
	img, err := d.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image.Pt(128, 128), img.Bounds().Size())

	require.NoError(t, d.Close())
	_, err = d.CaptureFrame(context.Background())
	assert.Equal(t, ClassHardware, Classify(err))
}

func TestFrameBufferWaitNext(t *testing.T) {
	fb := NewFrameBuffer()
	assert.Nil(t, fb.Read())

	go func() {
		time.Sleep(5 * time.Millisecond)
		fb.Write(image.NewGray(image.Rect(0, 0, 1, 1)))
	}()
	img, n, err := fb.WaitNext(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, img)
	assert.Equal(t, uint64(1), n)

	_, _, ok := fb.ReadIfNew(n)
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, _, err = fb.WaitNext(ctx, n)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	fb.Reset()
	assert.Zero(t, fb.Count())
	assert.True(t, fb.LastFrameTime().IsZero())
}

func TestDecodeYUYV(t *testing.T) {
	// 2x1 frame: Y0=10 U=20 Y1=30 V=40
	img, err := decodeYUYV([]byte{10, 20, 30, 40}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(10), img.Y[0])
	assert.Equal(t, uint8(30), img.Y[1])
	assert.Equal(t, uint8(20), img.Cb[0])
	assert.Equal(t, uint8(40), img.Cr[0])

	_, err = decodeYUYV([]byte{1, 2}, 2, 1)
	assert.Error(t, err)
}

func TestNewFactory(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	f, err := NewFactory(FactoryOptions{Driver: "pattern", FPS: 30}, nil, logger)
	require.NoError(t, err)
	d, err := f()
	require.NoError(t, err)
	assert.IsType(t, &PatternDriver{}, d)

	f, err = NewFactory(FactoryOptions{Driver: "ffmpeg", Command: "rpicam-vid"}, nil, logger)
	require.NoError(t, err)
	d, err = f()
	require.NoError(t, err)
	assert.IsType(t, &PipeDriver{}, d)

	_, err = NewFactory(FactoryOptions{Driver: "betamax"}, nil, logger)
	assert.Error(t, err)
}
