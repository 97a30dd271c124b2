package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"camera-stream-go/internal/codec"
	"camera-stream-go/internal/netmon"
	"camera-stream-go/internal/perf"
	"camera-stream-go/internal/stream"
)

type fakeSource struct {
	frames [][]byte
	closed bool
	mu     *sync.Mutex
}

func (f *fakeSource) ID() string { return "client-1" }

func (f *fakeSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.frames) == 0 {
		return nil, stream.ErrNetworkUnstable
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	return frame, nil
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeStreamer struct {
	mu        sync.Mutex
	attachErr error
	frames    [][]byte
	sources   []*fakeSource
	starts    []stream.Mode
	outcome   stream.StartOutcome
	stops     int
	resets    int
	snapshot  []byte
	snapErr   error
}

func (f *fakeStreamer) Attach(context.Context) (FrameSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	src := &fakeSource{frames: f.frames, mu: &f.mu}
	f.sources = append(f.sources, src)
	return src, nil
}

func (f *fakeStreamer) Status(context.Context) stream.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return stream.Status{State: "idle", ActiveClients: len(f.sources), FailureCount: f.resets}
}

func (f *fakeStreamer) NetworkStatus(context.Context) netmon.Stability {
	return netmon.Stability{Stable: false, FailedChecks: 3, Checks: 7, LastError: "reachability: dial 8.8.8.8:53: timeout"}
}

func (f *fakeStreamer) RequestStart(_ context.Context, mode stream.Mode) stream.StartOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, mode)
	return f.outcome
}

func (f *fakeStreamer) RequestStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeStreamer) ResetFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeStreamer) CaptureSingleFrame(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.snapErr
}

type fakeHealth struct{ err error }

func (h fakeHealth) Collect() (perf.Sample, error) {
	return perf.Sample{Load1: 0.5, TempC: 48}, h.err
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.JPEG))
	return buf.Bytes()
}

func newTestServer(t *testing.T, st *fakeStreamer) *httptest.Server {
	t.Helper()
	s := New(st, codec.New(codec.DefaultOptions()), Options{
		AllowedOrigins:        []string{"http://localhost:3000"},
		AllowedOriginSuffixes: []string{".lovable.app"},
		NetworkCheckInterval:  5 * time.Second,
		MaxFailedChecks:       3,
		Health:                fakeHealth{},
	}, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func readParts(t *testing.T, resp *http.Response) [][]byte {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/x-mixed-replace", mediaType)
	require.Equal(t, "frame", params["boundary"])

	var parts [][]byte
	mr := multipart.NewReader(resp.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		assert.Equal(t, "image/jpeg", p.Header.Get("Content-Type"))
		data, err := io.ReadAll(p)
		require.NoError(t, err)
		parts = append(parts, data)
	}
	return parts
}

func TestVideoFeedStreamsFramesUntilSourceEnds(t *testing.T) {
	frame := testJPEG(t, 64, 48)
	st := &fakeStreamer{frames: [][]byte{frame, frame, frame}}
	ts := newTestServer(t, st)

	resp, err := http.Get(ts.URL + "/video_feed")
	require.NoError(t, err)
	defer resp.Body.Close()

	parts := readParts(t, resp)
	require.Len(t, parts, 3)
	assert.Equal(t, frame, parts[0])

	// the handler detaches after the final boundary is on the wire
	assert.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.sources) == 1 && st.sources[0].closed
	}, time.Second, 5*time.Millisecond)
}

func TestVideoFeedPlaceholderWhenNotStreaming(t *testing.T) {
	for _, attachErr := range []error{stream.ErrNotStreaming, stream.ErrNetworkUnstable} {
		st := &fakeStreamer{attachErr: attachErr}
		ts := newTestServer(t, st)

		resp, err := http.Get(ts.URL + "/video_feed")
		require.NoError(t, err)
		parts := readParts(t, resp)
		resp.Body.Close()

		require.Len(t, parts, 1, attachErr.Error())
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(parts[0]))
		require.NoError(t, err)
		assert.Equal(t, codec.PlaceholderWidth, cfg.Width)
	}
}

func TestWebSocketFeed(t *testing.T) {
	frame := testJPEG(t, 32, 32)
	st := &fakeStreamer{frames: [][]byte{frame, frame}}
	ts := newTestServer(t, st)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/video_feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		assert.Equal(t, frame, data)
	}
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, &fakeStreamer{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/video_feed"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStartStopReset(t *testing.T) {
	st := &fakeStreamer{outcome: stream.StartOutcome{Result: stream.StartOK, State: "active"}}
	ts := newTestServer(t, st)

	resp, err := http.Post(ts.URL+"/start_stream?mode=display", "", nil)
	require.NoError(t, err)
	var out stream.StartOutcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, stream.StartOK, out.Result)

	st.mu.Lock()
	st.outcome = stream.StartOutcome{Result: stream.StartAlreadyRunning}
	st.mu.Unlock()
	resp, err = http.Post(ts.URL+"/start_stream", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/start_stream?mode=hdmi", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/stop_stream", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Post(ts.URL+"/reset", "", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/stop_stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []stream.Mode{stream.ModeDisplay, stream.ModeBoth}, st.starts)
	assert.Equal(t, 1, st.stops)
	assert.Equal(t, 1, st.resets)
}

func TestStatusEndpoints(t *testing.T) {
	ts := newTestServer(t, &fakeStreamer{})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "idle", status["state"])
	assert.Contains(t, status, "network_stable")
	assert.Contains(t, status, "active_clients")

	resp, err = http.Get(ts.URL + "/network_status")
	require.NoError(t, err)
	var netStatus networkStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&netStatus))
	resp.Body.Close()
	assert.False(t, netStatus.Stable)
	assert.Equal(t, 3, netStatus.MaxFailedChecks)
	assert.Equal(t, 5.0, netStatus.CheckInterval)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var sample perf.Sample
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sample))
	resp.Body.Close()
	assert.Equal(t, 48.0, sample.TempC)
}

func TestSnapshot(t *testing.T) {
	st := &fakeStreamer{snapshot: testJPEG(t, 640, 480)}
	ts := newTestServer(t, st)

	resp, err := http.Get(ts.URL + "/snapshot?max=160")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	cfg, err := jpeg.DecodeConfig(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 160, cfg.Width)
	assert.Equal(t, 120, cfg.Height)

	st.mu.Lock()
	st.snapErr = errors.New("camera recovery in progress")
	st.mu.Unlock()
	resp2, err := http.Get(ts.URL + "/snapshot")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestCORSOrigins(t *testing.T) {
	ts := newTestServer(t, &fakeStreamer{})

	for origin, allowed := range map[string]bool{
		"http://localhost:3000":       true,
		"https://preview.lovable.app": true,
		"http://preview.lovable.app":  false,
		"https://lovable.app.evil.io": false,
		"http://localhost:9999":       false,
	} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		got := resp.Header.Get("Access-Control-Allow-Origin")
		if allowed {
			assert.Equal(t, origin, got, origin)
		} else {
			assert.Empty(t, got, origin)
		}
	}
}

func TestServeShutsDownWithContext(t *testing.T) {
	s := New(&fakeStreamer{}, codec.New(codec.DefaultOptions()), Options{ShutdownTimeout: time.Second},
		zaptest.NewLogger(t).Sugar())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
