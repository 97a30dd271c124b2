package server

import (
	"bytes"
	"context"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"camera-stream-go/internal/camera"
	"camera-stream-go/internal/codec"
	"camera-stream-go/internal/stream"
)

const mjpegBoundary = "frame"

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "pi-camera-stream",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"endpoints": []string{
			"/video_feed", "/ws/video_feed", "/snapshot", "/status", "/network_status",
			"/start_stream", "/stop_stream", "/reset",
		},
	})
}

// placeholderFor maps an attach failure to the card shown instead of video.
func placeholderFor(err error) (title, message string, bg color.Color) {
	switch {
	case errors.Is(err, stream.ErrNotStreaming):
		return "Camera Stream Not Started", "Press KEY1 on the device to start", codec.Slate
	case errors.Is(err, stream.ErrNetworkUnstable):
		return "Network Unstable", "Web streaming paused, LCD still active", codec.Maroon
	case camera.IsDisabled(err):
		return "Camera Disabled", "Too many failures, reset required", codec.Maroon
	default:
		return "Stream Unavailable", err.Error(), codec.Slate
	}
}

// =============================================================================
// MJPEG feed
// =============================================================================

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	flusher, _ := w.(http.Flusher)

	src, err := s.streamer.Attach(ctx)
	if err != nil {
		s.logger.Infow("video feed refused", "remote", r.RemoteAddr, "reason", err)
		title, msg, bg := placeholderFor(err)
		frame, perr := s.codec.Placeholder(title, msg, bg)
		if perr != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_ = writePart(mw, frame)
		_ = mw.Close()
		return
	}
	defer src.Close()
	s.logger.Infow("video feed opened", "remote", r.RemoteAddr, "client", src.ID())

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			s.logFeedEnd(src.ID(), err)
			_ = mw.Close()
			return
		}
		if err := writePart(mw, frame); err != nil {
			s.logger.Debugw("video feed write failed", "client", src.ID(), "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writePart(mw *multipart.Writer, frame []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(frame)))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(frame)
	return err
}

func (s *Server) logFeedEnd(id string, err error) {
	if errors.Is(err, context.Canceled) {
		s.logger.Infow("client went away", "client", id)
		return
	}
	s.logger.Infow("feed ended", "client", id, "reason", err)
}

// =============================================================================
// Websocket feed
// =============================================================================

func (s *Server) handleWebSocketFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is only for close detection; clients send nothing useful.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	src, err := s.streamer.Attach(ctx)
	if err != nil {
		title, msg, bg := placeholderFor(err)
		if frame, perr := s.codec.Placeholder(title, msg, bg); perr == nil {
			_ = conn.WriteMessage(websocket.BinaryMessage, frame)
		}
		closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, truncate(err.Error(), 120))
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		return
	}
	defer src.Close()
	s.logger.Infow("websocket feed opened", "remote", r.RemoteAddr, "client", src.ID())

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			s.logFeedEnd(src.ID(), err)
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncate(err.Error(), 120))
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.logger.Debugw("websocket write failed", "client", src.ID(), "error", err)
			return
		}
	}
}

// close reasons must fit in a control frame
func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// =============================================================================
// Snapshot, status and control
// =============================================================================

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, err := s.streamer.CaptureSingleFrame(r.Context())
	if err != nil {
		s.logger.Warnw("snapshot failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	if v := r.URL.Query().Get("max"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max must be a positive integer"})
			return
		}
		if frame, err = thumbnail(frame, limit); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(frame)
}

func thumbnail(frame []byte, limit int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, codec.Thumbnail(img, limit), imaging.JPEG); err != nil {
		return nil, errors.Wrap(err, "encode thumbnail")
	}
	return buf.Bytes(), nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streamer.Status(r.Context()))
}

type networkStatus struct {
	Stable          bool    `json:"stable"`
	FailedChecks    int     `json:"failed_checks"`
	MaxFailedChecks int     `json:"max_failed_checks"`
	LastCheck       string  `json:"last_check,omitempty"`
	CheckInterval   float64 `json:"check_interval_seconds"`
	LastError       string  `json:"last_error,omitempty"`
	Checks          uint64  `json:"checks"`
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	st := s.streamer.NetworkStatus(r.Context())
	out := networkStatus{
		Stable:          st.Stable,
		FailedChecks:    st.FailedChecks,
		MaxFailedChecks: s.opts.MaxFailedChecks,
		CheckInterval:   s.opts.NetworkCheckInterval.Seconds(),
		LastError:       st.LastError,
		Checks:          st.Checks,
	}
	if !st.LastCheck.IsZero() {
		out.LastCheck = st.LastCheck.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	mode, err := stream.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out := s.streamer.RequestStart(r.Context(), mode)
	code := http.StatusOK
	switch out.Result {
	case stream.StartAlreadyRunning:
		code = http.StatusConflict
	case stream.StartFailed:
		code = http.StatusServiceUnavailable
	}
	s.logger.Infow("start via http", "mode", mode.String(), "result", out.Result, "remote", r.RemoteAddr)
	writeJSON(w, code, out)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.streamer.RequestStop()
	s.logger.Infow("stop via http", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.streamer.Status(r.Context()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.streamer.ResetFailures()
	s.logger.Infow("failure reset via http", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.streamer.Status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sample, err := s.opts.Health.Collect()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sample)
}
