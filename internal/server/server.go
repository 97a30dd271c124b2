// Package server is the HTTP surface of the streamer: MJPEG and websocket
// feeds, snapshots, status and stream control.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"camera-stream-go/internal/codec"
	"camera-stream-go/internal/netmon"
	"camera-stream-go/internal/perf"
	"camera-stream-go/internal/stream"
)

// FrameSource yields one client's frames.
type FrameSource interface {
	ID() string
	Next(ctx context.Context) ([]byte, error)
	Close()
}

// Streamer is the controller surface the server exposes.
type Streamer interface {
	Attach(ctx context.Context) (FrameSource, error)
	Status(ctx context.Context) stream.Status
	NetworkStatus(ctx context.Context) netmon.Stability
	RequestStart(ctx context.Context, mode stream.Mode) stream.StartOutcome
	RequestStop()
	ResetFailures()
	CaptureSingleFrame(ctx context.Context) ([]byte, error)
}

// HealthSource reports host health for /health.
type HealthSource interface {
	Collect() (perf.Sample, error)
}

type controllerStreamer struct {
	*stream.Controller
}

func (s controllerStreamer) Attach(ctx context.Context) (FrameSource, error) {
	g, err := s.AttachClient(ctx)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// FromController adapts a stream.Controller.
func FromController(c *stream.Controller) Streamer {
	return controllerStreamer{c}
}

// Options configures the server.
type Options struct {
	Listen                string
	AllowedOrigins        []string
	AllowedOriginSuffixes []string
	ShutdownTimeout       time.Duration

	// Reported by /network_status.
	NetworkCheckInterval time.Duration
	MaxFailedChecks      int

	Health        HealthSource // optional, serves /health
	DisplayMirror http.Handler // optional, serves /display
}

// Server serves the HTTP API.
type Server struct {
	streamer Streamer
	codec    *codec.Codec
	opts     Options
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
	handler  http.Handler
	started  time.Time
}

// New builds the server and its routes.
func New(streamer Streamer, cdc *codec.Codec, opts Options, logger *zap.SugaredLogger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		streamer: streamer,
		codec:    cdc,
		opts:     opts,
		logger:   logger.Named("server"),
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin)
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/video_feed", only(http.MethodGet, s.handleVideoFeed))
	mux.HandleFunc("/ws/video_feed", s.handleWebSocketFeed)
	mux.HandleFunc("/snapshot", only(http.MethodGet, s.handleSnapshot))
	mux.HandleFunc("/status", only(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/network_status", only(http.MethodGet, s.handleNetworkStatus))
	mux.HandleFunc("/start_stream", only(http.MethodPost, s.handleStart))
	mux.HandleFunc("/stop_stream", only(http.MethodPost, s.handleStop))
	mux.HandleFunc("/reset", only(http.MethodPost, s.handleReset))
	if opts.Health != nil {
		mux.HandleFunc("/health", only(http.MethodGet, s.handleHealth))
	}
	if opts.DisplayMirror != nil {
		mux.Handle("/display", opts.DisplayMirror)
	}

	s.handler = cors.New(cors.Options{
		AllowOriginFunc: s.allowOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"Content-Type"},
		MaxAge:          600,
	}).Handler(mux)
	return s
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.opts.Listen)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnw("graceful shutdown failed, closing", "error", err)
		return errors.Wrap(srv.Close(), "http server close")
	}
	return nil
}

// allowOrigin accepts the configured origins exactly, plus any https
// origin whose host ends in one of the configured suffixes.
func (s *Server) allowOrigin(origin string) bool {
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range s.opts.AllowedOriginSuffixes {
		if strings.HasSuffix(host, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// only restricts a handler to one method.
func only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
