// Package stream owns the streaming lifecycle: one state machine that
// decides when the camera runs, which output paths are live, and how the
// local display and network clients share frames.
package stream

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"camera-stream-go/internal/camera"
	"camera-stream-go/internal/codec"
	"camera-stream-go/internal/netmon"
)

// Camera is the subset of *camera.Coordinator the Controller drives.
type Camera interface {
	Start(ctx context.Context, p camera.Profile) error
	Stop()
	ForceCleanup()
	Capture(ctx context.Context) (image.Image, error)
	Reset()
	Status() camera.Status
}

// NetworkMonitor is the subset of *netmon.Monitor the Controller reads.
type NetworkMonitor interface {
	IsStable(ctx context.Context) bool
	Snapshot() netmon.Stability
}

// Display is the local panel.
type Display interface {
	Show(img image.Image, x, y int) error
}

// Options tunes the Controller's loops.
type Options struct {
	Preview camera.Profile // display-only sessions
	Wide    camera.Profile // sessions serving network clients

	DisplayInterval  time.Duration // pacing of the display loop
	DisplayMaxErrors int           // consecutive Show failures before the display path dies

	FrameInterval        time.Duration // per-client network pacing
	MaxConsecutiveErrors int           // per-client capture failures before giving up
	RetryDelay           time.Duration // wait after a failed capture
	IdleTimeout          time.Duration // zero clients for this long idles generation
	LogEvery             uint64        // per-client progress log interval, in frames

	SupervisionInterval time.Duration // network re-check while healthy
	RecoveryInterval    time.Duration // network re-check while recovering
	MaxRecoveryAttempts int           // failed re-checks before a full stop

	MessageHold time.Duration // how long a status message stays before the idle screen returns
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Preview:              camera.PreviewProfile,
		Wide:                 camera.WideProfile,
		DisplayInterval:      50 * time.Millisecond,
		DisplayMaxErrors:     5,
		FrameInterval:        time.Second / 30,
		MaxConsecutiveErrors: 5,
		RetryDelay:           time.Second,
		IdleTimeout:          30 * time.Second,
		LogEvery:             30,
		SupervisionInterval:  5 * time.Second,
		RecoveryInterval:     10 * time.Second,
		MaxRecoveryAttempts:  10,
		MessageHold:          2 * time.Second,
	}
}

// Controller is the streaming state machine. All transitions happen under
// mu; camera and display calls are made outside it.
type Controller struct {
	cam      Camera
	codec    *codec.Codec
	display  Display
	monitor  NetworkMonitor
	registry *Registry

	opts   Options
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu            sync.Mutex
	state         State
	mode          Mode
	profile       camera.Profile
	stopRequested bool
	cancel        context.CancelFunc
	loops         *sync.WaitGroup // goroutines of the current or last session

	// camGate orders camera start/stop. Restarts from the loops take it
	// shared; session start, stop and one-off captures take it exclusively.
	camGate sync.RWMutex

	streaming  atomic.Bool
	networkOn  atomic.Bool
	generating atomic.Bool

	lastMessage atomic.Int64 // unix nanos of the last status message
	welcome     string       // lines last drawn by the idle screen
}

// NewController wires the state machine. A nil display discards output and
// a nil clock uses wall time.
func NewController(cam Camera, cdc *codec.Codec, display Display, monitor NetworkMonitor,
	registry *Registry, opts Options, clk clock.Clock, logger *zap.SugaredLogger) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if display == nil {
		display = nopDisplay{}
	}
	def := DefaultOptions()
	if opts.Preview.IsZero() {
		opts.Preview = def.Preview
	}
	if opts.Wide.IsZero() {
		opts.Wide = def.Wide
	}
	if opts.DisplayMaxErrors <= 0 {
		opts.DisplayMaxErrors = def.DisplayMaxErrors
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if opts.MaxRecoveryAttempts <= 0 {
		opts.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if opts.LogEvery == 0 {
		opts.LogEvery = def.LogEvery
	}
	return &Controller{
		cam:      cam,
		codec:    cdc,
		display:  display,
		monitor:  monitor,
		registry: registry,
		opts:     opts,
		clock:    clk,
		logger:   logger.Named("stream"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Registry returns the client registry.
func (c *Controller) Registry() *Registry { return c.registry }

// =============================================================================
// Start / stop
// =============================================================================

// RequestStart starts a session in mode. It only acts from Idle; any other
// state reports StartAlreadyRunning.
func (c *Controller) RequestStart(ctx context.Context, mode Mode) StartOutcome {
	c.mu.Lock()
	if c.state.Phase != PhaseIdle {
		st := c.state
		c.mu.Unlock()
		c.logger.Debugw("start ignored", "state", st.String(), "mode", mode.String())
		return StartOutcome{Result: StartAlreadyRunning, State: st.String(), Network: st.Network}
	}
	c.setStateLocked(State{Phase: PhaseStarting})
	c.stopRequested = false
	c.mu.Unlock()

	c.showMessage("Starting", "Stream...")

	network := false
	if mode.WantsNetwork() {
		network = c.monitor.IsStable(ctx)
		if !network {
			c.logger.Warnw("network unstable, starting local display only", "mode", mode.String())
			c.showMessage("Network Unstable", "LCD only mode")
		}
	}
	profile := c.opts.Preview
	if mode.WantsNetwork() {
		profile = c.opts.Wide
	}

	c.camGate.Lock()
	err := c.cam.Start(ctx, profile)
	c.camGate.Unlock()

	c.mu.Lock()
	if err != nil {
		c.setStateLocked(State{Phase: PhaseIdle})
		c.mu.Unlock()
		c.logger.Errorw("stream start failed", "mode", mode.String(), "profile", profile.String(), "error", err)
		c.showMessage("Camera Error", "Press KEY1", "to retry")
		return StartOutcome{Result: StartFailed, Reason: err.Error(), State: PhaseIdle.String()}
	}
	if c.stopRequested {
		c.setStateLocked(State{Phase: PhaseStopping})
		c.mu.Unlock()
		c.camGate.Lock()
		c.cam.Stop()
		c.camGate.Unlock()
		c.mu.Lock()
		c.setStateLocked(State{Phase: PhaseIdle})
		c.mu.Unlock()
		c.showMessage("Stream Stopped")
		return StartOutcome{Result: StartFailed, Reason: "stopped while starting", State: PhaseIdle.String()}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mode = mode
	c.profile = profile
	c.streaming.Store(true)
	c.networkOn.Store(network)
	c.generating.Store(false)
	c.welcome = ""
	c.setStateLocked(paths(true, network, ""))

	loops := &sync.WaitGroup{}
	c.loops = loops
	loops.Add(1)
	go c.displayLoop(runCtx, loops)
	if mode.WantsNetwork() {
		loops.Add(2)
		go c.superviseNetwork(runCtx, loops)
		go c.watchIdle(runCtx, loops)
	}
	st := c.state
	c.mu.Unlock()

	c.logger.Infow("stream started",
		"mode", mode.String(),
		"profile", profile.String(),
		"network", network)
	return StartOutcome{Result: StartOK, State: st.String(), Network: network}
}

// RequestStop stops the session. It is always accepted: from Idle or
// Stopping it does nothing, from Starting it aborts the start once the
// camera call returns.
func (c *Controller) RequestStop() {
	c.stop(true, "")
}

// stop tears the session down. wait is false when called from one of the
// session's own loops.
func (c *Controller) stop(wait bool, reason string) bool {
	c.mu.Lock()
	loops := c.loops
	switch c.state.Phase {
	case PhaseIdle, PhaseStopping:
		c.mu.Unlock()
		// A session that ended itself may still be unwinding.
		if wait && loops != nil {
			loops.Wait()
		}
		return false
	case PhaseStarting:
		c.stopRequested = true
		c.mu.Unlock()
		c.logger.Info("stop requested while starting")
		return true
	}
	c.setStateLocked(State{Phase: PhaseStopping, Reason: reason})
	c.streaming.Store(false)
	c.networkOn.Store(false)
	c.generating.Store(false)
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wait && loops != nil {
		loops.Wait()
	}

	c.camGate.Lock()
	c.cam.Stop()
	c.camGate.Unlock()

	if reason == "" {
		c.showMessage("Stream Stopped")
	}

	c.mu.Lock()
	c.setStateLocked(State{Phase: PhaseIdle})
	c.mu.Unlock()
	c.logger.Infow("stream stopped", "reason", reason)
	return true
}

// Shutdown stops any session and releases the sensor for good.
func (c *Controller) Shutdown() {
	c.stop(true, "")
	c.cam.ForceCleanup()
	c.showMessage("Goodbye!")
	c.logger.Info("controller shut down")
}

// ResetFailures clears the camera's failure record so a disabled camera can
// be started again.
func (c *Controller) ResetFailures() {
	c.cam.Reset()
	c.logger.Info("camera failure count reset")
}

// =============================================================================
// State helpers
// =============================================================================

// setStateLocked records a transition. Caller holds mu.
func (c *Controller) setStateLocked(next State) {
	if next == c.state {
		return
	}
	c.logger.Debugw("state change", "from", c.state.String(), "to", next.String())
	c.state = next
}

// setNetworkActive flips the network path of a running session.
func (c *Controller) setNetworkActive(on bool, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Running() || c.state.Network == on {
		return false
	}
	display := c.state.Phase == PhaseActive && c.state.Display
	c.networkOn.Store(on)
	c.setStateLocked(paths(display, on, reason))
	return true
}

// displayFailed marks the local display path dead.
func (c *Controller) displayFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Running() {
		return
	}
	network := c.state.Phase == PhaseActive && c.state.Network
	if camera.IsDisabled(err) {
		// A disabled sensor takes the network path down with it.
		network = false
		c.networkOn.Store(false)
		c.generating.Store(false)
	}
	c.setStateLocked(paths(false, network, err.Error()))
	c.logger.Errorw("display path failed", "error", err, "state", c.state.String())
}

// restartCamera brings the sensor back up in the session's profile after it
// tore itself down. Cooldown refusals are expected and only logged.
func (c *Controller) restartCamera(ctx context.Context) {
	c.camGate.RLock()
	defer c.camGate.RUnlock()
	if !c.streaming.Load() {
		return
	}
	c.mu.Lock()
	profile := c.profile
	c.mu.Unlock()

	if err := c.cam.Start(ctx, profile); err != nil {
		c.logger.Debugw("camera restart deferred", "error", err)
		return
	}
	c.logger.Infow("camera reinitialized", "profile", profile.String())
}

// showMessage draws a status message on the panel.
func (c *Controller) showMessage(lines ...string) {
	c.lastMessage.Store(c.clock.Now().UnixNano())
	if err := c.display.Show(c.codec.Message(lines...), 0, 0); err != nil {
		c.logger.Debugw("display message failed", "error", err)
	}
}

// =============================================================================
// Queries
// =============================================================================

// Status reports the controller, camera and network state together.
func (c *Controller) Status(ctx context.Context) Status {
	stable := c.monitor.IsStable(ctx)
	cam := c.cam.Status()

	c.mu.Lock()
	st := c.state
	mode := c.mode
	c.mu.Unlock()

	out := Status{
		State:            st.Phase.String(),
		Streaming:        c.streaming.Load(),
		DisplayActive:    st.Phase == PhaseActive && st.Display,
		NetworkActive:    st.Phase == PhaseActive && st.Network,
		NetworkStable:    stable,
		ActiveClients:    c.registry.Count(),
		GenerationActive: c.generating.Load(),
		FailureCount:     cam.Failures.Consecutive,
		CameraState:      cam.State.String(),
		CameraProfile:    cam.Profile.Name,
		CameraDisabled:   cam.Disabled,
		FramesCaptured:   cam.FramesCaptured,
		Reason:           st.Reason,
		LastError:        cam.Failures.LastError,
		CooldownSeconds:  cam.CooldownRemaining.Seconds(),
		LastFrameAt:      cam.LastFrameAt,
	}
	if st.Running() {
		out.Mode = mode.String()
	}
	return out
}

// NetworkStatus refreshes and returns the monitor's view of the link.
func (c *Controller) NetworkStatus(ctx context.Context) netmon.Stability {
	c.monitor.IsStable(ctx)
	return c.monitor.Snapshot()
}

// Streaming reports whether a session is live.
func (c *Controller) Streaming() bool { return c.streaming.Load() }

// NetworkActive reports whether the network path is serving clients.
func (c *Controller) NetworkActive() bool { return c.networkOn.Load() }

// CaptureSingleFrame returns one JPEG. During a session it shares the running
// camera; from Idle it starts the camera in the wide profile for one frame.
func (c *Controller) CaptureSingleFrame(ctx context.Context) ([]byte, error) {
	switch c.State().Phase {
	case PhaseActive, PhaseDegraded:
		img, err := c.cam.Capture(ctx)
		if err != nil {
			return nil, err
		}
		return c.codec.ToNetwork(img)
	case PhaseIdle:
	default:
		return nil, ErrBusy
	}

	c.camGate.Lock()
	defer c.camGate.Unlock()
	if c.State().Phase != PhaseIdle {
		return nil, ErrBusy
	}
	if err := c.cam.Start(ctx, c.opts.Wide); err != nil {
		return nil, err
	}
	defer c.cam.Stop()

	img, err := c.cam.Capture(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("single frame captured from idle")
	return c.codec.ToNetwork(img)
}

// =============================================================================
// Idle screen
// =============================================================================

// RunIdleScreen redraws the welcome screen while Idle, refreshing the network
// line every interval. It returns when ctx is done.
func (c *Controller) RunIdleScreen(ctx context.Context, interval time.Duration) error {
	for {
		c.drawWelcome(ctx)
		if !sleepCtx(ctx, c.clock, interval) {
			return nil
		}
	}
}

func (c *Controller) drawWelcome(ctx context.Context) {
	c.mu.Lock()
	if c.state.Phase != PhaseIdle {
		c.welcome = ""
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if last := c.lastMessage.Load(); last != 0 && c.clock.Since(time.Unix(0, last)) < c.opts.MessageHold {
		return
	}

	netLine := "Network: OK"
	if !c.monitor.IsStable(ctx) {
		netLine = "Network: DOWN"
	}
	lines := []string{"Pi Camera", "", "KEY1: Start", "Hold KEY1: LCD", "KEY3: Stop", "KEY2: Exit", "", netLine}
	key := fmt.Sprint(lines)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseIdle || key == c.welcome {
		return
	}
	if err := c.display.Show(c.codec.Message(lines...), 0, 0); err != nil {
		c.logger.Debugw("welcome screen failed", "error", err)
		return
	}
	c.welcome = key
}

// sleepCtx waits d on clk. It reports false if ctx ended first.
func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type nopDisplay struct{}

func (nopDisplay) Show(image.Image, int, int) error { return nil }
