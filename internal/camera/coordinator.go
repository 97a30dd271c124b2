package camera

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// =============================================================================
// Coordinator
// =============================================================================
//
// The Coordinator owns the single sensor handle. Every hardware call goes
// through it and is serialized by one lock, held for exactly one driver
// operation (or one start/stop sequence). The post-start warm-up is waited
// out without the lock. A bounded failure policy sits on top:
//   - a hardware-class failure forces a full teardown and arms a cooldown
//     during which Start returns ErrRecoveryInProgress
//   - reaching MaxFailures consecutive failures disables the Coordinator
//     until Reset

// Options tunes the Coordinator's failure policy.
type Options struct {
	MaxFailures      int
	HardwareCooldown time.Duration
	CaptureTimeout   time.Duration // per-capture deadline; 0 disables
	WarmUp           time.Duration // settle time after a successful start
}

// DefaultOptions returns the production failure policy.
func DefaultOptions() Options {
	return Options{
		MaxFailures:      5,
		HardwareCooldown: 10 * time.Second,
		CaptureTimeout:   5 * time.Second,
		WarmUp:           2 * time.Second,
	}
}

// Status is a point-in-time snapshot of the Coordinator.
type Status struct {
	State             HandleState
	Profile           Profile
	Failures          FailureRecord
	Disabled          bool
	CooldownRemaining time.Duration
	FramesCaptured    uint64
	LastFrameAt       time.Time
}

// Coordinator serializes access to one sensor.
type Coordinator struct {
	mu       sync.Mutex
	factory  DriverFactory
	driver   Driver
	state    HandleState
	profile  Profile
	failures FailureRecord
	disabled bool
	// cooldownUntil is zero when no cooldown is armed.
	cooldownUntil time.Time
	// warmUntil is zero once the running sensor has settled.
	warmUntil time.Time
	// session increments on every successful driver start.
	session uint64

	opts   Options
	clock  clock.Clock
	logger *zap.SugaredLogger

	frames *FrameBuffer

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewCoordinator creates a Coordinator. A nil clock uses wall time.
func NewCoordinator(factory DriverFactory, opts Options, clk clock.Clock, logger *zap.SugaredLogger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultOptions().MaxFailures
	}
	return &Coordinator{
		factory: factory,
		opts:    opts,
		clock:   clk,
		logger:  logger.Named("camera"),
		frames:  NewFrameBuffer(),
	}
}

// Start brings the sensor up in profile p.
//
// Starting in the profile that is already running is a no-op. Starting in a
// different profile performs exactly one stop followed by one start. Start
// returns once the sensor has warmed up; other callers are not blocked
// meanwhile.
func (c *Coordinator) Start(ctx context.Context, p Profile) error {
	session, started, err := c.begin(p)
	if err != nil {
		return err
	}
	if err := c.awaitWarmUp(ctx); err != nil {
		if started {
			c.mu.Lock()
			if c.session == session && c.state == StateRunning {
				c.teardownLocked("start cancelled")
			}
			c.mu.Unlock()
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session || c.state != StateRunning {
		return errors.Wrap(ErrNotRunning, "sensor stopped during warm-up")
	}
	return nil
}

// begin runs the locked part of Start. It reports the session to wait on and
// whether this call started it.
func (c *Coordinator) begin(p Profile) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return 0, false, ErrMaxFailuresExceeded
	}
	if remaining := c.cooldownRemainingLocked(); remaining > 0 {
		return 0, false, errors.Wrapf(ErrRecoveryInProgress, "retry in %s", remaining.Round(time.Millisecond))
	}

	if c.state == StateRunning {
		if c.profile == p {
			return c.session, false, nil
		}
		c.logger.Infow("switching profile", "from", c.profile, "to", p)
		c.teardownLocked("profile switch")
	}

	if err := c.startLocked(p); err != nil {
		return 0, false, err
	}
	return c.session, true, nil
}

func (c *Coordinator) startLocked(p Profile) error {
	if c.driver == nil {
		d, err := c.factory()
		if err != nil {
			return c.failLocked("open", err)
		}
		c.driver = d
	}

	if err := c.driver.Configure(p); err != nil {
		return c.failLocked("configure", err)
	}
	c.state = StateConfigured
	c.profile = p

	if err := c.driver.Start(); err != nil {
		return c.failLocked("start", err)
	}
	c.state = StateRunning
	c.session++
	if c.opts.WarmUp > 0 {
		c.warmUntil = c.clock.Now().Add(c.opts.WarmUp)
	}
	c.logger.Infow("sensor started", "profile", p, "warm_up", c.opts.WarmUp)
	return nil
}

// awaitWarmUp blocks until the running sensor has settled or ctx ends.
func (c *Coordinator) awaitWarmUp(ctx context.Context) error {
	c.mu.Lock()
	wait := c.warmRemainingLocked()
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	t := c.clock.Timer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts and releases the sensor. It is idempotent, never counts as a
// failure and waits for an in-flight capture to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driver == nil && c.state == StateClosed {
		return
	}
	c.teardownLocked("stop")
	c.logger.Info("sensor stopped")
}

// ForceCleanup tears the handle down unconditionally. Used on shutdown and
// after hardware faults.
func (c *Coordinator) ForceCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked("forced cleanup")
}

// Capture returns one frame from the running sensor.
func (c *Coordinator) Capture(ctx context.Context) (image.Image, error) {
	if err := c.awaitWarmUp(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return nil, ErrMaxFailuresExceeded
	}
	if c.state != StateRunning || c.driver == nil {
		return nil, ErrNotRunning
	}

	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	captureCtx := ctx
	if c.opts.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		captureCtx, cancel = context.WithTimeout(ctx, c.opts.CaptureTimeout)
		defer cancel()
	}

	img, err := c.driver.CaptureFrame(captureCtx)
	if err != nil {
		// The caller giving up is not a sensor fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.failLocked("capture", err)
	}
	if img == nil {
		return nil, c.failLocked("capture", NewDriverError("capture", KindDecode, errors.New("driver returned no frame")))
	}

	c.failures.clear()
	c.frames.Write(img)
	return img, nil
}

// Reset clears the failure record, the cooldown and the disabled flag.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = FailureRecord{}
	c.disabled = false
	c.cooldownUntil = time.Time{}
	c.logger.Info("failure record reset")
}

// Status returns a snapshot of the handle and failure record.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:             c.state,
		Profile:           c.profile,
		Failures:          c.failures,
		Disabled:          c.disabled,
		CooldownRemaining: c.cooldownRemainingLocked(),
		FramesCaptured:    c.frames.Count(),
		LastFrameAt:       c.frames.LastFrameTime(),
	}
}

// MaxConcurrentCaptures reports the highest number of driver captures ever
// observed running at once. Anything above 1 is a locking bug.
func (c *Coordinator) MaxConcurrentCaptures() int {
	return int(c.maxInFlight.Load())
}

// =============================================================================
// Failure policy
// =============================================================================

// failLocked records a failure, applies the recovery policy and returns the
// classified error.
func (c *Coordinator) failLocked(op string, err error) error {
	class := Classify(err)
	now := c.clock.Now()
	c.failures.record(class, now, err)

	c.logger.Warnw("sensor operation failed",
		"op", op,
		"class", class,
		"consecutive", c.failures.Consecutive,
		"error", err)

	if class == ClassHardware {
		c.teardownLocked("hardware failure")
		if c.opts.HardwareCooldown > 0 {
			c.cooldownUntil = now.Add(c.opts.HardwareCooldown)
		}
	} else if op != "capture" {
		// A failed open/configure/start leaves the handle in an unknown state.
		c.teardownLocked(op + " failure")
	}

	ce := &CaptureError{Op: op, Class: class, Err: err}
	if c.failures.Consecutive >= c.opts.MaxFailures {
		c.disabled = true
		ce.Disabled = true
		c.teardownLocked("max failures")
		c.logger.Errorw("camera disabled",
			"consecutive", c.failures.Consecutive,
			"max", c.opts.MaxFailures)
	}
	return ce
}

// teardownLocked stops and closes the driver and nulls the handle. Errors
// are logged, never returned: teardown must always complete.
func (c *Coordinator) teardownLocked(reason string) {
	if c.driver != nil {
		err := multierr.Append(
			errors.Wrap(c.driver.Stop(), "stop"),
			errors.Wrap(c.driver.Close(), "close"),
		)
		for _, e := range multierr.Errors(err) {
			c.logger.Warnw("teardown error", "reason", reason, "error", e)
		}
	}
	c.driver = nil
	c.state = StateClosed
	c.profile = Profile{}
	c.warmUntil = time.Time{}
}

func (c *Coordinator) warmRemainingLocked() time.Duration {
	if c.warmUntil.IsZero() {
		return 0
	}
	remaining := c.warmUntil.Sub(c.clock.Now())
	if remaining <= 0 {
		c.warmUntil = time.Time{}
		return 0
	}
	return remaining
}

func (c *Coordinator) cooldownRemainingLocked() time.Duration {
	if c.cooldownUntil.IsZero() {
		return 0
	}
	remaining := c.cooldownUntil.Sub(c.clock.Now())
	if remaining <= 0 {
		c.cooldownUntil = time.Time{}
		return 0
	}
	return remaining
}
