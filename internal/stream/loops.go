package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"camera-stream-go/internal/camera"
)

// displayLoop feeds the local panel until the session ends or the display
// path dies.
func (c *Controller) displayLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	log := c.logger.Named("display")
	log.Info("display loop started")
	defer log.Info("display loop stopped")

	showErrors := 0
	for ctx.Err() == nil && c.streaming.Load() {
		started := c.clock.Now()

		img, err := c.cam.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if camera.IsDisabled(err) {
				c.displayFailed(err)
				c.showMessage("Camera Failed", "Press KEY3", "then KEY1")
				return
			}
			if errors.Is(err, camera.ErrNotRunning) {
				c.restartCamera(ctx)
			}
			log.Debugw("capture failed", "error", err)
			if !sleepCtx(ctx, c.clock, c.opts.RetryDelay) {
				return
			}
			continue
		}

		if err := c.display.Show(c.codec.ToDisplay(img), 0, 0); err != nil {
			showErrors++
			log.Warnw("display update failed", "error", err, "consecutive", showErrors)
			if showErrors >= c.opts.DisplayMaxErrors {
				c.displayFailed(errors.Wrapf(err, "display failed %d times", showErrors))
				return
			}
		} else {
			showErrors = 0
		}

		if !sleepCtx(ctx, c.clock, c.opts.DisplayInterval-c.clock.Since(started)) {
			return
		}
	}
}

// superviseNetwork re-checks the link while a network session runs. Losing
// it pauses the network path and the panel keeps going; getting it back
// resumes it. Too many failed re-checks end the session.
func (c *Controller) superviseNetwork(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	log := c.logger.Named("supervisor")

	attempts := 0
	interval := c.opts.SupervisionInterval
	if !c.networkOn.Load() {
		interval = c.opts.RecoveryInterval
	}
	for sleepCtx(ctx, c.clock, interval) {
		if !c.streaming.Load() {
			return
		}
		stable := c.monitor.IsStable(ctx)
		if ctx.Err() != nil {
			return
		}

		if stable {
			interval = c.opts.SupervisionInterval
			if c.networkOn.Load() {
				attempts = 0
				continue
			}
			if c.cam.Status().Disabled {
				continue
			}
			if c.setNetworkActive(true, "") {
				log.Infow("network restored, web stream resumed", "after_attempts", attempts)
				c.showMessage("Network", "Recovered")
			}
			attempts = 0
			continue
		}

		interval = c.opts.RecoveryInterval
		if c.networkOn.Load() {
			if c.setNetworkActive(false, "network lost") {
				c.generating.Store(false)
				log.Warn("network lost, web stream paused")
				c.showMessage("Network Lost", "Web stream off", "LCD continues")
			}
			continue
		}

		attempts++
		log.Infow("network recovery check failed", "attempt", attempts, "max", c.opts.MaxRecoveryAttempts)
		if attempts >= c.opts.MaxRecoveryAttempts {
			log.Errorw("network recovery gave up, stopping stream", "attempts", attempts)
			c.showMessage("Network Failed", "Press KEY1", "to retry")
			c.stop(false, "network recovery failed")
			return
		}
		c.showMessage("Network check", fmt.Sprintf("%d/%d", attempts, c.opts.MaxRecoveryAttempts))
	}
}

// watchIdle pauses frame generation once no client has been attached for
// IdleTimeout. The next attach resumes it.
func (c *Controller) watchIdle(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	tick := c.opts.IdleTimeout / 4
	if tick <= 0 {
		tick = c.opts.FrameInterval
	}
	for sleepCtx(ctx, c.clock, tick) {
		if !c.generating.Load() {
			continue
		}
		// Deciding under the registry lock keeps a concurrent attach from
		// seeing generation on and then losing it.
		if c.registry.IfIdle(c.opts.IdleTimeout, func() { c.generating.Store(false) }) {
			c.logger.Infow("no active clients, frame generation paused", "idle_timeout", c.opts.IdleTimeout)
		}
	}
}
