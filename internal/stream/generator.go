package stream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camera-stream-go/internal/camera"
)

// Generator produces paced JPEG frames for one network client. It is not
// safe for concurrent use; each client owns its own.
type Generator struct {
	c      *Controller
	id     string
	logger *zap.SugaredLogger

	frames uint64
	errors int
	nextAt time.Time

	closeOnce sync.Once
}

// AttachClient registers a network client and returns its generator. The
// caller must Close it when the client goes away.
func (c *Controller) AttachClient(ctx context.Context) (*Generator, error) {
	if !c.streaming.Load() {
		return nil, ErrNotStreaming
	}
	if !c.networkOn.Load() {
		return nil, ErrNetworkUnstable
	}
	if c.cam.Status().Disabled {
		return nil, camera.ErrMaxFailuresExceeded
	}

	id := c.registry.Attach()
	if !c.generating.Load() {
		c.resumeGeneration(ctx)
	}
	return &Generator{
		c:      c,
		id:     id,
		logger: c.logger.Named("client").With("client", id),
	}, nil
}

// resumeGeneration re-verifies the camera after an idle period. It does not
// restart a camera that is still running.
func (c *Controller) resumeGeneration(ctx context.Context) {
	if c.cam.Status().State != camera.StateRunning {
		c.restartCamera(ctx)
	}
	if !c.generating.Swap(true) {
		c.logger.Info("frame generation resumed")
	}
}

// ID returns the registry id of the client.
func (g *Generator) ID() string { return g.id }

// Frames returns how many frames were delivered.
func (g *Generator) Frames() uint64 { return g.frames }

// Next blocks until the next frame is due and returns it as JPEG. A failed
// capture yields an error frame and delays the following call by the retry
// delay. A non-nil error ends the client's stream.
func (g *Generator) Next(ctx context.Context) ([]byte, error) {
	c := g.c
	if wait := g.nextAt.Sub(c.clock.Now()); !g.nextAt.IsZero() && wait > 0 {
		if !sleepCtx(ctx, c.clock, wait) {
			return nil, ctx.Err()
		}
	}
	started := c.clock.Now()
	g.nextAt = started.Add(c.opts.FrameInterval)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.streaming.Load() {
		return nil, ErrNotStreaming
	}
	if !c.networkOn.Load() {
		return nil, ErrNetworkUnstable
	}
	if !c.generating.Load() {
		return nil, ErrNoClients
	}

	img, err := c.cam.Capture(ctx)
	var data []byte
	if err == nil {
		data, err = c.codec.ToNetwork(img)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if camera.IsDisabled(err) {
			return nil, err
		}
		if errors.Is(err, camera.ErrNotRunning) {
			c.restartCamera(ctx)
		}
		g.errors++
		if g.errors >= c.opts.MaxConsecutiveErrors {
			g.logger.Errorw("too many consecutive errors, closing stream", "errors", g.errors, "error", err)
			return nil, errors.Wrapf(err, "%d consecutive frame errors", g.errors)
		}
		g.logger.Warnw("frame error", "attempt", g.errors, "max", c.opts.MaxConsecutiveErrors, "error", err)
		g.nextAt = c.clock.Now().Add(c.opts.RetryDelay)
		return c.codec.ErrorFrame(err, g.errors, c.opts.MaxConsecutiveErrors)
	}

	g.errors = 0
	g.frames++
	if g.frames%c.opts.LogEvery == 0 {
		g.logger.Debugw("frames streamed", "frames", g.frames, "bytes", len(data))
	}
	return data, nil
}

// Close detaches the client. Calling it more than once is safe.
func (g *Generator) Close() {
	g.closeOnce.Do(func() {
		g.c.registry.Detach(g.id)
		g.logger.Debugw("generator closed", "frames", g.frames)
	})
}
