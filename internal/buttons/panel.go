package buttons

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Key names a button on the panel.
type Key string

const (
	Key1 Key = "KEY1"
	Key2 Key = "KEY2"
	Key3 Key = "KEY3"
)

// Event is a completed press.
type Event struct {
	Key   Key
	Press Press
}

type binding struct {
	key    Key
	input  Input
	timer  PressTimer
	failed bool // last read errored; logged once until it recovers
}

// Panel polls a set of buttons at a fixed interval.
type Panel struct {
	bindings  []*binding
	interval  time.Duration
	longPress time.Duration
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// NewPanel creates a Panel. Intervals under 10ms are raised to 10ms. A nil
// clock uses wall time.
func NewPanel(interval, longPress time.Duration, clk clock.Clock, logger *zap.SugaredLogger) *Panel {
	if clk == nil {
		clk = clock.New()
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &Panel{
		interval:  interval,
		longPress: longPress,
		clock:     clk,
		logger:    logger.Named("buttons"),
	}
}

// Add binds an input to key.
func (p *Panel) Add(key Key, in Input) {
	p.bindings = append(p.bindings, &binding{
		key:   key,
		input: in,
		timer: PressTimer{LongAfter: p.longPress},
	})
}

// Len returns the number of bound keys.
func (p *Panel) Len() int { return len(p.bindings) }

// Run polls until ctx is done, calling handle for every completed press.
// handle runs on the polling goroutine.
func (p *Panel) Run(ctx context.Context, handle func(Event)) error {
	p.logger.Infow("button polling started", "keys", len(p.bindings), "interval", p.interval)
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("button polling stopped")
			return nil
		case <-ticker.C:
		}
		for _, ev := range p.Poll() {
			handle(ev)
		}
	}
}

// Poll samples every button once and returns the presses completed by
// this sample.
func (p *Panel) Poll() []Event {
	now := p.clock.Now()
	var events []Event
	for _, b := range p.bindings {
		down, err := b.input.Pressed()
		if err != nil {
			if !b.failed {
				p.logger.Warnw("button read failed", "key", b.key, "error", err)
			}
			b.failed = true
			continue
		}
		b.failed = false
		if press, ok := b.timer.Update(down, now); ok {
			p.logger.Debugw("button press", "key", b.key, "press", press.String())
			events = append(events, Event{Key: b.key, Press: press})
		}
	}
	return events
}
