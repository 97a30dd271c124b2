package buttons

import (
	"context"

	"go.uber.org/zap"

	"camera-stream-go/internal/stream"
)

// Controller is what the buttons drive.
type Controller interface {
	RequestStart(ctx context.Context, mode stream.Mode) stream.StartOutcome
	RequestStop()
}

// Dispatcher maps presses onto controller requests:
//
//	KEY1 short  start, display and network
//	KEY1 long   start, display only
//	KEY3        stop
//	KEY2        exit
type Dispatcher struct {
	ctrl   Controller
	exit   func()
	logger *zap.SugaredLogger

	// starts run off the polling goroutine so KEY3 is seen while starting
	starting chan struct{}
}

// NewDispatcher creates a Dispatcher. exit is called on KEY2.
func NewDispatcher(ctrl Controller, exit func(), logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		ctrl:     ctrl,
		exit:     exit,
		logger:   logger.Named("buttons"),
		starting: make(chan struct{}, 1),
	}
}

// Handle reacts to one event. Start requests made while a previous start
// is still running are dropped.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) {
	switch ev.Key {
	case Key1:
		mode := stream.ModeBoth
		if ev.Press == PressLong {
			mode = stream.ModeDisplay
		}
		select {
		case d.starting <- struct{}{}:
		default:
			d.logger.Debugw("start already in progress", "mode", mode.String())
			return
		}
		d.logger.Infow("start requested", "mode", mode.String(), "press", ev.Press.String())
		go func() {
			defer func() { <-d.starting }()
			out := d.ctrl.RequestStart(ctx, mode)
			d.logger.Infow("start finished", "result", out.Result, "state", out.State, "reason", out.Reason)
		}()
	case Key3:
		d.logger.Info("stop requested")
		d.ctrl.RequestStop()
	case Key2:
		d.logger.Info("exit requested")
		if d.exit != nil {
			d.exit()
		}
	}
}

// Wait blocks until an in-flight start has returned.
func (d *Dispatcher) Wait() {
	d.starting <- struct{}{}
	<-d.starting
}
