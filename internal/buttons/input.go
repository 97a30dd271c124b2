package buttons

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Input is one digital button. Pressed reports the debounced-by-polling
// logical state.
type Input interface {
	Pressed() (bool, error)
}

// InitHost loads the periph host drivers. It must run once before OpenGPIO.
func InitHost() error {
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "periph host init")
	}
	return nil
}

// GPIOInput is an active-low button wired to ground with the internal
// pull-up enabled.
type GPIOInput struct {
	pin gpio.PinIO
}

// OpenGPIO configures the named pin (e.g. "GPIO21") as a pulled-up input.
func OpenGPIO(name string) (*GPIOInput, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("gpio pin %q not found", name)
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, errors.Wrapf(err, "configure %s as input", name)
	}
	return &GPIOInput{pin: pin}, nil
}

// NewGPIOInput wraps an already configured pin.
func NewGPIOInput(pin gpio.PinIO) *GPIOInput {
	return &GPIOInput{pin: pin}
}

// Pressed implements Input.
func (g *GPIOInput) Pressed() (bool, error) {
	return g.pin.Read() == gpio.Low, nil
}

func (g *GPIOInput) String() string { return g.pin.Name() }

// SoftKey is a button driven from software, such as the on-screen keys of
// the preview window. A press shorter than the poll interval is latched so
// the next poll still sees it.
type SoftKey struct {
	down    atomic.Bool
	latched atomic.Bool
}

// Set records the key as held or released.
func (k *SoftKey) Set(down bool) {
	if down {
		k.latched.Store(true)
	}
	k.down.Store(down)
}

// Pressed implements Input.
func (k *SoftKey) Pressed() (bool, error) {
	latched := k.latched.Swap(false)
	return latched || k.down.Load(), nil
}

// anyInput is pressed when any of its inputs is.
type anyInput []Input

func (a anyInput) Pressed() (bool, error) {
	var firstErr error
	for _, in := range a {
		down, err := in.Pressed()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if down {
			return true, nil
		}
	}
	return false, firstErr
}

// AnyOf combines inputs that act as the same button.
func AnyOf(inputs ...Input) Input {
	if len(inputs) == 1 {
		return inputs[0]
	}
	return anyInput(inputs)
}
