package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode selects which output paths a start request wants. The local panel
// is always driven; network and both additionally serve web clients.
type Mode int

const (
	ModeBoth Mode = iota
	ModeDisplay
	ModeNetwork
)

// ParseMode accepts the names used by the HTTP API and the CLI.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return ModeBoth, nil
	case "display", "lcd", "local":
		return ModeDisplay, nil
	case "network", "web":
		return ModeNetwork, nil
	default:
		return ModeBoth, errors.Errorf("unknown stream mode %q", s)
	}
}

// WantsNetwork reports whether the mode serves web clients.
func (m Mode) WantsNetwork() bool {
	return m != ModeDisplay
}

func (m Mode) String() string {
	switch m {
	case ModeDisplay:
		return "display"
	case ModeNetwork:
		return "network"
	default:
		return "both"
	}
}

// Phase is the coarse lifecycle position of the Controller.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
	PhaseDegraded
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseDegraded:
		return "degraded"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// State is the Controller's full state. Display and Network are only
// meaningful in PhaseActive; Reason only in PhaseDegraded.
type State struct {
	Phase   Phase
	Display bool
	Network bool
	Reason  string
}

// paths returns the Active or Degraded state for the given output paths.
func paths(display, network bool, reason string) State {
	if display || network {
		return State{Phase: PhaseActive, Display: display, Network: network}
	}
	return State{Phase: PhaseDegraded, Reason: reason}
}

// Running reports whether a stream session exists (Active or Degraded).
func (s State) Running() bool {
	return s.Phase == PhaseActive || s.Phase == PhaseDegraded
}

func (s State) String() string {
	switch s.Phase {
	case PhaseActive:
		return fmt.Sprintf("active(display=%t,network=%t)", s.Display, s.Network)
	case PhaseDegraded:
		return fmt.Sprintf("degraded(%s)", s.Reason)
	default:
		return s.Phase.String()
	}
}

// StartResult is the outcome class of a start request.
type StartResult string

const (
	StartOK             StartResult = "ok"
	StartAlreadyRunning StartResult = "already_running"
	StartFailed         StartResult = "failed"
)

// StartOutcome is returned by RequestStart.
type StartOutcome struct {
	Result  StartResult `json:"result"`
	Reason  string      `json:"reason,omitempty"`
	State   string      `json:"state"`
	Network bool        `json:"network_active"`
}

// Status is the snapshot served by the status API.
type Status struct {
	State            string    `json:"state"`
	Streaming        bool      `json:"streaming"`
	DisplayActive    bool      `json:"display_active"`
	NetworkActive    bool      `json:"network_active"`
	NetworkStable    bool      `json:"network_stable"`
	ActiveClients    int       `json:"active_clients"`
	GenerationActive bool      `json:"frame_generation_active"`
	FailureCount     int       `json:"failure_count"`
	CameraState      string    `json:"camera_state"`
	CameraProfile    string    `json:"camera_profile"`
	CameraDisabled   bool      `json:"camera_disabled"`
	FramesCaptured   uint64    `json:"frames_captured"`
	Mode             string    `json:"mode,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	CooldownSeconds  float64   `json:"cooldown_seconds,omitempty"`
	LastFrameAt      time.Time `json:"last_frame_at,omitempty"`
}

var (
	// ErrNotStreaming is returned when clients attach with no active stream.
	ErrNotStreaming = errors.New("camera stream not started")

	// ErrNetworkUnstable is returned while the network path is paused.
	ErrNetworkUnstable = errors.New("network unstable, web stream paused")

	// ErrNoClients is returned by a generator after frame generation went
	// idle underneath it.
	ErrNoClients = errors.New("frame generation idle: no active clients")

	// ErrBusy is returned for one-off captures while the stream changes state.
	ErrBusy = errors.New("stream is changing state")
)
