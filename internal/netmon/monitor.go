// Package netmon decides whether the uplink is stable enough to serve the
// network stream. Raw probe results are smoothed by hysteresis: several
// consecutive failures are needed to declare the link unstable, one success
// restores it.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Probe checks one aspect of connectivity. Check must honour ctx.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// Options tunes the Monitor.
type Options struct {
	// Interval is the minimum time between real checks. Calls in between
	// return the cached verdict. Zero checks on every call.
	Interval time.Duration
	// MaxFailedChecks consecutive failures flip the verdict to unstable.
	MaxFailedChecks int
	// ProbeTimeout bounds each probe.
	ProbeTimeout time.Duration
}

// DefaultOptions returns 5s interval, 3 failures, 3s probe timeout.
func DefaultOptions() Options {
	return Options{Interval: 5 * time.Second, MaxFailedChecks: 3, ProbeTimeout: 3 * time.Second}
}

// Stability is a snapshot of the Monitor's view of the link.
type Stability struct {
	Stable       bool      `json:"stable"`
	FailedChecks int       `json:"failed_checks"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	Checks       uint64    `json:"checks"`
}

// Monitor applies hysteresis to a set of probes. All probes must pass for a
// check to count as a success.
type Monitor struct {
	probes []Probe
	opts   Options
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu        sync.Mutex
	stable    bool
	failed    int
	lastCheck time.Time
	lastErr   string
	checks    uint64
	checking  bool
}

// New creates a Monitor. The link starts out stable. A nil clock uses wall time.
func New(opts Options, clk clock.Clock, logger *zap.SugaredLogger, probes ...Probe) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if opts.MaxFailedChecks <= 0 {
		opts.MaxFailedChecks = DefaultOptions().MaxFailedChecks
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOptions().ProbeTimeout
	}
	return &Monitor{
		probes: probes,
		opts:   opts,
		clock:  clk,
		logger: logger.Named("netmon"),
		stable: true,
	}
}

// IsStable returns the smoothed verdict, running a real check when the
// interval has elapsed. Concurrent callers never wait on another caller's
// probes; they get the cached verdict.
func (m *Monitor) IsStable(ctx context.Context) bool {
	m.mu.Lock()
	due := m.checks == 0 || m.clock.Since(m.lastCheck) >= m.opts.Interval
	if !due || m.checking {
		stable := m.stable
		m.mu.Unlock()
		return stable
	}
	m.checking = true
	prevCheck := m.lastCheck
	m.lastCheck = m.clock.Now()
	m.mu.Unlock()

	err := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checking = false
	if ctx.Err() != nil {
		// The caller gave up, which says nothing about the link. Leave the
		// check due so the next caller probes again.
		m.lastCheck = prevCheck
		return m.stable
	}
	m.checks++
	m.apply(err)
	return m.stable
}

// Snapshot returns the current state without probing.
func (m *Monitor) Snapshot() Stability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stability{
		Stable:       m.stable,
		FailedChecks: m.failed,
		LastCheck:    m.lastCheck,
		LastError:    m.lastErr,
		Checks:       m.checks,
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	var err error
	for _, p := range m.probes {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		if perr := p.Check(pctx); perr != nil {
			err = multierr.Append(err, &ProbeError{Probe: p.Name(), Err: perr})
		}
		cancel()
	}
	return err
}

// apply folds one check result into the hysteresis state. Caller holds mu.
func (m *Monitor) apply(err error) {
	if err == nil {
		if !m.stable {
			m.logger.Infow("network restored", "after_failed_checks", m.failed)
		}
		m.stable = true
		m.failed = 0
		m.lastErr = ""
		return
	}

	m.failed++
	m.lastErr = err.Error()
	if m.stable && m.failed >= m.opts.MaxFailedChecks {
		m.stable = false
		m.logger.Warnw("network unstable",
			"failed_checks", m.failed,
			"error", err)
		return
	}
	m.logger.Debugw("network check failed",
		"failed_checks", m.failed,
		"max", m.opts.MaxFailedChecks,
		"error", err)
}

// ProbeError names the probe that failed.
type ProbeError struct {
	Probe string
	Err   error
}

func (e *ProbeError) Error() string { return e.Probe + ": " + e.Err.Error() }

func (e *ProbeError) Unwrap() error { return e.Err }
