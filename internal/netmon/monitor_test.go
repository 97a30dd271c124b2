package netmon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type scriptedProbe struct {
	mu    sync.Mutex
	fail  bool
	calls atomic.Int32
	block chan struct{}
}

func (p *scriptedProbe) Name() string { return "scripted" }

func (p *scriptedProbe) Check(ctx context.Context) error {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (p *scriptedProbe) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

func newTestMonitor(t *testing.T, probes ...Probe) (*Monitor, *clock.Mock) {
	mock := clock.NewMock()
	return New(DefaultOptions(), mock, zaptest.NewLogger(t).Sugar(), probes...), mock
}

func TestHysteresisNeedsThreeFailuresAndOneSuccess(t *testing.T) {
	probe := &scriptedProbe{}
	m, mock := newTestMonitor(t, probe)
	ctx := context.Background()

	require.True(t, m.IsStable(ctx))

	probe.setFail(true)
	for i := 1; i <= 2; i++ {
		mock.Add(5 * time.Second)
		assert.True(t, m.IsStable(ctx), "failure %d must not flip the verdict", i)
	}
	mock.Add(5 * time.Second)
	assert.False(t, m.IsStable(ctx))
	assert.Equal(t, 3, m.Snapshot().FailedChecks)

	mock.Add(5 * time.Second)
	assert.False(t, m.IsStable(ctx))

	probe.setFail(false)
	mock.Add(5 * time.Second)
	assert.True(t, m.IsStable(ctx))
	assert.Zero(t, m.Snapshot().FailedChecks)
}

func TestSuccessResetsFailureRun(t *testing.T) {
	probe := &scriptedProbe{}
	m, mock := newTestMonitor(t, probe)
	ctx := context.Background()

	for _, fail := range []bool{true, true, false, true, true} {
		probe.setFail(fail)
		mock.Add(5 * time.Second)
		assert.True(t, m.IsStable(ctx))
	}
	assert.Equal(t, 2, m.Snapshot().FailedChecks)
}

func TestCachedBetweenIntervals(t *testing.T) {
	probe := &scriptedProbe{}
	m, mock := newTestMonitor(t, probe)
	ctx := context.Background()

	m.IsStable(ctx)
	m.IsStable(ctx)
	mock.Add(4 * time.Second)
	m.IsStable(ctx)
	assert.Equal(t, int32(1), probe.calls.Load())

	mock.Add(time.Second)
	m.IsStable(ctx)
	assert.Equal(t, int32(2), probe.calls.Load())
	assert.Equal(t, uint64(2), m.Snapshot().Checks)
}

func TestConcurrentCallersGetCachedVerdictDuringCheck(t *testing.T) {
	probe := &scriptedProbe{block: make(chan struct{})}
	m, _ := newTestMonitor(t, probe)
	ctx := context.Background()

	done := make(chan bool)
	go func() { done <- m.IsStable(ctx) }()
	require.Eventually(t, func() bool { return probe.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Second caller must not block behind the in-flight probe.
	assert.True(t, m.IsStable(ctx))
	close(probe.block)
	assert.True(t, <-done)
}

func TestAllProbesMustPass(t *testing.T) {
	ok := &scriptedProbe{}
	bad := &scriptedProbe{fail: true}
	m, mock := newTestMonitor(t, ok, bad)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.IsStable(ctx)
		mock.Add(5 * time.Second)
	}
	snap := m.Snapshot()
	assert.False(t, snap.Stable)
	assert.Contains(t, snap.LastError, "scripted: unreachable")
}

func TestReachabilityProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, NewReachabilityProbe(ln.Addr().String()).Check(ctx))

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	assert.Error(t, NewReachabilityProbe(addr).Check(ctx))
}

func TestLinkProbe(t *testing.T) {
	dir := t.TempDir()
	wireless := filepath.Join(dir, "wireless")
	sysnet := filepath.Join(dir, "net")
	require.NoError(t, os.MkdirAll(filepath.Join(sysnet, "eth0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(sysnet, "lo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sysnet, "eth0", "operstate"), []byte("down\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sysnet, "lo", "operstate"), []byte("up\n"), 0o644))

	header := "Inter-| sta-|   Quality        |   Discarded packets\n" +
		" face | tus | link level noise |  nwid  crypt   frag\n"
	require.NoError(t, os.WriteFile(wireless, []byte(header+"wlan0: 0000   70.  -40.  -256  0 0 0\n"), 0o644))

	p := &LinkProbe{WirelessPath: wireless, SysNetDir: sysnet}
	ctx := context.Background()
	assert.NoError(t, p.Check(ctx))

	p.Interface = "wlan0"
	assert.NoError(t, p.Check(ctx))

	require.NoError(t, os.WriteFile(wireless, []byte(header+"wlan0: 0000   0.  -90.  -256  0 0 0\n"), 0o644))
	assert.Error(t, p.Check(ctx))

	// Loopback never counts; eth0 is down.
	p.Interface = ""
	assert.ErrorIs(t, p.Check(ctx), ErrNoLink)

	require.NoError(t, os.WriteFile(filepath.Join(sysnet, "eth0", "operstate"), []byte("up\n"), 0o644))
	assert.NoError(t, p.Check(ctx))
}

func TestCancelledCallerDoesNotCountAsFailure(t *testing.T) {
	probe := &scriptedProbe{}
	m, mock := newTestMonitor(t, probe)
	require.True(t, m.IsStable(context.Background()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		mock.Add(5 * time.Second)
		assert.True(t, m.IsStable(cancelled))
	}
	snap := m.Snapshot()
	assert.Zero(t, snap.FailedChecks)
	assert.Equal(t, uint64(1), snap.Checks)
	assert.Empty(t, snap.LastError)

	// the abandoned checks leave the next caller due for a real probe
	calls := probe.calls.Load()
	probe.setFail(true)
	assert.True(t, m.IsStable(context.Background()))
	assert.Equal(t, calls+1, probe.calls.Load())
	assert.Equal(t, 1, m.Snapshot().FailedChecks)
}
