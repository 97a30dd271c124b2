package stream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryCountNeverNegative(t *testing.T) {
	r := NewRegistry(clock.NewMock(), zaptest.NewLogger(t).Sugar())

	a := r.Attach()
	b := r.Attach()
	require.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Count())

	assert.True(t, r.Detach(a))
	assert.False(t, r.Detach(a))
	assert.False(t, r.Detach("not-a-client"))
	assert.Equal(t, 1, r.Count())

	assert.True(t, r.Detach(b))
	assert.Zero(t, r.Count())
	attaches, detaches := r.Totals()
	assert.Equal(t, uint64(2), attaches)
	assert.Equal(t, uint64(2), detaches)
}

func TestRegistryIdleFor(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(mock, zaptest.NewLogger(t).Sugar())

	mock.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, r.IdleFor())

	id := r.Attach()
	mock.Add(time.Minute)
	assert.Zero(t, r.IdleFor())

	r.Detach(id)
	mock.Add(10 * time.Second)
	assert.Equal(t, 10*time.Second, r.IdleFor())
}

func TestRegistryConcurrentAttachDetach(t *testing.T) {
	r := NewRegistry(nil, zaptest.NewLogger(t).Sugar())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Attach()
			r.Detach(id)
			r.Detach(id)
		}()
	}
	wg.Wait()

	assert.Zero(t, r.Count())
	attaches, detaches := r.Totals()
	assert.Equal(t, attaches, detaches)
}

func TestRegistryIfIdle(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(mock, zaptest.NewLogger(t).Sugar())
	ran := 0
	fn := func() { ran++ }

	mock.Add(time.Second)
	assert.False(t, r.IfIdle(2*time.Second, fn))

	id := r.Attach()
	mock.Add(time.Minute)
	assert.False(t, r.IfIdle(2*time.Second, fn))
	assert.Zero(t, ran)

	r.Detach(id)
	mock.Add(2 * time.Second)
	assert.True(t, r.IfIdle(2*time.Second, fn))
	assert.Equal(t, 1, ran)
}

func TestRegistryAttachWaitsForIdleDecision(t *testing.T) {
	mock := clock.NewMock()
	r := NewRegistry(mock, zaptest.NewLogger(t).Sugar())
	mock.Add(time.Minute)

	var generating atomic.Bool
	generating.Store(true)
	attached := make(chan bool, 1)
	inside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		r.IfIdle(time.Second, func() {
			close(inside)
			<-release
			generating.Store(false)
		})
	}()
	<-inside

	go func() {
		r.Attach()
		// the attacher must observe the paused state and resume it
		attached <- generating.Load()
	}()

	select {
	case <-attached:
		t.Fatal("attach completed during the idle decision")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	assert.False(t, <-attached)
	assert.Equal(t, 1, r.Count())
	assert.False(t, r.IfIdle(time.Second, func() { t.Error("paused with a client attached") }))
}
