package camera

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// FrameBuffer holds the latest frame. Producers overwrite, consumers read
// the newest frame or wait for the next one. Older frames are dropped.
type FrameBuffer struct {
	mu     sync.RWMutex
	frame  image.Image
	notify chan struct{} // closed and replaced on every write

	frameCount   atomic.Uint64
	lastFrameAt  atomic.Int64 // Unix nano timestamp
	droppedCount atomic.Uint64
}

// NewFrameBuffer creates an empty frame buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{notify: make(chan struct{})}
}

// Write stores a new frame and wakes any waiters. Never blocks on readers.
func (fb *FrameBuffer) Write(frame image.Image) {
	fb.mu.Lock()
	fb.frame = frame
	fb.frameCount.Add(1)
	fb.lastFrameAt.Store(time.Now().UnixNano())
	close(fb.notify)
	fb.notify = make(chan struct{})
	fb.mu.Unlock()
}

// Read returns the latest frame, or nil if none has been written.
func (fb *FrameBuffer) Read() image.Image {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	return fb.frame
}

// ReadIfNew returns the frame only if it is newer than lastRead.
func (fb *FrameBuffer) ReadIfNew(lastRead uint64) (image.Image, uint64, bool) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	count := fb.frameCount.Load()
	if count <= lastRead {
		return nil, lastRead, false
	}
	return fb.frame, count, true
}

// WaitNext blocks until a frame newer than lastRead exists or ctx is done.
func (fb *FrameBuffer) WaitNext(ctx context.Context, lastRead uint64) (image.Image, uint64, error) {
	for {
		fb.mu.RLock()
		count := fb.frameCount.Load()
		frame := fb.frame
		notify := fb.notify
		fb.mu.RUnlock()

		if count > lastRead {
			return frame, count, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, lastRead, ctx.Err()
		}
	}
}

// Count returns total frames written since creation or Reset.
func (fb *FrameBuffer) Count() uint64 {
	return fb.frameCount.Load()
}

// LastFrameTime returns when the last frame was written.
func (fb *FrameBuffer) LastFrameTime() time.Time {
	nanos := fb.lastFrameAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// MarkDropped increments the dropped frame counter.
func (fb *FrameBuffer) MarkDropped() {
	fb.droppedCount.Add(1)
}

// Dropped returns the number of dropped frames.
func (fb *FrameBuffer) Dropped() uint64 {
	return fb.droppedCount.Load()
}

// Reset clears the frame and counters. Waiters keep waiting for the next write.
func (fb *FrameBuffer) Reset() {
	fb.mu.Lock()
	fb.frame = nil
	fb.frameCount.Store(0)
	fb.droppedCount.Store(0)
	fb.lastFrameAt.Store(0)
	fb.mu.Unlock()
}
