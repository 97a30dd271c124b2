package stream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry counts attached network clients. Each attach hands out an id and
// detaching an id twice is a no-op, so the count never goes negative and
// always equals attaches minus detaches.
type Registry struct {
	mu        sync.Mutex
	clients   map[string]time.Time
	attaches  uint64
	detaches  uint64
	zeroSince time.Time

	clock  clock.Clock
	logger *zap.SugaredLogger
}

// NewRegistry creates an empty registry. A nil clock uses wall time.
func NewRegistry(clk clock.Clock, logger *zap.SugaredLogger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clients:   make(map[string]time.Time),
		zeroSince: clk.Now(),
		clock:     clk,
		logger:    logger.Named("clients"),
	}
}

// Attach registers a client and returns its id.
func (r *Registry) Attach() string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = r.clock.Now()
	r.attaches++
	r.logger.Infow("client connected", "client", id, "active", len(r.clients))
	return id
}

// Detach removes a client. It reports false for ids that are unknown or
// already detached.
func (r *Registry) Detach(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	since, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	r.detaches++
	if len(r.clients) == 0 {
		r.zeroSince = r.clock.Now()
	}
	r.logger.Infow("client disconnected",
		"client", id,
		"connected_for", r.clock.Since(since).Round(time.Millisecond),
		"active", len(r.clients))
	return true
}

// Count returns the number of attached clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// IdleFor returns how long the registry has had zero clients, or 0 while
// any client is attached.
func (r *Registry) IdleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) > 0 {
		return 0
	}
	return r.clock.Since(r.zeroSince)
}

// IfIdle runs fn when the registry has had zero clients for at least d and
// reports whether it ran. fn runs under the registry lock, so an Attach
// either lands before the check or waits until fn returns.
func (r *Registry) IfIdle(d time.Duration, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) > 0 || r.clock.Since(r.zeroSince) < d {
		return false
	}
	fn()
	return true
}

// Totals returns lifetime attach and detach counts.
func (r *Registry) Totals() (attaches, detaches uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attaches, r.detaches
}
