// Package circuit limits the number of in-flight requests per transport.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jarsater/mcp-relay/internal/metrics"
)

var (
	// ErrQueueFull is returned when the queue is full.
	ErrQueueFull = errors.New("queue full: cannot accept more requests")
	// ErrQueueTimeout is returned when waiting in queue times out.
	ErrQueueTimeout = errors.New("queue timeout: waited too long for capacity")
)

// Breaker is a concurrency-limiting gate. Waiters are served in arrival order and a
// released slot is handed directly to the next waiter.
type Breaker struct {
	name          string
	maxConcurrent int
	maxQueue      int
	queueTimeout  time.Duration

	mu      sync.Mutex
	active  int
	waiters []chan struct{}
}

// Config holds circuit breaker configuration.
type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration
}

// DefaultConfig returns the transport default: one request in flight, the rest queued.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 1,
		MaxQueueSize:  64,
		QueueTimeout:  2 * time.Minute,
	}
}

// New creates a new circuit breaker.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = 0
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = def.QueueTimeout
	}

	return &Breaker{
		name:          name,
		maxConcurrent: cfg.MaxConcurrent,
		maxQueue:      cfg.MaxQueueSize,
		queueTimeout:  cfg.QueueTimeout,
	}
}

// Acquire takes a slot, waiting in line when at capacity. It fails fast when the
// queue is full and gives up after the queue timeout or when ctx ends.
func (b *Breaker) Acquire(ctx context.Context) error {
	b.mu.Lock()

	if b.active < b.maxConcurrent && len(b.waiters) == 0 {
		b.active++
		b.updateMetrics()
		b.mu.Unlock()
		return nil
	}

	if len(b.waiters) >= b.maxQueue {
		b.mu.Unlock()
		metrics.RecordCircuitBreakerRejection(b.name, "queue_full")
		return ErrQueueFull
	}

	ready := make(chan struct{}, 1)
	b.waiters = append(b.waiters, ready)
	b.updateMetrics()
	b.mu.Unlock()

	timer := time.NewTimer(b.queueTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		if b.abandon(ready) {
			return nil
		}
		return ctx.Err()
	case <-timer.C:
		if b.abandon(ready) {
			return nil
		}
		metrics.RecordCircuitBreakerRejection(b.name, "timeout")
		return ErrQueueTimeout
	}
}

// abandon removes a waiter that gave up. It reports true when the slot was
// granted concurrently, in which case the caller keeps it.
func (b *Breaker) abandon(ready chan struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, w := range b.waiters {
		if w == ready {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.updateMetrics()
			return false
		}
	}
	return true
}

// Release returns a slot, handing it to the oldest waiter if there is one.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.waiters) > 0 {
		next := b.waiters[0]
		b.waiters = b.waiters[1:]
		next <- struct{}{}
	} else if b.active > 0 {
		b.active--
	}
	b.updateMetrics()
}

// updateMetrics updates the Prometheus metrics for this breaker.
// Must be called while holding the lock.
func (b *Breaker) updateMetrics() {
	metrics.SetCircuitBreakerActive(b.name, b.active)
	metrics.SetCircuitBreakerWaiting(b.name, len(b.waiters))
}

// Stats holds current breaker statistics.
type Stats struct {
	Active      int
	Waiting     int
	MaxCapacity int
	MaxQueue    int
}

// Stats returns current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Active:      b.active,
		Waiting:     len(b.waiters),
		MaxCapacity: b.maxConcurrent,
		MaxQueue:    b.maxQueue,
	}
}
