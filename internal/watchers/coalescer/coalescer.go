// Package coalescer turns a stream of per-path change notifications into
// debounced batches.
package coalescer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsepoint/pulsewatch/internal/core/interfaces"
	"github.com/pulsepoint/pulsewatch/internal/metrics"
	"github.com/pulsepoint/pulsewatch/pkg/logger"
	"go.uber.org/zap"
)

// DefaultInterval is used when Config.Interval is zero
const DefaultInterval = 100 * time.Millisecond

// PulsePointCoalescer accumulates changed paths and flushes them at most once per
// armed interval. The timer is not sliding: a notification that arrives while a
// flush is armed joins that flush instead of pushing it back.
type PulsePointCoalescer struct {
	mu      sync.Mutex // guards pending, armed, running, epoch, timer, handler
	pending []interfaces.PathIdentifier
	armed   bool
	running bool
	epoch   uint64
	timer   *time.Timer
	handler interfaces.FlushHandler

	// flushMu keeps handler invocations from overlapping, even across a Stop/Start
	flushMu sync.Mutex

	interval time.Duration
	label    string
	logger   *zap.Logger

	flushes  atomic.Uint64
	received atomic.Uint64
}

// Config contains configuration for the coalescer
type Config struct {
	Interval time.Duration          // Debounce interval; zero means DefaultInterval
	Label    string                 // Metrics and log label, usually the watched root
	Handler  interfaces.FlushHandler // Optional initial flush handler
	Logger   *zap.Logger            // Defaults to the global logger
}

// NewPulsePointCoalescer creates a stopped coalescer
func NewPulsePointCoalescer(config Config) (*PulsePointCoalescer, error) {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Interval < 0 {
		return nil, fmt.Errorf("debounce interval must be positive, got %s", config.Interval)
	}
	if config.Logger == nil {
		config.Logger = logger.Named("coalescer")
	}

	return &PulsePointCoalescer{
		interval: config.Interval,
		label:    config.Label,
		handler:  config.Handler,
		logger:   config.Logger,
	}, nil
}

// SetFlushHandler registers the sole consumer of flushed batches
func (c *PulsePointCoalescer) SetFlushHandler(handler interfaces.FlushHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Start makes the coalescer accept notifications
func (c *PulsePointCoalescer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.epoch++
}

// Stop discards unflushed paths and cancels the armed flush. A timer that has
// already fired sees the new epoch and returns without calling the handler.
func (c *PulsePointCoalescer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	discarded := len(c.pending)
	c.running = false
	c.epoch++
	c.pending = nil
	c.armed = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if discarded > 0 {
		c.logger.Debug("Discarded unflushed changes on stop",
			zap.String("root", c.label),
			zap.Int("discarded", discarded),
		)
	}
}

// WaitFlush blocks until a handler call in progress returns. After Stop no new
// call can start, so Stop followed by WaitFlush leaves the handler idle. It
// must not be called from the handler.
func (c *PulsePointCoalescer) WaitFlush() {
	c.flushMu.Lock()
	c.flushMu.Unlock()
}

// NotifyChanged appends path to the pending set and arms a flush if none is armed.
// It reports whether the path was accepted; a stopped coalescer drops it.
func (c *PulsePointCoalescer) NotifyChanged(path interfaces.PathIdentifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return false
	}

	c.pending = append(c.pending, path)
	c.received.Add(1)
	if !c.armed {
		c.pulsePointArmLocked()
	}
	return true
}

// Pending returns the number of paths waiting for the next flush
func (c *PulsePointCoalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsArmed reports whether a flush is currently scheduled or executing
func (c *PulsePointCoalescer) IsArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Flushes returns the number of batches delivered to the handler
func (c *PulsePointCoalescer) Flushes() uint64 {
	return c.flushes.Load()
}

// Received returns the number of paths accepted since creation
func (c *PulsePointCoalescer) Received() uint64 {
	return c.received.Load()
}

// Interval returns the configured debounce interval
func (c *PulsePointCoalescer) Interval() time.Duration {
	return c.interval
}

// pulsePointArmLocked schedules a flush for the current epoch. Caller holds mu.
func (c *PulsePointCoalescer) pulsePointArmLocked() {
	epoch := c.epoch
	c.armed = true
	c.timer = time.AfterFunc(c.interval, func() {
		c.pulsePointFlush(epoch)
	})
}

// pulsePointFlush runs when an armed timer fires
func (c *PulsePointCoalescer) pulsePointFlush(epoch uint64) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if !c.running || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	handler := c.handler
	c.mu.Unlock()

	if len(batch) > 0 {
		c.pulsePointDeliver(handler, batch)
	}

	// Paths that arrived while the handler ran are flushed one interval later
	c.mu.Lock()
	if c.running && c.epoch == epoch {
		c.armed = false
		c.timer = nil
		if len(c.pending) > 0 {
			c.pulsePointArmLocked()
		}
	}
	c.mu.Unlock()
}

// pulsePointDeliver hands batch to handler. Delivery is at most once: a
// panicking handler is logged and the batch is not retried.
func (c *PulsePointCoalescer) pulsePointDeliver(handler interfaces.FlushHandler, batch []interfaces.PathIdentifier) {
	if handler == nil {
		c.logger.Warn("No flush handler configured, dropping batch",
			zap.String("root", c.label),
			zap.Int("batch_size", len(batch)),
		)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Flush handler panicked",
				zap.String("root", c.label),
				zap.Int("batch_size", len(batch)),
				zap.Any("panic", r),
			)
		}
	}()

	c.flushes.Add(1)
	metrics.FlushesTotal.WithLabelValues(c.label).Inc()
	metrics.FlushedPathsTotal.WithLabelValues(c.label).Add(float64(len(batch)))

	c.logger.Debug("Flushing coalesced changes",
		zap.String("root", c.label),
		zap.Int("batch_size", len(batch)),
	)
	handler(batch)
}
