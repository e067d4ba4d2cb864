// Package coordination arbitrates file system access between observers
// sharing one process.
package coordination

import (
	"sync"
	"time"

	"github.com/pulsepoint/pulsewatch/internal/metrics"
)

// PulsePointGate sequences coordinated access to watched files. Any number of
// readers may hold the gate at once; a writer excludes every reader and writer.
type PulsePointGate struct {
	mu sync.RWMutex
}

var (
	sharedGate *PulsePointGate
	sharedOnce sync.Once
)

// Shared returns the process-wide gate, creating it on first use.
// Every observer that may touch overlapping trees must be given this instance.
func Shared() *PulsePointGate {
	sharedOnce.Do(func() {
		sharedGate = NewPulsePointGate()
	})
	return sharedGate
}

// NewPulsePointGate creates an isolated gate. Production code wants Shared;
// tests use this to avoid interference between cases.
func NewPulsePointGate() *PulsePointGate {
	return &PulsePointGate{}
}

// Read runs fn with shared access and returns its error.
// It blocks only while a Write is in progress.
func (g *PulsePointGate) Read(fn func() error) error {
	start := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	metrics.GateWaitSeconds.WithLabelValues("read").Observe(time.Since(start).Seconds())

	return fn()
}

// Write runs fn with exclusive access and returns its error.
// The gate is released on every exit path, including a panic in fn.
func (g *PulsePointGate) Write(fn func() error) error {
	start := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	metrics.GateWaitSeconds.WithLabelValues("write").Observe(time.Since(start).Seconds())

	return fn()
}
