// Package interfaces defines the core contracts for the PulseWatch engine
package interfaces

import (
	"github.com/google/uuid"
)

// PathIdentifier identifies a changed path under a watched root
type PathIdentifier = string

// RawCallback receives a single "this path changed" notification
type RawCallback func(path PathIdentifier)

// FlushHandler receives a coalesced batch of changed paths
type FlushHandler func(batch []PathIdentifier)

// SourceHandle identifies one attachment to a notification source
type SourceHandle struct {
	ID   uuid.UUID
	Root string
}

// NotificationSource reports file system mutations for a subscribed root.
// Implementations may deliver callbacks from any goroutine, at least once,
// without ordering across paths.
type NotificationSource interface {
	// Attach subscribes callback to changes under root
	Attach(root string, callback RawCallback) (SourceHandle, error)

	// Detach ends the subscription. No callback for handle runs after Detach returns.
	Detach(handle SourceHandle) error
}

// WatchState is the lifecycle state of an observer
type WatchState int32

const (
	// StateStopped is the initial state; nothing is attached
	StateStopped WatchState = iota

	// StateRunning means the source is attached and notifications are admitted
	StateRunning

	// StatePaused means a coordinated write is in progress and the source is detached
	StatePaused
)

// String returns the string representation of the watch state
func (s WatchState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Observer defines the contract host applications use to watch a tree
type Observer interface {
	// Start attaches to the notification source. Idempotent.
	Start() error

	// Stop detaches and discards unflushed changes. Idempotent.
	Stop() error

	// SetFlushHandler registers the sole consumer of flushed batches
	SetFlushHandler(handler FlushHandler)

	// PauseAndExecute runs fn as a coordinated write without observing its changes
	PauseAndExecute(fn func() error) error

	// PerformCoordinatedRead runs fn with shared access to the tree
	PerformCoordinatedRead(fn func() error) error

	// State returns the current lifecycle state
	State() WatchState
}

// Gate arbitrates shared reads against exclusive writes
type Gate interface {
	// Read runs fn with shared access
	Read(fn func() error) error

	// Write runs fn with exclusive access
	Write(fn func() error) error
}
