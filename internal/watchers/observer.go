package watchers

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pulsepoint/pulsewatch/internal/core/interfaces"
	"github.com/pulsepoint/pulsewatch/internal/metrics"
	"github.com/pulsepoint/pulsewatch/internal/watchers/coalescer"
	"github.com/pulsepoint/pulsewatch/internal/watchers/ignore"
	pperrors "github.com/pulsepoint/pulsewatch/pkg/errors"
	"github.com/pulsepoint/pulsewatch/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var _ interfaces.Observer = (*PulsePointObserver)(nil)

// ObserverConfig contains configuration for an observer
type ObserverConfig struct {
	Root             string        // Watched directory, absolute
	DebounceInterval time.Duration // Coalescing interval, > 0
	IgnorePatterns   []string      // Extra gitignore-style patterns
	IgnoreFile       string        // Optional ignore file (e.g. .pulseignore)
	NoDefaultIgnores bool          // Disable the built-in ignore list
	Logger           *zap.Logger   // Defaults to the global logger
}

// Configure validates root and debounce and returns a ready-to-use config.
// A zero debounce selects the 100ms default.
func Configure(root string, debounce time.Duration) (ObserverConfig, error) {
	if root == "" {
		return ObserverConfig{}, pperrors.NewConfigError("root path is required", nil)
	}
	if debounce == 0 {
		debounce = coalescer.DefaultInterval
	}
	if debounce < 0 {
		return ObserverConfig{}, pperrors.NewConfigError("debounce interval must be positive", nil).
			WithContext("debounce_interval", debounce.String())
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return ObserverConfig{}, pperrors.NewConfigError("failed to get absolute path", err).
			WithContext("root", root)
	}

	return ObserverConfig{
		Root:             absRoot,
		DebounceInterval: debounce,
	}, nil
}

// Stats is a point-in-time view of an observer
type Stats struct {
	Root          string                `json:"root" yaml:"root"`
	State         interfaces.WatchState `json:"-" yaml:"-"`
	StateName     string                `json:"state" yaml:"state"`
	Pending       int                   `json:"pending" yaml:"pending"`
	Received      uint64                `json:"received" yaml:"received"`
	Dropped       uint64                `json:"dropped" yaml:"dropped"`
	Ignored       uint64                `json:"ignored" yaml:"ignored"`
	Flushes       uint64                `json:"flushes" yaml:"flushes"`
	PauseSections uint64                `json:"pause_sections" yaml:"pause_sections"`
}

// PulsePointObserver owns the watch lifecycle for one root: it attaches to the
// notification source, admits raw notifications into the coalescer while
// running, and detaches around coordinated writes so the engine never reports
// its own changes.
type PulsePointObserver struct {
	config    ObserverConfig
	source    interfaces.NotificationSource
	gate      interfaces.Gate
	coalescer *coalescer.PulsePointCoalescer
	matcher   *ignore.PulsePointIgnoreMatcher
	logger    *zap.Logger

	// pauseToken admits one paused write section at a time
	pauseToken *semaphore.Weighted

	// mu serializes lifecycle transitions; the notification path never takes it
	mu     sync.Mutex
	handle interfaces.SourceHandle
	state  atomic.Int32

	dropped       atomic.Uint64
	ignored       atomic.Uint64
	pauseSections atomic.Uint64
}

// NewPulsePointObserver creates a stopped observer. gate must be shared by every
// observer whose trees may overlap; pass coordination.Shared() in production.
func NewPulsePointObserver(config ObserverConfig, source interfaces.NotificationSource, gate interfaces.Gate) (*PulsePointObserver, error) {
	if source == nil {
		return nil, pperrors.NewConfigError("notification source is required", nil)
	}
	if gate == nil {
		return nil, pperrors.NewConfigError("coordination gate is required", nil)
	}
	if config.Root == "" {
		return nil, pperrors.NewConfigError("root path is required", nil)
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = coalescer.DefaultInterval
	}
	if config.Logger == nil {
		config.Logger = logger.Named("observer")
	}
	log := config.Logger.With(zap.String("root", config.Root))

	c, err := coalescer.NewPulsePointCoalescer(coalescer.Config{
		Interval: config.DebounceInterval,
		Label:    config.Root,
		Logger:   log.Named("coalescer"),
	})
	if err != nil {
		return nil, pperrors.NewConfigError("invalid debounce interval", err)
	}

	matcher := ignore.NewPulsePointIgnoreMatcher(config.Root)
	if config.NoDefaultIgnores {
		matcher.DisableDefaults()
	}
	if config.IgnoreFile != "" {
		if err := matcher.LoadFromFile(config.IgnoreFile); err != nil {
			log.Warn("Failed to load ignore file",
				zap.String("file", config.IgnoreFile),
				zap.Error(err),
			)
		}
	}
	if err := matcher.AddPatterns(config.IgnorePatterns); err != nil {
		log.Warn("Skipping invalid ignore patterns", zap.Error(err))
	}

	o := &PulsePointObserver{
		config:     config,
		source:     source,
		gate:       gate,
		coalescer:  c,
		matcher:    matcher,
		logger:     log,
		pauseToken: semaphore.NewWeighted(1),
	}
	o.pulsePointSetState(interfaces.StateStopped)
	return o, nil
}

// SetFlushHandler registers the sole consumer of flushed batches. The handler
// runs on the coalescer's timer goroutine and never concurrently with itself.
func (o *PulsePointObserver) SetFlushHandler(handler interfaces.FlushHandler) {
	o.coalescer.SetFlushHandler(handler)
}

// Start attaches to the notification source. Calling Start on a running
// observer does nothing. On attach failure the observer stays stopped.
//
// A Start issued while a paused write section is in flight waits for that
// section to finish, so it must not be called from a PauseAndExecute callback.
func (o *PulsePointObserver) Start() error {
	if o.State() == interfaces.StateRunning {
		return nil
	}

	// Holding the token keeps a section's write from being observed
	if err := o.pauseToken.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer o.pauseToken.Release(1)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() != interfaces.StateStopped {
		return nil
	}

	o.coalescer.Start()
	handle, err := o.source.Attach(o.config.Root, o.OnRawNotification)
	if err != nil {
		o.coalescer.Stop()
		if !pperrors.IsAttachError(err) {
			err = pperrors.NewAttachError("failed to attach notification source", err)
		}
		return err
	}
	o.handle = handle
	o.pulsePointSetState(interfaces.StateRunning)

	o.logger.Info("Observer started",
		zap.Duration("debounce_interval", o.config.DebounceInterval),
		zap.Int("ignore_patterns", len(o.matcher.GetPatterns())),
	)
	return nil
}

// Stop detaches from the notification source and discards unflushed changes.
// Calling Stop on a stopped observer does nothing. Stopping during a paused
// write section ends observation; the section will not re-attach.
func (o *PulsePointObserver) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.State()
	if prev == interfaces.StateStopped {
		return nil
	}

	// Flip state first so callbacks already in flight become inert
	o.pulsePointSetState(interfaces.StateStopped)

	var err error
	if prev == interfaces.StateRunning {
		err = o.source.Detach(o.handle)
	}
	o.handle = interfaces.SourceHandle{}
	o.coalescer.Stop()

	if err != nil {
		o.logger.Warn("Failed to detach notification source", zap.Error(err))
	}
	o.logger.Info("Observer stopped", zap.String("previous_state", prev.String()))
	return err
}

// Shutdown stops the observer and waits for a flush handler call in progress
// to return, so the consumer can be closed afterwards. It must not be called
// from the flush handler.
func (o *PulsePointObserver) Shutdown() error {
	err := o.Stop()
	o.coalescer.WaitFlush()
	return err
}

// State returns the current lifecycle state
func (o *PulsePointObserver) State() interfaces.WatchState {
	return interfaces.WatchState(o.state.Load())
}

// IsRunning reports whether notifications are currently admitted
func (o *PulsePointObserver) IsRunning() bool {
	return o.State() == interfaces.StateRunning
}

// Root returns the watched root
func (o *PulsePointObserver) Root() string {
	return o.config.Root
}

// OnRawNotification is the callback handed to the notification source. It is
// safe to call from any goroutine. Anything arriving while not running,
// including during a paused write, is dropped.
func (o *PulsePointObserver) OnRawNotification(path interfaces.PathIdentifier) {
	if o.State() != interfaces.StateRunning {
		o.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues(o.config.Root, "dropped").Inc()
		return
	}

	if o.matcher.ShouldIgnore(path) {
		o.ignored.Add(1)
		metrics.NotificationsTotal.WithLabelValues(o.config.Root, "ignored").Inc()
		return
	}

	if !o.coalescer.NotifyChanged(path) {
		// Lost a race with Stop
		o.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues(o.config.Root, "dropped").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues(o.config.Root, "admitted").Inc()
}

// PauseAndExecute runs fn as a coordinated write. See PauseAndExecuteContext.
func (o *PulsePointObserver) PauseAndExecute(fn func() error) error {
	return o.PauseAndExecuteContext(context.Background(), fn)
}

// PauseAndExecuteContext detaches from the notification source, runs fn under
// the gate's exclusive lock and re-attaches, even when fn fails or panics.
// Concurrent callers queue for the pause token; ctx bounds only that wait.
// When the observer is stopped fn is simply called.
//
// fn must not call Start, PauseAndExecute or PerformCoordinatedRead on the
// same observer or gate; each would wait on the section fn is running in.
func (o *PulsePointObserver) PauseAndExecuteContext(ctx context.Context, fn func() error) (err error) {
	if o.State() == interfaces.StateStopped {
		return o.pulsePointWrapWrite(fn())
	}

	if err := o.pauseToken.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.pauseToken.Release(1)

	if !o.pulsePointPause() {
		// Stopped while queued for the token
		return o.pulsePointWrapWrite(fn())
	}
	o.pauseSections.Add(1)

	defer func() {
		resumeErr := o.pulsePointResume()
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.PauseSectionsTotal.WithLabelValues(o.config.Root, result).Inc()
		err = errors.Join(err, resumeErr)
	}()

	return o.pulsePointWrapWrite(o.gate.Write(fn))
}

// PerformCoordinatedRead runs fn with shared access through the gate.
// Reads cannot trigger notifications, so watch state is left alone.
func (o *PulsePointObserver) PerformCoordinatedRead(fn func() error) error {
	return o.gate.Read(fn)
}

// Stats returns a snapshot of the observer's counters
func (o *PulsePointObserver) Stats() Stats {
	state := o.State()
	return Stats{
		Root:          o.config.Root,
		State:         state,
		StateName:     state.String(),
		Pending:       o.coalescer.Pending(),
		Received:      o.coalescer.Received(),
		Dropped:       o.dropped.Load(),
		Ignored:       o.ignored.Load(),
		Flushes:       o.coalescer.Flushes(),
		PauseSections: o.pauseSections.Load(),
	}
}

// pulsePointPause detaches and enters Paused. It reports false when the
// observer is no longer running.
func (o *PulsePointObserver) pulsePointPause() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() != interfaces.StateRunning {
		return false
	}

	o.pulsePointSetState(interfaces.StatePaused)
	if err := o.source.Detach(o.handle); err != nil {
		// Notifications are dropped while paused either way
		o.logger.Warn("Failed to detach before coordinated write", zap.Error(err))
	}
	o.handle = interfaces.SourceHandle{}

	o.logger.Debug("Observer paused for coordinated write")
	return true
}

// pulsePointResume re-attaches after a paused section. If Stop ran meanwhile
// it leaves the observer stopped. A failed re-attach stops the observer.
func (o *PulsePointObserver) pulsePointResume() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() != interfaces.StatePaused {
		return nil
	}

	handle, err := o.source.Attach(o.config.Root, o.OnRawNotification)
	if err != nil {
		o.pulsePointSetState(interfaces.StateStopped)
		o.coalescer.Stop()
		o.logger.Warn("Failed to re-attach after coordinated write, observer stopped", zap.Error(err))
		if !pperrors.IsAttachError(err) {
			err = pperrors.NewAttachError("failed to re-attach notification source", err)
		}
		return err
	}

	o.handle = handle
	o.pulsePointSetState(interfaces.StateRunning)
	o.logger.Debug("Observer resumed after coordinated write")
	return nil
}

func (o *PulsePointObserver) pulsePointWrapWrite(err error) error {
	if err == nil {
		return nil
	}
	return pperrors.NewWriteError("coordinated write failed", err).WithContext("root", o.config.Root)
}

func (o *PulsePointObserver) pulsePointSetState(state interfaces.WatchState) {
	o.state.Store(int32(state))
	metrics.ObserverState.WithLabelValues(o.config.Root).Set(float64(state))
}
