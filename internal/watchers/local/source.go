package local

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pulsepoint/pulsewatch/internal/core/interfaces"
	pperrors "github.com/pulsepoint/pulsewatch/pkg/errors"
	"github.com/pulsepoint/pulsewatch/pkg/logger"
	"go.uber.org/zap"
)

var _ interfaces.NotificationSource = (*PulsePointSource)(nil)

// skipDirectories are never descended into when attaching
var skipDirectories = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// PulsePointSource implements NotificationSource using fsnotify. Each Attach
// gets its own fsnotify watcher covering every directory under the root.
type PulsePointSource struct {
	attachments map[uuid.UUID]*pulsePointAttachment
	mu          sync.Mutex
	logger      *zap.Logger
}

type pulsePointAttachment struct {
	handle   interfaces.SourceHandle
	watcher  *fsnotify.Watcher
	callback interfaces.RawCallback
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewPulsePointSource creates a notification source backed by fsnotify
func NewPulsePointSource() *PulsePointSource {
	return &PulsePointSource{
		attachments: make(map[uuid.UUID]*pulsePointAttachment),
		logger:      logger.Named("source"),
	}
}

// Attach starts delivering change notifications for root to callback
func (s *PulsePointSource) Attach(root string, callback interfaces.RawCallback) (interfaces.SourceHandle, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return interfaces.SourceHandle{}, pperrors.NewAttachError("failed to get absolute path", err).
			WithContext("root", root)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return interfaces.SourceHandle{}, pperrors.NewAttachError("root is not accessible", err).
			WithContext("root", absRoot)
	}
	if !info.IsDir() {
		return interfaces.SourceHandle{}, pperrors.NewAttachError(fmt.Sprintf("root is not a directory: %s", absRoot), nil).
			WithContext("root", absRoot)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return interfaces.SourceHandle{}, pperrors.NewAttachError("failed to create fsnotify watcher", err)
	}

	a := &pulsePointAttachment{
		handle:   interfaces.SourceHandle{ID: uuid.New(), Root: absRoot},
		watcher:  w,
		callback: callback,
		logger:   s.logger.With(zap.String("root", absRoot)),
	}

	if err := a.pulsePointAddRecursive(absRoot); err != nil {
		w.Close()
		return interfaces.SourceHandle{}, pperrors.NewAttachError("failed to watch directory tree", err).
			WithContext("root", absRoot)
	}

	a.wg.Add(1)
	go a.pulsePointMonitor()

	s.mu.Lock()
	s.attachments[a.handle.ID] = a
	s.mu.Unlock()

	a.logger.Debug("Attached notification source",
		zap.String("handle", a.handle.ID.String()),
		zap.Int("directories", len(w.WatchList())),
	)

	return a.handle, nil
}

// Detach stops the attachment and waits for its delivery goroutine to exit.
// It must not be called from inside the attachment's own callback.
func (s *PulsePointSource) Detach(handle interfaces.SourceHandle) error {
	s.mu.Lock()
	a, ok := s.attachments[handle.ID]
	delete(s.attachments, handle.ID)
	s.mu.Unlock()

	if !ok {
		return pperrors.NewDetachError("unknown source handle", nil).
			WithContext("handle", handle.ID.String())
	}

	err := a.watcher.Close()
	a.wg.Wait()

	a.logger.Debug("Detached notification source", zap.String("handle", handle.ID.String()))

	if err != nil {
		return pperrors.NewDetachError("failed to close fsnotify watcher", err)
	}
	return nil
}

// Attachments returns the number of live attachments
func (s *PulsePointSource) Attachments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attachments)
}

// pulsePointMonitor forwards fsnotify events until the watcher is closed
func (a *pulsePointAttachment) pulsePointMonitor() {
	defer a.wg.Done()

	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			a.pulsePointHandleEvent(event)
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// pulsePointHandleEvent reports the path and extends the watch to new directories
func (a *pulsePointAttachment) pulsePointHandleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := a.pulsePointAddRecursive(event.Name); err != nil {
				a.logger.Warn("Failed to add new directory to watcher",
					zap.String("path", event.Name),
					zap.Error(err),
				)
			}
		}
	}

	a.callback(event.Name)
}

// pulsePointAddRecursive adds dir and all directories below it to the watcher
func (a *pulsePointAttachment) pulsePointAddRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The top-level directory must be readable; vanished children are fine
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDirectories[d.Name()] {
			return filepath.SkipDir
		}
		if err := a.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to add directory %s: %w", path, err)
		}
		return nil
	})
}
