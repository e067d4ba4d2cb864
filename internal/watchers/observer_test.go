package watchers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/uuid"
	"github.com/pulsepoint/pulsewatch/internal/coordination"
	"github.com/pulsepoint/pulsewatch/internal/core/interfaces"
	pperrors "github.com/pulsepoint/pulsewatch/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRoot = "/watched"

// fakeSource records attach/detach transitions and lets tests fire raw
// notifications, including through a callback that has already been detached.
type fakeSource struct {
	mu         sync.Mutex
	callback   interfaces.RawCallback
	last       interfaces.RawCallback
	log        []string
	attaches   int
	failAttach map[int]error // attach number (1-based) -> error
}

func newFakeSource() *fakeSource {
	return &fakeSource{failAttach: make(map[int]error)}
}

func (f *fakeSource) Attach(root string, callback interfaces.RawCallback) (interfaces.SourceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	if err := f.failAttach[f.attaches]; err != nil {
		return interfaces.SourceHandle{}, err
	}
	f.callback = callback
	f.last = callback
	f.log = append(f.log, "attach")
	return interfaces.SourceHandle{ID: uuid.New(), Root: root}, nil
}

func (f *fakeSource) Detach(interfaces.SourceHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callback = nil
	f.log = append(f.log, "detach")
	return nil
}

// emit delivers path if attached
func (f *fakeSource) emit(path string) {
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil {
		cb(path)
	}
}

// emitStale delivers path through the most recent callback even if detached,
// modelling an OS that reports synchronously during the write
func (f *fakeSource) emitStale(path string) {
	f.mu.Lock()
	cb := f.last
	f.mu.Unlock()
	if cb != nil {
		cb(path)
	}
}

func (f *fakeSource) transitions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// MockSource is a testify mock of the notification source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Attach(root string, callback interfaces.RawCallback) (interfaces.SourceHandle, error) {
	args := m.Called(root, callback)
	return args.Get(0).(interfaces.SourceHandle), args.Error(1)
}

func (m *MockSource) Detach(handle interfaces.SourceHandle) error {
	args := m.Called(handle)
	return args.Error(0)
}

// MockGate is a testify mock of the coordination gate that runs fn
type MockGate struct {
	mock.Mock
}

func (m *MockGate) Read(fn func() error) error {
	args := m.Called(fn)
	if err := fn(); err != nil {
		return err
	}
	return args.Error(0)
}

func (m *MockGate) Write(fn func() error) error {
	args := m.Called(fn)
	if err := fn(); err != nil {
		return err
	}
	return args.Error(0)
}

// passthroughGate provides no exclusion, isolating the pause token in tests
type passthroughGate struct{}

func (passthroughGate) Read(fn func() error) error  { return fn() }
func (passthroughGate) Write(fn func() error) error { return fn() }

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *batchRecorder) handle(batch []string) {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
}

func (r *batchRecorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func newTestObserver(t *testing.T, source interfaces.NotificationSource, gate interfaces.Gate) *PulsePointObserver {
	t.Helper()
	o, err := NewPulsePointObserver(ObserverConfig{
		Root:             testRoot,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           zap.NewNop(),
	}, source, gate)
	require.NoError(t, err)
	return o
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		name     string
		root     string
		debounce time.Duration
		want     time.Duration
		wantErr  bool
	}{
		{name: "default interval", root: "/data", debounce: 0, want: 100 * time.Millisecond},
		{name: "custom interval", root: "/data", debounce: time.Second, want: time.Second},
		{name: "negative interval", root: "/data", debounce: -time.Millisecond, wantErr: true},
		{name: "empty root", root: "", debounce: time.Second, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Configure(tt.root, tt.debounce)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pperrors.IsConfigError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.DebounceInterval)
			assert.Equal(t, tt.root, cfg.Root)
		})
	}
}

func TestConfigure_RelativeRootIsMadeAbsolute(t *testing.T) {
	cfg, err := Configure("docs", 0)
	require.NoError(t, err)
	assert.True(t, len(cfg.Root) > len("docs"))
	assert.Equal(t, "docs", cfg.Root[len(cfg.Root)-len("docs"):])
}

func TestNewPulsePointObserver_RequiresCollaborators(t *testing.T) {
	cfg := ObserverConfig{Root: testRoot, Logger: zap.NewNop()}

	_, err := NewPulsePointObserver(cfg, nil, coordination.NewPulsePointGate())
	assert.True(t, pperrors.IsConfigError(err))

	_, err = NewPulsePointObserver(cfg, newFakeSource(), nil)
	assert.True(t, pperrors.IsConfigError(err))

	_, err = NewPulsePointObserver(ObserverConfig{}, newFakeSource(), coordination.NewPulsePointGate())
	assert.True(t, pperrors.IsConfigError(err))

	cfg.DebounceInterval = -time.Second
	_, err = NewPulsePointObserver(cfg, newFakeSource(), coordination.NewPulsePointGate())
	assert.True(t, pperrors.IsConfigError(err))
}

func TestStartStop_Idempotent(t *testing.T) {
	source := &MockSource{}
	handle := interfaces.SourceHandle{ID: uuid.New(), Root: testRoot}
	source.On("Attach", testRoot, mock.Anything).Return(handle, nil).Once()
	source.On("Detach", handle).Return(nil).Once()

	o := newTestObserver(t, source, coordination.NewPulsePointGate())
	assert.Equal(t, interfaces.StateStopped, o.State())

	require.NoError(t, o.Start())
	require.NoError(t, o.Start())
	assert.Equal(t, interfaces.StateRunning, o.State())

	require.NoError(t, o.Stop())
	require.NoError(t, o.Stop())
	assert.Equal(t, interfaces.StateStopped, o.State())

	source.AssertExpectations(t)
	source.AssertNumberOfCalls(t, "Attach", 1)
	source.AssertNumberOfCalls(t, "Detach", 1)
}

func TestStart_AttachFailure(t *testing.T) {
	source := &MockSource{}
	source.On("Attach", testRoot, mock.Anything).
		Return(interfaces.SourceHandle{}, errors.New("permission denied"))

	o := newTestObserver(t, source, coordination.NewPulsePointGate())

	err := o.Start()
	require.Error(t, err)
	assert.True(t, pperrors.IsAttachError(err))
	assert.Equal(t, interfaces.StateStopped, o.State())

	// Notifications are dropped because nothing is running
	o.OnRawNotification("/watched/a")
	assert.Zero(t, o.Stats().Pending)
	assert.Equal(t, uint64(1), o.Stats().Dropped)
}

func TestObserver_BurstFlushesOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		source := newFakeSource()
		o := newTestObserver(t, source, coordination.NewPulsePointGate())
		rec := &batchRecorder{}
		o.SetFlushHandler(rec.handle)

		require.NoError(t, o.Start())
		defer o.Stop()

		source.emit("/a")
		time.Sleep(10 * time.Millisecond)
		source.emit("/b")
		time.Sleep(10 * time.Millisecond)
		source.emit("/a")

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, [][]string{{"/a", "/b", "/a"}}, rec.snapshot())
		assert.Equal(t, uint64(1), o.Stats().Flushes)
	})
}

func TestObserver_OwnWritesAreNeverReported(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		source := newFakeSource()
		o := newTestObserver(t, source, coordination.NewPulsePointGate())
		rec := &batchRecorder{}
		o.SetFlushHandler(rec.handle)

		require.NoError(t, o.Start())
		defer o.Stop()

		err := o.PauseAndExecute(func() error {
			assert.Equal(t, interfaces.StatePaused, o.State())
			source.emitStale("/c")
			source.emit("/c")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, interfaces.StateRunning, o.State())

		time.Sleep(time.Second)
		synctest.Wait()

		assert.Empty(t, rec.snapshot())
		assert.Equal(t, []string{"attach", "detach", "attach"}, source.transitions())
		assert.Equal(t, uint64(1), o.Stats().Dropped)
		assert.Equal(t, uint64(1), o.Stats().PauseSections)

		// Observation resumes after the section
		source.emit("/d")
		time.Sleep(100 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, [][]string{{"/d"}}, rec.snapshot())
	})
}

func TestObserver_StopCancelsArmedFlush(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		source := newFakeSource()
		o := newTestObserver(t, source, coordination.NewPulsePointGate())
		rec := &batchRecorder{}
		o.SetFlushHandler(rec.handle)

		require.NoError(t, o.Start())
		source.emit("/pending")
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, o.Stop())

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Empty(t, rec.snapshot())
		assert.Zero(t, o.Stats().Pending)
	})
}

func TestObserver_IgnoredPathsAreNotAdmitted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		source := newFakeSource()
		o, err := NewPulsePointObserver(ObserverConfig{
			Root:           testRoot,
			IgnorePatterns: []string{"*.tmp"},
			Logger:         zap.NewNop(),
		}, source, coordination.NewPulsePointGate())
		require.NoError(t, err)
		rec := &batchRecorder{}
		o.SetFlushHandler(rec.handle)

		require.NoError(t, o.Start())
		defer o.Stop()

		source.emit(testRoot + "/.DS_Store")
		source.emit(testRoot + "/upload.tmp")
		source.emit(testRoot + "/report.pdf")

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, [][]string{{testRoot + "/report.pdf"}}, rec.snapshot())
		assert.Equal(t, uint64(2), o.Stats().Ignored)
	})
}

func TestPauseAndExecute_NotRunningJustRuns(t *testing.T) {
	source := &MockSource{}
	o := newTestObserver(t, source, coordination.NewPulsePointGate())

	ran := false
	require.NoError(t, o.PauseAndExecute(func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, interfaces.StateStopped, o.State())
	source.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything)
	source.AssertNotCalled(t, "Detach", mock.Anything)
}

func TestPauseAndExecute_WriteFailureStillReattaches(t *testing.T) {
	source := newFakeSource()
	o := newTestObserver(t, source, coordination.NewPulsePointGate())
	require.NoError(t, o.Start())
	defer o.Stop()

	boom := errors.New("disk full")
	err := o.PauseAndExecute(func() error { return boom })

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, pperrors.IsWriteError(err))
	assert.Equal(t, interfaces.StateRunning, o.State())
	assert.Equal(t, []string{"attach", "detach", "attach"}, source.transitions())
}

func TestPauseAndExecute_PanicStillReattaches(t *testing.T) {
	source := newFakeSource()
	gate := coordination.NewPulsePointGate()
	o := newTestObserver(t, source, gate)
	require.NoError(t, o.Start())
	defer o.Stop()

	assert.Panics(t, func() {
		_ = o.PauseAndExecute(func() error { panic("writer crashed") })
	})

	assert.Equal(t, interfaces.StateRunning, o.State())
	assert.Equal(t, []string{"attach", "detach", "attach"}, source.transitions())

	// Token and gate were both released
	require.NoError(t, o.PauseAndExecute(func() error { return nil }))
}

func TestPauseAndExecute_ReattachFailureStopsObserver(t *testing.T) {
	source := newFakeSource()
	source.failAttach[2] = pperrors.NewAttachError("root vanished", nil)
	o := newTestObserver(t, source, coordination.NewPulsePointGate())
	require.NoError(t, o.Start())

	boom := errors.New("write failed")
	err := o.PauseAndExecute(func() error { return boom })

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, pperrors.IsAttachError(err))
	assert.Equal(t, interfaces.StateStopped, o.State())

	// A stopped observer can be started again
	require.NoError(t, o.Start())
	assert.Equal(t, interfaces.StateRunning, o.State())
	require.NoError(t, o.Stop())
}

func TestPauseAndExecute_StopDuringSection(t *testing.T) {
	source := newFakeSource()
	o := newTestObserver(t, source, coordination.NewPulsePointGate())
	require.NoError(t, o.Start())

	err := o.PauseAndExecute(func() error {
		return o.Stop()
	})
	require.NoError(t, err)

	assert.Equal(t, interfaces.StateStopped, o.State())
	assert.Equal(t, []string{"attach", "detach"}, source.transitions())
}

func TestPauseAndExecute_SectionsDoNotInterleave(t *testing.T) {
	source := newFakeSource()
	o := newTestObserver(t, source, passthroughGate{})
	require.NoError(t, o.Start())
	defer o.Stop()

	var active, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.PauseAndExecute(func() error {
				if active.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load())

	// Every detach is followed by its own attach
	log := source.transitions()
	require.Len(t, log, 41)
	for i := 1; i < len(log); i += 2 {
		assert.Equal(t, "detach", log[i])
		assert.Equal(t, "attach", log[i+1])
	}
}

func TestPauseAndExecuteContext_CancelledWhileQueued(t *testing.T) {
	source := newFakeSource()
	o := newTestObserver(t, source, coordination.NewPulsePointGate())
	require.NoError(t, o.Start())
	defer o.Stop()

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- o.PauseAndExecute(func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := o.PauseAndExecuteContext(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)

	close(release)
	require.NoError(t, <-done)
}

func TestPauseAndExecute_QueuedCallerWaitsWhilePaused(t *testing.T) {
	source := newFakeSource()
	o := newTestObserver(t, source, passthroughGate{})
	require.NoError(t, o.Start())
	defer o.Stop()

	inside := make(chan struct{})
	release := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- o.PauseAndExecute(func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	require.Equal(t, interfaces.StatePaused, o.State())

	var secondRan atomic.Bool
	second := make(chan error, 1)
	go func() {
		second <- o.PauseAndExecute(func() error {
			secondRan.Store(true)
			assert.Equal(t, interfaces.StatePaused, o.State())
			return nil
		})
	}()

	assert.Never(t, secondRan.Load, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.True(t, secondRan.Load())
	assert.Equal(t, uint64(2), o.Stats().PauseSections)
	assert.Equal(t, []string{"attach", "detach", "attach", "detach", "attach"}, source.transitions())
}

func TestStart_WaitsForPausedSection(t *testing.T) {
	source := newFakeSource()
	o := newTestObserver(t, source, passthroughGate{})
	rec := &batchRecorder{}
	o.SetFlushHandler(rec.handle)
	require.NoError(t, o.Start())
	defer o.Stop()

	restarted := make(chan error, 1)
	err := o.PauseAndExecute(func() error {
		go func() {
			o.Stop()
			restarted <- o.Start()
		}()
		require.Eventually(t, func() bool {
			return o.State() == interfaces.StateStopped
		}, 5*time.Second, time.Millisecond)

		// The restart is held back until this write is done
		assert.Never(t, func() bool {
			return o.State() == interfaces.StateRunning
		}, 50*time.Millisecond, 5*time.Millisecond)
		source.emitStale("/own-write")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-restarted)
	assert.Equal(t, interfaces.StateRunning, o.State())

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, []string{"attach", "detach", "attach"}, source.transitions())

	source.emit("/after")
	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]string{{"/after"}}, rec.snapshot())
}

func TestShutdown_WaitsForInFlightBatch(t *testing.T) {
	source := newFakeSource()
	o := newTestObserver(t, source, passthroughGate{})

	inside := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	o.SetFlushHandler(func(batch []interfaces.PathIdentifier) {
		close(inside)
		<-release
		finished.Store(true)
	})
	require.NoError(t, o.Start())

	source.emit("/a")
	<-inside

	done := make(chan error, 1)
	go func() {
		done <- o.Shutdown()
	}()
	assert.Never(t, func() bool {
		return len(done) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished.Load())
	assert.Equal(t, interfaces.StateStopped, o.State())
}

func TestPerformCoordinatedRead_DelegatesToGate(t *testing.T) {
	gate := &MockGate{}
	gate.On("Read", mock.Anything).Return(nil).Once()

	source := newFakeSource()
	o := newTestObserver(t, source, gate)
	require.NoError(t, o.Start())
	defer o.Stop()

	read := false
	require.NoError(t, o.PerformCoordinatedRead(func() error {
		read = true
		return nil
	}))

	assert.True(t, read)
	assert.Equal(t, interfaces.StateRunning, o.State())
	assert.Equal(t, []string{"attach"}, source.transitions())
	gate.AssertExpectations(t)
	gate.AssertNotCalled(t, "Write", mock.Anything)
}

func TestPauseAndExecute_UsesGateWrite(t *testing.T) {
	gate := &MockGate{}
	gate.On("Write", mock.Anything).Return(nil).Once()

	o := newTestObserver(t, newFakeSource(), gate)
	require.NoError(t, o.Start())
	defer o.Stop()

	require.NoError(t, o.PauseAndExecute(func() error { return nil }))
	gate.AssertExpectations(t)
}

func TestSharedGate_ExcludesReadsFromOtherObserver(t *testing.T) {
	gate := coordination.NewPulsePointGate()
	writer := newTestObserver(t, newFakeSource(), gate)
	reader := newTestObserver(t, newFakeSource(), gate)
	require.NoError(t, writer.Start())
	defer writer.Stop()

	writing := make(chan struct{})
	finish := make(chan struct{})
	go func() {
		_ = writer.PauseAndExecute(func() error {
			close(writing)
			<-finish
			return nil
		})
	}()
	<-writing

	readDone := make(chan struct{})
	go func() {
		_ = reader.PerformCoordinatedRead(func() error { return nil })
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("read overlapped a coordinated write from another observer")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read never completed")
	}
}
