package topology

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-stream/common/clusterpaths"
	"github.com/couchbase/stellar-stream/contrib/coordkv"
	"go.uber.org/zap"
)

var ErrNotStarted = errors.New("topology watcher not started")

type WatcherOptions struct {
	Store  coordkv.Store
	Paths  clusterpaths.Paths
	Logger *zap.Logger
}

// Watcher maintains the cluster Snapshot by watching the coordination
// service.  It owns no I/O other than its watches on the tasks and process
// prefixes.
type Watcher struct {
	store  coordkv.Store
	paths  clusterpaths.Paths
	logger *zap.Logger

	current   atomic.Pointer[Snapshot]
	listeners listenerSet

	ctxCancel context.CancelFunc
	closeCh   chan struct{}
}

var _ Provider = (*Watcher)(nil)

func NewWatcher(opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		store:  opts.Store,
		paths:  opts.Paths,
		logger: logger,
	}
}

type mirrorPair struct {
	tasksCh <-chan *coordkv.Listing
	procsCh <-chan *coordkv.Listing
	cancel  context.CancelFunc
}

func (w *Watcher) openMirrors(ctx context.Context) (*mirrorPair, error) {
	mirrorCtx, mirrorCancel := context.WithCancel(ctx)

	tasksCh, err := coordkv.Mirror(mirrorCtx, w.store, w.paths.TasksPrefix())
	if err != nil {
		mirrorCancel()
		return nil, err
	}

	procsCh, err := coordkv.Mirror(mirrorCtx, w.store, w.paths.ProcessPrefix())
	if err != nil {
		mirrorCancel()
		return nil, err
	}

	return &mirrorPair{
		tasksCh: tasksCh,
		procsCh: procsCh,
		cancel:  mirrorCancel,
	}, nil
}

// Start reads the initial snapshot and begins watching for changes.  An
// error is returned if the initial read fails.
func (w *Watcher) Start(ctx context.Context) error {
	watchCtx, watchCancel := context.WithCancel(ctx)

	mirrors, err := w.openMirrors(watchCtx)
	if err != nil {
		watchCancel()
		return err
	}

	// Mirror always emits its first listing before returning
	tasks := <-mirrors.tasksCh
	procs := <-mirrors.procsCh
	w.current.Store(ComputeSnapshot(tasks, procs, w.logger))

	w.ctxCancel = watchCancel
	w.closeCh = make(chan struct{})

	go w.procThread(watchCtx, mirrors, tasks, procs)

	return nil
}

func (w *Watcher) procThread(ctx context.Context, mirrors *mirrorPair, tasks, procs *coordkv.Listing) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.Reset()

MainLoop:
	for {
		tasks, procs = w.consume(ctx, mirrors, tasks, procs)
		mirrors.cancel()

		if ctx.Err() != nil {
			break MainLoop
		}

		for {
			newMirrors, err := w.openMirrors(ctx)
			if err == nil {
				mirrors = newMirrors
				b.Reset()
				break
			}

			w.logger.Warn("failed to re-establish topology watch", zap.Error(err))

			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				break MainLoop
			}
		}
	}

	close(w.closeCh)
}

// consume applies listings until either mirror closes, returning the last
// listings seen.
func (w *Watcher) consume(
	ctx context.Context,
	mirrors *mirrorPair,
	tasks, procs *coordkv.Listing,
) (*coordkv.Listing, *coordkv.Listing) {
	for {
		select {
		case newTasks, ok := <-mirrors.tasksCh:
			if !ok {
				w.logger.Debug("tasks watch closed")
				return tasks, procs
			}
			tasks = newTasks
		case newProcs, ok := <-mirrors.procsCh:
			if !ok {
				w.logger.Debug("process watch closed")
				return tasks, procs
			}
			procs = newProcs
		case <-ctx.Done():
			return tasks, procs
		}

		snap := ComputeSnapshot(tasks, procs, w.logger)
		w.current.Store(snap)

		w.logger.Debug("topology changed",
			zap.Int64("version", snap.Version),
			zap.Int("partitionCount", snap.PartitionCount),
			zap.Int("nodes", len(snap.Nodes)))

		w.listeners.notify()
	}
}

func (w *Watcher) Current() *Snapshot {
	snap := w.current.Load()
	if snap == nil {
		return &Snapshot{}
	}
	return snap
}

func (w *Watcher) Subscribe(fn func()) *Subscription {
	return w.listeners.add(fn)
}

// Close stops watching and waits for the delivery goroutine to exit.
func (w *Watcher) Close() error {
	if w.ctxCancel == nil {
		return ErrNotStarted
	}

	w.ctxCancel()
	<-w.closeCh
	return nil
}
