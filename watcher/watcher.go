package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/patrickmn/go-cache"

	"github.com/livepeer/swarm-ingest/clog"
	"github.com/livepeer/swarm-ingest/common"
	"github.com/livepeer/swarm-ingest/core"
	lperrors "github.com/livepeer/swarm-ingest/errors"
	"github.com/livepeer/swarm-ingest/monitor"
)

const (
	DefaultDirPollInterval    = time.Second
	DefaultDirWaitAttempts    = 60
	DefaultStablePollInterval = 200 * time.Millisecond
	DefaultStablePolls        = 30
	DefaultStableRequired     = 3
	DefaultDedupTTL           = 30 * time.Second
	DefaultEventBuffer        = 64
)

type State int32

const (
	StateWaitingForDir State = iota
	StateWatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaitingForDir:
		return "WAITING_FOR_DIR"
	case StateWatching:
		return "WATCHING"
	}
	return "CLOSED"
}

type EventKind int

const (
	NewFile EventKind = iota
	FileChanged
)

func (k EventKind) String() string {
	if k == FileChanged {
		return "changed"
	}
	return "new"
}

// Event is a file that passed the readiness check.
type Event struct {
	Kind EventKind
	Path string
}

type Options struct {
	DirPollInterval    time.Duration
	DirWaitAttempts    int
	StablePollInterval time.Duration
	StablePolls        int
	StableRequired     int
	DedupTTL           time.Duration
	EventBuffer        int
	Reporter           monitor.Reporter
}

type Option func(*Options)

// WithDirWait sets how often and how many times a missing directory is
// polled before giving up.
func WithDirWait(attempts int, interval time.Duration) Option {
	return func(o *Options) {
		o.DirWaitAttempts = attempts
		o.DirPollInterval = interval
	}
}

func WithReadiness(interval time.Duration, polls, required int) Option {
	return func(o *Options) {
		o.StablePollInterval = interval
		o.StablePolls = polls
		o.StableRequired = required
	}
}

func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Options) { o.DedupTTL = ttl }
}

func WithReporter(r monitor.Reporter) Option {
	return func(o *Options) { o.Reporter = r }
}

func defaultOptions() Options {
	return Options{
		DirPollInterval:    DefaultDirPollInterval,
		DirWaitAttempts:    DefaultDirWaitAttempts,
		StablePollInterval: DefaultStablePollInterval,
		StablePolls:        DefaultStablePolls,
		StableRequired:     DefaultStableRequired,
		DedupTTL:           DefaultDedupTTL,
		EventBuffer:        DefaultEventBuffer,
	}
}

// FileWatcher reports new segment files and changes of the transcoder
// manifest in one session directory. Callbacks run one at a time, only for
// files whose size and modification time stopped changing.
type FileWatcher struct {
	ctx           context.Context
	dir           string
	opts          Options
	onNewFile     core.FileCallback
	onFileChanged core.FileCallback

	state     atomic.Int32
	queue     *core.TaskQueue
	seen      *cache.Cache
	events    chan Event
	manifestQ atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	// abort cuts readiness polls short when Close gives up waiting
	abort chan struct{}
	done  chan struct{}
	started   atomic.Bool
	closeErr  error
}

func New(ctx context.Context, dir string, onNewFile, onFileChanged core.FileCallback, opts ...Option) *FileWatcher {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Reporter == nil {
		o.Reporter = monitor.LogReporter{}
	}
	if o.StableRequired < 1 {
		o.StableRequired = 1
	}
	if o.EventBuffer < 0 {
		o.EventBuffer = 0
	}
	return &FileWatcher{
		ctx:           ctx,
		dir:           dir,
		opts:          o,
		onNewFile:     onNewFile,
		onFileChanged: onFileChanged,
		queue:         core.NewTaskQueue("FileWatcher", 1, o.Reporter),
		seen:          cache.New(o.DedupTTL, 2*o.DedupTTL),
		events:        make(chan Event, o.EventBuffer),
		stop:          make(chan struct{}),
		abort:         make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (w *FileWatcher) State() State {
	return State(w.state.Load())
}

// Events delivers every ready event after its callback ran. Events are
// dropped when nobody reads and the buffer is full. The channel is closed by
// Close.
func (w *FileWatcher) Events() <-chan Event {
	return w.events
}

// Start returns immediately; watching begins once the directory exists.
func (w *FileWatcher) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

func (w *FileWatcher) run() {
	defer close(w.done)
	if !w.waitForDir() {
		return
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.opts.Reporter.Report(w.ctx, err, "FileWatcher.watchError")
		w.state.Store(int32(StateClosed))
		return
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		w.opts.Reporter.Report(w.ctx, err, "FileWatcher.watchError")
		w.state.Store(int32(StateClosed))
		return
	}
	if !w.state.CompareAndSwap(int32(StateWaitingForDir), int32(StateWatching)) {
		return
	}
	clog.Infof(w.ctx, "Watching dir=%s", w.dir)

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.opts.Reporter.Report(w.ctx, err, "FileWatcher.watchError")
		}
	}
}

// waitForDir polls for the directory. It reports ErrDirectoryNeverAppeared
// once all attempts are used up.
func (w *FileWatcher) waitForDir() bool {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 0; ; attempt++ {
		select {
		case <-w.stop:
			return false
		case <-timer.C:
		}
		if common.DirExists(w.dir) {
			return true
		}
		if attempt >= w.opts.DirWaitAttempts {
			break
		}
		clog.V(common.DEBUG).Infof(w.ctx, "Waiting for dir=%s attempt=%d", w.dir, attempt+1)
		timer.Reset(w.opts.DirPollInterval)
	}
	select {
	case <-w.stop:
		return false
	default:
	}
	if w.state.CompareAndSwap(int32(StateWaitingForDir), int32(StateClosed)) {
		w.opts.Reporter.Report(w.ctx, lperrors.Withf(lperrors.ErrDirectoryNeverAppeared, "dir=%s attempts=%d", w.dir, w.opts.DirWaitAttempts), "FileWatcher.waitForDir")
	}
	return false
}

// ignored reports whether name is a temporary or derived file.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".m3u8")
}

func (w *FileWatcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	name := filepath.Base(ev.Name)
	if name == core.OriginalManifestName {
		// one readiness check covers every write that arrives before it starts
		if w.manifestQ.CompareAndSwap(false, true) {
			w.enqueue(FileChanged, ev.Name)
		}
		return
	}
	if !ev.Has(fsnotify.Create) || ignored(name) {
		return
	}
	w.seen.DeleteExpired()
	if err := w.seen.Add(name, struct{}{}, cache.DefaultExpiration); err != nil {
		clog.V(common.VERBOSE).Infof(w.ctx, "Duplicate event ignored file=%s", name)
		return
	}
	w.enqueue(NewFile, ev.Name)
}

func (w *FileWatcher) enqueue(kind EventKind, path string) {
	ctx := clog.AddSegment(clog.Clone(context.Background(), w.ctx), filepath.Base(path))
	w.queue.Enqueue(ctx, "ready", func(ctx context.Context) error {
		if kind == FileChanged {
			w.manifestQ.Store(false)
		}
		if err := w.waitStable(path); err != nil {
			return err
		}
		select {
		case <-w.abort:
			return nil
		default:
		}
		cb := w.onNewFile
		if kind == FileChanged {
			cb = w.onFileChanged
		}
		if cb != nil {
			cb(ctx, path)
		}
		select {
		case w.events <- Event{Kind: kind, Path: path}:
		default:
		}
		return nil
	})
}

// waitStable polls the file until IsStable holds for its samples.
func (w *FileWatcher) waitStable(path string) error {
	sizes := make([]int64, 0, w.opts.StablePolls)
	mtimes := make([]time.Time, 0, w.opts.StablePolls)
	for i := 0; i < w.opts.StablePolls; i++ {
		if i > 0 {
			select {
			case <-w.abort:
				return nil
			case <-time.After(w.opts.StablePollInterval):
			}
		}
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		sizes = append(sizes, fi.Size())
		mtimes = append(mtimes, fi.ModTime())
		if IsStable(sizes, mtimes, w.opts.StableRequired) {
			return nil
		}
	}
	return lperrors.Withf(lperrors.ErrFileNotStable, "file=%s polls=%d", filepath.Base(path), w.opts.StablePolls)
}

// IsStable reports whether the last required samples each repeat the size
// and modification time of the sample before them, with a non-empty file.
func IsStable(sizes []int64, mtimes []time.Time, required int) bool {
	n := len(sizes)
	if n != len(mtimes) || n < required+1 || sizes[n-1] <= 0 {
		return false
	}
	for i := n - required; i < n; i++ {
		if sizes[i] != sizes[i-1] || !mtimes[i].Equal(mtimes[i-1]) {
			return false
		}
	}
	return true
}

// Close stops watching and lets queued events finish their readiness check
// and callbacks. When ctx ends first, the remaining events are dropped.
func (w *FileWatcher) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		prev := w.State()
		defer w.state.Store(int32(StateClosed))
		fail := func(err error) {
			close(w.stop)
			close(w.abort)
			w.closeErr = err
		}
		if err := w.queue.WaitIdle(ctx); err != nil {
			fail(err)
			return
		}
		close(w.stop)
		if w.started.Load() {
			select {
			case <-w.done:
			case <-ctx.Done():
				close(w.abort)
				w.closeErr = ctx.Err()
				return
			}
		}
		if err := w.queue.Close(ctx); err != nil {
			close(w.abort)
			w.closeErr = err
			return
		}
		close(w.events)
		clog.Infof(w.ctx, "Stopped watching dir=%s state=%s", w.dir, prev)
	})
	return w.closeErr
}
