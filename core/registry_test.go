package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lperrors "github.com/livepeer/swarm-ingest/errors"
	"github.com/livepeer/swarm-ingest/monitor"
	"github.com/livepeer/swarm-ingest/swarm"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeWatcher struct {
	dir           string
	onNewFile     FileCallback
	onFileChanged FileCallback
	log           *eventLog

	mu      sync.Mutex
	started bool
	closed  bool
}

func (w *fakeWatcher) Start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	w.log.add("watcherStart")
}

func (w *fakeWatcher) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.log.add("watcherClose")
	return nil
}

type registryFixture struct {
	root     string
	client   *swarm.MemoryClient
	reporter *monitor.RecordingReporter
	log      *eventLog
	reg      *SessionRegistry

	mu       sync.Mutex
	watchers map[string]*fakeWatcher
}

func newRegistryFixture(t *testing.T) *registryFixture {
	stream, err := swarm.GenerateSigner()
	require.NoError(t, err)
	gsoc, err := swarm.GenerateSigner()
	require.NoError(t, err)
	f := &registryFixture{
		root:     t.TempDir(),
		client:   swarm.NewMemoryClient(),
		reporter: &monitor.RecordingReporter{},
		log:      &eventLog{},
		watchers: make(map[string]*fakeWatcher),
	}
	f.client.Fail = func(op swarm.Op, data []byte) error {
		if op == swarm.OpBroadcast {
			f.log.add("broadcast")
		}
		return nil
	}
	f.reg = NewSessionRegistry(RegistryConfig{
		Uploader: UploaderConfig{
			Client:       f.client,
			Stamp:        "stamp",
			StreamSigner: stream,
			GSOCSigner:   gsoc,
			GSOCTopic:    testChannel,
			Retries:      0,
			RetryDelay:   time.Millisecond,
			Playlist: PlaylistOptions{
				BaseURL:           testBaseURL,
				DrainPollInterval: 5 * time.Millisecond,
				DrainTimeout:      50 * time.Millisecond,
			},
		},
		NewWatcher: func(ctx context.Context, dir string, onNewFile, onFileChanged FileCallback) Watcher {
			w := &fakeWatcher{dir: dir, onNewFile: onNewFile, onFileChanged: onFileChanged, log: f.log}
			f.mu.Lock()
			f.watchers[dir] = w
			f.mu.Unlock()
			return w
		},
		Reporter:       f.reporter,
		DeleteAttempts: 3,
		DeletePause:    time.Millisecond,
	})
	return f
}

func (f *registryFixture) watcher(dir string) *fakeWatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchers[dir]
}

func (f *registryFixture) start(t *testing.T, streamPath string) string {
	dir := filepath.Join(f.root, streamPath)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, f.reg.Acquire(f.root, streamPath))
	require.NoError(t, f.reg.Start(context.Background(), f.root, streamPath).Wait(waitCtx(t)))
	return dir
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRegistryAcquire(t *testing.T) {
	f := newRegistryFixture(t)
	require.NoError(t, f.reg.Acquire(f.root, "/video/a"))
	err := f.reg.Acquire(f.root, "video/a/")
	assert.True(t, lperrors.Is(err, lperrors.ErrDirectoryInUse))
	assert.True(t, f.reg.IsActive(f.root, "/video/a"))

	require.NoError(t, f.reg.Acquire(f.root, "/video/b"))
	f.reg.Release(f.root, "/video/a")
	assert.False(t, f.reg.IsActive(f.root, "/video/a"))
	assert.NoError(t, f.reg.Acquire(f.root, "/video/a"))
}

func TestRegistryConcurrentAcquire(t *testing.T) {
	f := newRegistryFixture(t)
	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		inUse   int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := f.reg.Acquire(f.root, "/video/same")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case lperrors.Is(err, lperrors.ErrDirectoryInUse):
				inUse++
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, 1, granted)
	assert.Equal(t, n-1, inUse)
	assert.True(t, f.reg.IsActive(f.root, "/video/same"))
}

func TestRegistryInvalidStreamPath(t *testing.T) {
	f := newRegistryFixture(t)
	for _, sp := range []string{"/video", "/text/a", "", "/video/../../etc"} {
		p := f.reg.Start(context.Background(), f.root, sp)
		select {
		case <-p.Done():
		default:
			t.Fatalf("start of %q was queued", sp)
		}
		err := p.Wait(context.Background())
		assert.True(t, lperrors.Is(err, lperrors.ErrInvalidStreamPath), "path %q err %v", sp, err)
	}
	assert.Empty(t, f.reg.Sessions())
}

func TestRegistryStartTwice(t *testing.T) {
	f := newRegistryFixture(t)
	f.start(t, "/audio/a")
	err := f.reg.Start(context.Background(), f.root, "/audio/a").Wait(waitCtx(t))
	assert.True(t, lperrors.Is(err, lperrors.ErrDirectoryInUse))
	assert.Len(t, f.reg.Sessions(), 1)
	require.NoError(t, f.reg.Shutdown(waitCtx(t)))
}

func TestRegistryStopUnknown(t *testing.T) {
	f := newRegistryFixture(t)
	err := f.reg.Stop(context.Background(), f.root, "/video/none").Wait(waitCtx(t))
	assert.True(t, lperrors.Is(err, lperrors.ErrSessionNotFound))
	assert.Equal(t, 1, f.reporter.Count("SessionRegistry.stop"))
}

func TestRegistrySessionLifecycle(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	dir := f.start(t, "/video/live1")
	w := f.watcher(dir)
	require.NotNil(t, w)
	assert.True(t, w.started)

	sessions := f.reg.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, SessionActive, sessions[0].State)
	assert.Equal(t, MediaTypeVideo, sessions[0].MediaType)
	assert.Equal(t, "/video/live1", sessions[0].StreamPath)
	assert.NotEmpty(t, sessions[0].FeedTopic)

	writeOriginal(t, dir, 0, indexSegs(2)...)
	w.onFileChanged(ctx, filepath.Join(dir, OriginalManifestName))
	for i := 0; i < 2; i++ {
		p := filepath.Join(dir, fmt.Sprintf("index%d.ts", i))
		require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf("data %d", i)), 0644))
		w.onNewFile(ctx, p)
	}

	require.NoError(t, f.reg.Stop(ctx, f.root, "/video/live1").Wait(waitCtx(t)))
	assert.True(t, w.closed)
	assert.NoDirExists(t, dir)
	assert.False(t, f.reg.IsActive(f.root, "/video/live1"))
	assert.Empty(t, f.reg.Sessions())

	msgs := f.client.Broadcasts(testChannel)
	require.Len(t, msgs, 2)
	last, err := DecodeBroadcast(msgs[1])
	require.NoError(t, err)
	assert.Equal(t, BroadcastVOD, last.State)
	assert.Equal(t, 10.0, *last.Duration)

	// the watcher stops before the final announcement
	events := f.log.list()
	require.Len(t, events, 4)
	assert.Equal(t, "watcherStart", events[0])
	assert.Equal(t, "broadcast", events[3])
	assert.Contains(t, events[1:3], "watcherClose")
	assert.Zero(t, f.reporter.Count(""))

	// the directory can be reused once released
	assert.NoError(t, f.reg.Acquire(f.root, "/video/live1"))
}

type panickyWatcher struct{}

func (panickyWatcher) Start() {}

func (panickyWatcher) Close(ctx context.Context) error {
	panic("close failed")
}

func TestRegistryStartPanicReleasesDirectory(t *testing.T) {
	f := newRegistryFixture(t)
	f.reg.cfg.NewWatcher = func(ctx context.Context, dir string, onNewFile, onFileChanged FileCallback) Watcher {
		panic("no watcher")
	}
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "video", "p"), 0755))
	require.NoError(t, f.reg.Acquire(f.root, "/video/p"))

	err := f.reg.Start(context.Background(), f.root, "/video/p").Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no watcher")
	assert.False(t, f.reg.IsActive(f.root, "/video/p"))
	assert.Empty(t, f.reg.Sessions())
	assert.Equal(t, 1, f.reporter.Count("SessionRegistry.start"))
	assert.NoError(t, f.reg.Acquire(f.root, "/video/p"))
}

func TestRegistryStopPanicReleasesDirectory(t *testing.T) {
	f := newRegistryFixture(t)
	f.reg.cfg.NewWatcher = func(ctx context.Context, dir string, onNewFile, onFileChanged FileCallback) Watcher {
		return panickyWatcher{}
	}
	f.start(t, "/audio/p")

	err := f.reg.Stop(context.Background(), f.root, "/audio/p").Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.False(t, f.reg.IsActive(f.root, "/audio/p"))
	assert.Empty(t, f.reg.Sessions())
	assert.Equal(t, 1, f.reporter.Count("SessionRegistry.stop"))
	assert.NoError(t, f.reg.Acquire(f.root, "/audio/p"))
}

func TestRegistryStopWithStuckDrain(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	dir := f.start(t, "/audio/stuck")
	// a segment the watcher never reported
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index4.aac"), []byte("x"), 0644))

	require.NoError(t, f.reg.Stop(ctx, f.root, "/audio/stuck").Wait(waitCtx(t)))
	errs := f.reporter.Errors()
	var stuck bool
	for _, e := range errs {
		if e.Where == "SessionRegistry.stop" && lperrors.Is(e.Err, lperrors.ErrDrainStuck) {
			stuck = true
		}
	}
	assert.True(t, stuck)
	assert.NoDirExists(t, dir)
	assert.Empty(t, f.client.Broadcasts(testChannel))
	assert.False(t, f.reg.IsActive(f.root, "/audio/stuck"))
}

func TestRegistryShutdown(t *testing.T) {
	f := newRegistryFixture(t)
	a := f.start(t, "/video/a")
	b := f.start(t, "/audio/b")
	assert.Len(t, f.reg.Sessions(), 2)

	require.NoError(t, f.reg.Shutdown(waitCtx(t)))
	assert.Empty(t, f.reg.Sessions())
	assert.NoDirExists(t, a)
	assert.NoDirExists(t, b)

	err := f.reg.Acquire(f.root, "/video/a")
	assert.NoError(t, err)
	// the queue is closed; the start is rejected and reported
	err = f.reg.Start(context.Background(), f.root, "/video/a").Wait(waitCtx(t))
	assert.True(t, lperrors.Is(err, lperrors.ErrQueueClosed))
	assert.Equal(t, 1, f.reporter.Count("SessionRegistry.start"))
}
