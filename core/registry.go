package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/livepeer/swarm-ingest/clog"
	"github.com/livepeer/swarm-ingest/common"
	lperrors "github.com/livepeer/swarm-ingest/errors"
	"github.com/livepeer/swarm-ingest/monitor"
)

const (
	DefaultDeleteAttempts = 10
	DefaultDeletePause    = time.Second
)

type SessionState int

const (
	SessionAcquired SessionState = iota
	SessionActive
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionAcquired:
		return "ACQUIRED"
	case SessionActive:
		return "ACTIVE"
	case SessionDraining:
		return "DRAINING"
	}
	return "CLOSED"
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Watcher delivers file events of one session directory.
type Watcher interface {
	Start()
	Close(ctx context.Context) error
}

// FileCallback receives the path of a ready file.
type FileCallback func(ctx context.Context, path string)

type WatcherFactory func(ctx context.Context, dir string, onNewFile, onFileChanged FileCallback) Watcher

type RegistryConfig struct {
	Uploader       UploaderConfig
	NewWatcher     WatcherFactory
	Reporter       monitor.Reporter
	DeleteAttempts int
	DeletePause    time.Duration
}

type session struct {
	id         string
	root       string
	streamPath string
	fullPath   string
	mediaType  MediaType
	state      SessionState
	startedAt  time.Time
	uploader   *PublishingUploader
	watcher    Watcher
}

// SessionInfo is a read only view of a session.
type SessionInfo struct {
	ID         string       `json:"id"`
	StreamPath string       `json:"streamPath"`
	Dir        string       `json:"dir"`
	MediaType  MediaType    `json:"mediatype"`
	State      SessionState `json:"state"`
	StartedAt  time.Time    `json:"startedAt"`
	Title      string       `json:"title"`
	UploaderInfo
}

// Pending is the outcome of a queued registry operation.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// ResolvedPending returns a Pending that already finished with err.
func ResolvedPending(err error) *Pending {
	p := newPending()
	p.resolve(err)
	return p
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the operation finished and returns its error. A done ctx
// only stops the wait, not the operation.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionRegistry owns every ingest session of the process. At most one
// session exists per directory. Start and Stop run one at a time on the
// registry queue.
type SessionRegistry struct {
	cfg   RegistryConfig
	queue *TaskQueue

	mu       sync.RWMutex
	active   map[string]bool
	sessions map[string]*session
}

func NewSessionRegistry(cfg RegistryConfig) *SessionRegistry {
	if cfg.Reporter == nil {
		cfg.Reporter = monitor.LogReporter{}
	}
	if cfg.Uploader.Reporter == nil {
		cfg.Uploader.Reporter = cfg.Reporter
	}
	if cfg.DeleteAttempts <= 0 {
		cfg.DeleteAttempts = DefaultDeleteAttempts
	}
	if cfg.DeletePause <= 0 {
		cfg.DeletePause = DefaultDeletePause
	}
	return &SessionRegistry{
		cfg:      cfg,
		queue:    NewTaskQueue("SessionRegistry", 1, cfg.Reporter),
		active:   make(map[string]bool),
		sessions: make(map[string]*session),
	}
}

func fullPath(root, streamPath string) (string, error) {
	full, ok := common.JoinWithinRoot(root, streamPath)
	if !ok {
		return "", lperrors.Withf(lperrors.ErrInvalidStreamPath, "path=%q", streamPath)
	}
	return full, nil
}

// Acquire marks the session directory as in use. It fails with
// ErrDirectoryInUse when another session holds it.
func (r *SessionRegistry) Acquire(root, streamPath string) error {
	full, err := fullPath(root, streamPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[full] {
		return lperrors.Withf(lperrors.ErrDirectoryInUse, "dir=%s", full)
	}
	r.active[full] = true
	return nil
}

func (r *SessionRegistry) Release(root, streamPath string) {
	full, err := fullPath(root, streamPath)
	if err != nil {
		return
	}
	r.release(full)
}

func (r *SessionRegistry) release(full string) {
	r.mu.Lock()
	delete(r.active, full)
	r.mu.Unlock()
}

// Start creates the uploader and watcher of an acquired directory and starts
// watching it. Invalid stream paths fail right away.
func (r *SessionRegistry) Start(ctx context.Context, root, streamPath string) *Pending {
	mt, err := MediaTypeFromPath(streamPath)
	if err != nil {
		return ResolvedPending(err)
	}
	full, err := fullPath(root, streamPath)
	if err != nil {
		return ResolvedPending(err)
	}
	p := newPending()
	if err := r.queue.Enqueue(ctx, "start", func(ctx context.Context) (err error) {
		defer r.settle(ctx, full, p, &err)
		return r.start(ctx, root, streamPath, full, mt)
	}); err != nil {
		p.resolve(err)
	}
	return p
}

// settle resolves p with the outcome of a start or stop task. A panicking
// task becomes an error and its session is dropped so the directory can be
// acquired again.
func (r *SessionRegistry) settle(ctx context.Context, full string, p *Pending, err *error) {
	if rec := recover(); rec != nil {
		clog.Errorf(ctx, "Session task panicked dir=%s panic=%v stack=%s", full, rec, debug.Stack())
		*err = fmt.Errorf("session task panicked: %v", rec)
		r.abandon(ctx, full)
	}
	p.resolve(*err)
}

func (r *SessionRegistry) abandon(ctx context.Context, full string) {
	r.mu.Lock()
	s := r.sessions[full]
	delete(r.sessions, full)
	delete(r.active, full)
	r.mu.Unlock()
	if s == nil || s.watcher == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			clog.Errorf(ctx, "Closing abandoned watcher panicked dir=%s panic=%v", full, rec)
		}
	}()
	if err := s.watcher.Close(ctx); err != nil {
		r.cfg.Reporter.Report(ctx, err, "SessionRegistry.closeWatcher")
	}
}

func (r *SessionRegistry) start(ctx context.Context, root, streamPath, full string, mt MediaType) error {
	r.mu.RLock()
	_, exists := r.sessions[full]
	r.mu.RUnlock()
	if exists {
		return lperrors.Withf(lperrors.ErrDirectoryInUse, "dir=%s already started", full)
	}

	s := &session{
		id:         uuid.New().String(),
		root:       root,
		streamPath: streamPath,
		fullPath:   full,
		mediaType:  mt,
		state:      SessionAcquired,
		startedAt:  time.Now(),
	}
	ctx = clog.AddStreamPath(clog.Clone(context.Background(), ctx), streamPath)
	ctx = clog.AddSessionID(ctx, s.id)
	ctx = clog.AddMediaType(ctx, string(mt))

	u, err := NewPublishingUploader(full, streamPath, mt, r.cfg.Uploader)
	if err != nil {
		r.release(full)
		return errors.Wrap(err, "create uploader")
	}
	s.uploader = u
	s.watcher = r.cfg.NewWatcher(ctx, full,
		func(ctx context.Context, path string) {
			u.OnSegmentUpdate(ctx, path)
		},
		func(ctx context.Context, path string) {
			u.OnManifestUpdate(ctx)
		})
	r.mu.Lock()
	r.sessions[full] = s
	r.mu.Unlock()
	s.watcher.Start()

	r.mu.Lock()
	s.state = SessionActive
	n := len(r.sessions)
	r.mu.Unlock()

	monitor.StreamStarted()
	monitor.CurrentSessions(n)
	monitor.SendQueueEventAsync(monitor.EventStreamStarted, monitor.StreamEventData{
		StreamPath: streamPath,
		SessionID:  s.id,
		MediaType:  string(mt),
	})
	clog.Infof(ctx, "Session started dir=%s topic=%s", full, u.Topic())
	return nil
}

// Stop drains the session, finalizes and announces its VOD playlist, removes
// the directory and releases it. The returned Pending resolves once done.
func (r *SessionRegistry) Stop(ctx context.Context, root, streamPath string) *Pending {
	full, err := fullPath(root, streamPath)
	if err != nil {
		return ResolvedPending(err)
	}
	p := newPending()
	if err := r.queue.Enqueue(ctx, "stop", func(ctx context.Context) (err error) {
		defer r.settle(ctx, full, p, &err)
		return r.stop(ctx, full)
	}); err != nil {
		p.resolve(err)
	}
	return p
}

func (r *SessionRegistry) stop(ctx context.Context, full string) error {
	r.mu.Lock()
	s, ok := r.sessions[full]
	if ok {
		s.state = SessionDraining
	}
	r.mu.Unlock()
	if !ok {
		r.release(full)
		return lperrors.Withf(lperrors.ErrSessionNotFound, "dir=%s", full)
	}
	ctx = clog.AddStreamPath(clog.Clone(context.Background(), ctx), s.streamPath)
	ctx = clog.AddSessionID(ctx, s.id)
	ctx = clog.AddMediaType(ctx, string(s.mediaType))

	clog.Infof(ctx, "Stopping session dir=%s", full)
	start := time.Now()
	drained := s.uploader.WaitForStreamDrain(ctx)
	monitor.DrainFinished(time.Since(start), drained)
	if !drained {
		r.cfg.Reporter.Report(ctx, lperrors.Withf(lperrors.ErrDrainStuck, "dir=%s", full), "SessionRegistry.stop")
	}
	if err := s.watcher.Close(ctx); err != nil {
		r.cfg.Reporter.Report(ctx, err, "SessionRegistry.closeWatcher")
	}
	if err := s.uploader.BroadcastStop(ctx); err != nil {
		r.cfg.Reporter.Report(ctx, err, "SessionRegistry.broadcastStop")
	}
	if err := s.uploader.Close(ctx); err != nil {
		r.cfg.Reporter.Report(ctx, err, "SessionRegistry.closeUploader")
	}
	if err := common.RemoveAllWithRetry(ctx, full, r.cfg.DeleteAttempts, r.cfg.DeletePause); err != nil {
		r.cfg.Reporter.Report(ctx, err, "SessionRegistry.removeDir")
	}

	info := s.uploader.Info()
	r.mu.Lock()
	s.state = SessionClosed
	delete(r.sessions, full)
	delete(r.active, full)
	n := len(r.sessions)
	r.mu.Unlock()

	monitor.StreamEnded()
	monitor.CurrentSessions(n)
	monitor.SendQueueEventAsync(monitor.EventStreamStopped, monitor.StreamEventData{
		StreamPath: s.streamPath,
		SessionID:  s.id,
		MediaType:  string(s.mediaType),
	})
	clog.Infof(ctx, "Session stopped drained=%t segments=%d failed=%d feedIndex=%d took=%s", drained, info.SegmentsStored, info.SegmentsFailed, info.FeedIndex, time.Since(start))
	return nil
}

// Sessions lists the running sessions ordered by start time.
func (r *SessionRegistry) Sessions() []SessionInfo {
	r.mu.RLock()
	list := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	states := make(map[*session]SessionState, len(list))
	for _, s := range list {
		states[s] = s.state
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].startedAt.Before(list[j].startedAt) })
	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, SessionInfo{
			ID:           s.id,
			StreamPath:   s.streamPath,
			Dir:          s.fullPath,
			MediaType:    s.mediaType,
			State:        states[s],
			StartedAt:    s.startedAt,
			Title:        s.uploader.Title(),
			UploaderInfo: s.uploader.Info(),
		})
	}
	return infos
}

// IsActive reports whether the directory of streamPath is acquired.
func (r *SessionRegistry) IsActive(root, streamPath string) bool {
	full, err := fullPath(root, streamPath)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[full]
}

// Shutdown stops every session and waits for the registry queue.
func (r *SessionRegistry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	var paths []*session
	for _, s := range r.sessions {
		paths = append(paths, s)
	}
	r.mu.RUnlock()

	var pending []*Pending
	for _, s := range paths {
		pending = append(pending, r.Stop(ctx, s.root, s.streamPath))
	}
	for _, p := range pending {
		if err := p.Wait(ctx); err != nil && !lperrors.Is(err, lperrors.ErrSessionNotFound) {
			clog.Errorf(ctx, "Error stopping session during shutdown err=%q", err)
		}
	}
	return r.queue.Close(ctx)
}
