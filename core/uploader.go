package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/livepeer/swarm-ingest/clog"
	"github.com/livepeer/swarm-ingest/common"
	lperrors "github.com/livepeer/swarm-ingest/errors"
	"github.com/livepeer/swarm-ingest/monitor"
	"github.com/livepeer/swarm-ingest/swarm"
)

const DefaultSegmentConcurrency = 10

type UploaderConfig struct {
	Client       swarm.Client
	Stamp        string
	StreamSigner *swarm.Signer
	// GSOCSigner owns the public channel named GSOCTopic.
	GSOCSigner *swarm.Signer
	GSOCTopic  string

	SegmentConcurrency int
	Retries            int
	RetryDelay         time.Duration
	Playlist           PlaylistOptions
	Reporter           monitor.Reporter
}

// UploaderInfo is a snapshot of one session's publishing progress.
type UploaderInfo struct {
	FeedOwner      string  `json:"feedOwner"`
	FeedTopic      string  `json:"feedTopic"`
	FeedIndex      uint64  `json:"feedIndex"`
	SegmentsStored int     `json:"segmentsStored"`
	SegmentsFailed int     `json:"segmentsFailed"`
	Pending        int     `json:"pending"`
	VODEntries     int     `json:"vodEntries"`
	StartSent      bool    `json:"startSent"`
	TargetDuration float64 `json:"targetDuration,omitempty"`
}

// PublishingUploader publishes one session: segment bytes through the
// segment queue, playlist snapshots to the session feed through the
// serialized manifest queue, and start and stop announcements on the channel.
type PublishingUploader struct {
	cfg        UploaderConfig
	dir        string
	streamPath string
	mediaType  MediaType
	pm         *PlaylistManager
	segments   *TaskQueue
	manifests  *TaskQueue

	rawTopic string
	topic    swarm.Topic
	title    string

	mu             sync.Mutex
	feedIndex      uint64
	published      bool
	segmentStored  bool
	startSent      bool
	segmentsStored int
	segmentsFailed int
}

func NewPublishingUploader(dir, streamPath string, mediaType MediaType, cfg UploaderConfig) (*PublishingUploader, error) {
	if cfg.Client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.StreamSigner == nil || cfg.GSOCSigner == nil {
		return nil, errors.New("stream and channel signers are required")
	}
	if cfg.SegmentConcurrency <= 0 {
		cfg.SegmentConcurrency = DefaultSegmentConcurrency
	}
	if cfg.Retries < 0 {
		cfg.Retries = common.DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = common.DefaultRetryDelay
	}
	if cfg.Reporter == nil {
		cfg.Reporter = monitor.LogReporter{}
	}
	rawTopic := uuid.New().String()
	return &PublishingUploader{
		cfg:        cfg,
		dir:        dir,
		streamPath: streamPath,
		mediaType:  mediaType,
		pm:         NewPlaylistManager(dir, cfg.Playlist, cfg.Reporter),
		segments:   NewTaskQueue("segments", cfg.SegmentConcurrency, cfg.Reporter),
		manifests:  NewTaskQueue("manifests", 1, cfg.Reporter),
		rawTopic:   rawTopic,
		topic:      swarm.TopicFromString(rawTopic),
		title:      sessionTitle(time.Now()),
	}, nil
}

func (u *PublishingUploader) Playlists() *PlaylistManager {
	return u.pm
}

// Topic is the raw feed topic subscribers hash to find the feed.
func (u *PublishingUploader) Topic() string {
	return u.rawTopic
}

func (u *PublishingUploader) Title() string {
	return u.title
}

func (u *PublishingUploader) retry(ctx context.Context, desc string, op func() error) common.RetryResult {
	return common.Retry(ctx, desc, u.cfg.Retries, u.cfg.RetryDelay, op)
}

func (u *PublishingUploader) message(state BroadcastState) BroadcastMessage {
	return BroadcastMessage{
		Owner:     u.cfg.StreamSigner.OwnerHex(),
		Topic:     u.rawTopic,
		State:     state,
		MediaType: u.mediaType,
		Title:     u.title,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (u *PublishingUploader) sendBroadcast(ctx context.Context, msg BroadcastMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	res := u.retry(ctx, "broadcast "+string(msg.State), func() error {
		_, err := u.cfg.Client.SendBroadcast(ctx, u.cfg.Stamp, u.cfg.GSOCSigner, u.cfg.GSOCTopic, payload)
		return err
	})
	if !res.OK() {
		monitor.BroadcastFailed(string(msg.State))
		return errors.Wrapf(res.Err, "broadcast state=%s attempts=%d", msg.State, res.Attempts)
	}
	monitor.BroadcastSent(string(msg.State))
	event := monitor.EventStreamLive
	if msg.State == BroadcastVOD {
		event = monitor.EventStreamVOD
	}
	monitor.SendQueueEventAsync(event, msg)
	clog.Infof(ctx, "Broadcast sent state=%s channel=%s topic=%s", msg.State, u.cfg.GSOCTopic, u.rawTopic)
	return nil
}

// BroadcastStart announces the live stream.
func (u *PublishingUploader) BroadcastStart(ctx context.Context) error {
	return u.sendBroadcast(ctx, u.message(BroadcastLive))
}

// OnSegmentUpdate handles a new segment file. The segment is added to the
// playlist buffer before its upload is queued so that playlist order follows
// detection order.
func (u *PublishingUploader) OnSegmentUpdate(ctx context.Context, path string) error {
	name := filepath.Base(path)
	ctx = clog.AddSegment(clog.Clone(context.Background(), ctx), name)
	data, err := os.ReadFile(path)
	if err != nil {
		u.pm.MarkFailed(path)
		monitor.SegmentUploadFailed(monitor.SegmentUploadErrorRead)
		err = errors.Wrapf(err, "read segment %s", name)
		u.cfg.Reporter.Report(ctx, err, "PublishingUploader.onSegmentUpdate")
		return err
	}
	addr, err := u.cfg.Client.ComputeAddress(data)
	if err != nil {
		u.pm.MarkFailed(path)
		monitor.SegmentUploadFailed(monitor.SegmentUploadErrorAddress)
		err = errors.Wrapf(err, "address segment %s", name)
		u.cfg.Reporter.Report(ctx, err, "PublishingUploader.computeAddress")
		return err
	}
	u.pm.AddToSegmentBuffer(path, addr)
	clog.V(common.DEBUG).Infof(ctx, "Segment queued address=%s size=%s", addr, humanize.Bytes(uint64(len(data))))

	if err := u.segments.Enqueue(ctx, "uploadSegment", func(ctx context.Context) error {
		return u.uploadSegment(ctx, path, addr, data)
	}); err != nil {
		u.pm.MarkFailed(path)
		return err
	}
	return nil
}

func (u *PublishingUploader) uploadSegment(ctx context.Context, path string, addr swarm.Reference, data []byte) error {
	start := time.Now()
	var ref swarm.Reference
	res := u.retry(ctx, "segment upload", func() error {
		var err error
		ref, err = u.cfg.Client.UploadBytes(ctx, u.cfg.Stamp, data)
		return err
	})
	if !res.OK() {
		u.pm.MarkFailed(path)
		u.mu.Lock()
		u.segmentsFailed++
		u.mu.Unlock()
		monitor.SegmentUploadFailed(monitor.SegmentUploadErrorStorage)
		// let entries queued behind the failed one through
		u.publishLive(ctx)
		return errors.Wrapf(res.Err, "upload segment attempts=%d exhausted=%t", res.Attempts, res.Exhausted)
	}
	took := time.Since(start)
	if ref != addr {
		clog.Warningf(ctx, "Storage returned a different address computed=%s stored=%s", addr, ref)
	}
	u.pm.MarkStored(path)
	u.mu.Lock()
	u.segmentStored = true
	u.segmentsStored++
	u.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		clog.Warningf(ctx, "Could not delete uploaded segment err=%q", err)
	}
	monitor.SegmentUploaded(len(data), took)
	duration, _ := u.pm.SegmentEntry(path)
	d, _ := strconv.ParseFloat(duration, 64)
	monitor.SendQueueEventAsync(monitor.EventSegmentStored, monitor.SegmentEventData{
		StreamPath: u.streamPath,
		Segment:    filepath.Base(path),
		Address:    addr.Hex(),
		Size:       len(data),
		UploadMs:   took.Milliseconds(),
		Duration:   d,
	})
	clog.V(common.VERBOSE).Infof(ctx, "Segment stored address=%s size=%s took=%s", addr, humanize.Bytes(uint64(len(data))), took)
	u.publishLive(ctx)
	return nil
}

// OnManifestUpdate reloads the transcoder manifest, rebuilds both playlists
// and publishes the live playlist when it changed.
func (u *PublishingUploader) OnManifestUpdate(ctx context.Context) error {
	if err := u.pm.SetOriginalManifest(ctx); err != nil {
		err = errors.Wrap(err, "read original manifest")
		u.cfg.Reporter.Report(ctx, err, "PublishingUploader.onManifestUpdate")
		return err
	}
	u.publishLive(ctx)
	return nil
}

func (u *PublishingUploader) publishLive(ctx context.Context) {
	n, err := u.pm.BuildPlaylists(ctx)
	if err != nil {
		u.cfg.Reporter.Report(ctx, err, "PlaylistManager.buildPlaylists")
	}
	if n > 0 {
		u.uploadManifest(ctx, LiveManifestName)
	}
}

// uploadManifest assigns the next feed index to the current content of the
// named playlist and queues its publication. The index is used up even if
// the publication fails. Publications are queued in index order.
func (u *PublishingUploader) uploadManifest(ctx context.Context, name string) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	idx := u.feedIndex
	u.feedIndex++
	u.published = true
	data, err := u.pm.ReadManifest(name)

	ctx = clog.AddFeedIndex(clog.Clone(context.Background(), ctx), idx)
	playlist := "live"
	if name == VODManifestName {
		playlist = "vod"
	}
	if err != nil {
		monitor.ManifestPublishFailed(playlist)
		u.cfg.Reporter.Report(ctx, errors.Wrapf(err, "read %s", name), "PublishingUploader.uploadManifest")
		return idx
	}
	u.manifests.Enqueue(ctx, "uploadManifest", func(ctx context.Context) error {
		var ref swarm.Reference
		res := u.retry(ctx, "feed publish", func() error {
			var err error
			ref, err = u.cfg.Client.PublishFeedEntry(ctx, u.cfg.Stamp, u.topic, u.cfg.StreamSigner, idx, data)
			return err
		})
		if !res.OK() {
			monitor.ManifestPublishFailed(playlist)
			return errors.Wrapf(res.Err, "publish %s playlist attempts=%d", playlist, res.Attempts)
		}
		monitor.ManifestPublished(playlist)
		monitor.SendQueueEventAsync(monitor.EventManifestPublished, monitor.ManifestEventData{
			StreamPath: u.streamPath,
			Playlist:   playlist,
			Address:    ref.Hex(),
			FeedIndex:  idx,
		})
		clog.V(common.VERBOSE).Infof(ctx, "Playlist published playlist=%s address=%s size=%s", playlist, ref, humanize.Bytes(uint64(len(data))))

		u.mu.Lock()
		announce := u.segmentStored && !u.startSent
		if announce {
			u.startSent = true
		}
		u.mu.Unlock()
		if announce {
			return u.BroadcastStart(ctx)
		}
		return nil
	})
	return idx
}

// WaitForStreamDrain waits for local segments and buffered entries to be
// published, forcing playlist rebuilds meanwhile.
func (u *PublishingUploader) WaitForStreamDrain(ctx context.Context) bool {
	return u.pm.WaitForDrain(ctx, func(ctx context.Context) {
		u.OnManifestUpdate(ctx)
	})
}

// BroadcastStop finalizes the VOD playlist, publishes it and announces the
// stream end. A session that never produced a valid VOD playlist ends
// silently.
func (u *PublishingUploader) BroadcastStop(ctx context.Context) error {
	if err := u.segments.WaitIdle(ctx); err != nil {
		return err
	}
	// pick up segments stored since the last manifest change
	u.OnManifestUpdate(ctx)
	if !u.pm.IsFinalVODManifestValid() {
		u.cfg.Reporter.Report(ctx, lperrors.Withf(lperrors.ErrInvalidVODManifest, "dir=%s", u.dir), "PublishingUploader.broadcastStop")
		return nil
	}
	if err := u.pm.CloseVODManifest(ctx); err != nil {
		return errors.Wrap(err, "close VOD playlist")
	}
	idx := u.uploadManifest(ctx, VODManifestName)
	if err := u.manifests.WaitIdle(ctx); err != nil {
		return err
	}
	duration, err := u.pm.TotalDuration()
	if err != nil {
		return errors.Wrap(err, "VOD duration")
	}
	msg := u.message(BroadcastVOD)
	msg.Index = &idx
	msg.Duration = &duration
	return u.sendBroadcast(ctx, msg)
}

// Close waits for queued uploads to finish and rejects new ones.
func (u *PublishingUploader) Close(ctx context.Context) error {
	if err := u.segments.Close(ctx); err != nil {
		return err
	}
	return u.manifests.Close(ctx)
}

func (u *PublishingUploader) Info() UploaderInfo {
	target, _ := u.pm.SourceInfo()
	u.mu.Lock()
	defer u.mu.Unlock()
	var idx uint64
	if u.published {
		idx = u.feedIndex - 1
	}
	return UploaderInfo{
		FeedOwner:      u.cfg.StreamSigner.OwnerHex(),
		FeedTopic:      u.rawTopic,
		FeedIndex:      idx,
		SegmentsStored: u.segmentsStored,
		SegmentsFailed: u.segmentsFailed,
		Pending:        u.pm.PendingLen(),
		VODEntries:     u.pm.VODEntries(),
		StartSent:      u.startSent,
		TargetDuration: target,
	}
}

func (u *PublishingUploader) String() string {
	return fmt.Sprintf("uploader(%s topic=%s)", u.streamPath, u.rawTopic)
}
