package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/m3u8"

	"github.com/livepeer/swarm-ingest/clog"
	"github.com/livepeer/swarm-ingest/common"
	lperrors "github.com/livepeer/swarm-ingest/errors"
	"github.com/livepeer/swarm-ingest/monitor"
	"github.com/livepeer/swarm-ingest/swarm"
)

const (
	OriginalManifestName = "index.m3u8"
	LiveManifestName     = "playlist-live.m3u8"
	VODManifestName      = "playlist-vod.m3u8"

	DefaultLiveWindow = 10

	DefaultDrainPollInterval = 2 * time.Second
	DefaultDrainTimeout      = 5 * time.Minute
)

var (
	extinfRe      = regexp.MustCompile(`^#EXTINF:([\d.]+),?`)
	segmentFileRe = regexp.MustCompile(`^index(\d+)\.(ts|aac|m4s)$`)
)

type UploadState int

const (
	UploadInFlight UploadState = iota
	UploadStored
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case UploadStored:
		return "stored"
	case UploadFailed:
		return "failed"
	}
	return "uploading"
}

type pendingSegment struct {
	name    string
	address swarm.Reference
	state   UploadState
}

type PlaylistOptions struct {
	// BaseURL prefixes every segment address written to the playlists.
	BaseURL           string
	Window            int
	DrainPollInterval time.Duration
	DrainTimeout      time.Duration
}

// PlaylistManager rewrites the transcoder's manifest of one session into a
// sliding window live playlist and an append only VOD playlist referencing
// storage addresses. Safe for concurrent use.
type PlaylistManager struct {
	dir      string
	opts     PlaylistOptions
	reporter monitor.Reporter

	mu            sync.Mutex
	original      []string
	header        []string
	mediaSequence uint64
	pending       []*pendingSegment
	window        []string
	vodEntries    int
	closed        bool
	// segments whose upload failed for good stay on disk
	failed map[string]bool

	targetDuration float64
	sourceSeq      uint64
}

func NewPlaylistManager(dir string, opts PlaylistOptions, reporter monitor.Reporter) *PlaylistManager {
	if opts.Window <= 0 {
		opts.Window = DefaultLiveWindow
	}
	if opts.DrainPollInterval <= 0 {
		opts.DrainPollInterval = DefaultDrainPollInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	if reporter == nil {
		reporter = monitor.LogReporter{}
	}
	return &PlaylistManager{
		dir:      dir,
		opts:     opts,
		reporter: reporter,
		failed:   make(map[string]bool),
	}
}

func (pm *PlaylistManager) path(name string) string {
	return filepath.Join(pm.dir, name)
}

// SetOriginalManifest reloads the transcoder manifest. A missing file is not
// an error.
func (pm *PlaylistManager) SetOriginalManifest(ctx context.Context) error {
	b, err := os.ReadFile(pm.path(OriginalManifestName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	var target float64
	var seq uint64
	pl, listType, derr := m3u8.DecodeFrom(bytes.NewReader(b), false)
	if derr != nil {
		clog.V(common.DEBUG).Infof(ctx, "Could not decode original manifest err=%q", derr)
	} else if listType == m3u8.MEDIA {
		if mpl, ok := pl.(*m3u8.MediaPlaylist); ok {
			target, seq = mpl.TargetDuration, mpl.SeqNo
		}
	}

	pm.mu.Lock()
	pm.original = lines
	if derr == nil {
		pm.targetDuration, pm.sourceSeq = target, seq
	}
	pm.mu.Unlock()
	return nil
}

// SourceInfo returns the target duration and media sequence last seen in the
// transcoder manifest.
func (pm *PlaylistManager) SourceInfo() (float64, uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.targetDuration, pm.sourceSeq
}

func (pm *PlaylistManager) extractHeader() {
	if len(pm.header) > 0 {
		return
	}
	var header []string
	for _, line := range pm.original {
		if strings.HasPrefix(line, "#EXTINF") {
			break
		}
		if strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE") {
			continue
		}
		header = append(header, line)
	}
	pm.header = header
}

// SegmentEntry returns the duration string the transcoder wrote for the
// segment file name.
func (pm *PlaylistManager) SegmentEntry(name string) (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.segmentDuration(name)
}

func (pm *PlaylistManager) segmentDuration(name string) (string, error) {
	name = filepath.Base(name)
	for i := 1; i < len(pm.original); i++ {
		if pm.original[i] != name {
			continue
		}
		if m := extinfRe.FindStringSubmatch(pm.original[i-1]); m != nil {
			return m[1], nil
		}
	}
	return "", lperrors.Withf(lperrors.ErrDurationNotFound, "segment=%s", name)
}

func (pm *PlaylistManager) entry(duration string, addr swarm.Reference) string {
	return fmt.Sprintf("#EXTINF:%s,\n%s/%s", duration, pm.opts.BaseURL, addr.Hex())
}

// AddToSegmentBuffer queues a detected segment for the playlists. Entries
// are published in the order they are added, once their upload is stored.
func (pm *PlaylistManager) AddToSegmentBuffer(path string, addr swarm.Reference) {
	pm.mu.Lock()
	pm.pending = append(pm.pending, &pendingSegment{name: filepath.Base(path), address: addr})
	pm.mu.Unlock()
}

func (pm *PlaylistManager) MarkStored(path string) {
	pm.setState(path, UploadStored)
}

// MarkFailed records that the segment will never be stored. Its file is
// left on disk and ignored by drain detection.
func (pm *PlaylistManager) MarkFailed(path string) {
	pm.setState(path, UploadFailed)
}

func (pm *PlaylistManager) setState(path string, state UploadState) {
	name := filepath.Base(path)
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if state == UploadFailed {
		pm.failed[name] = true
	}
	for _, p := range pm.pending {
		if p.name == name && p.state == UploadInFlight {
			p.state = state
			return
		}
	}
}

func (pm *PlaylistManager) PendingLen() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.pending)
}

// WindowLen is the number of entries in the live playlist.
func (pm *PlaylistManager) WindowLen() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.window)
}

func (pm *PlaylistManager) MediaSequence() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.mediaSequence
}

func (pm *PlaylistManager) VODEntries() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.vodEntries
}

// BuildPlaylists moves stored segments from the head of the buffer into both
// playlists and returns how many were added. It stops at the first segment
// still uploading so that entry order matches detection order.
func (pm *PlaylistManager) BuildPlaylists(ctx context.Context) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed || len(pm.original) == 0 {
		return 0, nil
	}
	pm.extractHeader()

	consumed := 0
	var err error
loop:
	for len(pm.pending) > 0 {
		head := pm.pending[0]
		switch head.state {
		case UploadInFlight:
			break loop
		case UploadFailed:
			pm.pending = pm.pending[1:]
			pm.reporter.Report(clog.AddSegment(clog.Clone(context.Background(), ctx), head.name),
				fmt.Errorf("segment %s upload failed, left out of playlists", head.name), "PlaylistManager.buildPlaylists")
			continue
		}
		duration, derr := pm.segmentDuration(head.name)
		if derr != nil {
			if !pm.laterResolves() {
				break loop
			}
			pm.pending = pm.pending[1:]
			pm.reporter.Report(clog.AddSegment(clog.Clone(context.Background(), ctx), head.name), derr, "PlaylistManager.getSegmentEntry")
			continue
		}
		entry := pm.entry(duration, head.address)
		if err = pm.buildVODManifest(entry); err != nil {
			break loop
		}
		pm.pending = pm.pending[1:]
		pm.pushWindow(entry)
		consumed++
	}
	if consumed > 0 {
		if lerr := pm.buildLiveManifest(); lerr != nil && err == nil {
			err = lerr
		}
		clog.V(common.VERBOSE).Infof(ctx, "Playlists built added=%d pending=%d window=%d mediaSequence=%d", consumed, len(pm.pending), len(pm.window), pm.mediaSequence)
	}
	return consumed, err
}

// laterResolves reports whether any segment behind the head already has a
// duration in the original manifest, meaning the head never will.
func (pm *PlaylistManager) laterResolves() bool {
	for _, p := range pm.pending[1:] {
		if _, err := pm.segmentDuration(p.name); err == nil {
			return true
		}
	}
	return false
}

func (pm *PlaylistManager) pushWindow(entry string) {
	pm.window = append(pm.window, entry)
	for len(pm.window) > pm.opts.Window {
		pm.window[0] = ""
		pm.window = pm.window[1:]
		pm.mediaSequence++
	}
}

func (pm *PlaylistManager) buildVODManifest(entry string) error {
	p := pm.path(VODManifestName)
	if !common.FileExists(p) {
		hdr := append(append([]string{}, pm.header...), "#EXT-X-PLAYLIST-TYPE:VOD", "#EXT-X-MEDIA-SEQUENCE:0")
		if err := os.WriteFile(p, []byte(strings.Join(hdr, "\n")+"\n"), 0644); err != nil {
			return err
		}
	}
	if err := appendFile(p, entry+"\n"); err != nil {
		return err
	}
	pm.vodEntries++
	return nil
}

func (pm *PlaylistManager) buildLiveManifest() error {
	hdr := append(append([]string{}, pm.header...), "#EXT-X-MEDIA-SEQUENCE:"+strconv.FormatUint(pm.mediaSequence, 10))
	content := strings.Join(hdr, "\n") + "\n" + strings.Join(pm.window, "\n") + "\n"
	return writeFileAtomic(pm.path(LiveManifestName), []byte(content))
}

// CloseVODManifest appends the end list tag. It must be called once.
func (pm *PlaylistManager) CloseVODManifest(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := appendFile(pm.path(VODManifestName), "#EXT-X-ENDLIST\n"); err != nil {
		return err
	}
	pm.closed = true
	clog.Infof(ctx, "VOD manifest closed entries=%d", pm.vodEntries)
	return nil
}

// IsFinalVODManifestValid reports whether the VOD playlist exists and every
// duration tag in it is followed by a segment URI.
func (pm *PlaylistManager) IsFinalVODManifestValid() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	b, err := os.ReadFile(pm.path(VODManifestName))
	if err != nil {
		return false
	}
	return validVOD(string(b))
}

func validVOD(content string) bool {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	found := false
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "#EXTINF:") {
			continue
		}
		found = true
		if i+1 >= len(lines) {
			return false
		}
		next := strings.TrimSpace(lines[i+1])
		if next == "" || strings.HasPrefix(next, "#") {
			return false
		}
	}
	return found
}

// TotalDuration sums the durations of the VOD playlist.
func (pm *PlaylistManager) TotalDuration() (float64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	b, err := os.ReadFile(pm.path(VODManifestName))
	if err != nil {
		return 0, err
	}
	var total float64
	for _, line := range strings.Split(string(b), "\n") {
		if m := extinfRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if d, err := strconv.ParseFloat(m[1], 64); err == nil {
				total += d
			}
		}
	}
	return total, nil
}

// ReadManifest returns the current content of a derived playlist.
func (pm *PlaylistManager) ReadManifest(name string) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return os.ReadFile(pm.path(name))
}

// remainingSegments counts local segment files still waiting for upload and
// returns the highest segment number among them.
func (pm *PlaylistManager) remainingSegments() (int, int) {
	entries, err := os.ReadDir(pm.dir)
	if err != nil {
		return 0, -1
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	count, highest := 0, -1
	for _, e := range entries {
		m := segmentFileRe.FindStringSubmatch(e.Name())
		if m == nil || pm.failed[e.Name()] {
			continue
		}
		count++
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return count, highest
}

// WaitForDrain polls until no segment file is left and the buffer is empty.
// While segments are buffered rebuild is called on every poll. It returns
// false when neither count decreased within the drain timeout.
func (pm *PlaylistManager) WaitForDrain(ctx context.Context, rebuild func(ctx context.Context)) bool {
	ticker := time.NewTicker(pm.opts.DrainPollInterval)
	defer ticker.Stop()
	lastFiles, lastPending := -1, -1
	lastProgress := time.Now()
	for {
		files, highest := pm.remainingSegments()
		pending := pm.PendingLen()
		if files == 0 && pending == 0 {
			clog.Infof(ctx, "Stream drained")
			return true
		}
		clog.V(common.DEBUG).Infof(ctx, "Waiting for drain files=%d highest=%d pending=%d", files, highest, pending)
		if pending > 0 && rebuild != nil {
			rebuild(ctx)
		}
		if lastFiles < 0 || files < lastFiles || pending < lastPending {
			lastProgress = time.Now()
		}
		lastFiles, lastPending = files, pending
		if time.Since(lastProgress) > pm.opts.DrainTimeout {
			clog.Warningf(ctx, "Stream drain stuck files=%d highest=%d pending=%d for=%s", files, highest, pending, pm.opts.DrainTimeout)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func appendFile(p, s string) error {
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeFileAtomic(p string, b []byte) error {
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		glog.Errorf("Error renaming playlist file=%s err=%q", p, err)
		return err
	}
	return nil
}
