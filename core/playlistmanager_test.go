package core

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/livepeer/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	lperrors "github.com/livepeer/swarm-ingest/errors"
	"github.com/livepeer/swarm-ingest/monitor"
	"github.com/livepeer/swarm-ingest/swarm"
)

const testBaseURL = "http://bee:1633/bytes"

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Fatal(args ...any)
}

type origSeg struct {
	name     string
	duration string
}

func writeOriginal(t fataler, dir string, seq int, segs ...origSeg) {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n")
	fmt.Fprintf(&sb, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for _, s := range segs {
		fmt.Fprintf(&sb, "#EXTINF:%s,\n%s\n", s.duration, s.name)
	}
	if err := os.WriteFile(filepath.Join(dir, OriginalManifestName), []byte(sb.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

func indexSegs(n int) []origSeg {
	segs := make([]origSeg, n)
	for i := range segs {
		segs[i] = origSeg{name: fmt.Sprintf("index%d.ts", i), duration: "5.000"}
	}
	return segs
}

func addrOf(name string) swarm.Reference {
	ref, _ := swarm.FileAddress([]byte(name))
	return ref
}

func newTestPM(dir string, window int, rep monitor.Reporter) *PlaylistManager {
	return NewPlaylistManager(dir, PlaylistOptions{
		BaseURL:           testBaseURL + "/",
		Window:            window,
		DrainPollInterval: 5 * time.Millisecond,
		DrainTimeout:      50 * time.Millisecond,
	}, rep)
}

func readFile(t testing.TB, p string) string {
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}

func TestSegmentEntry(t *testing.T) {
	dir := t.TempDir()
	pm := newTestPM(dir, 0, nil)
	ctx := context.Background()

	_, err := pm.SegmentEntry("seg1.ts")
	assert.True(t, lperrors.Is(err, lperrors.ErrDurationNotFound))

	writeOriginal(t, dir, 0, origSeg{"seg0.ts", "4.004"}, origSeg{"seg1.ts", "5.5"})
	require.NoError(t, pm.SetOriginalManifest(ctx))
	d, err := pm.SegmentEntry(filepath.Join(dir, "seg1.ts"))
	require.NoError(t, err)
	assert.Equal(t, "5.5", d)

	_, err = pm.SegmentEntry("seg2.ts")
	assert.True(t, lperrors.Is(err, lperrors.ErrDurationNotFound))
	assert.Equal(t, lperrors.KindPrecondition, lperrors.KindOf(err))

	target, seq := pm.SourceInfo()
	assert.Equal(t, float64(6), target)
	assert.Equal(t, uint64(0), seq)
}

func TestSetOriginalManifestMissingFile(t *testing.T) {
	pm := newTestPM(t.TempDir(), 0, nil)
	assert.NoError(t, pm.SetOriginalManifest(context.Background()))
	n, err := pm.BuildPlaylists(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestVODEntryFormat(t *testing.T) {
	dir := t.TempDir()
	pm := newTestPM(dir, 0, nil)
	ctx := context.Background()
	writeOriginal(t, dir, 7, origSeg{"seg1.ts", "5.5"})
	require.NoError(t, pm.SetOriginalManifest(ctx))

	addr := addrOf("seg1")
	seg := filepath.Join(dir, "seg1.ts")
	pm.AddToSegmentBuffer(seg, addr)
	pm.MarkStored(seg)
	n, err := pm.BuildPlaylists(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	want := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:5.5,\n" + testBaseURL + "/" + addr.Hex() + "\n"
	assert.Equal(t, want, readFile(t, filepath.Join(dir, VODManifestName)))

	live := readFile(t, filepath.Join(dir, LiveManifestName))
	assert.Equal(t, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:5.5,\n"+testBaseURL+"/"+addr.Hex()+"\n", live)
}

func TestBuildVODManifestOnlyAppends(t *testing.T) {
	dir := t.TempDir()
	pm := newTestPM(dir, 0, nil)
	ctx := context.Background()
	existing := "#EXTM3U\n#EXT-X-CUSTOM-HEADER\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, VODManifestName), []byte(existing), 0644))
	writeOriginal(t, dir, 0, indexSegs(2)...)
	require.NoError(t, pm.SetOriginalManifest(ctx))

	for i := 0; i < 2; i++ {
		seg := filepath.Join(dir, fmt.Sprintf("index%d.ts", i))
		pm.AddToSegmentBuffer(seg, addrOf(seg))
		pm.MarkStored(seg)
		_, err := pm.BuildPlaylists(ctx)
		require.NoError(t, err)
	}
	vod := readFile(t, filepath.Join(dir, VODManifestName))
	assert.True(t, strings.HasPrefix(vod, existing))
	assert.Equal(t, 1, strings.Count(vod, "#EXTM3U"))
	assert.Equal(t, 2, strings.Count(vod, "#EXTINF:"))
	assert.Equal(t, 2, pm.VODEntries())
}

func TestBuildPlaylistsWaitsForStoredHead(t *testing.T) {
	dir := t.TempDir()
	rep := &monitor.RecordingReporter{}
	pm := newTestPM(dir, 0, rep)
	ctx := context.Background()
	writeOriginal(t, dir, 0, indexSegs(3)...)
	require.NoError(t, pm.SetOriginalManifest(ctx))

	segs := make([]string, 3)
	for i := range segs {
		segs[i] = filepath.Join(dir, fmt.Sprintf("index%d.ts", i))
		pm.AddToSegmentBuffer(segs[i], addrOf(segs[i]))
	}

	pm.MarkStored(segs[1])
	n, err := pm.BuildPlaylists(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, pm.IsFinalVODManifestValid())

	pm.MarkStored(segs[0])
	n, _ = pm.BuildPlaylists(ctx)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, pm.PendingLen())

	pm.MarkFailed(segs[2])
	n, _ = pm.BuildPlaylists(ctx)
	assert.Zero(t, n)
	assert.Zero(t, pm.PendingLen())
	assert.Equal(t, 1, rep.Count("PlaylistManager.buildPlaylists"))

	vod := readFile(t, filepath.Join(dir, VODManifestName))
	i0 := strings.Index(vod, addrOf(segs[0]).Hex())
	i1 := strings.Index(vod, addrOf(segs[1]).Hex())
	assert.True(t, i0 > 0 && i1 > i0)
	assert.NotContains(t, vod, addrOf(segs[2]).Hex())
}

func TestUnresolvableHeadIsDropped(t *testing.T) {
	dir := t.TempDir()
	rep := &monitor.RecordingReporter{}
	pm := newTestPM(dir, 0, rep)
	ctx := context.Background()
	writeOriginal(t, dir, 0, origSeg{"index1.ts", "5.0"})
	require.NoError(t, pm.SetOriginalManifest(ctx))

	gone := filepath.Join(dir, "index0.ts")
	pm.AddToSegmentBuffer(gone, addrOf(gone))
	pm.MarkStored(gone)
	n, _ := pm.BuildPlaylists(ctx)
	assert.Zero(t, n)
	assert.Equal(t, 1, pm.PendingLen())

	next := filepath.Join(dir, "index1.ts")
	pm.AddToSegmentBuffer(next, addrOf(next))
	pm.MarkStored(next)
	n, _ = pm.BuildPlaylists(ctx)
	assert.Equal(t, 1, n)
	assert.Zero(t, pm.PendingLen())
	errs := rep.Errors()
	require.Len(t, errs, 1)
	assert.True(t, lperrors.Is(errs[0].Err, lperrors.ErrDurationNotFound))
}

func TestLiveWindowEviction(t *testing.T) {
	dir := t.TempDir()
	pm := newTestPM(dir, 10, nil)
	ctx := context.Background()
	writeOriginal(t, dir, 0, indexSegs(15)...)
	require.NoError(t, pm.SetOriginalManifest(ctx))
	for i := 0; i < 15; i++ {
		seg := filepath.Join(dir, fmt.Sprintf("index%d.ts", i))
		pm.AddToSegmentBuffer(seg, addrOf(seg))
		pm.MarkStored(seg)
		_, err := pm.BuildPlaylists(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, pm.WindowLen())
	assert.Equal(t, uint64(5), pm.MediaSequence())

	f, err := os.Open(filepath.Join(dir, LiveManifestName))
	require.NoError(t, err)
	defer f.Close()
	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(f), true)
	require.NoError(t, err)
	require.Equal(t, m3u8.MEDIA, listType)
	mpl := pl.(*m3u8.MediaPlaylist)
	assert.Equal(t, uint64(5), mpl.SeqNo)
	assert.Equal(t, uint(10), mpl.Count())
	first := filepath.Join(dir, "index5.ts")
	assert.Equal(t, testBaseURL+"/"+addrOf(first).Hex(), mpl.Segments[0].URI)
	assert.Equal(t, 5.0, mpl.Segments[0].Duration)

	total, err := pm.TotalDuration()
	require.NoError(t, err)
	assert.Equal(t, 75.0, total)
}

func TestPlaylistProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "segments")
		window := rapid.IntRange(1, 12).Draw(rt, "window")
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		completion := rapid.Permutation(order).Draw(rt, "completion")

		dir, err := os.MkdirTemp("", "pm-prop")
		if err != nil {
			rt.Fatal(err)
		}
		defer os.RemoveAll(dir)
		writeOriginal(rt, dir, 0, indexSegs(n)...)
		pm := newTestPM(dir, window, &monitor.RecordingReporter{})
		ctx := context.Background()
		if err := pm.SetOriginalManifest(ctx); err != nil {
			rt.Fatal(err)
		}
		segs := make([]string, n)
		for i := range segs {
			segs[i] = filepath.Join(dir, fmt.Sprintf("index%d.ts", i))
			pm.AddToSegmentBuffer(segs[i], addrOf(segs[i]))
		}
		prevSeq := pm.MediaSequence()
		for _, i := range completion {
			pm.MarkStored(segs[i])
			if _, err := pm.BuildPlaylists(ctx); err != nil {
				rt.Fatal(err)
			}
			if pm.WindowLen() > window {
				rt.Fatalf("window %d exceeds capacity %d", pm.WindowLen(), window)
			}
			if pm.MediaSequence() < prevSeq {
				rt.Fatalf("media sequence went back %d -> %d", prevSeq, pm.MediaSequence())
			}
			prevSeq = pm.MediaSequence()
		}

		evicted := 0
		if n > window {
			evicted = n - window
		}
		if pm.VODEntries() != n {
			rt.Fatalf("vod entries %d, want %d", pm.VODEntries(), n)
		}
		if pm.MediaSequence() != uint64(evicted) {
			rt.Fatalf("media sequence %d, want %d", pm.MediaSequence(), evicted)
		}
		if n == 0 {
			return
		}
		vod, _ := os.ReadFile(filepath.Join(dir, VODManifestName))
		last := -1
		for i := range segs {
			idx := strings.Index(string(vod), addrOf(segs[i]).Hex())
			if idx <= last {
				rt.Fatalf("segment %d out of detection order", i)
			}
			last = idx
		}
	})
}

func TestIsFinalVODManifestValid(t *testing.T) {
	dir := t.TempDir()
	pm := newTestPM(dir, 0, nil)
	assert.False(t, pm.IsFinalVODManifestValid())

	p := filepath.Join(dir, VODManifestName)
	cases := []struct {
		content string
		valid   bool
	}{
		{"", false},
		{"#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n", false},
		{"#EXTINF:1.0,\nuri.ts", true},
		{"#EXTINF:1.0,\nuri.ts\n#EXT-X-ENDLIST\n", true},
		{"#EXTINF:1.0,\n#EXT-X-ENDLIST\n", false},
		{"#EXTINF:1.0,\nuri.ts\n#EXTINF:2.0,\n", false},
	}
	for _, c := range cases {
		require.NoError(t, os.WriteFile(p, []byte(c.content), 0644))
		assert.Equal(t, c.valid, pm.IsFinalVODManifestValid(), "content %q", c.content)
	}
}

func TestCloseVODManifest(t *testing.T) {
	dir := t.TempDir()
	pm := newTestPM(dir, 0, nil)
	ctx := context.Background()
	writeOriginal(t, dir, 0, indexSegs(2)...)
	require.NoError(t, pm.SetOriginalManifest(ctx))
	seg := filepath.Join(dir, "index0.ts")
	pm.AddToSegmentBuffer(seg, addrOf(seg))
	pm.MarkStored(seg)
	_, err := pm.BuildPlaylists(ctx)
	require.NoError(t, err)

	require.NoError(t, pm.CloseVODManifest(ctx))
	vod := readFile(t, filepath.Join(dir, VODManifestName))
	assert.True(t, strings.HasSuffix(vod, "#EXT-X-ENDLIST\n"))

	// a closed playlist takes no more entries
	seg = filepath.Join(dir, "index1.ts")
	pm.AddToSegmentBuffer(seg, addrOf(seg))
	pm.MarkStored(seg)
	n, err := pm.BuildPlaylists(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// calling it again appends a second tag
	require.NoError(t, pm.CloseVODManifest(ctx))
	assert.Equal(t, 2, strings.Count(readFile(t, filepath.Join(dir, VODManifestName)), "#EXT-X-ENDLIST"))
}

func TestWaitForDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		pm := newTestPM(t.TempDir(), 0, nil)
		assert.True(t, pm.WaitForDrain(ctx, nil))
	})

	t.Run("stuck", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index3.ts"), []byte("x"), 0644))
		pm := newTestPM(dir, 0, nil)
		start := time.Now()
		assert.False(t, pm.WaitForDrain(ctx, nil))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("rebuild forces progress", func(t *testing.T) {
		dir := t.TempDir()
		pm := newTestPM(dir, 0, nil)
		writeOriginal(t, dir, 0, indexSegs(1)...)
		require.NoError(t, pm.SetOriginalManifest(ctx))
		seg := filepath.Join(dir, "index0.ts")
		pm.AddToSegmentBuffer(seg, addrOf(seg))
		pm.MarkStored(seg)
		rebuilds := 0
		assert.True(t, pm.WaitForDrain(ctx, func(ctx context.Context) {
			rebuilds++
			pm.BuildPlaylists(ctx)
		}))
		assert.Equal(t, 1, rebuilds)
	})

	t.Run("failed segments are ignored", func(t *testing.T) {
		dir := t.TempDir()
		pm := newTestPM(dir, 0, &monitor.RecordingReporter{})
		writeOriginal(t, dir, 0, indexSegs(1)...)
		require.NoError(t, pm.SetOriginalManifest(ctx))
		seg := filepath.Join(dir, "index0.ts")
		require.NoError(t, os.WriteFile(seg, []byte("x"), 0644))
		// unrelated files do not count
		require.NoError(t, os.WriteFile(filepath.Join(dir, "other.bin"), []byte("x"), 0644))
		pm.AddToSegmentBuffer(seg, addrOf(seg))
		pm.MarkFailed(seg)
		assert.True(t, pm.WaitForDrain(ctx, func(ctx context.Context) { pm.BuildPlaylists(ctx) }))
	})

	t.Run("cancelled", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index0.aac"), []byte("x"), 0644))
		pm := NewPlaylistManager(dir, PlaylistOptions{DrainPollInterval: time.Millisecond, DrainTimeout: time.Hour}, nil)
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.False(t, pm.WaitForDrain(cctx, nil))
	})
}
