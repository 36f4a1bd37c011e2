package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"

	"contrib.go.opencensus.io/exporter/prometheus"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

type SegmentUploadError string

const (
	SegmentUploadErrorUnknown  SegmentUploadError = "Unknown"
	SegmentUploadErrorRead     SegmentUploadError = "Read"
	SegmentUploadErrorAddress  SegmentUploadError = "Address"
	SegmentUploadErrorStorage  SegmentUploadError = "Storage"
	SegmentUploadErrorDuration SegmentUploadError = "Duration"
)

// Enabled true if metrics was enabled in command line
var Enabled bool

type censusMetricsCounter struct {
	nodeID             string
	ctx                context.Context
	kNodeID            tag.Key
	kErrorCode         tag.Key
	kPlaylist          tag.Key
	kState             tag.Key
	kWhere             tag.Key
	mStreamStarted     *stats.Int64Measure
	mStreamEnded       *stats.Int64Measure
	mCurrentSessions   *stats.Int64Measure
	mSegmentUploaded   *stats.Int64Measure
	mSegmentFailed     *stats.Int64Measure
	mBytesUploaded     *stats.Int64Measure
	mUploadTime        *stats.Float64Measure
	mManifestPublished *stats.Int64Measure
	mManifestFailed    *stats.Int64Measure
	mBroadcastSent     *stats.Int64Measure
	mBroadcastFailed   *stats.Int64Measure
	mErrors            *stats.Int64Measure
	mDrainTime         *stats.Float64Measure
	mDrainStuck        *stats.Int64Measure
	lock               sync.Mutex
}

// Exporter Prometheus exporter that handles `/metrics` endpoint
var Exporter *prometheus.Exporter

var census censusMetricsCounter

func InitCensus(nodeID, version string) {
	census = censusMetricsCounter{
		nodeID: nodeID,
	}
	var err error
	census.kNodeID, _ = tag.NewKey("node_id")
	census.kErrorCode, _ = tag.NewKey("error_code")
	census.kPlaylist, _ = tag.NewKey("playlist")
	census.kState, _ = tag.NewKey("state")
	census.kWhere, _ = tag.NewKey("where")
	census.ctx, err = tag.New(context.Background(), tag.Insert(census.kNodeID, nodeID))
	if err != nil {
		glog.Fatal("Error creating context", err)
	}
	census.mStreamStarted = stats.Int64("stream_started_total", "StreamStarted", "tot")
	census.mStreamEnded = stats.Int64("stream_ended_total", "StreamEnded", "tot")
	census.mCurrentSessions = stats.Int64("current_sessions_total", "Number of streams currently ingested", "tot")
	census.mSegmentUploaded = stats.Int64("segment_uploaded_total", "SegmentUploaded", "tot")
	census.mSegmentFailed = stats.Int64("segment_upload_failed_total", "SegmentUploadFailed", "tot")
	census.mBytesUploaded = stats.Int64("segment_uploaded_bytes", "Bytes of segment data uploaded", "By")
	census.mUploadTime = stats.Float64("upload_time_seconds", "Upload (to storage node) time", "sec")
	census.mManifestPublished = stats.Int64("manifest_published_total", "ManifestPublished", "tot")
	census.mManifestFailed = stats.Int64("manifest_publish_failed_total", "ManifestPublishFailed", "tot")
	census.mBroadcastSent = stats.Int64("broadcast_sent_total", "BroadcastSent", "tot")
	census.mBroadcastFailed = stats.Int64("broadcast_failed_total", "BroadcastFailed", "tot")
	census.mErrors = stats.Int64("errors_total", "Errors reported by pipeline stage", "tot")
	census.mDrainTime = stats.Float64("drain_time_seconds", "Time spent draining a stream", "sec")
	census.mDrainStuck = stats.Int64("drain_stuck_total", "Drains aborted for lack of progress", "tot")

	glog.Infof("Compiler: %s Arch %s OS %s Go version %s", runtime.Compiler, runtime.GOARCH, runtime.GOOS, runtime.Version())
	glog.Infof("swarm-ingest version: %s", version)
	glog.Infof("Node ID %s", nodeID)
	mVersions := stats.Int64("versions", "Version information.", "Num")
	goversion, _ := tag.NewKey("goversion")
	ingestversion, _ := tag.NewKey("ingestversion")
	ctx, err := tag.New(context.Background(), tag.Insert(census.kNodeID, nodeID),
		tag.Insert(goversion, runtime.Version()), tag.Insert(ingestversion, version))
	if err != nil {
		glog.Fatal("Error creating tagged context", err)
	}
	baseTags := []tag.Key{census.kNodeID}
	views := []*view.View{
		{
			Name:        "versions",
			Measure:     mVersions,
			Description: "Versions used by the ingest node.",
			TagKeys:     []tag.Key{census.kNodeID, goversion, ingestversion},
			Aggregation: view.LastValue(),
		},
		{
			Name:        "stream_started_total",
			Measure:     census.mStreamStarted,
			Description: "StreamStarted",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "stream_ended_total",
			Measure:     census.mStreamEnded,
			Description: "StreamEnded",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "current_sessions_total",
			Measure:     census.mCurrentSessions,
			Description: "Number of streams currently ingested",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "segment_uploaded_total",
			Measure:     census.mSegmentUploaded,
			Description: "SegmentUploaded",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_upload_failed_total",
			Measure:     census.mSegmentFailed,
			Description: "SegmentUploadFailed",
			TagKeys:     append([]tag.Key{census.kErrorCode}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "segment_uploaded_bytes",
			Measure:     census.mBytesUploaded,
			Description: "Bytes of segment data uploaded",
			TagKeys:     baseTags,
			Aggregation: view.Sum(),
		},
		{
			Name:        "upload_time_seconds",
			Measure:     census.mUploadTime,
			Description: "UploadTime, seconds",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, .10, .20, .50, 1.00, 1.50, 2.00, 5.00, 10.00, 30.00),
		},
		{
			Name:        "manifest_published_total",
			Measure:     census.mManifestPublished,
			Description: "ManifestPublished",
			TagKeys:     append([]tag.Key{census.kPlaylist}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "manifest_publish_failed_total",
			Measure:     census.mManifestFailed,
			Description: "ManifestPublishFailed",
			TagKeys:     append([]tag.Key{census.kPlaylist}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "broadcast_sent_total",
			Measure:     census.mBroadcastSent,
			Description: "BroadcastSent",
			TagKeys:     append([]tag.Key{census.kState}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "broadcast_failed_total",
			Measure:     census.mBroadcastFailed,
			Description: "BroadcastFailed",
			TagKeys:     append([]tag.Key{census.kState}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "errors_total",
			Measure:     census.mErrors,
			Description: "Errors reported by pipeline stage",
			TagKeys:     append([]tag.Key{census.kWhere}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "drain_time_seconds",
			Measure:     census.mDrainTime,
			Description: "DrainTime, seconds",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, 2, 4, 10, 30, 60, 120, 300),
		},
		{
			Name:        "drain_stuck_total",
			Measure:     census.mDrainStuck,
			Description: "Drains aborted for lack of progress",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
	}
	// Register the views
	if err := view.Register(views...); err != nil {
		glog.Fatalf("Failed to register views: %v", err)
	}
	registry := rprom.NewRegistry()
	registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
	registry.MustRegister(rprom.NewGoCollector())
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "swarm_ingest",
		Registry:  registry,
	})
	if err != nil {
		glog.Fatalf("Failed to create the Prometheus stats exporter: %v", err)
	}

	// Register the Prometheus exporters as a stats exporter.
	view.RegisterExporter(pe)
	stats.Record(ctx, mVersions.M(1))
	Exporter = pe
	Enabled = true
}

func record(ms ...stats.Measurement) {
	if !Enabled {
		return
	}
	stats.Record(census.ctx, ms...)
}

func recordTagged(key tag.Key, val string, ms ...stats.Measurement) {
	if !Enabled {
		return
	}
	ctx, err := tag.New(census.ctx, tag.Insert(key, val))
	if err != nil {
		glog.Error("Error creating context", err)
		return
	}
	stats.Record(ctx, ms...)
}

func StreamStarted() {
	if !Enabled {
		return
	}
	record(census.mStreamStarted.M(1))
}

func StreamEnded() {
	if !Enabled {
		return
	}
	record(census.mStreamEnded.M(1))
}

func CurrentSessions(currentSessions int) {
	if !Enabled {
		return
	}
	record(census.mCurrentSessions.M(int64(currentSessions)))
}

func SegmentUploaded(size int, uploadDur time.Duration) {
	if !Enabled {
		return
	}
	census.lock.Lock()
	defer census.lock.Unlock()
	record(census.mSegmentUploaded.M(1), census.mBytesUploaded.M(int64(size)), census.mUploadTime.M(uploadDur.Seconds()))
}

func SegmentUploadFailed(code SegmentUploadError) {
	if !Enabled {
		return
	}
	recordTagged(census.kErrorCode, string(code), census.mSegmentFailed.M(1))
}

func ManifestPublished(playlist string) {
	if !Enabled {
		return
	}
	recordTagged(census.kPlaylist, playlist, census.mManifestPublished.M(1))
}

func ManifestPublishFailed(playlist string) {
	if !Enabled {
		return
	}
	recordTagged(census.kPlaylist, playlist, census.mManifestFailed.M(1))
}

func BroadcastSent(state string) {
	if !Enabled {
		return
	}
	recordTagged(census.kState, state, census.mBroadcastSent.M(1))
}

func BroadcastFailed(state string) {
	if !Enabled {
		return
	}
	recordTagged(census.kState, state, census.mBroadcastFailed.M(1))
}

func ErrorReported(where string) {
	if !Enabled {
		return
	}
	recordTagged(census.kWhere, where, census.mErrors.M(1))
}

func DrainFinished(took time.Duration, drained bool) {
	if !Enabled {
		return
	}
	record(census.mDrainTime.M(took.Seconds()))
	if !drained {
		record(census.mDrainStuck.M(1))
	}
}
