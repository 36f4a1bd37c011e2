package monitor

import (
	"context"
	"sync"

	"github.com/livepeer/swarm-ingest/clog"
	lperrors "github.com/livepeer/swarm-ingest/errors"
)

// Reporter receives every failure the pipeline handles without aborting.
type Reporter interface {
	Report(ctx context.Context, err error, where string)
}

// LogReporter logs the error with the context's stream details, counts it
// and mirrors it to Kafka when a producer is configured.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, err error, where string) {
	if err == nil {
		return
	}
	kind := lperrors.KindOf(err)
	clog.Errorf(ctx, "Pipeline error where=%s kind=%s err=%q", where, kind, err)
	ErrorReported(where)
	SendQueueEventAsync(EventPipelineError, ErrorEventData{
		Where: where,
		Kind:  kind.String(),
		Error: err.Error(),
	})
}

// ReportedError is one call recorded by a RecordingReporter.
type ReportedError struct {
	Err   error
	Where string
}

// RecordingReporter keeps reported errors in memory. Used by tests.
type RecordingReporter struct {
	mu   sync.Mutex
	errs []ReportedError
}

func (r *RecordingReporter) Report(ctx context.Context, err error, where string) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.errs = append(r.errs, ReportedError{Err: err, Where: where})
	r.mu.Unlock()
}

func (r *RecordingReporter) Errors() []ReportedError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReportedError(nil), r.errs...)
}

// Count returns how many errors were reported from where. An empty where
// counts everything.
func (r *RecordingReporter) Count(where string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errs {
		if where == "" || e.Where == where {
			n++
		}
	}
	return n
}
