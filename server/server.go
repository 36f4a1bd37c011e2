package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/livepeer/swarm-ingest/core"
	"github.com/livepeer/swarm-ingest/monitor"
)

const shutdownTimeout = 10 * time.Second

// SessionController is the part of core.SessionRegistry the control API
// drives.
type SessionController interface {
	Acquire(root, streamPath string) error
	Release(root, streamPath string)
	Start(ctx context.Context, root, streamPath string) *core.Pending
	Stop(ctx context.Context, root, streamPath string) *core.Pending
	Sessions() []core.SessionInfo
}

// IngestServer serves the ingest hooks and the operational endpoints.
type IngestServer struct {
	sessions  SessionController
	mediaRoot string
}

func NewIngestServer(sessions SessionController, mediaRoot string) *IngestServer {
	return &IngestServer{sessions: sessions, mediaRoot: mediaRoot}
}

func (s *IngestServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/stream/start", mustHaveMethod(s.startHandler(), http.MethodPost))
	mux.Handle("/stream/stop", mustHaveMethod(s.stopHandler(), http.MethodPost))
	mux.Handle("/sessions", mustHaveMethod(s.sessionsHandler(), http.MethodGet))
	mux.Handle("/healthz", healthzHandler())
	if monitor.Enabled && monitor.Exporter != nil {
		mux.Handle("/metrics", monitor.Exporter)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *IngestServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		glog.Infof("Control API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
