package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/golang/glog"

	"github.com/livepeer/swarm-ingest/clog"
	"github.com/livepeer/swarm-ingest/core"
	lperrors "github.com/livepeer/swarm-ingest/errors"
)

func logAndRespondWithError(w http.ResponseWriter, errMsg string, code int) {
	glog.Error(errMsg)
	http.Error(w, errMsg, code)
}

func respondJson(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		glog.Error(err)
		logAndRespondWithError(w, "could not encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func mustHaveMethod(h http.Handler, method string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			logAndRespondWithError(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// mustHaveStreamPath accepts either a path form param or the app and name
// params sent by nginx-rtmp style publish hooks.
func mustHaveStreamPath(h func(w http.ResponseWriter, r *http.Request, streamPath string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			glog.Error(err)
			logAndRespondWithError(w, "parse form error", http.StatusInternalServerError)
			return
		}
		streamPath := r.FormValue("path")
		if streamPath == "" {
			app, name := r.FormValue("app"), r.FormValue("name")
			if app == "" || name == "" {
				logAndRespondWithError(w, "missing form param: path", http.StatusBadRequest)
				return
			}
			streamPath = path.Join("/", app, name)
		}
		h(w, r, streamPath)
	})
}

func statusFor(err error) int {
	switch {
	case lperrors.Is(err, lperrors.ErrDirectoryInUse):
		return http.StatusConflict
	case lperrors.Is(err, lperrors.ErrInvalidStreamPath):
		return http.StatusBadRequest
	case lperrors.Is(err, lperrors.ErrSessionNotFound):
		return http.StatusNotFound
	case lperrors.Is(err, context.DeadlineExceeded), lperrors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// finished returns the outcome of p if it already resolved.
func finished(p *core.Pending) (bool, error) {
	select {
	case <-p.Done():
		return true, p.Wait(context.Background())
	default:
		return false, nil
	}
}

type streamResponse struct {
	StreamPath string `json:"streamPath"`
	Status     string `json:"status"`
}

func (s *IngestServer) startHandler() http.Handler {
	return mustHaveStreamPath(func(w http.ResponseWriter, r *http.Request, streamPath string) {
		ctx := clog.AddStreamPath(r.Context(), streamPath)
		if _, err := core.MediaTypeFromPath(streamPath); err != nil {
			logAndRespondWithError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.sessions.Acquire(s.mediaRoot, streamPath); err != nil {
			logAndRespondWithError(w, err.Error(), statusFor(err))
			return
		}
		p := s.sessions.Start(ctx, s.mediaRoot, streamPath)
		if ok, err := finished(p); ok && err != nil {
			s.sessions.Release(s.mediaRoot, streamPath)
			logAndRespondWithError(w, err.Error(), statusFor(err))
			return
		}
		clog.Infof(ctx, "Stream start accepted")
		respondJson(w, http.StatusOK, streamResponse{StreamPath: streamPath, Status: "started"})
	})
}

func (s *IngestServer) stopHandler() http.Handler {
	return mustHaveStreamPath(func(w http.ResponseWriter, r *http.Request, streamPath string) {
		ctx := clog.AddStreamPath(r.Context(), streamPath)
		wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
		p := s.sessions.Stop(ctx, s.mediaRoot, streamPath)
		if !wait {
			if ok, err := finished(p); ok && err != nil {
				logAndRespondWithError(w, err.Error(), statusFor(err))
				return
			}
			respondJson(w, http.StatusAccepted, streamResponse{StreamPath: streamPath, Status: "stopping"})
			return
		}
		if err := p.Wait(ctx); err != nil {
			logAndRespondWithError(w, err.Error(), statusFor(err))
			return
		}
		respondJson(w, http.StatusOK, streamResponse{StreamPath: streamPath, Status: "stopped"})
	})
}

func (s *IngestServer) sessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := s.sessions.Sessions()
		if list == nil {
			list = []core.SessionInfo{}
		}
		respondJson(w, http.StatusOK, list)
	})
}

func healthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}
