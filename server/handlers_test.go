package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/swarm-ingest/core"
	lperrors "github.com/livepeer/swarm-ingest/errors"
)

const testRoot = "/media"

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Acquire(root, streamPath string) error {
	args := m.Called(root, streamPath)
	return args.Error(0)
}

func (m *mockSessions) Release(root, streamPath string) {
	m.Called(root, streamPath)
}

func (m *mockSessions) Start(ctx context.Context, root, streamPath string) *core.Pending {
	args := m.Called(root, streamPath)
	return args.Get(0).(*core.Pending)
}

func (m *mockSessions) Stop(ctx context.Context, root, streamPath string) *core.Pending {
	args := m.Called(root, streamPath)
	return args.Get(0).(*core.Pending)
}

func (m *mockSessions) Sessions() []core.SessionInfo {
	args := m.Called()
	return args.Get(0).([]core.SessionInfo)
}

func post(t *testing.T, h http.Handler, target string, form url.Values) (int, string) {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, strings.TrimSpace(string(body))
}

func TestStartHandler(t *testing.T) {
	assert := assert.New(t)
	m := &mockSessions{}
	m.On("Acquire", testRoot, "/video/abc").Return(nil)
	m.On("Start", testRoot, "/video/abc").Return(core.ResolvedPending(nil))
	h := NewIngestServer(m, testRoot).Handler()

	code, body := post(t, h, "/stream/start", url.Values{"path": {"/video/abc"}})
	assert.Equal(http.StatusOK, code)
	assert.JSONEq(`{"streamPath":"/video/abc","status":"started"}`, body)

	// nginx-rtmp publish hook form
	code, _ = post(t, h, "/stream/start", url.Values{"app": {"video"}, "name": {"abc"}})
	assert.Equal(http.StatusOK, code)
	m.AssertNumberOfCalls(t, "Acquire", 2)
	m.AssertNumberOfCalls(t, "Start", 2)
}

func TestStartHandlerErrors(t *testing.T) {
	tests := []struct {
		name    string
		form    url.Values
		acquire error
		start   error
		code    int
	}{
		{name: "missing path", form: url.Values{}, code: http.StatusBadRequest},
		{name: "app without name", form: url.Values{"app": {"video"}}, code: http.StatusBadRequest},
		{name: "unknown media type", form: url.Values{"path": {"/images/x"}}, code: http.StatusBadRequest},
		{name: "in use", form: url.Values{"path": {"/video/x"}}, acquire: lperrors.Withf(lperrors.ErrDirectoryInUse, "dir"), code: http.StatusConflict},
		{name: "start failed", form: url.Values{"path": {"/video/x"}}, start: errors.New("no signer"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockSessions{}
			m.On("Acquire", testRoot, mock.Anything).Return(tt.acquire)
			m.On("Start", testRoot, mock.Anything).Return(core.ResolvedPending(tt.start))
			m.On("Release", testRoot, mock.Anything).Return()
			code, _ := post(t, NewIngestServer(m, testRoot).Handler(), "/stream/start", tt.form)
			assert.Equal(t, tt.code, code)
			if tt.code == http.StatusBadRequest {
				m.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
			}
			if tt.start != nil {
				m.AssertCalled(t, "Release", testRoot, "/video/x")
			}
		})
	}
}

func TestStopHandler(t *testing.T) {
	assert := assert.New(t)
	m := &mockSessions{}
	m.On("Stop", testRoot, "/audio/a").Return(core.ResolvedPending(nil))
	m.On("Stop", testRoot, "/audio/none").Return(core.ResolvedPending(lperrors.Withf(lperrors.ErrSessionNotFound, "dir")))
	h := NewIngestServer(m, testRoot).Handler()

	code, body := post(t, h, "/stream/stop", url.Values{"path": {"/audio/a"}})
	assert.Equal(http.StatusAccepted, code)
	assert.JSONEq(`{"streamPath":"/audio/a","status":"stopping"}`, body)

	code, body = post(t, h, "/stream/stop?wait=true", url.Values{"path": {"/audio/a"}})
	assert.Equal(http.StatusOK, code)
	assert.JSONEq(`{"streamPath":"/audio/a","status":"stopped"}`, body)

	code, _ = post(t, h, "/stream/stop?wait=true", url.Values{"path": {"/audio/none"}})
	assert.Equal(http.StatusNotFound, code)
}

func TestSessionsHandler(t *testing.T) {
	m := &mockSessions{}
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.On("Sessions").Return([]core.SessionInfo{{
		ID:         "s1",
		StreamPath: "/video/a",
		MediaType:  core.MediaTypeVideo,
		State:      core.SessionActive,
		StartedAt:  started,
		UploaderInfo: core.UploaderInfo{
			FeedTopic: "topic",
			FeedIndex: 4,
		},
	}})
	h := NewIngestServer(m, testRoot).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ACTIVE", got[0]["state"])
	assert.Equal(t, "video", got[0]["mediatype"])
	assert.Equal(t, "topic", got[0]["feedTopic"])
	assert.Equal(t, float64(4), got[0]["feedIndex"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewIngestServer(&mockSessions{}, testRoot).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
