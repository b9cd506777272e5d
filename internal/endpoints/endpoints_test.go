package endpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"offliner/internal/media"
	"offliner/internal/progress"
	"offliner/internal/quota"
	"offliner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type mockService struct {
	mock.Mock
}

func (m *mockService) Submit(ctx context.Context, req service.SubmitRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockService) Observe(ctx context.Context, requestID string) (progress.Record, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(progress.Record), args.Error(1)
}

func (m *mockService) Cancel(ctx context.Context, requestID string) error {
	return m.Called(ctx, requestID).Error(0)
}

func (m *mockService) Artifact(ctx context.Context, requestID string) (string, error) {
	args := m.Called(ctx, requestID)
	return args.String(0), args.Error(1)
}

func (m *mockService) Cleanup(requestID string) {
	m.Called(requestID)
}

func (m *mockService) QueueDepth(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockService) PollInterval() time.Duration {
	return 5 * time.Millisecond
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Probe(ctx context.Context, target string, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, target, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *mockRunner) FlatPlaylist(ctx context.Context, target string, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, target, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *mockRunner) Search(ctx context.Context, query string, limit int, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, query, limit, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *mockRunner) MusicSearch(ctx context.Context, query string, limit int, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, query, limit, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *mockRunner) Download(ctx context.Context, target string, opts media.Options, hooks media.Hooks) (*media.DownloadResult, error) {
	args := m.Called(ctx, target, opts, hooks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.DownloadResult), args.Error(1)
}

func newTestRouter(svc JobService, runner media.Runner) *gin.Engine {
	r := gin.New()
	SetupRoutes(r, svc, runner)
	return r
}

func postForm(r *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleDownloadSuccess(t *testing.T) {
	svc := &mockService{}
	svc.On("Submit", mock.Anything, mock.MatchedBy(func(req service.SubmitRequest) bool {
		return req.RawInput == "https://example.com/watch" && !req.PlaylistMode
	})).Return("req-123", nil)

	w := postForm(newTestRouter(svc, &mockRunner{}), "/download", url.Values{
		"inputURL": {"https://example.com/watch"},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "req-123", body["request_id"])
	svc.AssertExpectations(t)
}

func TestHandleDownloadParsesFormBlobs(t *testing.T) {
	svc := &mockService{}
	svc.On("Submit", mock.Anything, mock.MatchedBy(func(req service.SubmitRequest) bool {
		return req.PlaylistMode &&
			len(req.SelectedURLs) == 2 &&
			req.Config.Quality == "max" &&
			req.ItemConfigs["a"].Mode == "video" &&
			req.DurationSeconds == 240
	})).Return("req-456", nil)

	w := postForm(newTestRouter(svc, &mockRunner{}), "/download", url.Values{
		"inputURL":         {"https://example.com/playlist"},
		"is_playlist_mode": {"true"},
		"selected_urls":    {`["https://example.com/a","https://example.com/b"]`},
		"user_config":      {`{"quality":"max"}`},
		"item_configs":     {`{"a":{"mode":"video"}}`},
		"item_durations":   {`[100,140]`},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestHandleDownloadMalformedJSON(t *testing.T) {
	svc := &mockService{}
	w := postForm(newTestRouter(svc, &mockRunner{}), "/download", url.Values{
		"inputURL":      {"https://example.com"},
		"selected_urls": {"not-json"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestHandleDownloadInvalidInput(t *testing.T) {
	svc := &mockService{}
	svc.On("Submit", mock.Anything, mock.Anything).
		Return("", service.ErrInvalidInput)

	w := postForm(newTestRouter(svc, &mockRunner{}), "/download", url.Values{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDownloadQuotaDenied(t *testing.T) {
	svc := &mockService{}
	svc.On("Submit", mock.Anything, mock.Anything).
		Return("", &quota.Violation{Reason: quota.ReasonHourlyDownloads, Observed: 10, Limit: 10})

	w := postForm(newTestRouter(svc, &mockRunner{}), "/download", url.Values{
		"inputURL": {"https://example.com"},
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, quota.ReasonHourlyDownloads, body["reason"])
}

func TestHandleDownloadBrokerDown(t *testing.T) {
	svc := &mockService{}
	svc.On("Submit", mock.Anything, mock.Anything).
		Return("", assert.AnError)

	w := postForm(newTestRouter(svc, &mockRunner{}), "/download", url.Values{
		"inputURL": {"https://example.com"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleHealth(t *testing.T) {
	svc := &mockService{}
	svc.On("QueueDepth", mock.Anything).Return(int64(3), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 3, body["queue_depth"])
}

func TestHandleHealthBrokerDown(t *testing.T) {
	svc := &mockService{}
	svc.On("QueueDepth", mock.Anything).Return(int64(0), assert.AnError)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleDownloadFileNotFound(t *testing.T) {
	svc := &mockService{}
	svc.On("Artifact", mock.Anything, "missing").Return("", service.ErrNotFound)

	req := httptest.NewRequest(http.MethodGet, "/download_file/missing", nil)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	svc.AssertNotCalled(t, "Cleanup", mock.Anything)
}

func TestHandleDownloadFileNotReady(t *testing.T) {
	svc := &mockService{}
	svc.On("Artifact", mock.Anything, "pending").Return("", service.ErrNotReady)

	req := httptest.NewRequest(http.MethodGet, "/download_file/pending", nil)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDownloadFileServesAndCleansUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))

	svc := &mockService{}
	svc.On("Artifact", mock.Anything, "done").Return(path, nil)
	svc.On("Cleanup", "done").Return()

	req := httptest.NewRequest(http.MethodGet, "/download_file/done", nil)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio-bytes", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "song.mp3")
	svc.AssertExpectations(t)
}

func TestHandleStreamProgressTerminalRecord(t *testing.T) {
	svc := &mockService{}
	svc.On("Observe", mock.Anything, "done").Return(progress.Record{
		"percent": 100, "complete": true, "status": "Done!",
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/stream_progress/done", nil)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "data: "))
	assert.Contains(t, body, `"complete":true`)
	svc.AssertExpectations(t)
}

func TestHandleStreamProgressPollsUntilTerminal(t *testing.T) {
	svc := &mockService{}
	svc.On("Observe", mock.Anything, "job").Return(progress.Record{
		"percent": 40, "status": "Downloading",
	}, nil).Once()
	svc.On("Observe", mock.Anything, "job").Return(progress.Record{
		"percent": 100, "complete": true,
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/stream_progress/job", nil)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	frames := strings.Split(strings.TrimSpace(w.Body.String()), "\n\n")
	assert.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"percent":40`)
	assert.Contains(t, frames[1], `"complete":true`)
	svc.AssertExpectations(t)
}

func TestHandleStreamProgressCancelsOnDisconnect(t *testing.T) {
	svc := &mockService{}
	svc.On("Observe", mock.Anything, "job").Return(progress.Record{
		"percent": 10, "status": "Downloading",
	}, nil)

	cancelCalled := make(chan struct{})
	svc.On("Cancel", mock.Anything, "job").Run(func(mock.Arguments) {
		close(cancelCalled)
	}).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream_progress/job", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	select {
	case <-cancelCalled:
	case <-time.After(time.Second):
		t.Fatal("disconnect did not flag cancellation")
	}
}

func TestHandleStreamProgressCancelsWhenObserveFailsAfterDisconnect(t *testing.T) {
	svc := &mockService{}
	svc.On("Observe", mock.Anything, "job").Return(nil, context.Canceled)
	svc.On("Cancel", mock.Anything, "job").Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream_progress/job", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	newTestRouter(svc, &mockRunner{}).ServeHTTP(w, req)

	svc.AssertExpectations(t)
}

func TestHandleMediaInfoRequiresURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/media_info", nil)
	w := httptest.NewRecorder()
	newTestRouter(&mockService{}, &mockRunner{}).ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMediaInfoSingle(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Probe", mock.Anything, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", mock.Anything).
		Return(&media.Info{
			ID: "dQw4w9WgXcQ", Title: "Song", Uploader: "Artist", Duration: 212,
		}, nil)

	target := url.QueryEscape("https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	req := httptest.NewRequest(http.MethodGet, "/media_info?url="+target, nil)
	w := httptest.NewRecorder()
	newTestRouter(&mockService{}, runner).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp MediaInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "youtube", resp.Platform)
	assert.False(t, resp.IsPlaylist)
	assert.Equal(t, "Song", resp.Title)
	assert.Equal(t, "3:32", resp.DurationText)
}

func TestHandleMediaInfoPlaylist(t *testing.T) {
	runner := &mockRunner{}
	runner.On("FlatPlaylist", mock.Anything, mock.Anything, mock.Anything).
		Return(&media.Info{
			Type:  "playlist",
			Title: "Mix",
			Entries: []media.Entry{
				{ID: "aaaaaaaaaaa", Title: "One", Uploader: "A", Duration: 60},
				{ID: "bbbbbbbbbbb", Title: "Two", Uploader: "B", Duration: 90},
			},
		}, nil)

	target := url.QueryEscape("https://www.youtube.com/playlist?list=PL123")
	req := httptest.NewRequest(http.MethodGet, "/media_info?url="+target, nil)
	w := httptest.NewRecorder()
	newTestRouter(&mockService{}, runner).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp MediaInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.IsPlaylist)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "https://www.youtube.com/watch?v=aaaaaaaaaaa", resp.Entries[0].URL)
}

func TestHandleMediaInfoSpotify(t *testing.T) {
	runner := &mockRunner{}

	target := url.QueryEscape("https://open.spotify.com/track/abc123")
	req := httptest.NewRequest(http.MethodGet, "/media_info?url="+target, nil)
	w := httptest.NewRecorder()
	newTestRouter(&mockService{}, runner).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp MediaInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "spotify", resp.Platform)
	runner.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything)
}
