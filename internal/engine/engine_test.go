package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"offliner/internal/media"
	"offliner/internal/progress"
	"offliner/internal/resolver"
	"offliner/internal/userconfig"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner is a mock implementation of media.Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Probe(ctx context.Context, target string, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, target, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *MockRunner) FlatPlaylist(ctx context.Context, target string, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, target, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *MockRunner) Search(ctx context.Context, query string, limit int, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, query, limit, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *MockRunner) MusicSearch(ctx context.Context, query string, limit int, opts media.Options) (*media.Info, error) {
	args := m.Called(ctx, query, limit, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.Info), args.Error(1)
}

func (m *MockRunner) Download(ctx context.Context, target string, opts media.Options, hooks media.Hooks) (*media.DownloadResult, error) {
	args := m.Called(ctx, target, opts, hooks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.DownloadResult), args.Error(1)
}

type fakeCounter struct {
	completed int
	total     int
	notes     []string
}

func (c *fakeCounter) Completed() int         { return c.completed }
func (c *fakeCounter) Total() int             { return c.total }
func (c *fakeCounter) RecordNote(note string) { c.notes = append(c.notes, note) }

func newTestStore(t *testing.T) *progress.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return progress.NewStoreWithClient(client)
}

func playableInfo() *media.Info {
	return &media.Info{
		ID:       "dQw4w9WgXcQ",
		Title:    "Never Gonna Give You Up",
		Uploader: "Rick Astley",
		Duration: 213,
		Formats:  []media.Format{{FormatID: "251", ACodec: "opus", VCodec: "none"}},
	}
}

func audioRequest(t *testing.T) Request {
	t.Helper()
	cfg := userconfig.Default()
	require.NoError(t, cfg.Validate())
	return Request{
		RequestID:  "req-1",
		SessionDir: t.TempDir(),
		Target: resolver.Target{
			ID:       "dQw4w9WgXcQ",
			URL:      "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			Title:    "Never Gonna Give You Up",
			Uploader: "Rick Astley",
		},
		Mode:   userconfig.ModeAudio,
		Config: cfg,
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t,
		"bestaudio[abr<=160]/bestaudio[abr<=192]/bestaudio/best",
		formatSelector(userconfig.ModeAudio, userconfig.QualityAvg, "mp3"))
	assert.Equal(t,
		"bestaudio/best",
		formatSelector(userconfig.ModeAudio, userconfig.QualityMax, "flac"))
	assert.Contains(t,
		formatSelector(userconfig.ModeVideo, userconfig.QualityAvg, "mp4"),
		"[ext=mp4]+bestaudio[ext=m4a]")
	assert.NotContains(t,
		formatSelector(userconfig.ModeVideo, userconfig.QualityAvg, "webm"),
		"ext=mp4")
	assert.Contains(t,
		formatSelector(userconfig.ModeVideo, userconfig.QualityMin, "mkv"),
		"height<=480")
}

func TestBuildOptionsAudio(t *testing.T) {
	req := audioRequest(t)
	opts := buildOptions(req)

	assert.True(t, opts.ExtractAudio)
	assert.Equal(t, "mp3", opts.AudioFormat)
	assert.Equal(t, "128", opts.AudioQuality)
	assert.True(t, opts.EmbedMetadata)
	assert.True(t, opts.EmbedThumbnail, "mp3 supports embedded art")
	assert.Equal(t, "Metadata:-id3v2_version 3", opts.PostprocessorArgs)
	assert.Empty(t, opts.SponsorBlockRemove)
	assert.Zero(t, opts.ConcurrentFragments)
}

func TestBuildOptionsAudioWavSkipsArt(t *testing.T) {
	req := audioRequest(t)
	req.Config.AudioFormat = "wav"
	opts := buildOptions(req)

	assert.True(t, opts.EmbedMetadata)
	assert.False(t, opts.EmbedThumbnail, "wav cannot embed art")
	assert.False(t, opts.WriteThumbnail)
}

func TestBuildOptionsVideoMP4(t *testing.T) {
	req := audioRequest(t)
	req.Mode = userconfig.ModeVideo
	opts := buildOptions(req)

	assert.False(t, opts.ExtractAudio)
	assert.Equal(t, "mp4", opts.MergeOutputFormat)
	assert.Equal(t, []string{"vext:mp4", "aext:m4a", "aext:mp3"}, opts.FormatSort)
	assert.Equal(t, videoConcurrentFragments, opts.ConcurrentFragments)
	assert.True(t, opts.EmbedThumbnail)
}

func TestBuildOptionsVideoWebmSkipsArt(t *testing.T) {
	req := audioRequest(t)
	req.Mode = userconfig.ModeVideo
	req.Config.VideoFormat = "webm"
	opts := buildOptions(req)

	assert.Equal(t, "webm", opts.MergeOutputFormat)
	assert.Empty(t, opts.FormatSort)
	assert.False(t, opts.EmbedThumbnail)
}

func TestBuildOptionsSponsorBlock(t *testing.T) {
	req := audioRequest(t)
	req.Config.SponsorSkipEnabled = true
	req.Config.SponsorSkipCategories = []string{"sponsor", "intro"}
	opts := buildOptions(req)

	assert.Equal(t, []string{"sponsor", "intro"}, opts.SponsorBlockRemove)
	assert.NotEmpty(t, opts.SponsorBlockAPI)
}

func TestOverallPercent(t *testing.T) {
	counts := &fakeCounter{completed: 0, total: 2}
	assert.Equal(t, 15, overallPercent(0, counts))
	assert.Equal(t, 33, overallPercent(50, counts)) // 15 + 0.25*75

	counts.completed = 1
	assert.Equal(t, 90, overallPercent(100, counts), "capped at 90")

	assert.Equal(t, 90, overallPercent(100, &fakeCounter{completed: 5, total: 1}))
}

func TestHumanSpeed(t *testing.T) {
	assert.Equal(t, "2.5 MB/s", humanSpeed(2.5*1024*1024))
	assert.Equal(t, "512 KB/s", humanSpeed(512*1024))
	assert.Equal(t, "100 B/s", humanSpeed(100))
	assert.Empty(t, humanSpeed(0))
}

func TestHumanETA(t *testing.T) {
	assert.Equal(t, "1h 5m", humanETA(3900))
	assert.Equal(t, "2m 30s", humanETA(150))
	assert.Equal(t, "45s", humanETA(45))
	assert.Empty(t, humanETA(0))
}

func TestHumanizePostprocessor(t *testing.T) {
	assert.Equal(t, "Converting audio", humanizePostprocessor("ExtractAudio"))
	assert.Equal(t, "Embedding cover art", humanizePostprocessor("EmbedThumbnail"))
	assert.Equal(t, "SomethingNew", humanizePostprocessor("SomethingNew"))
}

func TestOutputStem(t *testing.T) {
	stem := outputStem(resolver.Target{Title: "Song: Remix?", Uploader: "The/Band"})
	assert.Equal(t, "Song Remix - TheBand", stem)

	assert.Equal(t, "download", outputStem(resolver.Target{}))
}

func TestIsSidecar(t *testing.T) {
	stem := "Song - Artist"
	assert.True(t, isSidecar(stem+".jpg", stem))
	assert.True(t, isSidecar(stem+".webp", stem))
	assert.True(t, isSidecar(stem+".srt", stem))
	assert.True(t, isSidecar(stem+".en.srt", stem))
	assert.True(t, isSidecar(stem+".es-orig.vtt", stem))
	assert.False(t, isSidecar(stem+".mp3", stem))
	assert.False(t, isSidecar(stem+".mp4", stem))
}

func TestCleanupSidecars(t *testing.T) {
	dir := t.TempDir()
	stem := "Song - Artist"
	writeFile(t, filepath.Join(dir, stem+".mp3"), 10)
	writeFile(t, filepath.Join(dir, stem+".jpg"), 10)
	writeFile(t, filepath.Join(dir, stem+".en.srt"), 10)
	writeFile(t, filepath.Join(dir, "Other - File.jpg"), 10)

	cleanupSidecars(dir, stem)

	assert.FileExists(t, filepath.Join(dir, stem+".mp3"))
	assert.NoFileExists(t, filepath.Join(dir, stem+".jpg"))
	assert.NoFileExists(t, filepath.Join(dir, stem+".en.srt"))
	assert.FileExists(t, filepath.Join(dir, "Other - File.jpg"), "unrelated stems untouched")
}

func TestResolveOutputPathPrefersConvertedSibling(t *testing.T) {
	e := New(new(MockRunner), newTestStore(t), nil)
	req := audioRequest(t)
	stem := outputStem(req.Target)

	webm := filepath.Join(req.SessionDir, stem+".webm")
	mp3 := filepath.Join(req.SessionDir, stem+".mp3")
	writeFile(t, webm, 100)
	writeFile(t, mp3, 50)

	path, err := e.resolveOutputPath(req, stem, &media.DownloadResult{OutputPaths: []string{webm}})
	require.NoError(t, err)
	assert.Equal(t, mp3, path)
}

func TestResolveOutputPathScansSession(t *testing.T) {
	e := New(new(MockRunner), newTestStore(t), nil)
	req := audioRequest(t)
	req.Config.AudioFormat = "m4a"
	stem := outputStem(req.Target)

	// No tool-reported path; the scan picks the largest non-sidecar file.
	writeFile(t, filepath.Join(req.SessionDir, stem+".opus"), 500)
	writeFile(t, filepath.Join(req.SessionDir, stem+".jpg"), 9000)

	path, err := e.resolveOutputPath(req, stem, &media.DownloadResult{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(req.SessionDir, stem+".opus"), path)
}

func TestResolveOutputPathMissing(t *testing.T) {
	e := New(new(MockRunner), newTestStore(t), nil)
	req := audioRequest(t)

	_, err := e.resolveOutputPath(req, "nothing here", &media.DownloadResult{})
	assert.ErrorContains(t, err, "not found")
}

func TestDownloadSuccess(t *testing.T) {
	store := newTestStore(t)
	req := audioRequest(t)
	stem := outputStem(req.Target)
	mp3 := filepath.Join(req.SessionDir, stem+".mp3")

	runner := new(MockRunner)
	runner.On("Probe", mock.Anything, req.Target.URL, mock.Anything).Return(playableInfo(), nil)
	runner.On("Download", mock.Anything, req.Target.URL, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			writeFile(t, mp3, 1000)
			writeFile(t, filepath.Join(req.SessionDir, stem+".webp"), 10)
		}).
		Return(&media.DownloadResult{OutputPaths: []string{mp3}}, nil)

	e := New(runner, store, nil)
	path, err := e.Download(context.Background(), req, &fakeCounter{total: 1})
	require.NoError(t, err)
	assert.Equal(t, mp3, path)
	assert.NoFileExists(t, filepath.Join(req.SessionDir, stem+".webp"), "sidecars removed")
	runner.AssertExpectations(t)
}

func TestDownloadSponsorFallbackRetriesOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "req-1", 1))

	req := audioRequest(t)
	req.Config.SponsorSkipEnabled = true
	req.Config.SponsorSkipCategories = []string{"sponsor"}
	stem := outputStem(req.Target)
	mp3 := filepath.Join(req.SessionDir, stem+".mp3")

	withSponsor := mock.MatchedBy(func(o media.Options) bool { return len(o.SponsorBlockRemove) > 0 })
	withoutSponsor := mock.MatchedBy(func(o media.Options) bool { return len(o.SponsorBlockRemove) == 0 })

	runner := new(MockRunner)
	runner.On("Probe", mock.Anything, req.Target.URL, mock.Anything).Return(playableInfo(), nil)
	runner.On("Download", mock.Anything, req.Target.URL, withSponsor, mock.Anything).
		Return(nil, &media.RunError{ExitCode: 1, Stderr: "ERROR: SponsorBlock postprocessing failed"}).Once()
	runner.On("Download", mock.Anything, req.Target.URL, withoutSponsor, mock.Anything).
		Run(func(args mock.Arguments) { writeFile(t, mp3, 1000) }).
		Return(&media.DownloadResult{OutputPaths: []string{mp3}}, nil).Once()

	e := New(runner, store, nil)
	counts := &fakeCounter{total: 1}
	path, err := e.Download(ctx, req, counts)
	require.NoError(t, err)
	assert.Equal(t, mp3, path)

	record, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Contains(t, record["detail"], "SponsorBlock")
	assert.Equal(t, []string{sponsorSkipNote}, counts.notes,
		"the fallback must be recorded where later updates cannot erase it")
	runner.AssertExpectations(t)
}

func TestDownloadUnrecognizedFailureNotRetried(t *testing.T) {
	store := newTestStore(t)
	req := audioRequest(t)

	runner := new(MockRunner)
	runner.On("Probe", mock.Anything, req.Target.URL, mock.Anything).Return(playableInfo(), nil)
	runner.On("Download", mock.Anything, req.Target.URL, mock.Anything, mock.Anything).
		Return(nil, &media.RunError{ExitCode: 1, Stderr: "ERROR: some novel failure"}).Once()

	e := New(runner, store, nil)
	_, err := e.Download(context.Background(), req, &fakeCounter{total: 1})
	assert.ErrorContains(t, err, "download failed")
	runner.AssertExpectations(t)
}

func TestPreflightNoPlayableFormatsWithoutCookies(t *testing.T) {
	store := newTestStore(t)
	req := audioRequest(t)

	runner := new(MockRunner)
	runner.On("Probe", mock.Anything, req.Target.URL, mock.Anything).
		Return(&media.Info{Formats: []media.Format{{VCodec: "none", ACodec: "none"}}}, nil).Once()

	e := New(runner, store, nil)
	_, err := e.Download(context.Background(), req, &fakeCounter{total: 1})
	assert.ErrorIs(t, err, ErrNoPlayableFormats)
	runner.AssertExpectations(t)
}

func TestPreflightRetriesWithAutoClientWhenCredentialed(t *testing.T) {
	store := newTestStore(t)
	req := audioRequest(t)
	req.CookieFile = filepath.Join(req.SessionDir, "cookies.txt")
	stem := outputStem(req.Target)
	mp3 := filepath.Join(req.SessionDir, stem+".mp3")

	pinned := mock.MatchedBy(func(o media.Options) bool { return o.PlayerClient != "" })
	auto := mock.MatchedBy(func(o media.Options) bool { return o.PlayerClient == "" })

	runner := new(MockRunner)
	runner.On("Probe", mock.Anything, req.Target.URL, pinned).
		Return(&media.Info{Formats: []media.Format{{VCodec: "none", ACodec: "none"}}}, nil).Once()
	runner.On("Probe", mock.Anything, req.Target.URL, auto).Return(playableInfo(), nil).Once()
	runner.On("Download", mock.Anything, req.Target.URL, auto, mock.Anything).
		Run(func(args mock.Arguments) { writeFile(t, mp3, 1000) }).
		Return(&media.DownloadResult{OutputPaths: []string{mp3}}, nil).Once()

	e := New(runner, store, nil)
	path, err := e.Download(context.Background(), req, &fakeCounter{total: 1})
	require.NoError(t, err)
	assert.Equal(t, mp3, path)
	runner.AssertExpectations(t)
}

func TestTransferHookUpdatesProgressAndChecksCancellation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "req-1", 1))

	req := audioRequest(t)
	e := New(new(MockRunner), store, nil)
	hooks := e.hooks(ctx, req, &fakeCounter{completed: 0, total: 1}, "Song - Artist")

	err := hooks.OnProgress(media.ProgressEvent{
		Status:          "downloading",
		DownloadedBytes: 50,
		TotalBytes:      100,
		Speed:           2 * 1024 * 1024,
		ETA:             30,
	})
	require.NoError(t, err)

	record, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 52, record.Percent()) // 15 + 0.5*75
	assert.Equal(t, progress.PhaseDownloading, record.Phase())
	assert.Equal(t, "Downloading...", record.Status())
	assert.Equal(t, "2.0 MB/s", record["speed"])
	assert.Equal(t, "30s", record["eta"])

	require.NoError(t, store.RequestCancel(ctx, "req-1"))
	err = hooks.OnProgress(media.ProgressEvent{DownloadedBytes: 60, TotalBytes: 100})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestPostprocessHook(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, "req-1", 1))

	req := audioRequest(t)
	e := New(new(MockRunner), store, nil)
	hooks := e.hooks(ctx, req, &fakeCounter{total: 1}, "stem")

	hooks.OnPostprocess(media.PostprocessEvent{Status: "started", Postprocessor: "ExtractAudio"})

	record, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, progress.PhaseConverting, record.Phase())
	assert.Equal(t, "Processing...", record.Status())
	assert.Equal(t, "Converting audio", record["detail"])
	assert.Equal(t, "", record["speed"])

	// Finished events change nothing.
	hooks.OnPostprocess(media.PostprocessEvent{Status: "finished", Postprocessor: "MoveFiles"})
	record, _ = store.Get(ctx, "req-1")
	assert.Equal(t, "Converting audio", record["detail"])
}
