// Package media wraps the yt-dlp command line tool behind a small Runner
// interface so higher layers can probe, search, and download without caring
// about process management or flag spelling.
package media

import (
	"fmt"
	"strings"
)

// Options carries the per-invocation knobs layered on top of the shared
// base flags. The zero value is valid; BaseOptions fills the fields every
// invocation should normally set.
type Options struct {
	// CookieFile is an optional Netscape cookie jar passed to the tool.
	CookieFile string
	// PlayerClient pins the YouTube client surface ("web", "android_music").
	// Empty lets the tool pick, which some authenticated probes require.
	PlayerClient string
	// CheckFormats asks the tool to verify selected formats are reachable.
	CheckFormats bool

	Format         string
	OutputTemplate string
	TrimFileNames  int

	ExtractAudio bool
	AudioFormat  string
	AudioQuality string

	EmbedMetadata     bool
	EmbedThumbnail    bool
	WriteThumbnail    bool
	ConvertThumbnails string
	ParseMetadata     []string
	PostprocessorArgs string

	// SponsorBlockRemove lists segment categories to cut from the output.
	// Empty disables SponsorBlock entirely.
	SponsorBlockRemove []string
	SponsorBlockAPI    string

	FormatSort          []string
	MergeOutputFormat   string
	ConcurrentFragments int
	DownloadRetries     int
}

// BaseOptions returns the invocation defaults shared by probes and
// downloads. With cookies the web client is pinned so the tool talks to the
// same surface that issued them; android_music plus web cookies triggers
// 400 responses from YouTube.
func BaseOptions(cookieFile string) Options {
	client := "android_music"
	if cookieFile != "" {
		client = "web"
	}
	return Options{
		CookieFile:   cookieFile,
		PlayerClient: client,
		CheckFormats: true,
	}
}

// ProgressEvent mirrors one progress line emitted by the tool while a file
// is being fetched.
type ProgressEvent struct {
	Status             string  `json:"status"`
	DownloadedBytes    float64 `json:"downloaded_bytes"`
	TotalBytes         float64 `json:"total_bytes"`
	TotalBytesEstimate float64 `json:"total_bytes_estimate"`
	Speed              float64 `json:"speed"`
	ETA                float64 `json:"eta"`
	Filename           string  `json:"filename"`
}

// Percent returns the completion of the current item in 0..100, preferring
// the exact total over the estimate. Unknown totals yield 0.
func (e ProgressEvent) Percent() float64 {
	total := e.TotalBytes
	if total <= 0 {
		total = e.TotalBytesEstimate
	}
	if total <= 0 {
		return 0
	}
	return e.DownloadedBytes / total * 100
}

// PostprocessEvent mirrors one postprocessor status line (conversion,
// metadata embedding, thumbnail embedding).
type PostprocessEvent struct {
	Status        string `json:"status"`
	Postprocessor string `json:"postprocessor"`
}

// Hooks receive streamed events during Download. OnProgress may return an
// error to abort the run; the process is killed and Download returns that
// error.
type Hooks struct {
	OnProgress    func(ProgressEvent) error
	OnPostprocess func(PostprocessEvent)
}

// DownloadResult reports what a completed run produced.
type DownloadResult struct {
	// OutputPaths are the final file paths printed by the tool after all
	// postprocessing and moves finished.
	OutputPaths []string
}

// RunError is returned when the tool exits non-zero. Stderr holds the tail
// of its error output so callers can match known failure markers.
type RunError struct {
	ExitCode int
	Stderr   string
}

func (e *RunError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("yt-dlp exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("yt-dlp exited with code %d", e.ExitCode)
}

// Format is one entry of a probe's format list.
type Format struct {
	FormatID string `json:"format_id"`
	ACodec   string `json:"acodec"`
	VCodec   string `json:"vcodec"`
}

// Thumbnail is one entry of a probe's thumbnail list, ordered worst-first.
type Thumbnail struct {
	URL string `json:"url"`
}

// Entry is a single item inside a playlist or search result. Flat
// extraction fills only a subset of these fields.
type Entry struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Uploader  string  `json:"uploader"`
	Channel   string  `json:"channel"`
	Thumbnail string  `json:"thumbnail"`
}

// WatchURL returns a canonical watch URL for the entry. Flat playlist
// entries sometimes carry a bare video ID instead of a URL.
func (e *Entry) WatchURL() string {
	if e.ID != "" && !strings.HasPrefix(e.ID, "http") {
		return "https://www.youtube.com/watch?v=" + e.ID
	}
	return e.URL
}

// ThumbnailURL returns the entry thumbnail, falling back to the predictable
// YouTube preview image when the extractor omitted one.
func (e *Entry) ThumbnailURL() string {
	if e.Thumbnail != "" {
		return e.Thumbnail
	}
	if e.ID != "" && !strings.HasPrefix(e.ID, "http") {
		return "https://i.ytimg.com/vi/" + e.ID + "/mqdefault.jpg"
	}
	return ""
}

// Author returns the uploader, falling back to the channel name.
func (e *Entry) Author() string {
	if e.Uploader != "" {
		return e.Uploader
	}
	return e.Channel
}

// DurationText renders the duration as M:SS, or "--:--" when unknown.
func (e *Entry) DurationText() string {
	return durationText(e.Duration, "--:--")
}

// Info is the single-JSON document the tool dumps for a probe. A playlist
// probe fills Entries; a single item fills Formats and the media fields.
type Info struct {
	Type          string      `json:"_type"`
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	Uploader      string      `json:"uploader"`
	Channel       string      `json:"channel"`
	Duration      float64     `json:"duration"`
	Thumbnail     string      `json:"thumbnail"`
	Thumbnails    []Thumbnail `json:"thumbnails"`
	PlaylistCount int         `json:"playlist_count"`
	Formats       []Format    `json:"formats"`
	Entries       []Entry     `json:"entries"`
}

// IsPlaylist reports whether the probe described a collection of items.
func (i *Info) IsPlaylist() bool {
	return i.Type == "playlist" || len(i.Entries) > 0
}

// HasPlayableFormats reports whether at least one format carries a real
// audio or video stream. Storyboard-only listings mean the current auth
// context cannot play the item.
func (i *Info) HasPlayableFormats() bool {
	for _, f := range i.Formats {
		if f.VCodec != "" && f.VCodec != "none" {
			return true
		}
		if f.ACodec != "" && f.ACodec != "none" {
			return true
		}
	}
	return false
}

// Author returns the uploader, falling back to the channel name.
func (i *Info) Author() string {
	if i.Uploader != "" {
		return i.Uploader
	}
	return i.Channel
}

// BestThumbnail returns the highest-quality thumbnail URL available. The
// thumbnail list is ordered worst-first, so it is scanned from the end.
func (i *Info) BestThumbnail() string {
	for n := len(i.Thumbnails) - 1; n >= 0; n-- {
		if i.Thumbnails[n].URL != "" {
			return i.Thumbnails[n].URL
		}
	}
	return i.Thumbnail
}

// DurationText renders the duration as M:SS, or "0:00" when unknown.
func (i *Info) DurationText() string {
	return durationText(i.Duration, "0:00")
}

func durationText(seconds float64, unknown string) string {
	s := int(seconds)
	if s <= 0 {
		return unknown
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
