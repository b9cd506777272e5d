package resolver

import (
	"regexp"
	"strings"
)

// Platform identifies where a URL or reference points. Dispatch happens on
// the tag, never on raw URL substrings outside this file.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformYouTube
	PlatformYouTubeMusic
	PlatformSpotify
)

func (p Platform) String() string {
	switch p {
	case PlatformYouTube:
		return "youtube"
	case PlatformYouTubeMusic:
		return "youtube_music"
	case PlatformSpotify:
		return "spotify"
	}
	return "unknown"
}

var videoIDPattern = regexp.MustCompile(`(?:v=|youtu\.be/|/shorts/|/live/)([a-zA-Z0-9_-]{11})`)

// DetectPlatform classifies a URL. The music.youtube.com check runs before
// the general YouTube check because the music host also matches it.
func DetectPlatform(rawURL string) Platform {
	u := strings.ToLower(rawURL)
	switch {
	case strings.Contains(u, "music.youtube.com"):
		return PlatformYouTubeMusic
	case strings.Contains(u, "youtube.com") || strings.Contains(u, "youtu.be"):
		return PlatformYouTube
	case strings.Contains(u, "spotify.com"):
		return PlatformSpotify
	}
	return PlatformUnknown
}

// IsPlaylistURL reports whether the URL names a collection rather than a
// single item.
func IsPlaylistURL(rawURL string) bool {
	u := strings.ToLower(rawURL)
	switch DetectPlatform(rawURL) {
	case PlatformYouTube, PlatformYouTubeMusic:
		return strings.Contains(u, "list=")
	case PlatformSpotify:
		return strings.Contains(u, "/playlist/") || strings.Contains(u, "/album/")
	}
	return false
}

// VideoID extracts the 11-character YouTube video id, empty when the URL
// carries none.
func VideoID(rawURL string) string {
	m := videoIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// WatchURL canonicalizes a YouTube reference to a plain watch URL so the
// download engine never receives playlist context.
func WatchURL(rawURL string) string {
	if id := VideoID(rawURL); id != "" {
		return "https://www.youtube.com/watch?v=" + id
	}
	return rawURL
}
