// Package userconfig defines the validated per-request options snapshot.
package userconfig

import (
	"fmt"

	"offliner/internal/config"
)

// Quality levels for both audio and video selection.
const (
	QualityMin = "min"
	QualityAvg = "avg"
	QualityMax = "max"
)

// Modes a target can be downloaded in.
const (
	ModeAudio = "audio"
	ModeVideo = "video"
)

var (
	allowedQualities    = map[string]bool{QualityMin: true, QualityAvg: true, QualityMax: true}
	allowedAudioFormats = map[string]bool{"mp3": true, "wav": true, "m4a": true, "flac": true}
	allowedVideoFormats = map[string]bool{"mp4": true, "mov": true, "mkv": true, "webm": true}

	allowedSponsorCategories = map[string]bool{
		"sponsor":        true,
		"intro":          true,
		"outro":          true,
		"selfpromo":      true,
		"preview":        true,
		"filler":         true,
		"interaction":    true,
		"music_offtopic": true,
	}
)

// UserConfig is the snapshot of recognized download options attached to a
// request. Credentials fields are never logged; defaults carry no secrets.
type UserConfig struct {
	Quality               string   `json:"quality"`
	AudioFormat           string   `json:"audio_format"`
	VideoFormat           string   `json:"video_format"`
	WantAudio             bool     `json:"want_audio"`
	WantVideo             bool     `json:"want_video"`
	PreferAlternateSource bool     `json:"prefer_alternate_source"`
	EmbedMetadata         bool     `json:"embed_metadata"`
	SponsorSkipEnabled    bool     `json:"sponsor_skip_enabled"`
	SponsorSkipCategories []string `json:"sponsor_skip_categories,omitempty"`
	CredentialsBlob       string   `json:"credentials_blob,omitempty"`
	CredentialsPath       string   `json:"credentials_path,omitempty"`
	MaxDownloadWorkers    int      `json:"max_download_workers"`
}

// ItemOverride narrows the output for a single target. Empty fields fall
// back to the request-level UserConfig.
type ItemOverride struct {
	Mode        string `json:"mode,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
	VideoFormat string `json:"video_format,omitempty"`
}

// Default returns the baseline config: average-quality mp3 audio, no video,
// empty credentials.
func Default() UserConfig {
	return UserConfig{
		Quality:            QualityAvg,
		AudioFormat:        "mp3",
		VideoFormat:        "mp4",
		WantAudio:          true,
		WantVideo:          false,
		EmbedMetadata:      true,
		MaxDownloadWorkers: defaultWorkers(),
	}
}

// defaultWorkers is the per-job pool size when the request does not set
// one, taken from MAX_DOWNLOAD_WORKERS.
func defaultWorkers() int {
	if config.MaxDownloadWorkers < 1 {
		return 4
	}
	return config.MaxDownloadWorkers
}

// Validate fills defaults for empty fields and rejects out-of-range values.
func (c *UserConfig) Validate() error {
	if c.Quality == "" {
		c.Quality = QualityAvg
	}
	if !allowedQualities[c.Quality] {
		return fmt.Errorf("invalid quality %q", c.Quality)
	}

	if c.AudioFormat == "" {
		c.AudioFormat = "mp3"
	}
	if !allowedAudioFormats[c.AudioFormat] {
		return fmt.Errorf("invalid audio_format %q", c.AudioFormat)
	}

	if c.VideoFormat == "" {
		c.VideoFormat = "mp4"
	}
	if !allowedVideoFormats[c.VideoFormat] {
		return fmt.Errorf("invalid video_format %q", c.VideoFormat)
	}

	if !c.WantAudio && !c.WantVideo {
		c.WantAudio = true
	}

	for _, cat := range c.SponsorSkipCategories {
		if !allowedSponsorCategories[cat] {
			return fmt.Errorf("invalid sponsor_skip_categories entry %q", cat)
		}
	}
	if c.SponsorSkipEnabled && len(c.SponsorSkipCategories) == 0 {
		c.SponsorSkipCategories = []string{"sponsor"}
	}

	if c.MaxDownloadWorkers < 1 {
		c.MaxDownloadWorkers = defaultWorkers()
	}

	return nil
}

// Validate checks an override against the recognized values. Empty fields
// are allowed and mean "inherit".
func (o *ItemOverride) Validate() error {
	if o.Mode != "" && o.Mode != ModeAudio && o.Mode != ModeVideo {
		return fmt.Errorf("invalid mode %q", o.Mode)
	}
	if o.AudioFormat != "" && !allowedAudioFormats[o.AudioFormat] {
		return fmt.Errorf("invalid audio_format %q", o.AudioFormat)
	}
	if o.VideoFormat != "" && !allowedVideoFormats[o.VideoFormat] {
		return fmt.Errorf("invalid video_format %q", o.VideoFormat)
	}
	return nil
}
