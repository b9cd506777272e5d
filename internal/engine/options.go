package engine

import (
	"offliner/internal/media"
	"offliner/internal/sponsorblock"
	"offliner/internal/userconfig"
)

// Audio bitrate targets per quality level, in kbps.
var audioBitrates = map[string]string{
	userconfig.QualityMin: "64",
	userconfig.QualityAvg: "128",
	userconfig.QualityMax: "320",
}

// audioSelectors pick the source stream before extraction. The avg level
// prefers tracks at or under 160 kbps so a 128k target never transcodes up
// from a worse source than necessary.
var audioSelectors = map[string]string{
	userconfig.QualityMin: "worstaudio[abr<=96]/worstaudio/worst",
	userconfig.QualityAvg: "bestaudio[abr<=160]/bestaudio[abr<=192]/bestaudio/best",
	userconfig.QualityMax: "bestaudio/best",
}

// mp4Selectors pin stream extensions so the muxer never pairs Opus audio
// into an MP4 container.
var mp4Selectors = map[string]string{
	userconfig.QualityMin: "bestvideo[height<=480][ext=mp4]+bestaudio[ext=m4a]/best[height<=480][ext=mp4]/best[height<=480]/best",
	userconfig.QualityAvg: "bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/best[height<=1080][ext=mp4]/best[height<=1080]/best",
	userconfig.QualityMax: "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
}

var videoSelectors = map[string]string{
	userconfig.QualityMin: "bestvideo[height<=480]+bestaudio/best[height<=480]/best",
	userconfig.QualityAvg: "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best",
	userconfig.QualityMax: "bestvideo+bestaudio/best",
}

// Containers that support embedded cover art. Embedding into anything else
// makes ffmpeg fail the whole postprocessing chain.
var (
	audioArtContainers = map[string]bool{"mp3": true, "ogg": true, "opus": true, "flac": true, "m4a": true}
	videoArtContainers = map[string]bool{"mp4": true, "m4v": true, "mov": true, "mkv": true, "mka": true}
)

const (
	videoConcurrentFragments = 3
	outputFilenameTrim       = 184
)

// formatSelector returns the yt-dlp format expression for a mode, quality
// and target container.
func formatSelector(mode, quality, container string) string {
	if mode == userconfig.ModeAudio {
		return audioSelectors[quality]
	}
	if container == "mp4" {
		return mp4Selectors[quality]
	}
	return videoSelectors[quality]
}

// supportsEmbeddedArt reports whether cover art can be embedded into the
// final container.
func supportsEmbeddedArt(mode, container string) bool {
	if mode == userconfig.ModeAudio {
		return audioArtContainers[container]
	}
	return videoArtContainers[container]
}

// container returns the effective output container for an item.
func container(mode string, cfg userconfig.UserConfig) string {
	if mode == userconfig.ModeAudio {
		return cfg.AudioFormat
	}
	return cfg.VideoFormat
}

// buildOptions assembles the tool invocation for one item. The output
// template is filled in later, once the sanitized stem is known.
func buildOptions(req Request) media.Options {
	cfg := req.Config
	cont := container(req.Mode, cfg)

	opts := media.BaseOptions(req.CookieFile)
	opts.Format = formatSelector(req.Mode, cfg.Quality, cont)
	opts.TrimFileNames = outputFilenameTrim
	opts.DownloadRetries = 10

	if req.Mode == userconfig.ModeAudio {
		opts.ExtractAudio = true
		opts.AudioFormat = cont
		opts.AudioQuality = audioBitrates[cfg.Quality]
	} else {
		opts.ConcurrentFragments = videoConcurrentFragments
		if cont == "mp4" {
			opts.FormatSort = []string{"vext:mp4", "aext:m4a", "aext:mp3"}
			opts.MergeOutputFormat = "mp4"
		} else {
			opts.MergeOutputFormat = cont
		}
	}

	if cfg.SponsorSkipEnabled && len(cfg.SponsorSkipCategories) > 0 {
		opts.SponsorBlockRemove = append([]string(nil), cfg.SponsorSkipCategories...)
		opts.SponsorBlockAPI = sponsorblock.DefaultAPI
	}

	if cfg.EmbedMetadata {
		opts.EmbedMetadata = true
		if supportsEmbeddedArt(req.Mode, cont) {
			opts.WriteThumbnail = true
			opts.ConvertThumbnails = "jpg"
			opts.EmbedThumbnail = true
		}
		if req.Mode == userconfig.ModeAudio && cont == "mp3" {
			opts.PostprocessorArgs = "Metadata:-id3v2_version 3"
		}
	}

	return opts
}
