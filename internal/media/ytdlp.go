package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
)

// Runner abstracts the downloader binary so resolution and download logic
// can be tested without spawning processes.
type Runner interface {
	// Probe fetches full metadata for a single URL without downloading.
	Probe(ctx context.Context, target string, opts Options) (*Info, error)
	// FlatPlaylist fetches shallow metadata for every item of a playlist.
	FlatPlaylist(ctx context.Context, target string, opts Options) (*Info, error)
	// Search runs a YouTube search and returns up to limit flat entries.
	Search(ctx context.Context, query string, limit int, opts Options) (*Info, error)
	// MusicSearch runs a YouTube Music catalog search.
	MusicSearch(ctx context.Context, query string, limit int, opts Options) (*Info, error)
	// Download fetches one target into the configured output template,
	// streaming events to hooks as the run progresses.
	Download(ctx context.Context, target string, opts Options, hooks Hooks) (*DownloadResult, error)
}

// Sentinels prefixing machine-readable lines on stdout. Everything else the
// tool prints is ignored.
const (
	progressPrefix    = "OFFPROG"
	postprocessPrefix = "OFFPP"
	outputPrefix      = "OFFOUT"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"

	musicSearchURL = "https://music.youtube.com/search?q="

	// stderrTailBytes caps how much of the tool's error output is kept on
	// RunError; failure markers always appear near the end.
	stderrTailBytes = 4096
)

// CommandRunner shells out to the yt-dlp binary.
type CommandRunner struct {
	path string
}

// NewCommandRunner returns a runner invoking the binary at path, or plain
// "yt-dlp" from PATH when empty.
func NewCommandRunner(path string) *CommandRunner {
	if path == "" {
		path = "yt-dlp"
	}
	return &CommandRunner{path: path}
}

// Version reports the binary version, proving the tool is invocable.
func (r *CommandRunner) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, r.path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp not available: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// baseArgs renders the flags shared by every invocation. Later duplicates
// win with the tool's flag parser, so callers may append overrides.
func baseArgs(o Options) []string {
	args := []string{
		"--quiet",
		"--no-warnings",
		"--extractor-retries", "10",
		"--fragment-retries", "10",
		"--file-access-retries", "5",
		"--retry-sleep", "http:exp=1:30",
		"--socket-timeout", "60",
		"--http-chunk-size", "10485760",
		"--user-agent", userAgent,
		"--add-header", "Accept-Language:en-US,en;q=0.9",
		"--no-check-certificates",
		"--force-ipv4",
		"--no-continue",
		"--force-overwrites",
		"--no-cache-dir",
		"--encoding", "utf-8",
	}
	if o.CheckFormats {
		args = append(args, "--check-formats")
	}
	if o.PlayerClient != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+o.PlayerClient)
	}
	if o.CookieFile != "" {
		args = append(args, "--cookies", o.CookieFile)
	}
	return args
}

// downloadArgs renders the format, output, and postprocessing flags.
func downloadArgs(o Options) []string {
	var args []string
	if o.Format != "" {
		args = append(args, "--format", o.Format)
	}
	if o.OutputTemplate != "" {
		args = append(args, "--output", o.OutputTemplate)
	}
	if o.TrimFileNames > 0 {
		args = append(args, "--trim-filenames", strconv.Itoa(o.TrimFileNames))
	}
	args = append(args, "--no-mtime")
	if o.WriteThumbnail {
		args = append(args, "--write-thumbnail")
	}
	for _, pm := range o.ParseMetadata {
		args = append(args, "--parse-metadata", pm)
	}
	if len(o.SponsorBlockRemove) > 0 {
		args = append(args, "--sponsorblock-remove", strings.Join(o.SponsorBlockRemove, ","))
		if o.SponsorBlockAPI != "" {
			args = append(args, "--sponsorblock-api", o.SponsorBlockAPI)
		}
	}
	if o.ExtractAudio {
		args = append(args, "--extract-audio", "--audio-format", o.AudioFormat)
		if o.AudioQuality != "" {
			args = append(args, "--audio-quality", o.AudioQuality)
		}
	}
	if o.EmbedMetadata {
		args = append(args, "--embed-metadata", "--embed-chapters")
	}
	if o.ConvertThumbnails != "" {
		args = append(args, "--convert-thumbnails", o.ConvertThumbnails)
	}
	if o.EmbedThumbnail {
		args = append(args, "--embed-thumbnail")
	}
	if o.PostprocessorArgs != "" {
		args = append(args, "--postprocessor-args", o.PostprocessorArgs)
	}
	if len(o.FormatSort) > 0 {
		args = append(args, "--format-sort", strings.Join(o.FormatSort, ","))
	}
	if o.MergeOutputFormat != "" {
		args = append(args, "--merge-output-format", o.MergeOutputFormat)
	}
	if o.ConcurrentFragments > 0 {
		args = append(args, "--concurrent-fragments", strconv.Itoa(o.ConcurrentFragments))
	}
	if o.DownloadRetries > 0 {
		args = append(args, "--retries", strconv.Itoa(o.DownloadRetries))
	}
	return args
}

func probeArgs(o Options, target string) []string {
	args := baseArgs(o)
	args = append(args,
		"--skip-download",
		"--dump-single-json",
		target,
	)
	return args
}

// flatPlaylistArgs relaxes retries and tolerates broken entries so a single
// dead item cannot sink a whole playlist listing.
func flatPlaylistArgs(o Options, limit int, target string) []string {
	o.CheckFormats = false
	args := baseArgs(o)
	args = append(args,
		"--extractor-retries", "3",
		"--socket-timeout", "30",
		"--ignore-errors",
		"--flat-playlist",
		"--skip-download",
	)
	if limit > 0 {
		args = append(args, "--playlist-items", "1:"+strconv.Itoa(limit))
	}
	args = append(args, "--dump-single-json", target)
	return args
}

func downloadCmdArgs(o Options, target string) []string {
	args := append(baseArgs(o), downloadArgs(o)...)
	args = append(args,
		"--newline",
		"--progress",
		"--progress-template", "download:"+progressPrefix+" %(progress)j",
		"--progress-template", "postprocess:"+postprocessPrefix+" %(progress)j",
		"--no-simulate",
		"--print", "after_move:"+outputPrefix+" %(filepath)s",
		target,
	)
	return args
}

func (r *CommandRunner) Probe(ctx context.Context, target string, opts Options) (*Info, error) {
	return r.runJSON(ctx, probeArgs(opts, target))
}

func (r *CommandRunner) FlatPlaylist(ctx context.Context, target string, opts Options) (*Info, error) {
	return r.runJSON(ctx, flatPlaylistArgs(opts, 0, target))
}

func (r *CommandRunner) Search(ctx context.Context, query string, limit int, opts Options) (*Info, error) {
	if limit <= 0 {
		limit = 1
	}
	return r.runJSON(ctx, flatPlaylistArgs(opts, 0, fmt.Sprintf("ytsearch%d:%s", limit, query)))
}

func (r *CommandRunner) MusicSearch(ctx context.Context, query string, limit int, opts Options) (*Info, error) {
	return r.runJSON(ctx, flatPlaylistArgs(opts, limit, musicSearchURL+url.QueryEscape(query)))
}

// runJSON executes the tool and decodes its single-JSON output. With
// --ignore-errors the tool can exit non-zero while still printing a usable
// document, so decoding is attempted before the exit code is judged.
func (r *CommandRunner) runJSON(ctx context.Context, args []string) (*Info, error) {
	cmd := exec.CommandContext(ctx, r.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var info Info
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &info); err != nil {
		if runErr != nil {
			return nil, &RunError{ExitCode: exitCode(runErr), Stderr: tail(stderr.String())}
		}
		return nil, fmt.Errorf("parse yt-dlp output: %w", err)
	}
	return &info, nil
}

func (r *CommandRunner) Download(ctx context.Context, target string, opts Options, hooks Hooks) (*DownloadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.path, downloadCmdArgs(opts, target)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start yt-dlp: %w", err)
	}

	res := &DownloadResult{}
	var hookErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, progressPrefix+" "):
			var ev ProgressEvent
			if json.Unmarshal([]byte(line[len(progressPrefix)+1:]), &ev) != nil {
				continue
			}
			if hooks.OnProgress != nil && hookErr == nil {
				if err := hooks.OnProgress(ev); err != nil {
					hookErr = err
					cancel()
				}
			}
		case strings.HasPrefix(line, postprocessPrefix+" "):
			var ev PostprocessEvent
			if json.Unmarshal([]byte(line[len(postprocessPrefix)+1:]), &ev) != nil {
				continue
			}
			if hooks.OnPostprocess != nil {
				hooks.OnPostprocess(ev)
			}
		case strings.HasPrefix(line, outputPrefix+" "):
			if p := strings.TrimSpace(line[len(outputPrefix)+1:]); p != "" {
				res.OutputPaths = append(res.OutputPaths, p)
			}
		}
	}

	waitErr := cmd.Wait()
	if hookErr != nil {
		return res, hookErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if waitErr != nil {
		return res, &RunError{ExitCode: exitCode(waitErr), Stderr: tail(stderr.String())}
	}
	return res, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTailBytes {
		return s
	}
	return s[len(s)-stderrTailBytes:]
}
