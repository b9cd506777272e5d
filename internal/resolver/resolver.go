// Package resolver turns a job's raw input into an ordered list of concrete
// download targets. It classifies URLs by platform, expands playlists and
// albums, translates Spotify references to downloadable YouTube matches via
// fuzzy-gated searches, and falls back to free-text search for everything
// else.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"offliner/internal/config"
	"offliner/internal/media"
	"offliner/internal/spotify"

	"golang.org/x/sync/errgroup"
)

const (
	generalCacheSize = 512
	musicCacheSize   = 256

	musicSearchLimit = 15
)

var (
	// ErrEmptyInput means there was nothing to resolve.
	ErrEmptyInput = errors.New("no URL or search query provided")
	// ErrNoResults means classification succeeded but search found nothing.
	ErrNoResults = errors.New("no results found")
	// ErrPlaylistTooLarge means the collection exceeds the configured cap.
	ErrPlaylistTooLarge = errors.New("playlist has too many items")
	// ErrSpotifyUnavailable means a Spotify reference arrived but no API
	// credentials are configured.
	ErrSpotifyUnavailable = errors.New("spotify support is not configured")
)

// Target is one concrete item the engine can download.
type Target struct {
	ID              string
	URL             string
	Title           string
	Uploader        string
	DurationSeconds float64
	Platform        Platform
}

// Request carries everything Resolve needs from a job.
type Request struct {
	RawInput     string
	PlaylistMode bool
	SelectedURLs []string
	// PreferMusic searches the music catalog before the general one for
	// free-text queries.
	PreferMusic bool
	CookieFile  string
	// Workers bounds concurrent playlist-item translation.
	Workers int
}

// Resolver classifies inputs and produces targets. The Spotify client may
// be nil, in which case Spotify references fail with ErrSpotifyUnavailable.
type Resolver struct {
	runner           media.Runner
	spotify          *spotify.Client
	general          *searchCache
	music            *searchCache
	maxPlaylistItems int
}

// New creates a resolver over the given tool runner and optional Spotify
// metadata client.
func New(runner media.Runner, spotifyClient *spotify.Client) *Resolver {
	return &Resolver{
		runner:           runner,
		spotify:          spotifyClient,
		general:          newSearchCache(generalCacheSize),
		music:            newSearchCache(musicCacheSize),
		maxPlaylistItems: config.MaxPlaylistItems,
	}
}

// Resolve returns the ordered target list for a request.
func (r *Resolver) Resolve(ctx context.Context, req Request) ([]Target, error) {
	if req.PlaylistMode && len(req.SelectedURLs) > 0 {
		return r.resolveSelections(req)
	}

	input := strings.TrimSpace(req.RawInput)
	if input == "" {
		return nil, ErrEmptyInput
	}

	opts := media.BaseOptions(req.CookieFile)
	platform := DetectPlatform(input)

	switch {
	case IsPlaylistURL(input):
		return r.resolvePlaylist(ctx, input, platform, req, opts)
	case platform == PlatformSpotify:
		return r.resolveSpotifyTrack(ctx, input, opts)
	case platform != PlatformUnknown:
		return r.resolveSingle(ctx, input, platform, opts)
	default:
		return r.resolveQuery(ctx, input, req, opts)
	}
}

// resolveSelections trusts the user's playlist picks as-is. Metadata stays
// lazy: the engine's pre-flight probe fills in whatever is missing.
func (r *Resolver) resolveSelections(req Request) ([]Target, error) {
	if len(req.SelectedURLs) > r.maxPlaylistItems {
		return nil, fmt.Errorf("%w: %d selected, limit %d",
			ErrPlaylistTooLarge, len(req.SelectedURLs), r.maxPlaylistItems)
	}

	targets := make([]Target, 0, len(req.SelectedURLs))
	for _, u := range req.SelectedURLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		targets = append(targets, Target{
			ID:       VideoID(u),
			URL:      u,
			Platform: DetectPlatform(u),
		})
	}
	if len(targets) == 0 {
		return nil, ErrEmptyInput
	}
	return targets, nil
}

func (r *Resolver) resolveSingle(ctx context.Context, rawURL string, platform Platform, opts media.Options) ([]Target, error) {
	url := rawURL
	if platform == PlatformYouTube || platform == PlatformYouTubeMusic {
		url = WatchURL(rawURL)
	}

	info, err := r.runner.Probe(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", url, err)
	}
	return []Target{{
		ID:              info.ID,
		URL:             url,
		Title:           info.Title,
		Uploader:        info.Author(),
		DurationSeconds: info.Duration,
		Platform:        platform,
	}}, nil
}

func (r *Resolver) resolvePlaylist(ctx context.Context, rawURL string, platform Platform, req Request, opts media.Options) ([]Target, error) {
	if platform == PlatformSpotify {
		return r.resolveSpotifyCollection(ctx, rawURL, req, opts)
	}

	info, err := r.runner.FlatPlaylist(ctx, rawURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to expand playlist: %w", err)
	}
	if len(info.Entries) > r.maxPlaylistItems {
		return nil, fmt.Errorf("%w: %d items, limit %d",
			ErrPlaylistTooLarge, len(info.Entries), r.maxPlaylistItems)
	}

	targets := make([]Target, 0, len(info.Entries))
	for _, e := range info.Entries {
		url := e.WatchURL()
		if url == "" {
			continue
		}
		targets = append(targets, Target{
			ID:              e.ID,
			URL:             url,
			Title:           e.Title,
			Uploader:        e.Author(),
			DurationSeconds: e.Duration,
			Platform:        platform,
		})
	}
	if len(targets) == 0 {
		return nil, ErrNoResults
	}
	return targets, nil
}

func (r *Resolver) resolveSpotifyTrack(ctx context.Context, rawURL string, opts media.Options) ([]Target, error) {
	if r.spotify == nil {
		return nil, ErrSpotifyUnavailable
	}
	id, ok := spotify.TrackID(rawURL)
	if !ok {
		return nil, fmt.Errorf("unrecognized spotify URL %q", rawURL)
	}

	track, err := r.spotify.Track(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up spotify track: %w", err)
	}
	target, err := r.translateTrack(ctx, track, opts)
	if err != nil {
		return nil, err
	}
	return []Target{target}, nil
}

// resolveSpotifyCollection expands a playlist or album and translates every
// track to a YouTube match. Translation runs concurrently, bounded by the
// request's worker count; individual misses are skipped, not fatal.
func (r *Resolver) resolveSpotifyCollection(ctx context.Context, rawURL string, req Request, opts media.Options) ([]Target, error) {
	if r.spotify == nil {
		return nil, ErrSpotifyUnavailable
	}

	var (
		coll spotify.Collection
		err  error
	)
	if id, ok := spotify.PlaylistID(rawURL); ok {
		coll, err = r.spotify.Playlist(ctx, id)
	} else if id, ok := spotify.AlbumID(rawURL); ok {
		coll, err = r.spotify.Album(ctx, id)
	} else {
		return nil, fmt.Errorf("unrecognized spotify URL %q", rawURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expand spotify collection: %w", err)
	}
	if len(coll.Tracks) > r.maxPlaylistItems {
		return nil, fmt.Errorf("%w: %d tracks, limit %d",
			ErrPlaylistTooLarge, len(coll.Tracks), r.maxPlaylistItems)
	}

	workers := req.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		results = make([]Target, len(coll.Tracks))
		found   = make([]bool, len(coll.Tracks))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, track := range coll.Tracks {
		g.Go(func() error {
			target, err := r.translateTrack(gctx, track, opts)
			if err != nil {
				slog.Warn("Skipping untranslatable track",
					"title", track.Name, "artist", track.Artist(), "error", err)
				return nil
			}
			mu.Lock()
			results[i] = target
			found[i] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(results))
	for i, ok := range found {
		if ok {
			targets = append(targets, results[i])
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoResults, coll.Title)
	}
	return targets, nil
}

// translateTrack finds the best YouTube match for a Spotify track: music
// catalog first, general catalog as fallback, fuzzy match gating both.
func (r *Resolver) translateTrack(ctx context.Context, track spotify.Track, opts media.Options) (Target, error) {
	query := strings.TrimSpace(track.Name + " " + track.Artist())
	if query == "" {
		return Target{}, fmt.Errorf("spotify track %s has no name", track.ID)
	}

	if entry, ok := r.bestMusicMatch(ctx, query, opts); ok {
		return entryTarget(entry, PlatformYouTubeMusic), nil
	}

	info, err := r.cachedSearch(ctx, r.general, query, 5, opts)
	if err != nil {
		return Target{}, fmt.Errorf("failed to search for %q: %w", query, err)
	}
	if entry, ok := bestMatch(info.Entries, query); ok {
		return entryTarget(entry, PlatformYouTube), nil
	}
	return Target{}, fmt.Errorf("%w for %q", ErrNoResults, query)
}

func (r *Resolver) resolveQuery(ctx context.Context, query string, req Request, opts media.Options) ([]Target, error) {
	if req.PreferMusic {
		if entry, ok := r.bestMusicMatch(ctx, query, opts); ok {
			return []Target{entryTarget(entry, PlatformYouTubeMusic)}, nil
		}
	}

	info, err := r.cachedSearch(ctx, r.general, query, 1, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed for %q: %w", query, err)
	}
	for _, e := range info.Entries {
		if e.WatchURL() == "" {
			continue
		}
		return []Target{entryTarget(e, PlatformYouTube)}, nil
	}
	return nil, fmt.Errorf("%w for %q", ErrNoResults, query)
}

// bestMusicMatch searches the music catalog and returns the highest-scoring
// song-like entry clearing the fuzzy threshold.
func (r *Resolver) bestMusicMatch(ctx context.Context, query string, opts media.Options) (media.Entry, bool) {
	info, err := r.cachedMusicSearch(ctx, query, opts)
	if err != nil {
		slog.Warn("Music catalog search failed", "query", query, "error", err)
		return media.Entry{}, false
	}

	songs := make([]media.Entry, 0, len(info.Entries))
	for _, e := range info.Entries {
		if e.WatchURL() == "" || e.Duration <= 0 {
			continue
		}
		songs = append(songs, e)
	}
	return bestMatch(songs, query)
}

func (r *Resolver) cachedSearch(ctx context.Context, cache *searchCache, query string, limit int, opts media.Options) (*media.Info, error) {
	key := fmt.Sprintf("%d:%s", limit, normalizeTitle(query))
	if info, ok := cache.get(key); ok {
		return info, nil
	}
	info, err := r.runner.Search(ctx, query, limit, opts)
	if err != nil {
		return nil, err
	}
	cache.put(key, info)
	return info, nil
}

func (r *Resolver) cachedMusicSearch(ctx context.Context, query string, opts media.Options) (*media.Info, error) {
	key := normalizeTitle(query)
	if info, ok := r.music.get(key); ok {
		return info, nil
	}
	info, err := r.runner.MusicSearch(ctx, query, musicSearchLimit, opts)
	if err != nil {
		return nil, err
	}
	r.music.put(key, info)
	return info, nil
}

// bestMatch picks the entry whose "title uploader" string scores highest
// against want, provided it clears the inclusive threshold.
func bestMatch(entries []media.Entry, want string) (media.Entry, bool) {
	var (
		best      media.Entry
		bestScore = -1.0
	)
	for _, e := range entries {
		if e.WatchURL() == "" {
			continue
		}
		score := similarity(strings.TrimSpace(e.Title+" "+e.Author()), want)
		if titleOnly := similarity(e.Title, want); titleOnly > score {
			score = titleOnly
		}
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	return best, bestScore >= matchThreshold
}

func entryTarget(e media.Entry, platform Platform) Target {
	return Target{
		ID:              e.ID,
		URL:             e.WatchURL(),
		Title:           e.Title,
		Uploader:        e.Author(),
		DurationSeconds: e.Duration,
		Platform:        platform,
	}
}
