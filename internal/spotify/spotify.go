// Package spotify is a minimal client for the Spotify Web API covering the
// lookups the resolver needs: single tracks, playlist pages and album pages.
// Authentication uses the client-credentials flow; without configured
// credentials the client is absent and Spotify URLs fail resolution.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	apiBase  = "https://api.spotify.com/v1"
	tokenURL = "https://accounts.spotify.com/api/token"

	playlistPageSize = 100
	albumPageSize    = 50

	// playlistFields trims playlist pages to what the resolver consumes.
	playlistFields = "items(track(id,name,artists,duration_ms,album(images))),next,total"
)

// ErrNotConfigured means no client credentials were provided.
var ErrNotConfigured = errors.New("spotify credentials not configured")

// Track is one playable item.
type Track struct {
	ID              string
	Name            string
	Artists         []string
	DurationSeconds int
	ThumbnailURL    string
}

// Artist returns the primary artist, empty when unknown.
func (t Track) Artist() string {
	if len(t.Artists) == 0 {
		return ""
	}
	return t.Artists[0]
}

// Collection is a playlist or album with its tracks expanded.
type Collection struct {
	Title        string
	Owner        string
	ThumbnailURL string
	Tracks       []Track
}

// Client calls the Spotify Web API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a client-credentials authenticated client.
func NewClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, ErrNotConfigured
	}
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &Client{httpClient: conf.Client(ctx), baseURL: apiBase}, nil
}

// NewClientWithHTTP wires an explicit HTTP client and base URL (testing).
func NewClientWithHTTP(httpClient *http.Client, baseURL string) *Client {
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// TrackID extracts the id from an open.spotify.com/track/... URL.
func TrackID(url string) (string, bool) { return pathID(url, "/track/") }

// PlaylistID extracts the id from a playlist URL.
func PlaylistID(url string) (string, bool) { return pathID(url, "/playlist/") }

// AlbumID extracts the id from an album URL.
func AlbumID(url string) (string, bool) { return pathID(url, "/album/") }

func pathID(url, marker string) (string, bool) {
	if !strings.Contains(url, "spotify.com") || !strings.Contains(url, marker) {
		return "", false
	}
	id := strings.SplitN(url, marker, 2)[1]
	id = strings.SplitN(id, "?", 2)[0]
	id = strings.SplitN(id, "/", 2)[0]
	return id, id != ""
}

type apiTrack struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMS int    `json:"duration_ms"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"album"`
}

func (t apiTrack) toTrack() Track {
	track := Track{
		ID:              t.ID,
		Name:            t.Name,
		DurationSeconds: t.DurationMS / 1000,
	}
	for _, a := range t.Artists {
		if a.Name != "" {
			track.Artists = append(track.Artists, a.Name)
		}
	}
	if len(t.Album.Images) > 0 {
		track.ThumbnailURL = t.Album.Images[0].URL
	}
	return track
}

// Track fetches one track by id.
func (c *Client) Track(ctx context.Context, id string) (Track, error) {
	var raw apiTrack
	if err := c.get(ctx, fmt.Sprintf("/tracks/%s", id), &raw); err != nil {
		return Track{}, err
	}
	if raw.ID == "" {
		return Track{}, fmt.Errorf("spotify track %s not found", id)
	}
	return raw.toTrack(), nil
}

// Playlist fetches playlist metadata and all tracks, paging by 100.
func (c *Client) Playlist(ctx context.Context, id string) (Collection, error) {
	var head struct {
		Name  string `json:"name"`
		Owner struct {
			DisplayName string `json:"display_name"`
		} `json:"owner"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := c.get(ctx, fmt.Sprintf("/playlists/%s", id), &head); err != nil {
		return Collection{}, err
	}

	coll := Collection{Title: head.Name, Owner: head.Owner.DisplayName}
	if len(head.Images) > 0 {
		coll.ThumbnailURL = head.Images[0].URL
	}

	for offset := 0; ; offset += playlistPageSize {
		var page struct {
			Items []struct {
				Track apiTrack `json:"track"`
			} `json:"items"`
			Next string `json:"next"`
		}
		path := fmt.Sprintf("/playlists/%s/tracks?offset=%d&limit=%d&fields=%s",
			id, offset, playlistPageSize, playlistFields)
		if err := c.get(ctx, path, &page); err != nil {
			return Collection{}, err
		}
		if len(page.Items) == 0 {
			break
		}
		for _, item := range page.Items {
			if item.Track.ID == "" {
				continue
			}
			coll.Tracks = append(coll.Tracks, item.Track.toTrack())
		}
		if page.Next == "" {
			break
		}
	}
	return coll, nil
}

// Album fetches album metadata and all tracks, paging by 50. Album tracks
// carry no images of their own, so the album art is reused.
func (c *Client) Album(ctx context.Context, id string) (Collection, error) {
	var head struct {
		Name    string `json:"name"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"artists"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := c.get(ctx, fmt.Sprintf("/albums/%s", id), &head); err != nil {
		return Collection{}, err
	}

	var artistNames []string
	for _, a := range head.Artists {
		artistNames = append(artistNames, a.Name)
	}
	coll := Collection{Title: head.Name, Owner: strings.Join(artistNames, ", ")}
	if len(head.Images) > 0 {
		coll.ThumbnailURL = head.Images[0].URL
	}

	for offset := 0; ; offset += albumPageSize {
		var page struct {
			Items []apiTrack `json:"items"`
			Next  string     `json:"next"`
		}
		path := fmt.Sprintf("/albums/%s/tracks?offset=%d&limit=%d", id, offset, albumPageSize)
		if err := c.get(ctx, path, &page); err != nil {
			return Collection{}, err
		}
		if len(page.Items) == 0 {
			break
		}
		for _, raw := range page.Items {
			if raw.ID == "" {
				continue
			}
			track := raw.toTrack()
			track.ThumbnailURL = coll.ThumbnailURL
			coll.Tracks = append(coll.Tracks, track)
		}
		if page.Next == "" {
			break
		}
	}
	return coll, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build spotify request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("spotify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("spotify API returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode spotify response: %w", err)
	}
	return nil
}
