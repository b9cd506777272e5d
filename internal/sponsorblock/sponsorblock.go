// Package sponsorblock queries the SponsorBlock API for skippable segments.
// The probe is advisory: failures and unknown videos return an empty result
// and never fail a download.
package sponsorblock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultAPI is the public SponsorBlock endpoint.
const DefaultAPI = "https://sponsor.ajay.app"

const probeTimeout = 5 * time.Second

// Segment is one skippable span reported by the API.
type Segment struct {
	Span     [2]float64 `json:"segment"`
	Category string     `json:"category"`
	UUID     string     `json:"UUID"`
}

// Duration returns the span length in seconds.
func (s Segment) Duration() float64 {
	return s.Span[1] - s.Span[0]
}

// Result summarizes the segments found for a video.
type Result struct {
	HasSegments          bool      `json:"has_segments"`
	Segments             []Segment `json:"segments"`
	TotalDurationRemoved float64   `json:"total_duration_removed"`
	CategoriesFound      []string  `json:"categories_found"`
}

// Client talks to a SponsorBlock-compatible API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client against the given API base URL; empty means
// the public instance.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPI
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: probeTimeout},
	}
}

// Segments fetches skip-segments for a video and filters them to the given
// categories (nil means all). A 404 means the video has no entries.
func (c *Client) Segments(ctx context.Context, videoID string, categories []string) (Result, error) {
	empty := Result{Segments: []Segment{}, CategoriesFound: []string{}}

	endpoint := fmt.Sprintf("%s/api/skipSegments?videoID=%s", c.baseURL, url.QueryEscape(videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return empty, fmt.Errorf("failed to build SponsorBlock request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return empty, fmt.Errorf("SponsorBlock request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return empty, nil
	}
	if resp.StatusCode != http.StatusOK {
		return empty, fmt.Errorf("SponsorBlock API returned status %d", resp.StatusCode)
	}

	var segments []Segment
	if err := json.NewDecoder(resp.Body).Decode(&segments); err != nil {
		return empty, fmt.Errorf("failed to decode SponsorBlock response: %w", err)
	}

	wanted := map[string]bool{}
	for _, cat := range categories {
		wanted[cat] = true
	}

	result := empty
	seen := map[string]bool{}
	for _, seg := range segments {
		if len(wanted) > 0 && !wanted[seg.Category] {
			continue
		}
		result.Segments = append(result.Segments, seg)
		result.TotalDurationRemoved += seg.Duration()
		if !seen[seg.Category] {
			seen[seg.Category] = true
			result.CategoriesFound = append(result.CategoriesFound, seg.Category)
		}
	}
	result.HasSegments = len(result.Segments) > 0
	return result, nil
}
