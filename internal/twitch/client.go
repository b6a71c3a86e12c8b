// Package twitch talks to the Twitch Helix API: app token management,
// batched live-stream and game lookups, and thumbnail downloads.
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.twitch.tv/helix"

	// maxBatch is the hard per-query cap Helix imposes on user_login/id
	// parameters.
	maxBatch = 100
)

// Stream is the fetched state of one live session at one poll instant.
type Stream struct {
	Name         string
	GameID       string
	ThumbnailURL string
	Type         string // live, rerun, ...
	Title        string
	Viewers      int
	StartedAt    time.Time
}

// Game is resolved category metadata for a stream.
type Game struct {
	ID        string
	Name      string
	BoxArtURL string
}

// APIError is a well-formed Helix error payload. Transport failures are
// returned as ordinary errors; this type means Twitch answered and said no.
type APIError struct {
	ErrorText string `json:"error"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api error: %s (%d): %s", e.ErrorText, e.Status, e.Message)
}

// RateLimited reports whether the error payload indicates throttling.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.ErrorText == "Too Many Requests"
}

// IsRateLimited reports whether err carries a throttling payload.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.RateLimited()
}

// Client fetches live streams, games and thumbnails. Requests are paced by
// a shared limiter so one large poll cycle cannot burst past the Helix
// points budget.
type Client struct {
	Tokens     *TokenManager
	HTTPClient *http.Client
	BaseURL    string // overridable for tests

	limiter *rate.Limiter
}

// NewClient builds a client around the given token manager.
func NewClient(tokens *TokenManager) *Client {
	return &Client{
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		// 20 requests per second, small burst for batch fan-out.
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 5),
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

// get performs an authenticated GET and decodes the JSON response into
// result, surfacing Helix error payloads as *APIError.
func (c *Client) get(ctx context.Context, rawURL string, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Client-Id", c.Tokens.ClientID)
	req.Header.Set("Authorization", "Bearer "+c.Tokens.AccessToken())
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.ErrorText != "" {
		return &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s: %s", resp.Status, string(body))
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// chunk splits items into slices of at most n.
func chunk(items []string, n int) [][]string {
	var out [][]string
	for len(items) > n {
		out = append(out, items[:n])
		items = items[n:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

type streamPayload struct {
	UserName     string `json:"user_name"`
	GameID       string `json:"game_id"`
	ThumbnailURL string `json:"thumbnail_url"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	ViewerCount  int    `json:"viewer_count"`
	StartedAt    string `json:"started_at"`
}

// LiveStreams returns a snapshot for every currently-live login in names.
// Names are queried in batches of at most 100; all batches must succeed for
// the cycle to proceed, so any error payload fails the whole call.
func (c *Client) LiveStreams(ctx context.Context, names []string) ([]Stream, error) {
	var streams []Stream
	for _, batch := range chunk(names, maxBatch) {
		q := url.Values{}
		for _, name := range batch {
			q.Add("user_login", name)
		}
		var body struct {
			Data []streamPayload `json:"data"`
		}
		if err := c.get(ctx, c.baseURL()+"/streams?"+q.Encode(), &body); err != nil {
			return nil, err
		}
		for _, s := range body.Data {
			started, err := time.Parse(time.RFC3339, s.StartedAt)
			if err != nil {
				return nil, fmt.Errorf("bad started_at %q: %w", s.StartedAt, err)
			}
			streams = append(streams, Stream{
				// Display names can contain spaces (localized names);
				// strip them so the name doubles as a channel URL part.
				Name:         strings.ReplaceAll(s.UserName, " ", ""),
				GameID:       s.GameID,
				ThumbnailURL: strings.Replace(s.ThumbnailURL, "{width}x{height}", "1280x720", 1),
				Type:         s.Type,
				Title:        s.Title,
				Viewers:      s.ViewerCount,
				StartedAt:    started,
			})
		}
	}
	return streams, nil
}

// Games resolves game ids to metadata, batched at 100 ids per query.
func (c *Client) Games(ctx context.Context, ids []string) (map[string]Game, error) {
	games := make(map[string]Game, len(ids))
	for _, batch := range chunk(ids, maxBatch) {
		q := url.Values{}
		for _, id := range batch {
			q.Add("id", id)
		}
		var body struct {
			Data []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				BoxArtURL string `json:"box_art_url"`
			} `json:"data"`
		}
		if err := c.get(ctx, c.baseURL()+"/games?"+q.Encode(), &body); err != nil {
			return nil, err
		}
		for _, g := range body.Data {
			games[g.ID] = Game{ID: g.ID, Name: g.Name, BoxArtURL: g.BoxArtURL}
		}
	}
	return games, nil
}

// Thumbnail downloads a stream preview image. The bytes live only for the
// current cycle; nothing is written to disk.
func (c *Client) Thumbnail(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("thumbnail request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("thumbnail returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}
